package dhcp

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLoopCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLoop()
	go l.Run(ctx)

	want := errors.New("boom")
	if err := l.Call(ctx, func() error { return want }); !errors.Is(err, want) {
		t.Errorf("Call = %v, want %v", err, want)
	}
}

func TestLoopTimerStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLoop()
	go l.Run(ctx)

	fired := make(chan string, 2)
	var stopped Timer
	l.Call(ctx, func() error {
		stopped = l.AfterFunc(10*time.Millisecond, func() { fired <- "stopped" })
		l.AfterFunc(20*time.Millisecond, func() { fired <- "kept" })
		return nil
	})
	l.Call(ctx, func() error {
		if !stopped.Stop() {
			t.Error("Stop = false for a pending timer")
		}
		if stopped.Stop() {
			t.Error("second Stop = true")
		}
		return nil
	})

	select {
	case got := <-fired:
		if got != "kept" {
			t.Errorf("fired %q, want kept", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestLoopCallAfterRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := NewLoop()
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
	if err := l.Call(context.Background(), func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("Call = %v, want context.Canceled", err)
	}
}
