package dhcp

import (
	"context"
	"time"
)

// Timer is a pending reactor callback.
type Timer interface {
	// Stop cancels the callback. It reports false if the callback already
	// ran or was stopped before.
	Stop() bool
}

// Reactor serializes every callback of the state machine onto one
// goroutine.
type Reactor interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	Post(f func())
}

// Loop is a Reactor backed by a single goroutine running Run.
type Loop struct {
	ch   chan func()
	done chan struct{}
}

// NewLoop creates a loop. Callbacks posted before Run starts are queued.
func NewLoop() *Loop {
	return &Loop{
		ch:   make(chan func(), 128),
		done: make(chan struct{}),
	}
}

// Run executes posted callbacks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case f := <-l.ch:
			f()
		case <-ctx.Done():
			return
		}
	}
}

// Now implements Reactor.
func (l *Loop) Now() time.Time { return time.Now() }

// Post queues f for execution on the loop. Posts after Run returned are
// dropped.
func (l *Loop) Post(f func()) {
	select {
	case l.ch <- f:
	case <-l.done:
	}
}

// Call runs f on the loop and waits for its result.
func (l *Loop) Call(ctx context.Context, f func() error) error {
	errCh := make(chan error, 1)
	l.Post(func() { errCh <- f() })
	select {
	case err := <-errCh:
		return err
	case <-l.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AfterFunc implements Reactor. The stopped/fired flags are only touched
// on the loop goroutine.
func (l *Loop) AfterFunc(d time.Duration, f func()) Timer {
	t := &loopTimer{}
	t.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped {
				return
			}
			t.fired = true
			f()
		})
	})
	return t
}

type loopTimer struct {
	t       *time.Timer
	stopped bool
	fired   bool
}

func (t *loopTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.t.Stop()
	return true
}
