package logging

import (
	"sync"
	"time"
)

// EventRecord is a session outcome kept in the event buffer.
type EventRecord struct {
	Time      time.Time
	Interface string
	Mode      string // "stateful", "stateless", "pd"
	Status    string // "succeed", "fail", "restart"
	Prefixes  []string
}

// EventBuffer is a thread-safe circular buffer for recent events.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []EventRecord
	size  int
	head  int // next write position
	count int // number of events stored

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new events from an EventBuffer.
type Subscription struct {
	C  chan EventRecord
	eb *EventBuffer
}

// Close unsubscribes. C is left open so readers never see a zero record.
func (s *Subscription) Close() {
	s.eb.subMu.Lock()
	delete(s.eb.subs, s)
	s.eb.subMu.Unlock()
}

// NewEventBuffer creates a new event buffer with the given capacity.
func NewEventBuffer(size int) *EventBuffer {
	if size < 1 {
		size = 1
	}
	return &EventBuffer{
		buf:  make([]EventRecord, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Add appends an event to the buffer, overwriting the oldest if full.
// Subscribers are notified non-blocking.
func (eb *EventBuffer) Add(rec EventRecord) {
	eb.mu.Lock()
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % eb.size
	if eb.count < eb.size {
		eb.count++
	}
	eb.mu.Unlock()

	eb.subMu.RLock()
	for sub := range eb.subs {
		select {
		case sub.C <- rec:
		default: // drop if subscriber is slow
		}
	}
	eb.subMu.RUnlock()
}

// Subscribe returns a Subscription that receives new events.
// Call Close() on the subscription when done.
func (eb *EventBuffer) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{
		C:  make(chan EventRecord, bufSize),
		eb: eb,
	}
	eb.subMu.Lock()
	eb.subs[sub] = struct{}{}
	eb.subMu.Unlock()
	return sub
}

// Latest returns the most recent n events, newest first. An empty iface
// matches every interface.
func (eb *EventBuffer) Latest(n int, iface string) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []EventRecord
	for i := 0; i < eb.count && len(result) < n; i++ {
		// Walk backwards from the most recent entry
		idx := (eb.head - 1 - i + eb.size) % eb.size
		if iface == "" || eb.buf[idx].Interface == iface {
			result = append(result, eb.buf[idx])
		}
	}
	return result
}
