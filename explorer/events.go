package explorer

import (
	"sync"
	"time"
)

// Event is one entry from the remote event feed, kept only for
// diagnostics. Payload is the raw vendor JSON as a string.
type Event struct {
	At       time.Time
	DeviceID string
	Name     string
	Payload  string
}

// Tracker is a fixed-capacity ring of recent events, newest overwrites
// oldest. Record never blocks and never allocates past capacity.
type Tracker struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

const DefaultEventCapacity = 50

func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	return &Tracker{buf: make([]Event, capacity)}
}

func (t *Tracker) Record(ev Event) {
	t.mu.Lock()
	t.buf[t.next] = ev
	t.next++
	if t.next == len(t.buf) {
		t.next = 0
		t.full = true
	}
	t.mu.Unlock()
}

// Recent returns a newest-first copy, safe to hold and mutate.
func (t *Tracker) Recent() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.next
	if t.full {
		n = len(t.buf)
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		idx := t.next - 1 - i
		if idx < 0 {
			idx += len(t.buf)
		}
		out = append(out, t.buf[idx])
	}
	return out
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full {
		return len(t.buf)
	}
	return t.next
}
