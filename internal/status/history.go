package status

import (
	"sync"
)

// History keeps the most recent events in memory.
type History struct {
	mu     sync.RWMutex
	events []Event
	next   int
	full   bool
}

// NewHistory returns a ring buffer holding size events.
func NewHistory(size int) *History {
	if size <= 0 {
		size = 100
	}
	return &History{events: make([]Event, size)}
}

func (h *History) Write(ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.events[h.next] = ev
	h.next = (h.next + 1) % len(h.events)
	if h.next == 0 {
		h.full = true
	}
	return nil
}

// Recent returns up to limit events, newest first. limit <= 0 returns all.
func (h *History) Recent(limit int) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := h.next
	if h.full {
		n = len(h.events)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]Event, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (h.next - 1 - i + len(h.events)) % len(h.events)
		out = append(out, h.events[idx])
	}
	return out
}

// Last returns the newest event for stage.
func (h *History) Last(stage Stage) (Event, bool) {
	for _, ev := range h.Recent(0) {
		if ev.Stage == stage {
			return ev, true
		}
	}
	return Event{}, false
}
