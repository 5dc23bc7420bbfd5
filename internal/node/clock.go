package node

import "time"

// Clock is a monotonic millisecond counter that wraps at 2^32, like the
// millis() counter of a microcontroller.
type Clock interface {
	Millis() uint32
}

// MonotonicClock counts milliseconds since it was created.
type MonotonicClock struct {
	start time.Time
}

// NewMonotonicClock returns a clock starting at zero.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

func (c *MonotonicClock) Millis() uint32 {
	return uint32(time.Since(c.start).Milliseconds())
}

// Elapsed reports whether interval milliseconds have passed since last.
// The unsigned subtraction keeps it correct across a wrap of the counter.
func Elapsed(now, last, interval uint32) bool {
	return now-last >= interval
}

func millis(d time.Duration) uint32 {
	ms := d.Milliseconds()
	if ms > int64(^uint32(0)) {
		return ^uint32(0)
	}
	if ms < 0 {
		return 0
	}
	return uint32(ms)
}
