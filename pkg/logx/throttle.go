package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxThrottleKeys = 512

// Throttle rate-limits log lines per key so a hot loop that keeps hitting the
// same failure (unknown timer id, store write error) logs a bounded number of
// lines. Suppressed lines are counted and reported on the next allowed one.
type Throttle struct {
	mu      sync.Mutex
	every   time.Duration
	burst   int
	entries map[string]*throttleEntry
}

type throttleEntry struct {
	lim        *rate.Limiter
	suppressed int
}

// NewThrottle allows burst lines per key, refilling one every period.
func NewThrottle(every time.Duration, burst int) *Throttle {
	if every <= 0 {
		every = 10 * time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{every: every, burst: burst, entries: map[string]*throttleEntry{}}
}

// Allow reports whether a line for key may be written now, and how many lines
// for that key were suppressed since the previous allowed one.
func (t *Throttle) Allow(key string) (bool, int) {
	if t == nil {
		return true, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[key]
	if e == nil {
		if len(t.entries) >= maxThrottleKeys {
			t.entries = map[string]*throttleEntry{}
		}
		e = &throttleEntry{lim: rate.NewLimiter(rate.Every(t.every), t.burst)}
		t.entries[key] = e
	}
	if !e.lim.Allow() {
		e.suppressed++
		return false, 0
	}
	n := e.suppressed
	e.suppressed = 0
	return true, n
}

// Warn logs through l at WARN level if key is not currently throttled.
func (t *Throttle) Warn(l Logger, key, msg string, fields ...Field) {
	ok, suppressed := t.Allow(key)
	if !ok {
		return
	}
	if suppressed > 0 {
		fields = append(fields, Int("suppressed", suppressed))
	}
	l.Warn(msg, fields...)
}
