// Package clock abstracts wall-clock time and one-shot timers so the engine
// can be driven by simulated time in tests.
package clock

import "time"

// Timer represents a timer that can be stopped.
type Timer interface {
	Stop() bool
}

// Clock provides time-related operations.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

// System is the default Clock backed by the standard library.
var System Clock = systemClock{}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Now strips the monotonic reading: the engine reconciles against wall time,
// which keeps advancing while the host is suspended.
func (systemClock) Now() time.Time {
	return time.Now().Round(0)
}

// WholeSeconds returns floor(d / 1s), never negative.
func WholeSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}
