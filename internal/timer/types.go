package timer

import (
	"errors"
	"time"
)

const (
	// OverrunFloor caps how far negative TimeLeft may go.
	OverrunFloor = -999

	// Period is the nominal master clock tick.
	Period = time.Second
)

var ErrUnknownTimer = errors.New("unknown timer")

// Event types published on the bus.
const (
	EventCreated  = "timer.created"
	EventRemoved  = "timer.removed"
	EventTick     = "timer.tick"
	EventComplete = "timer.complete"
	EventResync   = "timer.resync"
)

// Callbacks are delivered by the master clock and by Resync.
type Callbacks struct {
	OnTick     func(timeLeft int)
	OnComplete func()
}

// State is a read-only snapshot of one timer.
type State struct {
	ID             string
	TimeLeft       int
	Duration       int
	IsActive       bool
	IsPaused       bool
	StartTime      time.Time
	LastUpdateTime time.Time
}

// Running reports whether the timer participates in ticking.
func (s State) Running() bool { return s.IsActive && !s.IsPaused }

// Update overwrites one timer's TimeLeft (BatchUpdate).
type Update struct {
	ID       string
	TimeLeft int
}

// TickEvent is the payload of EventTick.
type TickEvent struct {
	ID       string
	TimeLeft int
}

// CompleteEvent is the payload of EventComplete. Source is "tick" or "resync".
type CompleteEvent struct {
	ID       string
	TimeLeft int
	Source   string
}

// ResyncReport summarizes one batched drift correction.
type ResyncReport struct {
	Elapsed   int
	Corrected []Update
	Completed []string
}

// Stats is a diagnostic snapshot of the registry.
type Stats struct {
	Timers  int
	Running int
	Looping bool
	Ticks   uint64
	Resyncs uint64
}

func clampFloor(v int) int {
	if v < OverrunFloor {
		return OverrunFloor
	}
	return v
}
