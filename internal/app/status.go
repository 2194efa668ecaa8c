package app

import (
	"routineclock/internal/activity"
	"routineclock/internal/persist"
	"routineclock/internal/routine"
	"routineclock/internal/runtime/supervisor"
	"routineclock/internal/timer"
	"routineclock/internal/visibility"
)

// Status is a point-in-time view of the whole engine, shown by the status
// command and served at the debug endpoint's /status.
type Status struct {
	Routines   []routine.State        `json:"routines"`
	Timers     []timer.State          `json:"timers"`
	TimerStats timer.Stats            `json:"timerStats"`
	Persist    persist.Stats          `json:"persist"`
	Pending    []persist.PendingWrite `json:"pending"`
	Visibility visibility.Snapshot    `json:"visibility"`
	Activity   activity.Metrics       `json:"activity"`
	SleepGaps  uint64                 `json:"sleepGaps"`
	Loops      supervisor.Snapshot    `json:"loops"`
}

func (a *App) Status() Status {
	st := Status{
		Timers:     a.timers.List(),
		TimerStats: a.timers.Stats(),
		Persist:    a.persist.Stats(),
		Pending:    a.persist.Pending(),
		Visibility: a.resync.Snapshot(),
		Activity:   a.persist.ActivityMetrics(),
		Loops:      a.sup.Snapshot(),
	}
	for _, id := range a.order {
		st.Routines = append(st.Routines, a.runners[id].State())
	}
	if a.sleep != nil {
		st.SleepGaps = a.sleep.Gaps()
	}
	return st
}
