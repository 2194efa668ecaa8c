// Package routine is the glue between a running routine (an ordered list of
// timed tasks) and the engine: it owns the routine's timers and turns every
// state change into a prioritized persistence write.
package routine

import (
	"math"
	"time"
)

// Task is one timed step of a routine.
type Task struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Duration int    `json:"duration" yaml:"duration"` // seconds
}

// Definition is a routine as configured.
type Definition struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Tasks []Task `json:"tasks" yaml:"tasks"`
}

func (d Definition) task(id string) (Task, int, bool) {
	for i, t := range d.Tasks {
		if t.ID == id {
			return t, i, true
		}
	}
	return Task{}, -1, false
}

// State is the persisted aggregate of one routine run.
type State struct {
	RoutineID      string             `json:"routineId" cbor:"routineId"`
	RunID          string             `json:"runId,omitempty" cbor:"runId,omitempty"`
	Started        bool               `json:"started" cbor:"started"`
	Paused         bool               `json:"paused" cbor:"paused"`
	CurrentTask    string             `json:"currentTask,omitempty" cbor:"currentTask,omitempty"`
	TaskTimes      map[string]float64 `json:"taskTimes" cbor:"taskTimes"`
	CompletedTasks []string           `json:"completedTasks" cbor:"completedTasks"`
	BonusTime      float64            `json:"bonusTime" cbor:"bonusTime"`
	SavedAt        time.Time          `json:"savedAt" cbor:"savedAt"`
}

func (s State) Clone() State {
	out := s
	if s.TaskTimes != nil {
		out.TaskTimes = make(map[string]float64, len(s.TaskTimes))
		for k, v := range s.TaskTimes {
			out.TaskTimes[k] = v
		}
	}
	if s.CompletedTasks != nil {
		out.CompletedTasks = append([]string(nil), s.CompletedTasks...)
	}
	return out
}

// Completed reports whether taskID is already done.
func (s State) Completed(taskID string) bool {
	for _, id := range s.CompletedTasks {
		if id == taskID {
			return true
		}
	}
	return false
}

// rounded floors every time value to whole seconds and drops SavedAt, which
// is write metadata rather than content.
func (s State) rounded() State {
	out := s.Clone()
	for k, v := range out.TaskTimes {
		out.TaskTimes[k] = math.Floor(v)
	}
	out.BonusTime = math.Floor(out.BonusTime)
	out.SavedAt = time.Time{}
	if out.TaskTimes == nil {
		out.TaskTimes = map[string]float64{}
	}
	if out.CompletedTasks == nil {
		out.CompletedTasks = []string{}
	}
	return out
}
