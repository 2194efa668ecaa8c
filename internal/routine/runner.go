package routine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"routineclock/internal/clock"
	"routineclock/internal/eventbus"
	"routineclock/internal/timer"
	logx "routineclock/pkg/logx"
)

var (
	ErrRunning     = errors.New("routine already running")
	ErrNotRunning  = errors.New("routine not running")
	ErrUnknownTask = errors.New("unknown task")
	ErrEmpty       = errors.New("routine has no tasks")
)

const (
	EventTaskDone = "routine.task_done"
	EventFinished = "routine.finished"
)

// TaskDoneEvent is published when a task is completed by the user.
type TaskDoneEvent struct {
	RoutineID string
	TaskID    string
	Remaining int
	Bonus     float64
}

// Runner owns one routine: one timer per task, advancing through the tasks
// in order as they are completed. Every change is saved through the Adapter.
type Runner struct {
	mu sync.Mutex

	def     Definition
	timers  *timer.Manager
	adapter *Adapter
	clk     clock.Clock
	log     logx.Logger
	bus     eventbus.Bus

	state State
}

func NewRunner(def Definition, timers *timer.Manager, adapter *Adapter, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Runner {
	if clk == nil {
		clk = clock.System
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Runner{
		def:     def,
		timers:  timers,
		adapter: adapter,
		clk:     clk,
		log:     log.With(logx.String("routine", def.ID)),
		bus:     bus,
		state:   State{RoutineID: def.ID, TaskTimes: map[string]float64{}},
	}
}

func (r *Runner) Definition() Definition { return r.def }

// TimerID is the registry id of a task's timer.
func (r *Runner) TimerID(taskID string) string { return r.def.ID + "/" + taskID }

// Start begins a new run. The first task's timer starts immediately; the
// others are registered inactive.
func (r *Runner) Start() (string, error) {
	if len(r.def.Tasks) == 0 {
		return "", ErrEmpty
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Started {
		return "", ErrRunning
	}

	st := State{
		RoutineID:      r.def.ID,
		RunID:          uuid.NewString(),
		Started:        true,
		CurrentTask:    r.def.Tasks[0].ID,
		TaskTimes:      make(map[string]float64, len(r.def.Tasks)),
		CompletedTasks: []string{},
	}
	for _, t := range r.def.Tasks {
		st.TaskTimes[t.ID] = float64(t.Duration)
	}
	r.state = st

	for i, t := range r.def.Tasks {
		r.timers.Create(r.TimerID(t.ID), t.Duration, r.callbacks(t.ID), i == 0)
	}
	r.saveLocked()
	r.log.Info("routine started", logx.String("run", st.RunID), logx.Int("tasks", len(r.def.Tasks)))
	return st.RunID, nil
}

func (r *Runner) Pause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Started || r.state.Paused {
		return false
	}
	if r.state.CurrentTask != "" {
		r.timers.Pause(r.TimerID(r.state.CurrentTask))
	}
	r.state.Paused = true
	r.saveLocked()
	return true
}

func (r *Runner) Resume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Started || !r.state.Paused {
		return false
	}
	if r.state.CurrentTask != "" {
		r.timers.Resume(r.TimerID(r.state.CurrentTask))
	}
	r.state.Paused = false
	r.saveLocked()
	return true
}

// CompleteTask finishes taskID. Positive remaining seconds are credited as
// bonus time, then the next pending task starts.
func (r *Runner) CompleteTask(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Started {
		return ErrNotRunning
	}
	if _, _, ok := r.def.task(taskID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if r.state.Completed(taskID) {
		return nil
	}

	id := r.TimerID(taskID)
	remaining := int(r.state.TaskTimes[taskID])
	if ts, ok := r.timers.Get(id); ok {
		remaining = ts.TimeLeft
	}
	r.timers.Stop(id)
	r.timers.Remove(id)

	var bonus float64
	if remaining > 0 {
		bonus = float64(remaining)
		r.state.BonusTime += bonus
	}
	r.state.TaskTimes[taskID] = float64(remaining)
	r.state.CompletedTasks = append(r.state.CompletedTasks, taskID)

	next := r.nextTask(r.state)
	r.state.CurrentTask = next
	if next != "" {
		nid := r.TimerID(next)
		r.timers.Start(nid)
		if r.state.Paused {
			r.timers.Pause(nid)
		}
	}
	r.saveLocked()

	r.bus.Publish(eventbus.Event{Type: EventTaskDone, Time: r.clk.Now(), Data: TaskDoneEvent{
		RoutineID: r.def.ID, TaskID: taskID, Remaining: remaining, Bonus: bonus,
	}})
	r.log.Info("task completed", logx.String("task", taskID), logx.Int("remaining", remaining), logx.Float64("bonus", bonus))
	if next == "" {
		r.bus.Publish(eventbus.Event{Type: EventFinished, Time: r.clk.Now(), Data: r.state.Clone()})
		r.log.Info("routine finished", logx.Float64("bonus_total", r.state.BonusTime))
	}
	return nil
}

// Stop ends the run, drops its timers and clears the persisted state.
func (r *Runner) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Started {
		return false
	}
	for _, t := range r.def.Tasks {
		r.timers.Remove(r.TimerID(t.ID))
	}
	runID := r.state.RunID
	r.state = State{RoutineID: r.def.ID, TaskTimes: map[string]float64{}}
	if r.adapter != nil {
		r.adapter.Clear()
	}
	r.log.Info("routine stopped", logx.String("run", runID))
	return true
}

// Restore resumes a persisted run. Time that passed while the process was
// down is charged to the running task. It reports false when there is no
// started run to restore.
func (r *Runner) Restore(ctx context.Context) (bool, error) {
	if r.adapter == nil {
		return false, nil
	}
	saved, ok, err := r.adapter.Load(ctx)
	if err != nil || !ok || !saved.Started {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Started {
		return false, ErrRunning
	}
	st := saved.Clone()
	if st.TaskTimes == nil {
		st.TaskTimes = map[string]float64{}
	}
	if st.CompletedTasks == nil {
		st.CompletedTasks = []string{}
	}
	if st.CurrentTask == "" || st.Completed(st.CurrentTask) {
		st.CurrentTask = r.nextTask(st)
	}

	downtime := 0
	if !st.Paused && !st.SavedAt.IsZero() {
		downtime = clock.WholeSeconds(r.clk.Now().Sub(st.SavedAt))
	}

	var updates []timer.Update
	for _, t := range r.def.Tasks {
		if st.Completed(t.ID) {
			continue
		}
		left, ok := st.TaskTimes[t.ID]
		if !ok {
			left = float64(t.Duration)
		}
		remaining := int(left)
		if t.ID == st.CurrentTask {
			remaining -= downtime
		}
		st.TaskTimes[t.ID] = float64(remaining)
		id := r.TimerID(t.ID)
		r.timers.Create(id, t.Duration, r.callbacks(t.ID), false)
		updates = append(updates, timer.Update{ID: id, TimeLeft: remaining})
	}
	r.timers.BatchUpdate(updates)
	if st.CurrentTask != "" {
		id := r.TimerID(st.CurrentTask)
		r.timers.Start(id)
		if st.Paused {
			r.timers.Pause(id)
		}
	}
	r.state = st
	r.saveLocked()
	r.log.Info("routine restored", logx.String("run", st.RunID), logx.Int("downtime_s", downtime))
	return true, nil
}

// State returns a copy of the current routine state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// ForceSave schedules the live state at Critical priority. It is stamped
// with the instant the running task's countdown is accounted to, so Restore
// charges exactly the time that followed. Call it right before teardown.
func (r *Runner) ForceSave() bool {
	if r.adapter == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Started {
		return r.adapter.ForceSave()
	}
	var at time.Time
	if task := r.state.CurrentTask; task != "" {
		if ts, ok := r.timers.Get(r.TimerID(task)); ok {
			r.state.TaskTimes[task] = float64(ts.TimeLeft)
			if ts.Running() {
				at = ts.LastUpdateTime
			}
		}
	}
	return r.adapter.Checkpoint(r.state, at)
}

// nextTask returns the first task of the definition not yet completed in st.
func (r *Runner) nextTask(st State) string {
	for _, t := range r.def.Tasks {
		if !st.Completed(t.ID) {
			return t.ID
		}
	}
	return ""
}

func (r *Runner) callbacks(taskID string) timer.Callbacks {
	return timer.Callbacks{
		OnTick: func(left int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			if !r.state.Started || r.state.Completed(taskID) {
				return
			}
			r.state.TaskTimes[taskID] = float64(left)
			r.saveLocked()
		},
		OnComplete: func() {
			r.log.Info("task time is up", logx.String("task", taskID))
		},
	}
}

func (r *Runner) saveLocked() {
	if r.adapter == nil {
		return
	}
	r.adapter.Save(r.state)
}
