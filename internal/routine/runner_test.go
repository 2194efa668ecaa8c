package routine

import (
	"context"
	"errors"
	"testing"
	"time"

	"routineclock/internal/clock"
	"routineclock/internal/persist"
	"routineclock/internal/storage"
	"routineclock/internal/timer"
	logx "routineclock/pkg/logx"
)

var morning = Definition{
	ID:   "morning",
	Name: "Morning",
	Tasks: []Task{
		{ID: "stretch", Duration: 10},
		{ID: "shower", Duration: 20},
	},
}

type runnerFixture struct {
	clk    *clock.Fake
	timers *timer.Manager
	w      *recWriter
	r      *Runner
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	clk := clock.NewFake(epoch)
	timers := timer.New(clk, logx.Nop(), nil)
	w := &recWriter{}
	a := NewAdapter(morning.ID, AdapterDeps{Writer: w, Clock: clk})
	return &runnerFixture{clk: clk, timers: timers, w: w, r: NewRunner(morning, timers, a, clk, logx.Nop(), nil)}
}

func TestRunnerStartRegistersOneTimerPerTask(t *testing.T) {
	f := newRunnerFixture(t)
	runID, err := f.r.Start()
	if err != nil || runID == "" {
		t.Fatalf("Start = %q, %v", runID, err)
	}
	if _, err := f.r.Start(); !errors.Is(err, ErrRunning) {
		t.Fatalf("second Start err = %v", err)
	}

	first, _ := f.timers.Get(f.r.TimerID("stretch"))
	second, _ := f.timers.Get(f.r.TimerID("shower"))
	if !first.Running() || second.IsActive {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
	if f.w.last(t).p != persist.Critical {
		t.Fatalf("start priority = %s", f.w.last(t).p)
	}

	f.clk.Advance(3 * time.Second)
	st := f.r.State()
	if st.TaskTimes["stretch"] != 7 || st.RunID != runID {
		t.Fatalf("state = %+v", st)
	}
	if f.w.last(t).p != persist.Medium {
		t.Fatalf("tick priority = %s", f.w.last(t).p)
	}
}

func TestRunnerPauseResume(t *testing.T) {
	f := newRunnerFixture(t)
	f.r.Start()
	f.clk.Advance(2 * time.Second)

	if !f.r.Pause() || f.w.last(t).p != persist.High {
		t.Fatal("pause not saved at high priority")
	}
	if f.r.Pause() {
		t.Fatal("double pause should report false")
	}
	n := len(f.w.writes)
	f.clk.Advance(5 * time.Second)
	if len(f.w.writes) != n {
		t.Fatal("paused routine kept saving ticks")
	}
	if !f.r.Resume() || f.w.last(t).p != persist.High {
		t.Fatal("resume not saved at high priority")
	}
	f.clk.Advance(time.Second)
	if got := f.r.State().TaskTimes["stretch"]; got != 7 {
		t.Fatalf("stretch = %v, want 7", got)
	}
}

func TestRunnerCompleteTaskCreditsBonus(t *testing.T) {
	f := newRunnerFixture(t)
	f.r.Start()
	f.clk.Advance(4 * time.Second)

	if err := f.r.CompleteTask("stretch"); err != nil {
		t.Fatal(err)
	}
	st := f.r.State()
	if st.BonusTime != 6 || st.CurrentTask != "shower" || len(st.CompletedTasks) != 1 {
		t.Fatalf("state = %+v", st)
	}
	if _, ok := f.timers.Get(f.r.TimerID("stretch")); ok {
		t.Fatal("completed task timer still registered")
	}
	if next, _ := f.timers.Get(f.r.TimerID("shower")); !next.Running() {
		t.Fatal("next task did not start")
	}
	if f.w.last(t).p != persist.Critical {
		t.Fatalf("complete priority = %s", f.w.last(t).p)
	}

	// Overrun earns nothing.
	f.clk.Advance(25 * time.Second)
	if err := f.r.CompleteTask("shower"); err != nil {
		t.Fatal(err)
	}
	st = f.r.State()
	if st.BonusTime != 6 || st.CurrentTask != "" || st.TaskTimes["shower"] != -5 {
		t.Fatalf("state = %+v", st)
	}
	if err := f.r.CompleteTask("nap"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("unknown task err = %v", err)
	}
}

func TestRunnerStopClears(t *testing.T) {
	f := newRunnerFixture(t)
	f.r.Start()
	if !f.r.Stop() {
		t.Fatal("Stop = false")
	}
	if got := f.w.last(t); got.value != nil || got.p != persist.Critical {
		t.Fatalf("stop wrote %+v", got)
	}
	if len(f.timers.List()) != 0 || f.r.State().Started {
		t.Fatal("stop left timers or state behind")
	}
	if f.r.Stop() {
		t.Fatal("second Stop should report false")
	}
}

func TestRunnerRestoreChargesDowntime(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	clk := clock.NewFake(epoch)
	timers := timer.New(clk, logx.Nop(), nil)
	sched := persist.New(persist.DefaultConfig(), persist.Deps{Store: store, Clock: clk})
	a := NewAdapter(morning.ID, AdapterDeps{Writer: sched, Store: store, Clock: clk})
	r := NewRunner(morning, timers, a, clk, logx.Nop(), nil)
	runID, _ := r.Start()
	clk.Advance(4 * time.Second)
	sched.FlushAll(ctx, "test")
	timers.Close()

	// The process comes back 10 seconds later.
	clk2 := clock.NewFake(epoch.Add(14 * time.Second))
	timers2 := timer.New(clk2, logx.Nop(), nil)
	sched2 := persist.New(persist.DefaultConfig(), persist.Deps{Store: store, Clock: clk2})
	a2 := NewAdapter(morning.ID, AdapterDeps{Writer: sched2, Store: store, Clock: clk2})
	r2 := NewRunner(morning, timers2, a2, clk2, logx.Nop(), nil)

	ok, err := r2.Restore(ctx)
	if err != nil || !ok {
		t.Fatalf("Restore = %v, %v", ok, err)
	}
	st := r2.State()
	if st.RunID != runID || st.CurrentTask != "stretch" {
		t.Fatalf("state = %+v", st)
	}
	cur, _ := timers2.Get(r2.TimerID("stretch"))
	if cur.TimeLeft != -4 || !cur.Running() {
		t.Fatalf("stretch timer = %+v, want -4 and running", cur)
	}
	next, _ := timers2.Get(r2.TimerID("shower"))
	if next.TimeLeft != 20 || next.IsActive {
		t.Fatalf("shower timer = %+v", next)
	}
}

func TestRunnerRestoreWithoutSavedRun(t *testing.T) {
	f := newRunnerFixture(t)
	if ok, err := f.r.Restore(context.Background()); ok || err != nil {
		t.Fatalf("Restore = %v, %v", ok, err)
	}
}

func TestRunnersPauseIndependently(t *testing.T) {
	f := newRunnerFixture(t)
	evening := Definition{ID: "evening", Tasks: []Task{{ID: "read", Duration: 30}}}
	other := NewRunner(evening, f.timers, NewAdapter(evening.ID, AdapterDeps{Writer: &recWriter{}, Clock: f.clk}), f.clk, logx.Nop(), nil)

	f.r.Start()
	other.Start()
	f.r.Pause()
	f.clk.Advance(3 * time.Second)

	if got := f.r.State().TaskTimes["stretch"]; got != 10 {
		t.Fatalf("paused routine ticked: stretch = %v", got)
	}
	if got := other.State().TaskTimes["read"]; got != 27 {
		t.Fatalf("other routine read = %v, want 27", got)
	}
}

func TestRunnerForceSaveStampsAccountedInstant(t *testing.T) {
	f := newRunnerFixture(t)
	if _, err := f.r.Start(); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(5 * time.Second)
	// Teardown lands between two ticks.
	f.clk.Jump(700 * time.Millisecond)

	if !f.r.ForceSave() {
		t.Fatal("ForceSave = false")
	}
	w := f.w.last(t)
	if w.p != persist.Critical {
		t.Fatalf("priority = %s, want critical", w.p)
	}
	saved, err := Decode(w.value)
	if err != nil {
		t.Fatal(err)
	}
	if !saved.SavedAt.Equal(epoch.Add(5*time.Second)) || saved.TaskTimes["stretch"] != 5 {
		t.Fatalf("saved at %v with stretch %v, want %v and 5", saved.SavedAt, saved.TaskTimes["stretch"], epoch.Add(5*time.Second))
	}
}
