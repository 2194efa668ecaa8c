package persist

import (
	"context"
	"errors"
	"testing"
	"time"

	"routineclock/internal/activity"
	"routineclock/internal/clock"
	"routineclock/internal/eventbus"
	"routineclock/internal/storage"
)

var epoch = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

// flakyStore fails writes on demand and counts compactions.
type flakyStore struct {
	storage.Store
	fail     bool
	compacts int
}

func (f *flakyStore) Set(ctx context.Context, key string, value []byte) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Store.Set(ctx, key, value)
}

func (f *flakyStore) Remove(ctx context.Context, key string) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Store.Remove(ctx, key)
}

func (f *flakyStore) Compact(ctx context.Context) error {
	f.compacts++
	return nil
}

type fixture struct {
	s     *Scheduler
	clk   *clock.Fake
	store *flakyStore
	act   *activity.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(epoch)
	store := &flakyStore{Store: storage.NewMemory()}
	act := activity.New(clk, time.Minute)
	s := New(DefaultConfig(), Deps{Store: store, Activity: act, Clock: clk})
	return &fixture{s: s, clk: clk, store: store, act: act}
}

func (f *fixture) stored(t *testing.T, key string) (string, bool) {
	t.Helper()
	v, ok, err := f.store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%s): %v", key, err)
	}
	return string(v), ok
}

func TestPriorityNeverDowngrades(t *testing.T) {
	f := newFixture(t)
	f.s.ScheduleWrite("routineState_r1", []byte("stateA"), Critical)
	f.s.ScheduleWrite("routineState_r1", []byte("stateB"), Medium)

	p := f.s.Pending()
	if len(p) != 1 || p[0].Priority != Critical || string(p[0].Value) != "stateB" || p[0].Writes != 2 {
		t.Fatalf("pending = %+v", p)
	}

	f.clk.Advance(0)

	if v, ok := f.stored(t, "routineState_r1"); !ok || v != "stateB" {
		t.Fatalf("stored = %q, %v; want stateB at critical cadence", v, ok)
	}
	if st := f.s.Stats(); st.Coalesced != 1 || st.Pending != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestCadenceByPriority(t *testing.T) {
	cases := []struct {
		p     Priority
		delay time.Duration
	}{
		{High, time.Second},
		{Medium, 5 * time.Second},
		{Low, 15 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.p.String(), func(t *testing.T) {
			f := newFixture(t)
			f.s.ScheduleWrite("k", []byte("v"), tc.p)

			f.clk.Advance(tc.delay - time.Millisecond)
			if _, ok := f.stored(t, "k"); ok {
				t.Fatal("flushed before deadline")
			}
			f.clk.Advance(time.Millisecond)
			if _, ok := f.stored(t, "k"); !ok {
				t.Fatal("not flushed at deadline")
			}
		})
	}
}

func TestRaisedPriorityPullsDeadlineIn(t *testing.T) {
	f := newFixture(t)
	f.s.ScheduleWrite("k", []byte("low"), Low)
	f.clk.Advance(2 * time.Second)
	f.s.ScheduleWrite("k", []byte("high"), High)

	// ScheduledAt is kept, so the High deadline is already behind us.
	f.clk.Advance(0)
	if v, ok := f.stored(t, "k"); !ok || v != "high" {
		t.Fatalf("stored = %q, %v", v, ok)
	}
}

func TestOneTimerForManyKeys(t *testing.T) {
	f := newFixture(t)
	f.s.ScheduleWrite("a", []byte("1"), Low)
	f.s.ScheduleWrite("b", []byte("2"), Medium)
	f.s.ScheduleWrite("c", []byte("3"), High)
	if n := f.clk.Pending(); n != 1 {
		t.Fatalf("armed timers = %d, want 1", n)
	}

	f.clk.Advance(5 * time.Second)
	if _, ok := f.stored(t, "a"); ok {
		t.Fatal("low write flushed early")
	}
	if _, ok := f.stored(t, "b"); !ok {
		t.Fatal("medium write not flushed")
	}
	if n := f.clk.Pending(); n != 1 {
		t.Fatalf("armed timers after partial flush = %d, want 1", n)
	}
}

func TestIdleStretchesLowAndMedium(t *testing.T) {
	f := newFixture(t)
	f.clk.Advance(2 * time.Minute)
	if f.s.ActivityMetrics().IsUserActive {
		t.Fatal("user should be idle")
	}

	f.s.ScheduleWrite("m", []byte("v"), Medium)
	f.s.ScheduleWrite("h", []byte("v"), High)
	f.clk.Advance(5 * time.Second)
	if _, ok := f.stored(t, "h"); !ok {
		t.Fatal("high write must not stretch")
	}
	if _, ok := f.stored(t, "m"); ok {
		t.Fatal("medium write flushed at active cadence while idle")
	}
	f.clk.Advance(10 * time.Second)
	if _, ok := f.stored(t, "m"); !ok {
		t.Fatal("medium write not flushed at stretched deadline")
	}
}

func TestSuspendHoldsAllButCritical(t *testing.T) {
	f := newFixture(t)
	f.s.ScheduleWrite("h", []byte("v"), High)
	f.s.Suspend()
	if n := f.clk.Pending(); n != 0 {
		t.Fatalf("armed timers while suspended = %d, want 0", n)
	}

	f.s.ScheduleWrite("c", []byte("v"), Critical)
	f.clk.Advance(10 * time.Second)
	if _, ok := f.stored(t, "c"); !ok {
		t.Fatal("critical write must flush while suspended")
	}
	if _, ok := f.stored(t, "h"); ok {
		t.Fatal("high write flushed while suspended")
	}

	f.s.Resume()
	f.clk.Advance(0)
	if _, ok := f.stored(t, "h"); !ok {
		t.Fatal("overdue write not flushed on resume")
	}
}

func TestFlushAllIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.s.ScheduleWrite("a", []byte("1"), Low)
	f.s.ScheduleRemove("b", Low)

	if n := f.s.FlushAll(context.Background(), "test"); n != 2 {
		t.Fatalf("FlushAll = %d, want 2", n)
	}
	if n := f.s.FlushAll(context.Background(), "test"); n != 0 {
		t.Fatalf("second FlushAll = %d, want 0", n)
	}
	if n := f.clk.Pending(); n != 0 {
		t.Fatalf("armed timers after FlushAll = %d, want 0", n)
	}
}

func TestFailedWritesStayPending(t *testing.T) {
	f := newFixture(t)
	f.store.fail = true
	f.s.ScheduleWrite("k", []byte("v1"), High)

	f.clk.Advance(time.Second)
	if p := f.s.Pending(); len(p) != 1 || string(p[0].Value) != "v1" {
		t.Fatalf("failed write dropped: %+v", p)
	}
	if st := f.s.Stats(); st.Failures != 1 {
		t.Fatalf("failures = %d, want 1", st.Failures)
	}

	f.store.fail = false
	f.clk.Advance(time.Second)
	if v, ok := f.stored(t, "k"); !ok || v != "v1" {
		t.Fatalf("retry did not write: %q %v", v, ok)
	}
}

func TestFailedWriteDoesNotClobberNewerValue(t *testing.T) {
	f := newFixture(t)
	f.store.fail = true
	f.s.ScheduleWrite("k", []byte("old"), Critical)
	f.clk.Advance(0)

	f.s.ScheduleWrite("k", []byte("new"), Low)
	p := f.s.Pending()
	if len(p) != 1 || string(p[0].Value) != "new" || p[0].Priority != Critical {
		t.Fatalf("pending = %+v", p)
	}
	f.store.fail = false
	f.s.FlushAll(context.Background(), "test")
	if v, _ := f.stored(t, "k"); v != "new" {
		t.Fatalf("stored = %q, want new", v)
	}
}

func TestNilStoreDiscards(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := New(DefaultConfig(), Deps{Clock: clk})
	s.ScheduleWrite("k", []byte("v"), High)
	if n := s.FlushAll(context.Background(), "test"); n != 1 {
		t.Fatalf("FlushAll = %d, want 1", n)
	}
	if st := s.Stats(); st.Discarded != 1 || st.Pending != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if !s.ActivityMetrics().IsUserActive {
		t.Fatal("no activity source should mean active")
	}
}

func TestCancelDisarms(t *testing.T) {
	f := newFixture(t)
	f.s.ScheduleWrite("k", []byte("v"), Low)
	if !f.s.Cancel("k") {
		t.Fatal("Cancel = false")
	}
	if f.s.Cancel("k") {
		t.Fatal("second Cancel = true")
	}
	if n := f.clk.Pending(); n != 0 {
		t.Fatalf("armed timers after cancel = %d", n)
	}
}

func TestFlushPublishesEvent(t *testing.T) {
	f := newFixture(t)
	bus := eventbus.New()
	f.s.bus = bus
	ch, unsub := bus.Subscribe(4, EventFlush)
	defer unsub()

	f.s.ScheduleWrite("k", []byte("v"), Low)
	f.s.FlushAll(context.Background(), "visibility")

	select {
	case ev := <-ch:
		fe := ev.Data.(FlushEvent)
		if fe.Reason != "visibility" || len(fe.Written) != 1 || fe.Written[0] != "k" {
			t.Fatalf("event = %+v", fe)
		}
	default:
		t.Fatal("no flush event")
	}
}

func TestApplyReschedules(t *testing.T) {
	f := newFixture(t)
	f.s.ScheduleWrite("k", []byte("v"), Low)
	cfg := DefaultConfig()
	cfg.LowDelay = 2 * time.Second
	cfg.MediumDelay = 2 * time.Second
	f.s.Apply(cfg)

	f.clk.Advance(2 * time.Second)
	if _, ok := f.stored(t, "k"); !ok {
		t.Fatal("write not flushed at the reloaded delay")
	}
}

func TestCheckpointFlushesAndCompacts(t *testing.T) {
	f := newFixture(t)
	cp := NewCheckpointer("@every 1m", f.s, f.store, f.s.log)
	f.s.ScheduleWrite("k", []byte("v"), Low)

	cp.Run(context.Background())

	if _, ok := f.stored(t, "k"); !ok {
		t.Fatal("checkpoint did not flush")
	}
	if f.store.compacts != 1 || cp.Runs() != 1 {
		t.Fatalf("compacts = %d, runs = %d", f.store.compacts, cp.Runs())
	}
	if err := cp.Validate("not a cron"); err == nil {
		t.Fatal("Validate accepted garbage")
	}
}

func TestCheckpointStartStop(t *testing.T) {
	f := newFixture(t)
	cp := NewCheckpointer("not a cron", f.s, f.store, f.s.log)
	if err := cp.Start(context.Background()); err == nil {
		t.Fatal("Start accepted garbage spec")
	}

	cp = NewCheckpointer("@every 1h", f.s, f.store, f.s.log)
	if err := cp.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := cp.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cp.Stop(ctx)
	cp.Stop(ctx)
	if cp.Runs() != 0 {
		t.Fatalf("runs = %d, want 0", cp.Runs())
	}
}

func TestConfigNormalizeKeepsOrdering(t *testing.T) {
	c := Config{HighDelay: 10 * time.Second, MediumDelay: time.Second}.normalize()
	if !(c.CriticalDelay <= c.HighDelay && c.HighDelay <= c.MediumDelay && c.MediumDelay <= c.LowDelay) {
		t.Fatalf("delays out of order: %+v", c)
	}
	if c.IdleStretch != 1 {
		t.Fatalf("IdleStretch = %v, want 1", c.IdleStretch)
	}
}
