package routine

import (
	"context"
	"testing"
	"time"

	"routineclock/internal/clock"
	"routineclock/internal/persist"
	"routineclock/internal/storage"
)

var epoch = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type write struct {
	key   string
	value []byte
	p     persist.Priority
}

type recWriter struct {
	writes []write
}

func (w *recWriter) ScheduleWrite(key string, value []byte, p persist.Priority) {
	w.writes = append(w.writes, write{key, value, p})
}

func (w *recWriter) ScheduleRemove(key string, p persist.Priority) {
	w.ScheduleWrite(key, nil, p)
}

func (w *recWriter) last(t *testing.T) write {
	t.Helper()
	if len(w.writes) == 0 {
		t.Fatal("no writes scheduled")
	}
	return w.writes[len(w.writes)-1]
}

func started(times map[string]float64) State {
	return State{RoutineID: "r1", Started: true, TaskTimes: times}
}

func TestSaveSkipsUnchangedFlooredState(t *testing.T) {
	w := &recWriter{}
	a := NewAdapter("r1", AdapterDeps{Writer: w, Clock: clock.NewFake(epoch)})

	if !a.Save(started(map[string]float64{"a": 10.2})) {
		t.Fatal("first save skipped")
	}
	if a.Save(started(map[string]float64{"a": 10.7})) {
		t.Fatal("sub-second jitter produced a write")
	}
	if a.Skipped() != 1 {
		t.Fatalf("Skipped = %d, want 1", a.Skipped())
	}
	if !a.Save(started(map[string]float64{"a": 9.9})) {
		t.Fatal("whole-second change skipped")
	}
	if got := w.last(t); got.key != "routineState_r1" || got.p != persist.Medium {
		t.Fatalf("last write = %s at %s", got.key, got.p)
	}
}

func TestClassify(t *testing.T) {
	base := State{Started: true, CompletedTasks: []string{}}
	paused := base
	paused.Paused = true
	done := base
	done.CompletedTasks = []string{"a"}
	idle := State{}

	cases := []struct {
		name string
		prev *State
		cur  State
		want persist.Priority
	}{
		{"first save of started routine", nil, base, persist.Critical},
		{"first save of idle routine", nil, idle, persist.Low},
		{"start", &idle, base, persist.Critical},
		{"stop", &base, idle, persist.Critical},
		{"task completed", &base, done, persist.Critical},
		{"pause", &base, paused, persist.High},
		{"resume", &paused, base, persist.High},
		{"tick", &base, base, persist.Medium},
		{"paused and unchanged", &paused, paused, persist.Low},
		{"not started", &idle, idle, persist.Low},
	}
	for _, tc := range cases {
		if got := classify(tc.prev, tc.cur); got != tc.want {
			t.Errorf("%s: classify = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestForceSaveIgnoresHash(t *testing.T) {
	w := &recWriter{}
	a := NewAdapter("r1", AdapterDeps{Writer: w, Clock: clock.NewFake(epoch)})
	if a.ForceSave() {
		t.Fatal("ForceSave with nothing saved should report false")
	}
	a.Save(State{RoutineID: "r1"})
	if !a.ForceSave() {
		t.Fatal("ForceSave = false")
	}
	if len(w.writes) != 2 || w.last(t).p != persist.Critical {
		t.Fatalf("writes = %+v", w.writes)
	}
}

func TestClearSchedulesCriticalRemoval(t *testing.T) {
	w := &recWriter{}
	a := NewAdapter("r1", AdapterDeps{Writer: w, Clock: clock.NewFake(epoch)})
	s := started(map[string]float64{"a": 5})
	a.Save(s)
	a.Clear()

	got := w.last(t)
	if got.value != nil || got.p != persist.Critical {
		t.Fatalf("clear wrote %+v", got)
	}
	if !a.Save(s) {
		t.Fatal("save after clear must not be deduplicated")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	for _, codec := range []Codec{JSON, CBOR} {
		t.Run(codec.Name(), func(t *testing.T) {
			clk := clock.NewFake(epoch)
			store := storage.NewMemory()
			sched := persist.New(persist.DefaultConfig(), persist.Deps{Store: store, Clock: clk})
			a := NewAdapter("r1", AdapterDeps{Writer: sched, Store: store, Codec: codec, Clock: clk})

			in := State{
				RoutineID:      "r1",
				RunID:          "run-1",
				Started:        true,
				CurrentTask:    "b",
				TaskTimes:      map[string]float64{"a": -3, "b": 42.8},
				CompletedTasks: []string{"a"},
				BonusTime:      12,
			}
			a.Save(in)
			sched.FlushAll(context.Background(), "test")

			out, ok, err := a.Load(context.Background())
			if err != nil || !ok {
				t.Fatalf("Load = %v, %v", ok, err)
			}
			if out.RunID != "run-1" || out.CurrentTask != "b" || out.TaskTimes["b"] != 42 ||
				out.TaskTimes["a"] != -3 || len(out.CompletedTasks) != 1 || out.BonusTime != 12 {
				t.Fatalf("loaded %+v", out)
			}
			if !out.SavedAt.Equal(epoch) {
				t.Fatalf("SavedAt = %v, want %v", out.SavedAt, epoch)
			}
			// The loaded state seeds the hash.
			if a.Save(in) {
				t.Fatal("saving the just-loaded state should be skipped")
			}
		})
	}
}

func TestLoadWithoutStore(t *testing.T) {
	a := NewAdapter("r1", AdapterDeps{})
	if _, ok, err := a.Load(context.Background()); ok || err != nil {
		t.Fatalf("Load = %v, %v", ok, err)
	}
}

func TestCodecByName(t *testing.T) {
	for _, name := range []string{"", "json", "CBOR"} {
		if _, err := CodecByName(name); err != nil {
			t.Errorf("CodecByName(%q): %v", name, err)
		}
	}
	if _, err := CodecByName("xml"); err == nil {
		t.Error("CodecByName(xml) should fail")
	}
}
