package activity

import (
	"testing"
	"time"

	"routineclock/internal/clock"
)

func TestTrackerGoesIdleAndWakes(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	tr := New(clk, 30*time.Second)

	if !tr.IsActive() {
		t.Fatal("tracker should start active")
	}
	clk.Advance(31 * time.Second)
	if tr.IsActive() {
		t.Fatal("tracker should be idle after threshold")
	}

	tr.Touch(KindKey)
	m := tr.Metrics()
	if !m.IsUserActive {
		t.Fatal("touch should mark the user active")
	}
	if m.LastKind != KindKey || m.Events != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	if !m.LastActivity.Equal(clk.Now()) {
		t.Fatalf("LastActivity = %v, want %v", m.LastActivity, clk.Now())
	}
}

func TestNilTrackerReportsActive(t *testing.T) {
	var tr *Tracker
	tr.Touch(KindPointer)
	if !tr.IsActive() {
		t.Fatal("nil tracker should report active")
	}
}

func TestSetIdleAfter(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	tr := New(clk, time.Minute)
	clk.Advance(10 * time.Second)
	tr.SetIdleAfter(5 * time.Second)
	if tr.IsActive() {
		t.Fatal("lowered threshold should make the user idle")
	}
}
