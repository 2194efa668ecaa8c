package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func TestFakeAdvanceFiresInOrder(t *testing.T) {
	c := NewFake(epoch)
	var got []string
	c.AfterFunc(2*time.Second, func() { got = append(got, "b") })
	c.AfterFunc(time.Second, func() { got = append(got, "a") })
	c.AfterFunc(5*time.Second, func() { got = append(got, "late") })

	c.Advance(3 * time.Second)

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("fired = %v, want [a b]", got)
	}
	if !c.Now().Equal(epoch.Add(3 * time.Second)) {
		t.Fatalf("Now() = %v", c.Now())
	}
	if c.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", c.Pending())
	}
}

func TestFakeAdvanceFiresRearmedTimers(t *testing.T) {
	c := NewFake(epoch)
	n := 0
	var tick func()
	tick = func() {
		n++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(5 * time.Second)
	if n != 5 {
		t.Fatalf("ticks = %d, want 5", n)
	}
}

func TestFakeJumpFiresOverdueOnce(t *testing.T) {
	c := NewFake(epoch)
	n := 0
	var tick func()
	tick = func() {
		n++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Jump(10 * time.Second)
	if n != 1 {
		t.Fatalf("ticks after jump = %d, want 1", n)
	}
	if !c.Now().Equal(epoch.Add(10 * time.Second)) {
		t.Fatalf("Now() = %v", c.Now())
	}
}

func TestFakeStop(t *testing.T) {
	c := NewFake(epoch)
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatal("Stop() = false on armed timer")
	}
	if tm.Stop() {
		t.Fatal("second Stop() = true")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestWholeSeconds(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want int
	}{
		{-time.Second, 0},
		{999 * time.Millisecond, 0},
		{time.Second, 1},
		{10100 * time.Millisecond, 10},
	}
	for _, tc := range cases {
		if got := WholeSeconds(tc.d); got != tc.want {
			t.Errorf("WholeSeconds(%v) = %d, want %d", tc.d, got, tc.want)
		}
	}
}
