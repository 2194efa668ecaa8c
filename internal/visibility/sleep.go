package visibility

import (
	"sync"
	"time"

	"routineclock/internal/clock"
)

// SleepDetector infers suspension from the wall clock: it samples every
// interval, and when the gap between two samples exceeds interval+threshold
// (host sleep, SIGSTOP) it reports Background at the last sample followed by
// Foreground now.
type SleepDetector struct {
	clk       clock.Clock
	interval  time.Duration
	threshold time.Duration
	subs      subscribers

	mu    sync.Mutex
	t     clock.Timer
	gen   uint64
	last  time.Time
	gaps  uint64
	armed bool
}

func NewSleepDetector(clk clock.Clock, interval, threshold time.Duration) *SleepDetector {
	if clk == nil {
		clk = clock.System
	}
	if interval <= 0 {
		interval = time.Second
	}
	if threshold <= 0 {
		threshold = 2 * time.Second
	}
	return &SleepDetector{clk: clk, interval: interval, threshold: threshold}
}

func (d *SleepDetector) Subscribe(fn func(Transition)) func() {
	id, first := d.subs.add(fn)
	if first {
		d.mu.Lock()
		d.armed = true
		d.last = d.clk.Now()
		d.armLocked()
		d.mu.Unlock()
	}
	return func() {
		if !d.subs.remove(id) {
			return
		}
		d.mu.Lock()
		d.armed = false
		d.gen++
		if d.t != nil {
			d.t.Stop()
			d.t = nil
		}
		d.mu.Unlock()
	}
}

// Gaps returns how many suspensions were detected.
func (d *SleepDetector) Gaps() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gaps
}

func (d *SleepDetector) armLocked() {
	d.gen++
	gen := d.gen
	d.t = d.clk.AfterFunc(d.interval, func() { d.sample(gen) })
}

func (d *SleepDetector) sample(gen uint64) {
	d.mu.Lock()
	if !d.armed || gen != d.gen {
		d.mu.Unlock()
		return
	}
	now := d.clk.Now()
	last := d.last
	d.last = now
	gap := now.Sub(last) > d.interval+d.threshold
	if gap {
		d.gaps++
	}
	d.armLocked()
	d.mu.Unlock()

	if gap {
		d.subs.emit(Transition{State: Background, At: last})
		d.subs.emit(Transition{State: Foreground, At: now})
	}
}
