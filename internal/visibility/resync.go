// Package visibility reconciles timers with wall-clock time after the app
// was hidden or the process was suspended. A Source reports foreground and
// background transitions; the Resynchronizer applies the unobserved time to
// every running timer in one batch when the app becomes visible again.
package visibility

import (
	"context"
	"sync"
	"time"

	"routineclock/internal/activity"
	"routineclock/internal/clock"
	"routineclock/internal/eventbus"
	"routineclock/internal/timer"
	"routineclock/internal/tracing"
	logx "routineclock/pkg/logx"
)

const (
	DefaultDebounce = 100 * time.Millisecond

	EventBackground = "visibility.background"
	EventForeground = "visibility.foreground"
)

// Timers is the part of the timer registry the resynchronizer drives.
type Timers interface {
	Resync(elapsedSeconds int, now time.Time) timer.ResyncReport
}

// Persister is the part of the persistence scheduler the resynchronizer drives.
type Persister interface {
	Suspend()
	Resume()
	FlushAll(ctx context.Context, reason string) int
}

type Config struct {
	Debounce time.Duration
}

type Deps struct {
	Source   Source
	Timers   Timers
	Persist  Persister
	Activity *activity.Tracker
	Clock    clock.Clock
	Log      logx.Logger
	Bus      eventbus.Bus
	Tracer   *tracing.Tracer
}

// Snapshot is a read-only view of the resynchronizer.
type Snapshot struct {
	State       State
	LastVisible time.Time
	Corrections uint64
	LastElapsed int
	Pending     bool // a foreground commit is waiting out the debounce
}

// ForegroundEvent is published after a committed foreground transition.
type ForegroundEvent struct {
	Elapsed int
	Report  timer.ResyncReport
}

type Resynchronizer struct {
	mu sync.Mutex

	src     Source
	timers  Timers
	persist Persister
	act     *activity.Tracker
	clk     clock.Clock
	log     logx.Logger
	bus     eventbus.Bus
	tracer  *tracing.Tracer

	debounce time.Duration
	unsub    func()

	state       State
	lastVisible time.Time

	commit    clock.Timer
	commitGen uint64

	corrections uint64
	lastElapsed int
}

// New builds a resynchronizer in the Foreground state. With a nil Source it
// stays inert and timers tick as if always visible.
func New(cfg Config, d Deps) *Resynchronizer {
	if d.Clock == nil {
		d.Clock = clock.System
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	return &Resynchronizer{
		src:      d.Source,
		timers:   d.Timers,
		persist:  d.Persist,
		act:      d.Activity,
		clk:      d.Clock,
		log:      d.Log,
		bus:      d.Bus,
		tracer:   d.Tracer,
		debounce: cfg.Debounce,
		state:    Foreground,
	}
}

// Start subscribes to the source.
func (r *Resynchronizer) Start(_ context.Context) error {
	if r.src == nil {
		r.log.Debug("no visibility source; resync inert")
		return nil
	}
	r.mu.Lock()
	if r.unsub != nil {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	unsub := r.src.Subscribe(r.Handle)

	r.mu.Lock()
	r.unsub = unsub
	r.mu.Unlock()
	return nil
}

// Stop unsubscribes and drops any pending foreground commit.
func (r *Resynchronizer) Stop(_ context.Context) {
	r.mu.Lock()
	unsub := r.unsub
	r.unsub = nil
	r.cancelCommitLocked()
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// SetDebounce changes the foreground debounce (config hot reload).
func (r *Resynchronizer) SetDebounce(d time.Duration) {
	if d < 0 {
		d = 0
	}
	r.mu.Lock()
	r.debounce = d
	r.mu.Unlock()
}

func (r *Resynchronizer) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		State:       r.state,
		LastVisible: r.lastVisible,
		Corrections: r.corrections,
		LastElapsed: r.lastElapsed,
		Pending:     r.commit != nil,
	}
}

// Handle applies one transition. Sources call it; so can tests.
func (r *Resynchronizer) Handle(tr Transition) {
	if tr.At.IsZero() {
		tr.At = r.clk.Now()
	}
	switch tr.State {
	case Background:
		r.toBackground(tr)
	case Foreground:
		r.toForeground(tr)
	}
}

func (r *Resynchronizer) toBackground(tr Transition) {
	r.mu.Lock()
	if r.commit != nil {
		// Flicker: the foreground never committed, so the original
		// background instant still stands.
		r.cancelCommitLocked()
		r.mu.Unlock()
		r.log.Debug("foreground cancelled within debounce")
		return
	}
	if r.state == Background {
		r.mu.Unlock()
		return
	}
	r.state = Background
	r.lastVisible = tr.At
	r.mu.Unlock()

	if r.persist != nil {
		r.persist.Suspend()
	}
	r.bus.Publish(eventbus.Event{Type: EventBackground, Time: tr.At})
	r.log.Debug("app backgrounded", logx.Time("at", tr.At))
}

func (r *Resynchronizer) toForeground(tr Transition) {
	r.mu.Lock()
	if r.state == Foreground || r.commit != nil {
		r.mu.Unlock()
		return
	}
	r.commitGen++
	gen := r.commitGen
	if r.debounce <= 0 {
		r.mu.Unlock()
		r.commitForeground(gen)
		return
	}
	r.commit = r.clk.AfterFunc(r.debounce, func() { r.commitForeground(gen) })
	r.mu.Unlock()
}

func (r *Resynchronizer) cancelCommitLocked() {
	if r.commit != nil {
		r.commit.Stop()
		r.commit = nil
	}
	r.commitGen++
}

func (r *Resynchronizer) commitForeground(gen uint64) {
	r.mu.Lock()
	if gen != r.commitGen || r.state != Background {
		r.mu.Unlock()
		return
	}
	r.commit = nil
	now := r.clk.Now()
	elapsed := clock.WholeSeconds(now.Sub(r.lastVisible))
	r.state = Foreground
	r.lastElapsed = elapsed
	if elapsed > 0 {
		r.corrections++
	}
	r.mu.Unlock()

	r.act.Touch(activity.KindVisibility)

	var rep timer.ResyncReport
	if elapsed > 0 {
		ctx, span := r.tracer.StartResync(context.Background(), elapsed)
		if r.timers != nil {
			rep = r.timers.Resync(elapsed, now)
		}
		span.SetInt("resync.corrected", len(rep.Corrected))
		span.SetInt("resync.completed", len(rep.Completed))
		if r.persist != nil {
			r.persist.Resume()
			r.persist.FlushAll(ctx, "visibility")
		}
		span.End(nil)
	} else if r.persist != nil {
		r.persist.Resume()
	}

	r.bus.Publish(eventbus.Event{Type: EventForeground, Time: now, Data: ForegroundEvent{Elapsed: elapsed, Report: rep}})
	r.log.Debug("app foregrounded", logx.Int("elapsed_s", elapsed), logx.Int("corrected", len(rep.Corrected)))
}
