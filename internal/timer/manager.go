package timer

import (
	"sort"
	"sync"
	"time"

	"routineclock/internal/clock"
	"routineclock/internal/eventbus"
	logx "routineclock/pkg/logx"
)

type entry struct {
	State
	cb Callbacks
}

// fire is one callback delivery collected under the lock and run after it.
// e pins the registration the callback belongs to.
type fire struct {
	id       string
	timeLeft int
	e        *entry
}

// Manager is the timer registry and master clock. Construct one per
// application runtime with New; tests build a fresh one per case.
type Manager struct {
	mu sync.Mutex

	clk  clock.Clock
	log  logx.Logger
	bus  eventbus.Bus
	warn *logx.Throttle

	timers map[string]*entry

	// loop is the armed tick; nil while idle. loopGen invalidates a tick
	// that was already in flight when the loop was disarmed.
	loop    clock.Timer
	loopGen uint64

	ticks   uint64
	resyncs uint64

	// dispatch serializes callback delivery across ticks and resyncs.
	dispatch sync.Mutex
}

func New(clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Manager {
	if clk == nil {
		clk = clock.System
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Manager{
		clk:    clk,
		log:    log,
		bus:    bus,
		warn:   logx.NewThrottle(10*time.Second, 1),
		timers: map[string]*entry{},
	}
}

// Create registers a timer, replacing any timer with the same id. A
// non-positive duration is logged but accepted as the starting value.
func (m *Manager) Create(id string, durationSeconds int, cb Callbacks, autoStart bool) bool {
	if durationSeconds <= 0 {
		m.log.Warn("timer created with non-positive duration", logx.String("timer", id), logx.Int("duration", durationSeconds))
	}
	now := m.clk.Now()

	m.mu.Lock()
	if _, ok := m.timers[id]; ok {
		m.log.Debug("replacing existing timer", logx.String("timer", id))
		delete(m.timers, id)
	}
	e := &entry{
		State: State{
			ID:             id,
			TimeLeft:       clampFloor(durationSeconds),
			Duration:       durationSeconds,
			IsActive:       autoStart,
			LastUpdateTime: now,
		},
		cb: cb,
	}
	if autoStart {
		e.StartTime = now
	}
	m.timers[id] = e
	m.armLocked()
	m.mu.Unlock()

	m.bus.Publish(eventbus.Event{Type: EventCreated, Time: now, Data: e.State})
	return true
}

func (m *Manager) Start(id string) bool {
	return m.mutate("start", id, func(e *entry, now time.Time) {
		if e.Running() {
			return
		}
		e.IsActive = true
		e.IsPaused = false
		if e.StartTime.IsZero() {
			e.StartTime = now
		}
		e.LastUpdateTime = now
	})
}

func (m *Manager) Pause(id string) bool {
	return m.mutate("pause", id, func(e *entry, now time.Time) {
		e.IsPaused = true
	})
}

// Resume restarts ticking from the timer's current TimeLeft. Time spent
// paused is never owed.
func (m *Manager) Resume(id string) bool {
	return m.mutate("resume", id, func(e *entry, now time.Time) {
		if !e.IsPaused {
			return
		}
		e.IsPaused = false
		e.LastUpdateTime = now
	})
}

// Stop deactivates the timer. It stays registered until Remove.
func (m *Manager) Stop(id string) bool {
	return m.mutate("stop", id, func(e *entry, now time.Time) {
		e.IsActive = false
		e.IsPaused = false
	})
}

func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	e, ok := m.timers[id]
	if !ok {
		m.mu.Unlock()
		m.unknown("remove", id)
		return false
	}
	delete(m.timers, id)
	m.armLocked()
	m.mu.Unlock()

	m.bus.Publish(eventbus.Event{Type: EventRemoved, Data: e.State})
	return true
}

func (m *Manager) mutate(op, id string, fn func(e *entry, now time.Time)) bool {
	now := m.clk.Now()
	m.mu.Lock()
	e, ok := m.timers[id]
	if !ok {
		m.mu.Unlock()
		m.unknown(op, id)
		return false
	}
	fn(e, now)
	m.armLocked()
	m.mu.Unlock()
	return true
}

func (m *Manager) unknown(op, id string) {
	m.warn.Warn(m.log, op+":"+id, "unknown timer", logx.String("op", op), logx.String("timer", id), logx.Err(ErrUnknownTimer))
}

// Get returns a snapshot of the timer.
func (m *Manager) Get(id string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.timers[id]
	if !ok {
		return State{}, false
	}
	return e.State, true
}

// List returns snapshots of all timers ordered by id.
func (m *Manager) List() []State {
	m.mu.Lock()
	out := make([]State, 0, len(m.timers))
	for _, e := range m.timers {
		out = append(out, e.State)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BatchUpdate overwrites TimeLeft for several timers at once without firing
// callbacks. Unknown ids are skipped. It returns how many were applied.
func (m *Manager) BatchUpdate(updates []Update) int {
	m.mu.Lock()
	n, missing := m.batchUpdateLocked(updates)
	m.mu.Unlock()
	for _, id := range missing {
		m.unknown("batch_update", id)
	}
	return n
}

func (m *Manager) batchUpdateLocked(updates []Update) (int, []string) {
	n := 0
	var missing []string
	for _, u := range updates {
		e, ok := m.timers[u.ID]
		if !ok {
			missing = append(missing, u.ID)
			continue
		}
		e.TimeLeft = clampFloor(u.TimeLeft)
		n++
	}
	return n, missing
}

// PauseAll pauses every running timer and returns how many changed.
func (m *Manager) PauseAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.timers {
		if e.Running() {
			e.IsPaused = true
			n++
		}
	}
	m.armLocked()
	return n
}

// ResumeAll resumes every active, paused timer and returns how many changed.
func (m *Manager) ResumeAll() int {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.timers {
		if e.IsActive && e.IsPaused {
			e.IsPaused = false
			e.LastUpdateTime = now
			n++
		}
	}
	m.armLocked()
	return n
}

// Running reports whether the master clock loop is armed.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loop != nil
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Timers: len(m.timers), Looping: m.loop != nil, Ticks: m.ticks, Resyncs: m.resyncs}
	for _, e := range m.timers {
		if e.Running() {
			st.Running++
		}
	}
	return st
}

// Close stops the master clock and drops every timer (process teardown).
func (m *Manager) Close() {
	m.mu.Lock()
	if m.loop != nil {
		m.loop.Stop()
		m.loop = nil
	}
	m.loopGen++
	n := len(m.timers)
	m.timers = map[string]*entry{}
	m.mu.Unlock()
	m.log.Debug("timer registry closed", logx.Int("timers", n))
}

// armLocked arms the loop if any timer is running and disarms it otherwise.
func (m *Manager) armLocked() { m.armAfterLocked(Period) }

func (m *Manager) armAfterLocked(d time.Duration) {
	running := false
	for _, e := range m.timers {
		if e.Running() {
			running = true
			break
		}
	}
	switch {
	case running && m.loop == nil:
		m.loopGen++
		gen := m.loopGen
		m.loop = m.clk.AfterFunc(d, func() { m.tick(gen) })
		m.log.Trace("master clock armed")
	case !running && m.loop != nil:
		m.loop.Stop()
		m.loop = nil
		m.loopGen++
		m.log.Trace("master clock idle")
	}
}

func (m *Manager) tick(gen uint64) {
	m.dispatch.Lock()
	defer m.dispatch.Unlock()

	m.mu.Lock()
	if m.loop == nil || gen != m.loopGen {
		m.mu.Unlock()
		return
	}
	m.loop = nil
	now := m.clk.Now()

	// Phase 1: decrement every running timer that is owed a period. A timer
	// already accounted up to now by Resync is skipped.
	var ticked, completed []fire
	for _, id := range m.sortedIDsLocked() {
		e := m.timers[id]
		if !e.Running() || now.Sub(e.LastUpdateTime) < Period {
			continue
		}
		prev := e.TimeLeft
		e.TimeLeft = clampFloor(prev - 1)
		e.LastUpdateTime = e.LastUpdateTime.Add(Period)
		f := fire{id: id, timeLeft: e.TimeLeft, e: e}
		ticked = append(ticked, f)
		if prev > 0 && e.TimeLeft <= 0 {
			completed = append(completed, f)
		}
	}
	m.ticks++
	m.mu.Unlock()

	// Phase 2: react.
	m.deliver(now, ticked, completed, "tick")

	// Measure the next period from this tick so callback time does not
	// accumulate as lag.
	next := max(Period-m.clk.Now().Sub(now), 0)
	m.mu.Lock()
	m.armAfterLocked(next)
	m.mu.Unlock()
}

// Resync applies elapsedSeconds of unobserved wall time to every running
// timer in one batch. Each timer is corrected by at most the whole periods it
// is actually owed since its LastUpdateTime, so ticks that did run during the
// gap are not counted twice. OnTick fires once per corrected timer, then
// OnComplete for every timer that crossed to zero or below.
func (m *Manager) Resync(elapsedSeconds int, now time.Time) ResyncReport {
	rep := ResyncReport{Elapsed: elapsedSeconds}
	if elapsedSeconds <= 0 {
		return rep
	}

	m.dispatch.Lock()
	defer m.dispatch.Unlock()

	m.mu.Lock()
	var ticked, completed []fire
	for _, id := range m.sortedIDsLocked() {
		e := m.timers[id]
		if !e.Running() {
			continue
		}
		n := min(elapsedSeconds, clock.WholeSeconds(now.Sub(e.LastUpdateTime)))
		if n <= 0 {
			continue
		}
		prev := e.TimeLeft
		next := clampFloor(prev - n)
		rep.Corrected = append(rep.Corrected, Update{ID: id, TimeLeft: next})
		e.LastUpdateTime = e.LastUpdateTime.Add(time.Duration(n) * Period)
		f := fire{id: id, timeLeft: next, e: e}
		ticked = append(ticked, f)
		if prev > 0 && next <= 0 {
			completed = append(completed, f)
			rep.Completed = append(rep.Completed, id)
		}
	}
	m.batchUpdateLocked(rep.Corrected)
	m.resyncs++
	m.armLocked()
	m.mu.Unlock()

	m.deliver(now, ticked, completed, "resync")
	m.bus.Publish(eventbus.Event{Type: EventResync, Time: now, Data: rep})
	if len(rep.Corrected) > 0 {
		m.log.Info("timers resynchronized",
			logx.Int("elapsed_s", elapsedSeconds),
			logx.Int("corrected", len(rep.Corrected)),
			logx.Int("completed", len(rep.Completed)))
	}
	return rep
}

// deliver runs the collected callbacks. A timer removed or replaced by an
// earlier callback in the same batch gets no further callbacks.
func (m *Manager) deliver(now time.Time, ticked, completed []fire, source string) {
	for _, f := range ticked {
		if !m.live(f) {
			continue
		}
		if f.e.cb.OnTick != nil {
			f.e.cb.OnTick(f.timeLeft)
		}
		m.bus.Publish(eventbus.Event{Type: EventTick, Time: now, Data: TickEvent{ID: f.id, TimeLeft: f.timeLeft}})
	}
	for _, f := range completed {
		if !m.live(f) {
			continue
		}
		if f.e.cb.OnComplete != nil {
			f.e.cb.OnComplete()
		}
		m.bus.Publish(eventbus.Event{Type: EventComplete, Time: now, Data: CompleteEvent{ID: f.id, TimeLeft: f.timeLeft, Source: source}})
		m.log.Debug("timer completed", logx.String("timer", f.id), logx.Int("time_left", f.timeLeft), logx.String("source", source))
	}
}

func (m *Manager) live(f fire) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers[f.id] == f.e
}

func (m *Manager) sortedIDsLocked() []string {
	ids := make([]string, 0, len(m.timers))
	for id := range m.timers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
