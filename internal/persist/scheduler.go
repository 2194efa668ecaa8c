package persist

import (
	"context"
	"sort"
	"sync"
	"time"

	"routineclock/internal/activity"
	"routineclock/internal/clock"
	"routineclock/internal/eventbus"
	"routineclock/internal/storage"
	"routineclock/internal/tracing"
	logx "routineclock/pkg/logx"
)

// ActivitySource reports user activity. *activity.Tracker implements it.
type ActivitySource interface {
	Metrics() activity.Metrics
}

// Deps are the scheduler's collaborators. Every field is optional: a nil
// Store puts the scheduler in degraded mode where flushes discard writes.
type Deps struct {
	Store    storage.Store
	Activity ActivitySource
	Clock    clock.Clock
	Log      logx.Logger
	Bus      eventbus.Bus
	Tracer   *tracing.Tracer
}

// Scheduler coalesces writes per key and flushes them on a priority cadence.
type Scheduler struct {
	mu sync.Mutex

	cfg    Config
	store  storage.Store
	act    ActivitySource
	clk    clock.Clock
	log    logx.Logger
	bus    eventbus.Bus
	tracer *tracing.Tracer
	warn   *logx.Throttle

	pending map[string]*PendingWrite

	// timer is the single armed flush; timerAt is its deadline.
	timer    clock.Timer
	timerAt  time.Time
	timerGen uint64

	suspended bool
	closed    bool

	// retryAt holds every deadline back after a store failure.
	backoff time.Duration
	retryAt time.Time

	stats Stats

	// flushMu serializes store writes so a key is never written out of order.
	flushMu sync.Mutex
}

func New(cfg Config, d Deps) *Scheduler {
	if d.Clock == nil {
		d.Clock = clock.System
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	return &Scheduler{
		cfg:     cfg.normalize(),
		store:   d.Store,
		act:     d.Activity,
		clk:     d.Clock,
		log:     d.Log,
		bus:     d.Bus,
		tracer:  d.Tracer,
		warn:    logx.NewThrottle(30*time.Second, 1),
		pending: map[string]*PendingWrite{},
	}
}

// ScheduleWrite records value as the pending write for key. An existing
// pending write is replaced and its priority raised, never lowered; its
// original ScheduledAt is kept so repeated low-priority saves cannot starve
// the flush.
func (s *Scheduler) ScheduleWrite(key string, value []byte, p Priority) {
	if key == "" {
		s.log.Warn("schedule write with empty key ignored")
		return
	}
	if value != nil {
		value = append([]byte{}, value...)
	}
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if pw, ok := s.pending[key]; ok {
		pw.Value = value
		if p > pw.Priority {
			pw.Priority = p
		}
		pw.Writes++
		s.stats.Coalesced++
	} else {
		s.pending[key] = &PendingWrite{Key: key, Value: value, Priority: p, ScheduledAt: now, Writes: 1}
	}
	s.armLocked(now)
}

// ScheduleRemove schedules deletion of key.
func (s *Scheduler) ScheduleRemove(key string, p Priority) {
	s.ScheduleWrite(key, nil, p)
}

// Cancel drops the pending write for key. It reports whether one existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[key]; !ok {
		return false
	}
	delete(s.pending, key)
	s.armLocked(s.clk.Now())
	return true
}

// FlushAll synchronously writes every pending write, regardless of deadlines,
// suspension or retry backoff. It returns how many writes left the queue.
func (s *Scheduler) FlushAll(ctx context.Context, reason string) int {
	return s.flush(ctx, reason, nil)
}

// Suspend cancels the armed flush while the app is backgrounded. Pending
// writes are kept; Critical writes still flush.
func (s *Scheduler) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return
	}
	s.suspended = true
	s.armLocked(s.clk.Now())
	s.log.Debug("scheduler suspended", logx.Int("pending", len(s.pending)))
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.suspended {
		return
	}
	s.suspended = false
	s.armLocked(s.clk.Now())
	s.log.Debug("scheduler resumed", logx.Int("pending", len(s.pending)))
}

// ActivityMetrics returns the activity source's view. Without a source the
// user is treated as always active.
func (s *Scheduler) ActivityMetrics() activity.Metrics {
	if s.act == nil {
		return activity.Metrics{IsUserActive: true}
	}
	return s.act.Metrics()
}

// Pending returns copies of the pending writes ordered by key.
func (s *Scheduler) Pending() []PendingWrite {
	s.mu.Lock()
	out := make([]PendingWrite, 0, len(s.pending))
	for _, pw := range s.pending {
		out = append(out, *pw)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Pending = len(s.pending)
	st.Suspended = s.suspended
	return st
}

// Apply swaps the cadence config (hot reload) and re-arms the flush timer.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.normalize()
	s.armLocked(s.clk.Now())
}

// Close flushes everything and stops arming timers. Writes scheduled after
// Close are kept until the next explicit FlushAll.
func (s *Scheduler) Close(ctx context.Context) int {
	n := s.FlushAll(ctx, "shutdown")
	s.mu.Lock()
	s.closed = true
	s.stopTimerLocked()
	s.mu.Unlock()
	return n
}

func (s *Scheduler) idle() bool {
	return s.act != nil && !s.act.Metrics().IsUserActive
}

func (s *Scheduler) eligibleLocked(pw *PendingWrite) bool {
	return !s.suspended || pw.Priority == Critical
}

func (s *Scheduler) deadlineLocked(pw *PendingWrite, idle bool) time.Time {
	dl := pw.ScheduledAt.Add(s.cfg.delay(pw.Priority, idle))
	if s.retryAt.After(dl) {
		dl = s.retryAt
	}
	return dl
}

// armLocked keeps exactly one flush timer armed at the earliest eligible
// deadline, or none.
func (s *Scheduler) armLocked(now time.Time) {
	if s.closed {
		s.stopTimerLocked()
		return
	}
	idle := s.idle()
	var next time.Time
	found := false
	for _, pw := range s.pending {
		if !s.eligibleLocked(pw) {
			continue
		}
		dl := s.deadlineLocked(pw, idle)
		if !found || dl.Before(next) {
			next, found = dl, true
		}
	}
	if !found {
		s.stopTimerLocked()
		return
	}
	if s.timer != nil && s.timerAt.Equal(next) {
		return
	}
	s.stopTimerLocked()
	s.timerGen++
	gen := s.timerGen
	s.timerAt = next
	s.timer = s.clk.AfterFunc(next.Sub(now), func() { s.onTimer(gen) })
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerAt = time.Time{}
	s.timerGen++
}

func (s *Scheduler) onTimer(gen uint64) {
	s.mu.Lock()
	if gen != s.timerGen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.timerAt = time.Time{}
	now := s.clk.Now()
	idle := s.idle()
	var due []string
	for k, pw := range s.pending {
		if s.eligibleLocked(pw) && !s.deadlineLocked(pw, idle).After(now) {
			due = append(due, k)
		}
	}
	s.mu.Unlock()

	if len(due) > 0 {
		s.flush(context.Background(), "deadline", due)
	}

	s.mu.Lock()
	s.armLocked(s.clk.Now())
	s.mu.Unlock()
}

// flush writes the pending writes for keys (all of them when keys is nil)
// as one batch. Failed writes go back into the queue.
func (s *Scheduler) flush(ctx context.Context, reason string, keys []string) int {
	if ctx == nil {
		ctx = context.Background()
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	var batch []PendingWrite
	take := func(k string) {
		if pw, ok := s.pending[k]; ok {
			batch = append(batch, *pw)
			delete(s.pending, k)
		}
	}
	if keys == nil {
		for k := range s.pending {
			take(k)
		}
	} else {
		for _, k := range keys {
			take(k)
		}
	}
	s.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].Key < batch[j].Key })
	maxP := Low
	for _, pw := range batch {
		if pw.Priority > maxP {
			maxP = pw.Priority
		}
	}

	ctx, span := s.tracer.StartFlush(ctx, reason, len(batch), maxP.String())

	if s.store == nil {
		s.mu.Lock()
		s.stats.Flushes++
		s.stats.Discarded += uint64(len(batch))
		s.armLocked(s.clk.Now())
		s.mu.Unlock()
		s.log.Debug("storage disabled; pending writes discarded",
			logx.String("reason", reason), logx.Int("keys", len(batch)))
		span.End(nil)
		return len(batch)
	}

	ops := make([]storage.Op, len(batch))
	for i, pw := range batch {
		ops[i] = storage.Op{Key: pw.Key, Value: pw.Value}
	}
	n, err := storage.Apply(ctx, s.store, ops)

	written := make([]string, 0, n)
	for _, pw := range batch[:n] {
		written = append(written, pw.Key)
	}
	failed := batch[n:]

	now := s.clk.Now()
	s.mu.Lock()
	s.stats.Flushes++
	s.stats.Written += uint64(n)
	if err != nil {
		s.stats.Failures++
		for _, pw := range failed {
			s.requeueLocked(pw)
		}
		if s.backoff <= 0 {
			s.backoff = s.cfg.RetryMin
		} else {
			s.backoff = min(s.backoff*2, s.cfg.RetryMax)
		}
		s.retryAt = now.Add(s.backoff)
	} else {
		s.backoff = 0
		s.retryAt = time.Time{}
	}
	backoff := s.backoff
	s.armLocked(now)
	s.mu.Unlock()

	if err != nil {
		s.warn.Warn(s.log, "flush", "flush failed; writes kept pending",
			logx.String("reason", reason),
			logx.Int("failed", len(failed)),
			logx.Duration("retry_in", backoff),
			logx.Err(err))
	} else {
		s.log.Debug("flushed", logx.String("reason", reason), logx.Int("keys", n), logx.String("max_priority", maxP.String()))
	}
	s.bus.Publish(eventbus.Event{Type: EventFlush, Time: now, Data: FlushEvent{Reason: reason, Written: written, Failed: len(failed)}})
	span.End(err)
	return n
}

// requeueLocked puts a failed write back. A newer write scheduled for the same
// key during the flush wins on value; priority and age are merged.
func (s *Scheduler) requeueLocked(pw PendingWrite) {
	cur, ok := s.pending[pw.Key]
	if !ok {
		cp := pw
		s.pending[pw.Key] = &cp
		return
	}
	if pw.Priority > cur.Priority {
		cur.Priority = pw.Priority
	}
	if pw.ScheduledAt.Before(cur.ScheduledAt) {
		cur.ScheduledAt = pw.ScheduledAt
	}
	cur.Writes += pw.Writes
}
