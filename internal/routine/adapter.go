package routine

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"routineclock/internal/clock"
	"routineclock/internal/persist"
	"routineclock/internal/storage"
	logx "routineclock/pkg/logx"
)

const KeyPrefix = "routineState_"

// Key is the store key for a routine's state.
func Key(routineID string) string { return KeyPrefix + routineID }

// Writer is the part of the persistence scheduler the adapter writes through.
type Writer interface {
	ScheduleWrite(key string, value []byte, p persist.Priority)
	ScheduleRemove(key string, p persist.Priority)
}

type AdapterDeps struct {
	Writer Writer
	Store  storage.Store // reads only; may be nil
	Codec  Codec
	Clock  clock.Clock
	Log    logx.Logger
}

// Adapter turns routine state changes into scheduled writes. It skips states
// whose floored content is unchanged since the last scheduled write.
type Adapter struct {
	mu sync.Mutex

	key   string
	w     Writer
	store storage.Store
	codec Codec
	clk   clock.Clock
	log   logx.Logger

	last     *State // rounded state of the last scheduled write
	lastHash uint64
	lastPrio persist.Priority
	skipped  uint64
}

func NewAdapter(routineID string, d AdapterDeps) *Adapter {
	if d.Codec == nil {
		d.Codec = JSON
	}
	if d.Clock == nil {
		d.Clock = clock.System
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Adapter{
		key:   Key(routineID),
		w:     d.Writer,
		store: d.Store,
		codec: d.Codec,
		clk:   d.Clock,
		log:   d.Log.With(logx.String("routine", routineID)),
	}
}

func (a *Adapter) Key() string { return a.key }

// Save schedules s unless its floored content matches the last scheduled
// write. It reports whether a write was scheduled.
func (a *Adapter) Save(s State) bool {
	r := s.rounded()
	h, err := hashState(r)
	if err != nil {
		a.log.Warn("hash routine state failed", logx.Err(err))
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last != nil && h == a.lastHash {
		a.skipped++
		return false
	}
	p := classify(a.last, r)
	return a.scheduleLocked(r, h, p, time.Time{})
}

// ForceSave schedules the last saved state at Critical priority regardless
// of the hash. Call it right before the process may be torn down.
func (a *Adapter) ForceSave() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return false
	}
	return a.scheduleLocked(a.last.Clone(), a.lastHash, persist.Critical, time.Time{})
}

// Checkpoint schedules s at Critical priority regardless of the hash. at is
// the instant the timer values in s are accounted to; zero means now.
func (a *Adapter) Checkpoint(s State, at time.Time) bool {
	r := s.rounded()
	h, err := hashState(r)
	if err != nil {
		a.log.Warn("hash routine state failed", logx.Err(err))
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scheduleLocked(r, h, persist.Critical, at)
}

// Clear schedules removal of the persisted state.
func (a *Adapter) Clear() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.w == nil {
		return false
	}
	a.w.ScheduleRemove(a.key, persist.Critical)
	a.last = nil
	a.lastHash = 0
	a.lastPrio = persist.Critical
	return true
}

// Load reads the persisted state. It reports false when nothing is stored.
func (a *Adapter) Load(ctx context.Context) (State, bool, error) {
	if a.store == nil {
		return State{}, false, nil
	}
	b, ok, err := a.store.Get(ctx, a.key)
	if err != nil || !ok {
		return State{}, false, err
	}
	s, err := Decode(b)
	if err != nil {
		return State{}, false, err
	}
	r := s.rounded()
	if h, err := hashState(r); err == nil {
		a.mu.Lock()
		a.last = &r
		a.lastHash = h
		a.mu.Unlock()
	}
	return s, true, nil
}

// LastPriority returns the priority of the last scheduled write.
func (a *Adapter) LastPriority() persist.Priority {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastPrio
}

// Skipped counts saves dropped because nothing changed.
func (a *Adapter) Skipped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.skipped
}

func (a *Adapter) scheduleLocked(r State, h uint64, p persist.Priority, at time.Time) bool {
	if a.w == nil {
		return false
	}
	if at.IsZero() {
		at = a.clk.Now()
	}
	out := r.Clone()
	out.SavedAt = at
	b, err := a.codec.Marshal(out)
	if err != nil {
		a.log.Warn("encode routine state failed", logx.String("codec", a.codec.Name()), logx.Err(err))
		return false
	}
	a.w.ScheduleWrite(a.key, b, p)
	a.last = &r
	a.lastHash = h
	a.lastPrio = p
	a.log.Trace("routine state scheduled", logx.String("priority", p.String()))
	return true
}

// classify derives write priority from what changed since prev.
func classify(prev *State, cur State) persist.Priority {
	if prev == nil {
		if cur.Started {
			return persist.Critical
		}
		return persist.Low
	}
	switch {
	case prev.Started != cur.Started:
		return persist.Critical
	case len(prev.CompletedTasks) != len(cur.CompletedTasks):
		return persist.Critical
	case prev.Paused != cur.Paused:
		return persist.High
	case cur.Started && !cur.Paused:
		return persist.Medium
	default:
		return persist.Low
	}
}

// hashState is fnv64a over canonical JSON. encoding/json sorts map keys, so
// equal states always hash equal.
func hashState(s State) (uint64, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return 0, err
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64(), nil
}
