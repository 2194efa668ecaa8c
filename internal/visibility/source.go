package visibility

import (
	"sync"
	"time"

	"routineclock/internal/clock"
)

// State is whether the app is visible to the user.
type State int

const (
	Foreground State = iota
	Background
)

func (s State) String() string {
	if s == Background {
		return "background"
	}
	return "foreground"
}

// Transition is one visibility change reported by a Source.
type Transition struct {
	State State
	At    time.Time
}

// Source delivers visibility transitions. Subscribe returns a function that
// removes the subscription.
type Source interface {
	Subscribe(fn func(Transition)) (unsubscribe func())
}

// subscribers is the observer list shared by the concrete sources.
type subscribers struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(Transition)
}

// add registers fn and reports whether it is the first subscriber.
func (s *subscribers) add(fn func(Transition)) (id uint64, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = map[uint64]func(Transition){}
	}
	s.next++
	s.fns[s.next] = fn
	return s.next, len(s.fns) == 1
}

// remove drops id and reports whether no subscribers remain.
func (s *subscribers) remove(id uint64) (last bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fns[id]; !ok {
		return false
	}
	delete(s.fns, id)
	return len(s.fns) == 0
}

func (s *subscribers) emit(tr Transition) {
	s.mu.Lock()
	fns := make([]func(Transition), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(tr)
	}
}

// Manual is a programmatic Source: the REPL's bg/fg commands and tests drive it.
type Manual struct {
	clk  clock.Clock
	subs subscribers
}

func NewManual(clk clock.Clock) *Manual {
	if clk == nil {
		clk = clock.System
	}
	return &Manual{clk: clk}
}

func (m *Manual) Subscribe(fn func(Transition)) func() {
	id, _ := m.subs.add(fn)
	return func() { m.subs.remove(id) }
}

func (m *Manual) Set(s State) {
	m.subs.emit(Transition{State: s, At: m.clk.Now()})
}

func (m *Manual) Background() { m.Set(Background) }
func (m *Manual) Foreground() { m.Set(Foreground) }

// Merge combines sources into one. Nil sources are skipped.
func Merge(sources ...Source) Source {
	var out merged
	for _, s := range sources {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

type merged []Source

func (m merged) Subscribe(fn func(Transition)) func() {
	unsubs := make([]func(), 0, len(m))
	for _, s := range m {
		unsubs = append(unsubs, s.Subscribe(fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
