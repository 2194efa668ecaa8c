//go:build unix

package visibility

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"routineclock/internal/clock"
)

// Signals maps SIGUSR1 to Background and SIGUSR2 to Foreground, so a
// supervisor (or `kill -USR1`) can tell the engine it is being frozen.
type Signals struct {
	clk  clock.Clock
	subs subscribers

	mu   sync.Mutex
	ch   chan os.Signal
	done chan struct{}
}

func NewSignals(clk clock.Clock) *Signals {
	if clk == nil {
		clk = clock.System
	}
	return &Signals{clk: clk}
}

func (s *Signals) Subscribe(fn func(Transition)) func() {
	id, first := s.subs.add(fn)
	if first {
		s.mu.Lock()
		s.ch = make(chan os.Signal, 4)
		s.done = make(chan struct{})
		signal.Notify(s.ch, syscall.SIGUSR1, syscall.SIGUSR2)
		go s.loop(s.ch, s.done)
		s.mu.Unlock()
	}
	return func() {
		if !s.subs.remove(id) {
			return
		}
		s.mu.Lock()
		if s.ch != nil {
			signal.Stop(s.ch)
			close(s.done)
			s.ch, s.done = nil, nil
		}
		s.mu.Unlock()
	}
}

func (s *Signals) loop(ch <-chan os.Signal, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case sig := <-ch:
			st := Foreground
			if sig == syscall.SIGUSR1 {
				st = Background
			}
			s.subs.emit(Transition{State: st, At: s.clk.Now()})
		}
	}
}
