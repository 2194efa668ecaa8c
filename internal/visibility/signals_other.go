//go:build !unix

package visibility

import "routineclock/internal/clock"

// Signals is inert on platforms without SIGUSR1/SIGUSR2.
type Signals struct{}

func NewSignals(clk clock.Clock) *Signals { return &Signals{} }

func (s *Signals) Subscribe(fn func(Transition)) func() { return func() {} }
