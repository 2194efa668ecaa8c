// Package persist batches durable writes. Callers schedule key/value writes
// at a priority; the scheduler coalesces them per key and flushes each one
// after a delay derived from its highest requested priority.
package persist

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders pending writes. Higher priorities flush sooner.
type Priority int

const (
	Low Priority = iota
	Medium
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "medium":
		return Medium, nil
	case "high":
		return High, nil
	case "critical":
		return Critical, nil
	default:
		return Low, fmt.Errorf("unknown priority %q", s)
	}
}

const EventFlush = "persist.flush"

// PendingWrite is the coalesced write for one key. A nil Value is a removal.
type PendingWrite struct {
	Key         string
	Value       []byte
	Priority    Priority
	ScheduledAt time.Time
	Writes      int
}

func (w PendingWrite) Removal() bool { return w.Value == nil }

// Config controls flush cadence.
type Config struct {
	CriticalDelay time.Duration
	HighDelay     time.Duration
	MediumDelay   time.Duration
	LowDelay      time.Duration

	// IdleStretch multiplies the Medium and Low delays while the user is idle.
	IdleStretch float64

	RetryMin time.Duration
	RetryMax time.Duration

	// Checkpoint is a cron spec for the periodic full flush. Empty disables it.
	Checkpoint string
}

func DefaultConfig() Config {
	return Config{
		CriticalDelay: 0,
		HighDelay:     1 * time.Second,
		MediumDelay:   5 * time.Second,
		LowDelay:      15 * time.Second,
		IdleStretch:   3,
		RetryMin:      1 * time.Second,
		RetryMax:      30 * time.Second,
		Checkpoint:    "@every 1m",
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.CriticalDelay < 0 {
		c.CriticalDelay = 0
	}
	if c.HighDelay < c.CriticalDelay {
		c.HighDelay = c.CriticalDelay
	}
	if c.MediumDelay < c.HighDelay {
		c.MediumDelay = c.HighDelay
	}
	if c.LowDelay < c.MediumDelay {
		c.LowDelay = c.MediumDelay
	}
	if c.IdleStretch < 1 {
		c.IdleStretch = 1
	}
	if c.RetryMin <= 0 {
		c.RetryMin = d.RetryMin
	}
	if c.RetryMax < c.RetryMin {
		c.RetryMax = c.RetryMin
	}
	return c
}

// delay returns the flush delay for p. Medium and Low stretch while idle.
func (c Config) delay(p Priority, idle bool) time.Duration {
	var d time.Duration
	switch p {
	case Critical:
		return c.CriticalDelay
	case High:
		return c.HighDelay
	case Medium:
		d = c.MediumDelay
	default:
		d = c.LowDelay
	}
	if idle && c.IdleStretch > 1 {
		d = time.Duration(float64(d) * c.IdleStretch)
	}
	return d
}

// Stats are cumulative counters since construction.
type Stats struct {
	Pending   int
	Suspended bool
	Flushes   uint64
	Written   uint64
	Coalesced uint64
	Failures  uint64
	Discarded uint64
}

// FlushEvent is published on the bus after every non-empty flush.
type FlushEvent struct {
	Reason  string
	Written []string
	Failed  int
}
