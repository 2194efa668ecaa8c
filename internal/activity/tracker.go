// Package activity tracks whether the user is currently interacting with the
// device. The persistence scheduler reads it to stretch write cadence while
// the user is idle.
package activity

import (
	"sync"
	"time"

	"routineclock/internal/clock"
)

// Kind classifies an interaction event.
type Kind string

const (
	KindPointer    Kind = "pointer"
	KindKey        Kind = "key"
	KindVisibility Kind = "visibility"
	KindCommand    Kind = "command"
)

const DefaultIdleAfter = 60 * time.Second

// Metrics is a point-in-time view of user activity. It is advisory only.
type Metrics struct {
	IsUserActive bool
	LastActivity time.Time
	LastKind     Kind
	Events       uint64
}

// Tracker derives "is the user active" from the time since the last
// interaction event. The zero value is not usable; use New.
type Tracker struct {
	mu        sync.Mutex
	clk       clock.Clock
	idleAfter time.Duration
	last      time.Time
	lastKind  Kind
	events    uint64
}

// New returns a tracker that considers the user active at construction time.
func New(clk clock.Clock, idleAfter time.Duration) *Tracker {
	if clk == nil {
		clk = clock.System
	}
	if idleAfter <= 0 {
		idleAfter = DefaultIdleAfter
	}
	return &Tracker{clk: clk, idleAfter: idleAfter, last: clk.Now()}
}

// Touch records an interaction event.
func (t *Tracker) Touch(kind Kind) {
	if t == nil {
		return
	}
	now := t.clk.Now()
	t.mu.Lock()
	if now.After(t.last) {
		t.last = now
	}
	t.lastKind = kind
	t.events++
	t.mu.Unlock()
}

// SetIdleAfter changes the idle threshold (config hot reload).
func (t *Tracker) SetIdleAfter(d time.Duration) {
	if t == nil || d <= 0 {
		return
	}
	t.mu.Lock()
	t.idleAfter = d
	t.mu.Unlock()
}

// IsActive reports whether an interaction happened within the idle threshold.
func (t *Tracker) IsActive() bool {
	return t.Metrics().IsUserActive
}

// Metrics returns the current activity metrics. A nil tracker reports an
// always-active user so callers keep their normal cadence.
func (t *Tracker) Metrics() Metrics {
	if t == nil {
		return Metrics{IsUserActive: true}
	}
	now := t.clk.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	return Metrics{
		IsUserActive: now.Sub(t.last) < t.idleAfter,
		LastActivity: t.last,
		LastKind:     t.lastKind,
		Events:       t.events,
	}
}
