// Package timer implements the timer registry and its master clock.
//
// # Overview
//
// A Manager owns a map of named countdown timers and drives all of them from
// one shared tick loop. The loop is armed lazily the first time a timer is
// active and unpaused, and disarmed as soon as no timer qualifies, so an idle
// registry costs nothing.
//
// # Tick ordering
//
// Each tick first decrements every running timer (clamped at OverrunFloor),
// then delivers OnTick for each of them, then OnComplete for every timer that
// crossed to zero or below in this tick. A completion callback therefore never
// observes a sibling in a half-updated state.
//
// # Drift
//
// LastUpdateTime is the wall-clock instant up to which a timer's countdown has
// been accounted; each tick advances it by one Period. Resync uses it to apply
// time the loop could not observe (host suspension, throttling) as one batched
// correction instead of replaying individual ticks.
//
// # Callbacks
//
// Callbacks run outside the registry lock and are serialized, so they may call
// back into the Manager (e.g. Remove from OnComplete). They must not call
// Resync.
package timer
