// Package storage provides the durable key/value store the persistence
// scheduler writes routine and timer state into.
//
// Drivers:
//   - "memory": process-local map (tests, ephemeral runs)
//   - "file":   JSON snapshot + append-only JSON Lines journal
//   - "sqlite": single SQLite database file (WAL)
//
// No atomicity is assumed beyond single-key consistency; drivers that can
// apply a batch atomically implement Batcher.
package storage
