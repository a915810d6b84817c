// Package storage persists the schedule timeline across restarts.
//
// Drivers:
//   - "file": JSON Lines journal plus a periodically compacted snapshot
//   - "sqlite": a SQLite database (modernc.org/sqlite, no cgo)
//
// The in-memory schedule.Store stays the source of truth for resolution;
// storage is written through on every mutation and read once at startup.
package storage
