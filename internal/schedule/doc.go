// Package schedule holds the timeline of schedule entries and resolves it.
//
// Entries are totally ordered by (scheduledAt, createdAt, id). At an instant T
// the active entry is the one with the greatest scheduledAt <= T; when several
// entries share that instant the earliest created one wins. The future window
// is the ascending run of entries strictly after T.
package schedule
