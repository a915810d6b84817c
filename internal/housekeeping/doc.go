// Package housekeeping runs periodic maintenance jobs on a cron scheduler.
//
// Jobs are registered under a stable name; registering the same name again
// replaces the previous definition, which keeps config reloads idempotent.
// Schedules are either cron expressions (optional seconds field, descriptors
// such as "@hourly") or fixed intervals. A run that is still executing when
// its next tick arrives causes that tick to be skipped.
package housekeeping
