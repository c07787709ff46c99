// Package scheduler owns the per-source sync state machines and their
// timed triggers.
//
// Each source moves idle -> running -> idle, with stopping on a stop
// request and error after an unrecoverable listing failure. A global
// semaphore bounds concurrent syncs across all sources. Next-run
// computation accepts plain durations, @every notation and five-field
// cron expressions, and is a pure function of the current time so it
// can be tested against an injected clock. On launch the scheduler
// consults the health monitor and substitutes a source's fallback URL
// while failover is active.
package scheduler
