// Package syncer runs one synchronization pass for one source.
//
// A pass lists the remote entries, reconciles them against the
// persisted manifest, fetches new and changed entries with a bounded
// worker pool and records the outcome as a Task. Entry failures are
// collected without aborting the pass; only a listing failure kills
// the whole run. Each successful fetch persists its manifest entry
// immediately, so a cancelled pass keeps everything already done.
package syncer
