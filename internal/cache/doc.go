// Package cache implements the size-bounded local content cache.
//
// Content bodies live on disk under the cache directory, one file per
// entry, while entry metadata is kept in memory and mirrored into a
// sqlite index so the LRU state survives restarts. Concurrent requests
// for the same missing entry are coalesced through singleflight so the
// upstream is contacted exactly once. When the configured capacity is
// exceeded the least recently accessed entries are evicted, ties broken
// by creation time.
package cache
