// Package prewarm fetches predicted-popular content into the cache
// before clients ask for it.
//
// Requests sit in a priority queue ordered by priority then enqueue
// order, deduplicated while pending. A fixed worker pool drains the
// queue through the cache's coalesced fetch path, so a prewarm never
// races an online request for the same entry. A periodic scan over
// recently missed keys promotes the hottest ones with elevated
// priority, and outcomes land in a bounded history ring.
package prewarm
