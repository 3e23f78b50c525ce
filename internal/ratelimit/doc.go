// Package ratelimit provides per-key sliding-window admission control.
//
// Each key keeps an ordered record of the timestamps it was admitted at.
// A call to [Limiter.Allow] prunes entries older than the requested window,
// rejects when the remaining count has reached the limit, and otherwise
// records the current instant. Pruning is lazy, so no background goroutine
// is required for correctness.
//
// This is a single-instance, in-memory limiter. State is not shared between
// processes and does not survive restarts.
//
// Memory is bounded two ways: records that prune down to empty are deleted,
// and [WithMaxKeys] caps tracked keys with least-recently-used eviction.
// The optional janitor ([Limiter.StartJanitor]) drops idle records between
// calls.
package ratelimit
