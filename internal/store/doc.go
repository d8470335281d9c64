// Package store models each participant's blob namespace (requester files,
// cache entries, origin files) as an explicit object keyed by filename.
// Writes go through a temporary location and become visible atomically, so a
// reader never observes a partially transferred blob. The flat directory
// store is the default; the badger store keeps the same contract in an
// embedded key-value database (or purely in memory for tests).
package store
