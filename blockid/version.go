package blockid

import "sync/atomic"

// UnassignedVersion is the reserved zero value meaning "no write has ever
// acquired this block".
const UnassignedVersion uint64 = 0

// VersionClock is the per-block monotonic write-version counter. The
// zero value starts at UnassignedVersion; the first Next() call returns
// 1.
//
// A VersionClock is owned by exactly one current-page and is only ever
// advanced from that current-page's shard goroutine, but Next is kept
// atomic so a racing reader (Last) never observes a torn value.
type VersionClock struct {
	v atomic.Uint64
}

// NewVersionClock returns a clock whose last-write version is
// initialized to 1.
func NewVersionClock() *VersionClock {
	c := &VersionClock{}
	c.v.Store(1)
	return c
}

// Next issues the successor version for a write-acquire and records it as
// the new last-write version.
func (c *VersionClock) Next() uint64 {
	return c.v.Add(1)
}

// Last returns the current last-write version without advancing it,
// used by read-acquire.
func (c *VersionClock) Last() uint64 {
	return c.v.Load()
}
