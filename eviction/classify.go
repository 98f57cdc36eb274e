package eviction

import "github.com/rdmacache/bcache/page"

// Classify computes which eviction bag a page currently belongs in. It
// is a pure function of page state plus the two pieces of cache-level
// context the
// page itself cannot know: whether its current-page is loading or has
// waiters, and whether the block is resident in the primary (as opposed
// to RDMA-sourced) current-page map. Callers (package cache, via the
// evicter's reclassify path) own computing those two booleans.
func Classify(p *page.Page, loadingOrHasWaiters, inPrimaryMap bool) Kind {
	if p.IsRDMA() {
		return RDMAKind
	}
	if loadingOrHasWaiters {
		return Unevictable
	}
	if !p.IsLoaded() {
		return EvictedKind
	}
	if p.IsDiskBacked() {
		if inPrimaryMap {
			return EvictableDiskBacked
		}
		return RDMAKind
	}
	return EvictableUnbacked
}
