// Package eviction implements the category "bags" that partition
// resident pages by eviction eligibility, and the evicter that drains
// them when memory exceeds the balancer-assigned limit.
package eviction

import (
	"math/rand"

	"github.com/rdmacache/bcache/page"
)

// Kind names one of the five eviction categories a page can belong to.
type Kind int

const (
	Unevictable Kind = iota
	EvictableDiskBacked
	EvictableUnbacked
	EvictedKind
	RDMAKind
)

func (k Kind) String() string {
	switch k {
	case Unevictable:
		return "unevictable"
	case EvictableDiskBacked:
		return "evictable_disk_backed"
	case EvictableUnbacked:
		return "evictable_unbacked"
	case EvictedKind:
		return "evicted"
	case RDMAKind:
		return "rdma"
	default:
		return "unknown"
	}
}

// Bag is a set of pages supporting O(1) add/remove by back-index and
// O(1) random access by position. It is backed by a swap-remove slice
// plus a back-index map, giving the same asymptotics as an
// array-with-freelist bag without needing an intrusive index field on
// Page.
//
// Bag is not safe for concurrent use: it is only ever touched from its
// owning shard's goroutine.
type Bag struct {
	kind  Kind
	pages []*page.Page
	index map[*page.Page]int

	// bytes is the aggregate hypothetical-memory-usage of resident
	// pages, kept incrementally instead of recomputed on every query.
	bytes int64

	// accessTime records, per page, the access-time stamp it was last
	// touched at. Used by the default oldest-acceptable selector.
	accessTime map[*page.Page]uint64

	// ordered, when non-nil (via WithPolicy), maintains an exact
	// recency order using one of the pluggable policies in package
	// policy (policy/lru, policy/twoq) instead of the approximate scan
	// below.
	ordered *orderedIndex
}

// NewBag constructs an empty bag of the given kind.
func NewBag(kind Kind) *Bag {
	return &Bag{
		kind:       kind,
		index:      make(map[*page.Page]int),
		accessTime: make(map[*page.Page]uint64),
	}
}

func (b *Bag) Kind() Kind { return b.kind }
func (b *Bag) Size() int  { return len(b.pages) }
func (b *Bag) Bytes() int64 { return b.bytes }

// Has reports whether p is currently resident in this bag.
func (b *Bag) Has(p *page.Page) bool {
	_, ok := b.index[p]
	return ok
}

// Add inserts p, recording accessTime as its current touch time. If the
// bag has an attached policy (WithPolicy) and that policy proposes its
// own eviction candidate on admission (e.g. 2Q demoting out of the
// probation queue), that candidate is removed from the bag too.
func (b *Bag) Add(p *page.Page, accessTime uint64) {
	if b.Has(p) {
		b.accessTime[p] = accessTime
		if b.ordered != nil {
			b.ordered.add(p)
		}
		return
	}
	b.index[p] = len(b.pages)
	b.pages = append(b.pages, p)
	b.accessTime[p] = accessTime
	b.bytes += int64(p.HypotheticalMemoryUsage())
	if b.ordered != nil {
		if evicted := b.ordered.add(p); evicted != nil {
			b.removeFromSlice(evicted)
		}
	}
}

// Remove deletes p from the bag in O(1) via swap-with-last.
func (b *Bag) Remove(p *page.Page) {
	if !b.removeFromSlice(p) {
		return
	}
	if b.ordered != nil {
		b.ordered.remove(p)
	}
}

// removeFromSlice performs the swap-with-last removal shared by Remove
// and the policy-driven eviction path, reporting whether p was present.
func (b *Bag) removeFromSlice(p *page.Page) bool {
	i, ok := b.index[p]
	if !ok {
		return false
	}
	last := len(b.pages) - 1
	b.pages[i] = b.pages[last]
	b.index[b.pages[i]] = i
	b.pages = b.pages[:last]
	delete(b.index, p)
	delete(b.accessTime, p)
	b.bytes -= int64(p.HypotheticalMemoryUsage())
	if b.bytes < 0 {
		b.bytes = 0
	}
	return true
}

// AccessRandom returns the page at position i (0-indexed), matching the
// original bag_t::access_random used by the write-biased sweep.
func (b *Bag) AccessRandom(i int) *page.Page {
	if i < 0 || i >= len(b.pages) {
		return nil
	}
	return b.pages[i]
}

// RandomSample returns a snapshot of the current pages in an
// unspecified order, used by the write-biased sweep which must iterate
// a stable view while mutating the bag underneath it.
func (b *Bag) RandomSample() []*page.Page {
	out := make([]*page.Page, len(b.pages))
	copy(out, b.pages)
	return out
}

// OldestAcceptable selects a page whose recorded access time is
// strictly less than now-hysteresis; any selector respecting that
// property is an acceptable implementation. When the bag has an
// attached policy (WithPolicy), the policy's exact LRU
// tail is consulted first; otherwise this falls back to a bounded
// random-sample scan, the usual approximate-LRU approach for a bag that
// favors O(1) random access over a strict recency order.
func (b *Bag) OldestAcceptable(now, hysteresis uint64) (*page.Page, bool) {
	if b.ordered != nil {
		if now <= hysteresis {
			return nil, false
		}
		if p := b.ordered.oldest(); p != nil && b.accessTime[p] < now-hysteresis {
			return p, true
		}
		return nil, false
	}
	n := len(b.pages)
	if n == 0 {
		return nil, false
	}
	const sampleSize = 16
	tries := sampleSize
	if tries > n {
		tries = n
	}
	var oldest *page.Page
	var oldestTime uint64 = ^uint64(0)
	start := rand.Intn(n)
	for i := 0; i < tries; i++ {
		p := b.pages[(start+i)%n]
		t := b.accessTime[p]
		if now > hysteresis && t < now-hysteresis && t < oldestTime {
			oldest = p
			oldestTime = t
		}
	}
	if oldest == nil {
		return nil, false
	}
	return oldest, true
}
