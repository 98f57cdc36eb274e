package eviction

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/rdmacache/bcache/blockid"
	"github.com/rdmacache/bcache/page"
	"github.com/rdmacache/bcache/policy/lru"
)

var log = logrus.WithField("component", "evicter")

// writeSweepThreshold is the evictable_disk_backed size above which the
// write-biased sweep additionally runs.
const writeSweepThreshold = 25

// hysteresis bounds how recently a page must have been touched to be
// exempt from the "old-ish" victim selector.
const defaultHysteresis = 64

// Hooks lets the evicter reach back into the owning page cache without
// importing it (package cache imports package eviction, not the other
// way around).
type Hooks interface {
	// ConsiderEvictingCurrentPage gives the cache a chance to purge the
	// current-page entry for id entirely, once its page has been
	// evicted.
	ConsiderEvictingCurrentPage(id blockid.ID)
	// EraseWritePageForBlockID removes id from the write-shard map,
	// called by the write-biased sweep.
	EraseWritePageForBlockID(id blockid.ID)
}

// Balancer is the subset of the external balancer contract the evicter
// calls directly.
type Balancer interface {
	// NotifyActivity is invoked asynchronously on the balancer's home
	// scheduler once per "please report activity" flag cycle.
	NotifyActivity()
}

// Metrics receives eviction-loop observability events. package cache
// passes its Metrics (cache.NoopMetrics when none is configured); a nil
// Metrics is also tolerated and simply skipped.
type Metrics interface {
	ObserveEviction(kind Kind)
	ObserveSize(bytes int64)
}

// Evicter enforces a memory limit across the five bags by draining
// evictable_disk_backed (and, under pressure, sweeping write-biased
// pages out of it too).
type Evicter struct {
	bags map[Kind]*Bag

	memoryLimit  int64
	bytesLoading int64

	accessTimeCounter atomic.Uint64

	// reentrancyGuard implements the re-entrant-call-is-a-no-op rule.
	// It is only ever touched from the owning shard goroutine, so it
	// does not need to be atomic, but we use atomic.Bool so a defensive
	// assertion in tests can poke it from outside without a data race.
	reentrancyGuard atomic.Bool

	initialized bool

	hooks    Hooks
	balancer Balancer
	metrics  Metrics

	// reportActivity is the shared flag from the balancer contract's
	// notify_activity_boolean(thread) → &bool.
	reportActivity *atomic.Bool

	// reservedBlockIDs is the inclusive upper bound of block ids the
	// periodic out-of-range sweep never touches.
	reservedBlockIDs blockid.ID
}

// New constructs an uninitialized Evicter; callers must call Initialize
// before any other method.
func New(hooks Hooks, balancer Balancer, metrics Metrics, reportActivity *atomic.Bool, reservedBlockIDs blockid.ID) *Evicter {
	e := &Evicter{
		bags:             make(map[Kind]*Bag, 5),
		hooks:            hooks,
		balancer:         balancer,
		metrics:          metrics,
		reportActivity:   reportActivity,
		reservedBlockIDs: reservedBlockIDs,
	}
	for _, k := range []Kind{Unevictable, EvictableDiskBacked, EvictableUnbacked, EvictedKind, RDMAKind} {
		e.bags[k] = NewBag(k)
	}
	// evictable_disk_backed is the only bag the "oldest acceptable"
	// selector applies to; give it exact LRU ordering via the pluggable
	// policy machinery instead of the approximate scan.
	e.bags[EvictableDiskBacked].WithPolicy(lru.New[blockid.ID, *page.Page]())
	return e
}

func (e *Evicter) Bag(k Kind) *Bag { return e.bags[k] }

// Initialize sets the initial memory limit.
func (e *Evicter) Initialize(limit int64) {
	e.memoryLimit = limit
	e.initialized = true
}

// InMemorySize is unevictable + evictable_disk_backed + evictable_unbacked;
// evicted pages hold no buffer, and rdma pages are not counted against
// the limit; both bags are excluded.
func (e *Evicter) InMemorySize() int64 {
	return e.bags[Unevictable].Bytes() + e.bags[EvictableDiskBacked].Bytes() + e.bags[EvictableUnbacked].Bytes()
}

// UpdateLimit changes the memory limit (e.g. the balancer shrank this
// shard's budget) and re-triggers the eviction loop if needed.
func (e *Evicter) UpdateLimit(newLimit int64, readAheadOK bool) {
	e.memoryLimit = newLimit
	_ = readAheadOK // reserved: a future read-ahead throttle hook
	e.EvictIfNecessary()
}

// NotifyBytesLoading bumps the in-flight load byte counter and, if the
// balancer asked to be woken, clears the flag and notifies it.
func (e *Evicter) NotifyBytesLoading(delta int64) {
	e.bytesLoading += delta
	if e.reportActivity != nil && e.reportActivity.CompareAndSwap(true, false) {
		if e.balancer != nil {
			go e.balancer.NotifyActivity()
		}
	}
}

// Tick advances the global access-time counter and returns the new
// value. Reclassify records it as the page's "touch time" in bag.Add;
// the other Add paths record the current value without advancing it.
func (e *Evicter) Tick() uint64 {
	return e.accessTimeCounter.Add(1)
}

func (e *Evicter) now() uint64 { return e.accessTimeCounter.Load() }

func (e *Evicter) classifyAndAdd(kind Kind, p *page.Page) {
	e.bags[kind].Add(p, e.now())
	e.reportSize()
}

func (e *Evicter) AddNotYetLoaded(p *page.Page) { e.classifyAndAdd(Unevictable, p) }
func (e *Evicter) AddToEvictableDiskBacked(p *page.Page) { e.classifyAndAdd(EvictableDiskBacked, p) }
func (e *Evicter) AddToEvictableUnbacked(p *page.Page)   { e.classifyAndAdd(EvictableUnbacked, p) }
func (e *Evicter) AddToRDMA(p *page.Page)                { e.classifyAndAdd(RDMAKind, p) }

// MoveUnevictableToEvictable relocates p out of unevictable once its
// last waiter/loader has gone, into whichever evictable bag Classify
// names, and runs the eviction loop in case the limit is now exceeded.
func (e *Evicter) MoveUnevictableToEvictable(p *page.Page, loadingOrHasWaiters, inPrimaryMap bool) {
	e.bags[Unevictable].Remove(p)
	kind := Classify(p, loadingOrHasWaiters, inPrimaryMap)
	e.bags[kind].Add(p, e.now())
	e.reportSize()
	e.EvictIfNecessary()
}

// Reclassify removes p from whichever bag currently holds it and
// re-inserts it per Classify, covering any state change that could
// alter the classification.
func (e *Evicter) Reclassify(p *page.Page, loadingOrHasWaiters, inPrimaryMap bool) {
	for _, bag := range e.bags {
		if bag.Has(p) {
			bag.Remove(p)
			break
		}
	}
	kind := Classify(p, loadingOrHasWaiters, inPrimaryMap)
	e.bags[kind].Add(p, e.Tick())
	e.reportSize()
}

// RemovePage removes p from its bag entirely (e.g. the current-page is
// being destroyed) and re-checks the memory limit.
func (e *Evicter) RemovePage(p *page.Page) {
	for _, bag := range e.bags {
		if bag.Has(p) {
			bag.Remove(p)
			break
		}
	}
	e.reportSize()
	e.EvictIfNecessary()
}

// EvictIfNecessary is the eviction loop. Re-entrant calls (e.g.
// triggered from within ConsiderEvictingCurrentPage) are a no-op:
// nothing here recurses, so the guard only protects against genuine
// re-entrancy through the hooks callback.
func (e *Evicter) EvictIfNecessary() {
	if !e.reentrancyGuard.CompareAndSwap(false, true) {
		return
	}
	defer e.reentrancyGuard.Store(false)

	diskBag := e.bags[EvictableDiskBacked]
	for e.InMemorySize() > e.memoryLimit {
		victim, ok := diskBag.OldestAcceptable(e.now(), defaultHysteresis)
		if !ok {
			break
		}
		if victim.IsRDMA() {
			// An RDMA-sourced page never belongs in evictable_disk_backed
			// per Classify; a stale reclassification race put it here.
			// Relocate it to the rdma bag instead of leaving it in place,
			// or OldestAcceptable would keep handing it back forever.
			diskBag.Remove(victim)
			e.bags[RDMAKind].Add(victim, e.now())
			e.reportSize()
			continue
		}
		e.evictVictim(victim)
	}

	e.evictWrites()
}

// evictVictim implements the per-page eviction body shared by the main
// loop and the periodic out-of-range sweep: drop the buffer (retaining
// the token) if one exists, otherwise drop the page entirely, then give
// the cache a chance to purge the current-page.
func (e *Evicter) evictVictim(p *page.Page) {
	e.bags[EvictableDiskBacked].Remove(p)
	if p.Token() != nil {
		p.EvictSelf()
		e.bags[EvictedKind].Add(p, e.now())
	}
	// else: no token means this page was never persisted; its buffer is
	// simply dropped by the garbage collector once the current-page
	// releases its reference, and it joins no bag at all.
	e.reportSize()
	if e.metrics != nil {
		e.metrics.ObserveEviction(EvictableDiskBacked)
	}
	if e.hooks != nil {
		e.hooks.ConsiderEvictingCurrentPage(p.BlockID)
	}
}

// evictWrites is the write-biased sweep: once evictable_disk_backed
// grows past writeSweepThreshold, pages flagged is_write are evicted
// regardless of age, since they can be re-read from disk after their
// first flush.
func (e *Evicter) evictWrites() {
	diskBag := e.bags[EvictableDiskBacked]
	if diskBag.Size() <= writeSweepThreshold {
		return
	}
	for _, p := range diskBag.RandomSample() {
		if !p.IsWrite {
			continue
		}
		diskBag.Remove(p)
		if p.Token() != nil {
			p.EvictSelf()
			e.bags[EvictedKind].Add(p, e.now())
		}
		if e.metrics != nil {
			e.metrics.ObserveEviction(EvictableDiskBacked)
		}
		if e.hooks != nil {
			e.hooks.EraseWritePageForBlockID(p.BlockID)
			e.hooks.ConsiderEvictingCurrentPage(p.BlockID)
		}
	}
	e.reportSize()
}

// SweepOutOfRange is the periodic out-of-range sweep: pages loaded,
// non-RDMA, non-internal-node, and outside [0, reservedBlockIDs] are
// evicted from evictable_disk_backed the same way the main loop evicts
// them, without waiting for memory pressure.
//
// isInternalNode classifies a loaded page's first bytes as an internal
// B-tree node; such pages are exempt, matching the RDMA admission
// carve-out.
func (e *Evicter) SweepOutOfRange(isInternalNode func(*page.Page) bool) {
	diskBag := e.bags[EvictableDiskBacked]
	for _, p := range diskBag.RandomSample() {
		if p.IsRDMA() || !p.IsLoaded() {
			continue
		}
		if isInternalNode != nil && isInternalNode(p) {
			continue
		}
		if p.BlockID <= e.reservedBlockIDs {
			continue
		}
		e.evictVictim(p)
	}
}

func (e *Evicter) reportSize() {
	if e.metrics != nil {
		e.metrics.ObserveSize(e.InMemorySize())
	}
}
