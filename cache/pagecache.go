// Package cache implements the page cache: block-id → current-page maps
// across three tiers (local → RDMA peers → disk), orchestrating the
// eviction bags, the flush-DAG transactions, and the acquirer wait
// protocol.
package cache

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rdmacache/bcache/balancer"
	"github.com/rdmacache/bcache/blockid"
	"github.com/rdmacache/bcache/flushdag"
	"github.com/rdmacache/bcache/internal/util"
	"github.com/rdmacache/bcache/page"
	"github.com/rdmacache/bcache/serializer"
)

var log = logrus.WithField("component", "cache")

// ErrDeleteRequiresExclusiveAccess is returned by Delete when the
// calling acquirer is not the sole, exclusively-writing occupant of its
// current-page.
var ErrDeleteRequiresExclusiveAccess = errors.New("cache: delete requires exclusive write access as sole acquirer")

// PageCache is the top-level orchestrator: it owns a set of cooperative
// shards and dispatches every operation to the shard owning the target
// block_id.
type PageCache struct {
	opt     Options
	ser     serializer.Serializer
	shards  []*shard
	nshards int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a PageCache and starts its shard goroutines. Callers
// must call Close to drain them.
func New(ser serializer.Serializer, opt Options) *PageCache {
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Admission == nil {
		opt.Admission = noopAdmission{}
	}
	n := opt.Shards
	if n <= 0 {
		n = util.ReasonableShardCount()
	}
	if opt.Balancer == nil {
		opt.Balancer = balancer.NewSimpleBalancer(opt.MemoryLimit, true)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pc := &PageCache{opt: opt, ser: ser, nshards: n, ctx: ctx, cancel: cancel}
	pc.shards = make([]*shard, n)
	for i := 0; i < n; i++ {
		sh := newShard(i, ser, opt.Metrics, opt.ReservedBlockIDs, opt.Balancer)
		pc.shards[i] = sh
		pc.wg.Add(1)
		go func(s *shard) {
			defer pc.wg.Done()
			s.run(ctx)
		}(sh)
	}
	return pc
}

// Close cancels every shard's dispatch loop and blocks until all
// in-flight commands have drained.
func (pc *PageCache) Close() error {
	pc.cancel()
	pc.wg.Wait()
	for _, sh := range pc.shards {
		pc.opt.Balancer.RemoveEvicter(sh.evicter)
	}
	return nil
}

func (pc *PageCache) shardFor(id blockid.ID) *shard {
	h := util.Fnv64a[int64](int64(id))
	return pc.shards[util.ShardIndex(h, pc.nshards)]
}

// Begin starts a new txn on conn and, when this cache was configured
// with a Throttler, wires a fresh dirty-page-budget acquisition into
// Txn.Throttler so RecordDirty's UpdateDirtyPageCount calls are bounded.
func (pc *PageCache) Begin(conn *flushdag.Connection) *flushdag.Txn {
	txn := conn.Begin()
	if pc.opt.Throttler != nil {
		txn.Throttler = pc.opt.Throttler.NewAcq()
	}
	return txn
}

// Flush announces txn done accepting acquirers, computes its maximal
// flushable set, and persists it. A flushable set can span blocks
// belonging to several shards, so PageCache itself implements
// flushdag.Hooks (see InstallToken/ReleaseSnapshottedDirtyRef below)
// and routes each callback to the shard owning that block.
func (pc *PageCache) Flush(ctx context.Context, txn *flushdag.Txn) error {
	txn.AnnounceWaitingForFlush()
	set := flushdag.MaximalFlushableSet(txn)
	if len(set) == 0 {
		return nil
	}
	return flushdag.Flush(ctx, pc.ser, pc, set)
}

// ---- flushdag.Hooks ----

func (pc *PageCache) InstallToken(blockID blockid.ID, token *serializer.BlockToken) {
	sh := pc.shardFor(blockID)
	sh.do(func() {
		cp := sh.currentPageFor(blockID)
		if cp == nil || cp.pg == nil {
			return
		}
		cp.pg.SetToken(token)
		sh.reclassify(cp.pg, true)
	})
}

func (pc *PageCache) ReleaseSnapshottedDirtyRef(blockID blockid.ID) {
	sh := pc.shardFor(blockID)
	sh.do(func() {
		cp := sh.currentPageFor(blockID)
		if cp == nil || cp.pg == nil {
			return
		}
		cp.clearDirtyPin()
		sh.reclassify(cp.pg, true)
		sh.ConsiderEvictingCurrentPage(blockID)
	})
}

// Create allocates a brand-new, not-yet-persisted block and returns a
// granted write acquirer for it. The new current-page always goes to
// the write shard.
func (pc *PageCache) Create(txn *flushdag.Txn, blockID blockid.ID) (*Acquirer, error) {
	sh := pc.shardFor(blockID)
	a := newAcquirer(blockID, Write, false, txn)
	txn.AddLiveAcquirer()

	sh.do(func() {
		p := page.New(blockID, pc.opt.BlockSize, page.OriginUnbacked)
		p.SetLoaded(make([]byte, pc.opt.BlockSize))
		p.IsWrite = true
		cp := newCurrentPage(blockID, p)
		sh.write[blockID] = cp
		// The about-to-be-enqueued acquirer counts as a waiter, so the
		// page starts unevictable (Classify rule 2) until Release
		// reclassifies it.
		sh.evicter.AddNotYetLoaded(p)
		cp.writeAcquire(a, sh.clock)
	})
	return a, nil
}

// Acquire resolves blockID through the tiered lookup and enqueues a on
// its current-page's wait queue. The returned acquirer's Ready must be
// awaited before its Buffer is safe to read.
func (pc *PageCache) Acquire(ctx context.Context, txn *flushdag.Txn, blockID blockid.ID, mode AccessMode, snapshotted bool) (*Acquirer, error) {
	sh := pc.shardFor(blockID)
	a := newAcquirer(blockID, mode, snapshotted, txn)
	txn.AddLiveAcquirer()

	const (
		tierWrite = iota
		tierPrimary
		tierMiss
	)
	var tier int
	var cp *currentPage

	sh.do(func() {
		if c, ok := sh.write[blockID]; ok {
			cp, tier = c, tierWrite
			return
		}
		if c, ok := sh.primary[blockID]; ok {
			cp, tier = c, tierPrimary
			sh.metrics.HitPrimary()
			pc.opt.Admission.RecordAccess(blockID)
			return
		}
		sh.metrics.Miss()
		sh.accessCounters[blockID]++
		tier = tierMiss
	})

	if tier != tierMiss {
		sh.do(func() { acquireOnto(cp, a, sh.clock) })
		return a, nil
	}

	if mode == Read && pc.opt.Remote != nil {
		if acquired, err := pc.tryRDMA(ctx, sh, blockID, a); err != nil {
			log.WithError(err).WithField("block_id", int64(blockID)).Warn("rdma read failed, falling through to disk")
		} else if acquired {
			return a, nil
		}
	}

	p := page.New(blockID, pc.opt.BlockSize, page.OriginDiskBacked)
	p.SetLoading()
	sh.do(func() {
		if c, ok := sh.primary[blockID]; ok {
			cp = c
		} else {
			cp = newCurrentPage(blockID, p)
			sh.primary[blockID] = cp
			sh.evicter.AddNotYetLoaded(p)
		}
		acquireOnto(cp, a, sh.clock)
	})
	go pc.loadFromDisk(ctx, sh, cp, blockID)
	return a, nil
}

func acquireOnto(cp *currentPage, a *Acquirer, clock *blockid.VersionClock) {
	if a.mode == Write {
		cp.writeAcquire(a, clock)
	} else {
		cp.readAcquire(a)
	}
}

// tryRDMA locates the block on a peer's metadata ring, reads it, and
// decides admission. Returns acquired=true once a now holds either a
// granted acquirer on an admitted current-page or a one-shot acquirer
// over an unadmitted page.
func (pc *PageCache) tryRDMA(ctx context.Context, sh *shard, blockID blockid.ID, a *Acquirer) (acquired bool, err error) {
	peer, offset, ok := pc.opt.Remote.Locate(blockID)
	if !ok {
		return false, nil
	}
	buf, err := pc.opt.Remote.Read(ctx, peer, offset, pc.opt.BlockSize)
	if err != nil {
		return false, err
	}

	p := page.NewLoaded(blockID, buf, page.OriginRDMA)
	admit := blockID <= pc.opt.ReservedBlockIDs
	if !admit && pc.opt.IsInternalNode != nil && pc.opt.IsInternalNode(buf) {
		admit = true
	}
	if !admit {
		admit = pc.opt.Admission.ShouldAdmit(blockID)
	}

	sh.do(func() {
		if c, ok := sh.primary[blockID]; ok {
			// Another acquirer raced us to admission; use theirs.
			acquireOnto(c, a, sh.clock)
			return
		}
		cp := newCurrentPage(blockID, p)
		if admit {
			sh.primary[blockID] = cp
			sh.evicter.AddToRDMA(p)
		}
		sh.metrics.HitRDMA()
		acquireOnto(cp, a, sh.clock)
	})
	return true, nil
}

func (pc *PageCache) loadFromDisk(ctx context.Context, sh *shard, cp *currentPage, blockID blockid.ID) {
	buf, tok, err := pc.ser.ReadBlock(ctx, blockID, nil)
	sh.do(func() {
		if err != nil {
			log.WithError(err).WithField("block_id", int64(blockID)).Warn("serializer read failed")
			return
		}
		cp.pg.SetLoaded(buf)
		if tok != nil {
			cp.pg.SetToken(tok)
		}
		cp.finishLoading()
		sh.reclassify(cp.pg, true)
		sh.evicter.EvictIfNecessary()
	})
}

// Release detaches a from its current-page's wait queue, attaches its
// dirtied/touched record to its txn, and re-pulses the queue.
func (pc *PageCache) Release(a *Acquirer) {
	sh := pc.shardFor(a.blockID)
	sh.do(func() {
		cp := a.cp
		switch {
		case a.dirtied:
			cp.markDirtyPinned()
			a.txn.RecordDirty(&flushdag.ChangeRecord{
				BlockID: a.blockID, Version: a.version, Dirty: true,
				Buffer: cloneBuffer(cp.pg.Buffer()),
			})
		case a.touched:
			a.txn.RecordTouched(&flushdag.ChangeRecord{BlockID: a.blockID, Version: a.version})
		}
		cp.release(a)
		if cp.pg != nil {
			sh.reclassify(cp.pg, true)
		}
		sh.ConsiderEvictingCurrentPage(a.blockID)
	})
	a.txn.RemoveLiveAcquirer()
}

// Delete marks blockID's current-page deleted. Only valid when a is the
// sole acquirer holding exclusive write-availability.
func (pc *PageCache) Delete(a *Acquirer) error {
	sh := pc.shardFor(a.blockID)
	var outErr error
	sh.do(func() {
		cp := a.cp
		if !a.writeGranted || cp.head != a || cp.tail != a {
			outErr = ErrDeleteRequiresExclusiveAccess
			return
		}
		cp.markDeleted()
		a.txn.RecordDirty(&flushdag.ChangeRecord{BlockID: a.blockID, Version: a.version, Deletion: true, Dirty: true})
	})
	return outErr
}

// ReadAheadIntake accepts a serializer-volunteered (block_id, buffer,
// token) triple; rejected if a current-page for blockID already
// exists.
func (pc *PageCache) ReadAheadIntake(blockID blockid.ID, buf []byte, token *serializer.BlockToken) bool {
	sh := pc.shardFor(blockID)
	var accepted bool
	sh.do(func() {
		if _, ok := sh.primary[blockID]; ok {
			return
		}
		if _, ok := sh.write[blockID]; ok {
			return
		}
		p := page.NewLoaded(blockID, buf, page.OriginDiskBacked)
		if token != nil {
			p.SetToken(token)
		}
		cp := newCurrentPage(blockID, p)
		sh.primary[blockID] = cp
		sh.evicter.AddToEvictableDiskBacked(p)
		accepted = true
	})
	return accepted
}

// UpdateMemoryLimit changes every shard's memory budget and re-triggers
// its eviction loop, per the balancer's update_limit contract.
func (pc *PageCache) UpdateMemoryLimit(limit int64, readAheadOK bool) {
	perShard := limit / int64(pc.nshards)
	for _, sh := range pc.shards {
		sh := sh
		sh.do(func() { sh.evicter.UpdateLimit(perShard, readAheadOK) })
	}
}

// SweepOutOfRange runs the periodic out-of-range sweep on every shard.
func (pc *PageCache) SweepOutOfRange() {
	var isInternalNode func(*page.Page) bool
	if pc.opt.IsInternalNode != nil {
		isInternalNode = func(p *page.Page) bool { return pc.opt.IsInternalNode(p.Buffer()) }
	}
	for _, sh := range pc.shards {
		sh := sh
		sh.do(func() { sh.evicter.SweepOutOfRange(isInternalNode) })
	}
}

func cloneBuffer(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
