package cache

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/rdmacache/bcache/balancer"
	"github.com/rdmacache/bcache/blockid"
	"github.com/rdmacache/bcache/eviction"
	"github.com/rdmacache/bcache/page"
	"github.com/rdmacache/bcache/serializer"
)

// shard is one cooperative, single-threaded execution domain: every
// operation on the shard's current-page maps and eviction bags runs on
// shard.run's goroutine, dispatched through cmds, rather than under a
// mutex. Cross-shard and cross-thread calls (serializer I/O, balancer
// notifications) are the only things that leave this goroutine.
type shard struct {
	id int

	primary map[blockid.ID]*currentPage
	// write is the shard dedicated to blocks created by in-progress
	// writes: create() always inserts here, and page_for_block_id always
	// checks it before the primary map, for both reads and writes.
	write map[blockid.ID]*currentPage

	clock   *blockid.VersionClock
	evicter *eviction.Evicter
	ser     serializer.Serializer

	accessCounters map[blockid.ID]uint64

	metrics Metrics

	cmds chan func()
	done chan struct{}

	log *logrus.Entry

	// bal is the shared cluster-wide balancer this shard's evicter
	// reports activity to. nil means no balancer was configured, and
	// NotifyActivity is a no-op (e.g. in tests constructing a bare
	// shard).
	bal balancer.Balancer
}

func newShard(id int, ser serializer.Serializer, metrics Metrics, reservedBlockIDs blockid.ID, bal balancer.Balancer) *shard {
	s := &shard{
		id:             id,
		primary:        make(map[blockid.ID]*currentPage),
		write:          make(map[blockid.ID]*currentPage),
		clock:          blockid.NewVersionClock(),
		ser:            ser,
		accessCounters: make(map[blockid.ID]uint64),
		metrics:        metrics,
		cmds:           make(chan func(), 128),
		done:           make(chan struct{}),
		log:            logrus.WithField("component", "cache.shard").WithField("shard", id),
		bal:            bal,
	}
	reportActivity := &atomic.Bool{}
	reportActivity.Store(true)
	if bal != nil {
		reportActivity = bal.ActivityFlagFor(id)
	}
	s.evicter = eviction.New(s, s, metrics, reportActivity, reservedBlockIDs)
	s.evicter.Initialize(0)
	if bal != nil {
		bal.AddEvicter(s.evicter)
	}
	return s
}

// run is the shard's dispatch loop: it must be started in its own
// goroutine and drains cmds until ctx is done, closing done on exit so
// Close can block until in-flight work has drained.
func (s *shard) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			// Drain any commands already queued before exiting so Close
			// callers see every dispatched operation complete.
			for {
				select {
				case fn := <-s.cmds:
					fn()
				default:
					return
				}
			}
		case fn := <-s.cmds:
			fn()
		}
	}
}

// do submits fn to run on the shard's goroutine and blocks until it has
// executed, migrating the caller onto the shard's home thread and back
// migrating the caller onto the shard's home thread and back.
func (s *shard) do(fn func()) {
	reply := make(chan struct{})
	s.cmds <- func() {
		fn()
		close(reply)
	}
	<-reply
}

// currentPageFor looks up id in whichever of the write/primary maps
// holds it, or returns nil if neither does (e.g. the current-page was
// already destroyed by the time a flush callback runs).
func (s *shard) currentPageFor(id blockid.ID) *currentPage {
	if cp, ok := s.write[id]; ok {
		return cp
	}
	if cp, ok := s.primary[id]; ok {
		return cp
	}
	return nil
}

// ---- eviction.Hooks ----

func (s *shard) ConsiderEvictingCurrentPage(id blockid.ID) {
	cp, ok := s.primary[id]
	if !ok {
		return
	}
	if cp.readAheadPending {
		return
	}
	if cp.canDestroy() {
		delete(s.primary, id)
	}
}

func (s *shard) EraseWritePageForBlockID(id blockid.ID) {
	delete(s.write, id)
}

// ---- eviction.Balancer ----

func (s *shard) NotifyActivity() {
	if s.bal != nil {
		s.bal.WakeUpActivityHappened()
	}
}

func (s *shard) reclassify(p *page.Page, inPrimaryMap bool) {
	loadingOrHasWaiters := p.State() == page.Loading || p.State() == page.DeferredLoading
	if cp, ok := s.primary[p.BlockID]; ok {
		loadingOrHasWaiters = loadingOrHasWaiters || cp.head != nil
	}
	if cp, ok := s.write[p.BlockID]; ok {
		loadingOrHasWaiters = loadingOrHasWaiters || cp.head != nil
	}
	s.evicter.Reclassify(p, loadingOrHasWaiters, inPrimaryMap)
}
