package cache

import (
	"github.com/rdmacache/bcache/blockid"
	"github.com/rdmacache/bcache/flushdag"
	"github.com/rdmacache/bcache/page"
)

// currentPage is the cache's live view of one block_id: at most one per
// id per shard. It owns an intrusive
// doubly-linked wait queue of acquirers, ordered by arrival, and the
// last-write-acquirer back-pointer used to build the flush DAG.
//
// currentPage is only ever touched from its owning shard's dispatch
// goroutine, so it carries no locking of its own.
type currentPage struct {
	blockID blockid.ID
	pg      *page.Page // nil once deleted

	head, tail *Acquirer // wait queue, ordered by arrival

	lastWriteAcquirer *flushdag.Txn
	lastWriteVersion  uint64

	// keepAlive counts snapshotted readers that have detached from the
	// queue but still hold a reference to this current-page.
	keepAlive int

	// dirtyRefHeld tracks whether this page's pending-flush pin (see
	// markDirtyPinned) is currently held, so repeated dirty releases
	// before the flush runs don't double-pin it.
	dirtyRefHeld bool

	deleted bool

	// readAheadPending, while true, makes the consider-evicting hook a
	// no-op. Nothing in this package sets it and the cache registers no
	// read-ahead callback with the serializer, so it stays false.
	readAheadPending bool

	// loadDone is closed once pg holds its final loaded bytes (or load
	// failed permanently). It is distinct from the wait-queue readiness
	// signals: those order acquirers' turns, this gates on the data
	// itself being present.
	loadDone chan struct{}
	loaded   bool
}

func newCurrentPage(blockID blockid.ID, pg *page.Page) *currentPage {
	cp := &currentPage{blockID: blockID, pg: pg, loadDone: make(chan struct{})}
	if pg != nil && pg.IsLoaded() {
		cp.finishLoading()
	}
	return cp
}

// finishLoading closes loadDone exactly once.
func (cp *currentPage) finishLoading() {
	if cp.loaded {
		return
	}
	cp.loaded = true
	close(cp.loadDone)
}

// enqueue appends a to the wait queue tail and immediately pulses.
func (cp *currentPage) enqueue(a *Acquirer) {
	a.cp = cp
	a.prev = cp.tail
	a.next = nil
	if cp.tail != nil {
		cp.tail.next = a
	}
	cp.tail = a
	if cp.head == nil {
		cp.head = a
	}
	cp.pulse()
}

// detach removes a from the wait queue in O(1). Used both for a
// snapshotted reader captured by pulse and for a released acquirer.
func (cp *currentPage) detach(a *Acquirer) {
	if a.prev != nil {
		a.prev.next = a.next
	}
	if a.next != nil {
		a.next.prev = a.prev
	}
	if cp.head == a {
		cp.head = a.next
	}
	if cp.tail == a {
		cp.tail = a.prev
	}
	a.prev, a.next = nil, nil
}

// pulse walks the queue head forward granting readiness. Idempotent:
// acquirers already granted are no-ops when re-pulsed, so repeated calls
// are safe and re-entrant.
//
// A writer only receives write-availability when it has no live
// predecessor, i.e. it is literally cp.head at the point it is reached:
// every acquirer ahead of it in the queue has already detached (a
// snapshotted reader that pulse just peeled off). Any live, still-linked
// reader ahead of it blocks grantWrite, matching current_page_t's
// acquirers_.prev(cur) == nullptr check.
func (cp *currentPage) pulse() {
	for a := cp.head; a != nil; {
		next := a.next

		if a.mode == Write {
			a.grantRead()
			if a == cp.head {
				a.grantWrite()
			}
			// Stop after the first writer, granted or not.
			break
		}

		// Reader.
		a.grantRead()
		if a.snapshotted {
			a.snapshotPage = cp.pg
			cp.keepAlive++
			cp.detach(a)
		}
		a = next
	}
}

// markDirtyPinned pins the page (via page.AddRef) the first time a
// write dirties it, the Go analogue of the original's
// snapshotted_dirtied_pages_ holding a page_ptr_t reference until the
// flush that persists them has run. Idempotent across however many
// write acquirers dirty the same current-page before that flush.
func (cp *currentPage) markDirtyPinned() {
	if !cp.dirtyRefHeld {
		cp.pg.AddRef()
		cp.dirtyRefHeld = true
	}
}

// clearDirtyPin releases the pin markDirtyPinned took, called once the
// flush that persisted this page has installed its token. Idempotent.
func (cp *currentPage) clearDirtyPin() {
	if cp.dirtyRefHeld {
		cp.pg.Release()
		cp.dirtyRefHeld = false
	}
}

// writeAcquire issues the next block-version for a write intent and
// links the DAG preceder edge if txn is not already this page's
// last-write-acquirer.
func (cp *currentPage) writeAcquire(a *Acquirer, clock *blockid.VersionClock) {
	a.version = clock.Next()
	if cp.lastWriteAcquirer != a.txn {
		prev := cp.lastWriteAcquirer
		if prev != nil {
			prev.UnmarkLastWriterFor(cp.blockID)
			a.txn.AddPreceder(prev)
		}
		a.txn.MarkLastWriterFor(cp.blockID)
		cp.lastWriteAcquirer = a.txn
	}
	cp.lastWriteVersion = a.version
	cp.enqueue(a)
}

// readAcquire records the current last-write version (no bump) and
// enqueues.
func (cp *currentPage) readAcquire(a *Acquirer) {
	a.version = cp.lastWriteVersion
	cp.enqueue(a)
}

// release detaches a from the queue (if still queued; a snapshotted
// reader may already have been detached by pulse) and re-pulses so the
// next in line can proceed.
func (cp *currentPage) release(a *Acquirer) {
	if a.prev != nil || a.next != nil || cp.head == a || cp.tail == a {
		cp.detach(a)
	}
	cp.pulse()
}

// canDestroy reports whether this current-page has no acquirers, no
// last-writer, no keep-alives, and a Page that is either absent or
// stably unloaded with no outstanding page references (such as the
// markDirtyPinned pin) — the consider-evicting hook's admission test,
// gated by read-ahead quiescence at the call site.
func (cp *currentPage) canDestroy() bool {
	if cp.head != nil || cp.tail != nil {
		return false
	}
	if cp.lastWriteAcquirer != nil {
		return false
	}
	if cp.keepAlive > 0 {
		return false
	}
	if cp.pg == nil {
		return true
	}
	if cp.pg.RefCount() > 0 {
		return false
	}
	return cp.pg.State() == page.NotLoaded || cp.pg.State() == page.Evicted
}

// markDeleted clears the page: only a writer holding exclusive
// write-availability as the sole acquirer may call this.
func (cp *currentPage) markDeleted() {
	cp.deleted = true
	cp.pg = nil
}
