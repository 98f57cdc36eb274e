package cache

import (
	"context"

	"github.com/rdmacache/bcache/blockid"
	"github.com/rdmacache/bcache/flushdag"
	"github.com/rdmacache/bcache/page"
)

// AccessMode is a page acquirer's requested access.
type AccessMode int

const (
	Read AccessMode = iota
	Write
)

// Acquirer is one transaction's handle on one current-page: it carries
// access mode, snapshotting intent, the two readiness signals, the
// assigned block-version, and dirtied/touched bookkeeping.
//
// An Acquirer is only ever touched from its owning shard's dispatch
// goroutine except for reads of the readiness channels themselves,
// which callers may select on from any goroutine.
type Acquirer struct {
	blockID     blockid.ID
	mode        AccessMode
	snapshotted bool

	readAvailable  chan struct{}
	writeAvailable chan struct{}
	readGranted    bool
	writeGranted   bool

	version uint64

	dirtied bool
	touched bool

	snapshotPage *page.Page

	txn *flushdag.Txn
	cp  *currentPage

	prev, next *Acquirer
}

func newAcquirer(blockID blockid.ID, mode AccessMode, snapshotted bool, txn *flushdag.Txn) *Acquirer {
	return &Acquirer{
		blockID:        blockID,
		mode:           mode,
		snapshotted:    snapshotted,
		txn:            txn,
		readAvailable:  make(chan struct{}),
		writeAvailable: make(chan struct{}),
	}
}

// ReadAvailable is closed once the acquirer may read the page's buffer.
func (a *Acquirer) ReadAvailable() <-chan struct{} { return a.readAvailable }

// WriteAvailable is closed once the acquirer holds exclusive write
// access (writers only; never closed for a Read acquirer).
func (a *Acquirer) WriteAvailable() <-chan struct{} { return a.writeAvailable }

func (a *Acquirer) grantRead() {
	if !a.readGranted {
		a.readGranted = true
		close(a.readAvailable)
	}
}

func (a *Acquirer) grantWrite() {
	if !a.writeGranted {
		a.writeGranted = true
		close(a.writeAvailable)
	}
}

// Version is the block-version this acquirer observed (readers) or was
// issued (writers).
func (a *Acquirer) Version() uint64 { return a.version }

// Page returns the snapshotted page reference for a detached snapshotted
// reader, or nil if this acquirer never snapshotted.
func (a *Acquirer) Page() *page.Page { return a.snapshotPage }

// MarkDirty records that this acquirer wrote to the page; MarkTouched
// records a recency-only touch. Both attach to the owning txn's
// dirtied/touched lists on Release.
func (a *Acquirer) MarkDirty()   { a.dirtied = true }
func (a *Acquirer) MarkTouched() { a.touched = true }

// Ready blocks until a's queue-position readiness and its page's loaded
// bytes are both available: the ordering signal (the pulse protocol's
// queue position) and the data-availability signal (whether the page's
// bytes have actually loaded) are independent and both must clear
// before the buffer is safe to read.
func (a *Acquirer) Ready(ctx context.Context) error {
	select {
	case <-a.readAvailable:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-a.cp.loadDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Buffer returns the page's bytes once Ready has returned nil.
func (a *Acquirer) Buffer() []byte { return a.cp.pg.Buffer() }
