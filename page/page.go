// Package page defines the Page type: the loaded (or not-yet-loaded)
// in-memory representation of one block's contents, independent of the
// wait-queue/acquirer machinery that lives on top of it in package
// cache. Keeping Page free of cache concerns lets the eviction bags
// (package eviction) reason about pages without importing cache.
package page

import (
	"github.com/rdmacache/bcache/blockid"
	"github.com/rdmacache/bcache/serializer"
)

// LoadState is one of the five states a Page can be in.
type LoadState int

const (
	NotLoaded LoadState = iota
	Loading
	DeferredLoading
	Loaded
	Evicted
)

func (s LoadState) String() string {
	switch s {
	case NotLoaded:
		return "not-loaded"
	case Loading:
		return "loading"
	case DeferredLoading:
		return "deferred-loading"
	case Loaded:
		return "loaded"
	case Evicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Origin classifies where a page's bytes came from, driving bag
// classification.
type Origin int

const (
	// OriginDiskBacked means the serializer holds (or will hold) a
	// persistent copy; the page may have a BlockToken.
	OriginDiskBacked Origin = iota
	// OriginUnbacked means the page was created by an in-progress write
	// and has never been persisted.
	OriginUnbacked
	// OriginRDMA means the bytes were fetched over RDMA from a peer's
	// page pool and are not to be treated as authoritative disk-backed
	// state.
	OriginRDMA
)

// Page holds a block's data and the bookkeeping the eviction bags need
// to classify it. It carries no synchronization of its own: callers
// (package cache) serialize access to a Page through the owning
// current-page's shard.
type Page struct {
	BlockID   blockid.ID
	BlockSize int

	buf   []byte
	state LoadState

	origin Origin
	token  *serializer.BlockToken

	// IsWrite marks a page created by create() (a new, not-yet-flushed
	// write) rather than loaded from disk or RDMA. The write-biased
	// eviction sweep targets these specifically because
	// they can be re-read from disk after their first flush.
	IsWrite bool

	// refs counts outstanding page-pointers (e.g. snapshotted readers
	// holding a reference past their acquirer's lifetime).
	refs int

	// waiters counts registered loaders blocking on this page's content
	// becoming available. Distinct from the current-page's acquirer
	// wait-queue.
	waiters int
}

// New constructs a not-yet-loaded page for blockID.
func New(blockID blockid.ID, blockSize int, origin Origin) *Page {
	return &Page{BlockID: blockID, BlockSize: blockSize, state: NotLoaded, origin: origin}
}

// NewLoaded constructs a page already holding buf, e.g. from a
// read-ahead callback or an RDMA read.
func NewLoaded(blockID blockid.ID, buf []byte, origin Origin) *Page {
	return &Page{BlockID: blockID, BlockSize: len(buf), buf: buf, state: Loaded, origin: origin}
}

func (p *Page) State() LoadState { return p.state }
func (p *Page) Origin() Origin   { return p.origin }
func (p *Page) IsLoaded() bool   { return p.state == Loaded }
func (p *Page) IsRDMA() bool     { return p.origin == OriginRDMA }
func (p *Page) IsDiskBacked() bool {
	return p.origin == OriginDiskBacked
}

// Token returns the serializer's opaque handle for this page's
// persistent copy, or nil if the page has never been flushed.
func (p *Page) Token() *serializer.BlockToken { return p.token }

// SetToken installs the block-token a flush produced, and marks the
// page disk-backed (a freshly-flushed write-shard page graduates out of
// OriginUnbacked).
func (p *Page) SetToken(tok *serializer.BlockToken) {
	p.token = tok
	if p.origin == OriginUnbacked {
		p.origin = OriginDiskBacked
	}
}

// Buffer returns the loaded bytes, or nil if the page is not in the
// Loaded state.
func (p *Page) Buffer() []byte {
	if p.state != Loaded {
		return nil
	}
	return p.buf
}

// SetLoaded transitions the page to Loaded with the given buffer,
// enforcing the invariant that a loaded page's buffer is sized to
// BlockSize.
func (p *Page) SetLoaded(buf []byte) {
	if p.BlockSize != 0 && len(buf) != p.BlockSize {
		panic("page: loaded buffer size does not match BlockSize")
	}
	p.buf = buf
	p.state = Loaded
}

func (p *Page) SetLoading()         { p.state = Loading }
func (p *Page) SetDeferredLoading() { p.state = DeferredLoading }

// EvictSelf drops the buffer and marks the page evicted, retaining the
// block-token: an evicted page always has an absent buffer and a present
// block-token. Callers must not call EvictSelf on a page with no token —
// they should drop it entirely instead (see eviction.Evicter.evictVictim).
func (p *Page) EvictSelf() {
	if p.token == nil {
		panic("page: EvictSelf called without a block-token")
	}
	p.buf = nil
	p.state = Evicted
}

// HypotheticalMemoryUsage is the byte cost this page contributes to a
// bag's aggregate counter: BlockSize while loaded, 0 once evicted.
func (p *Page) HypotheticalMemoryUsage() int {
	if p.state == Loaded {
		return p.BlockSize
	}
	return 0
}

// AddRef/Release track outstanding page-pointer references, used by the
// cache's consider-evicting hook to decide whether a current-page is
// safe to destroy.
func (p *Page) AddRef()  { p.refs++ }
func (p *Page) Release() { p.refs-- }
func (p *Page) RefCount() int { return p.refs }

func (p *Page) AddWaiter()    { p.waiters++ }
func (p *Page) RemoveWaiter() { p.waiters-- }
func (p *Page) HasWaiters() bool { return p.waiters > 0 }
