// Package flushdag maintains the transaction DAG and computes maximal
// flushable subsets via a tri-color reachability walk, and coordinates
// the atomic multi-block index write that persists them.
package flushdag

import (
	"sync"
	"sync/atomic"

	"github.com/rdmacache/bcache/blockid"
	"github.com/rdmacache/bcache/serializer"
)

// State is a txn's position in the flush lifecycle.
type State int

const (
	Active State = iota
	WaitingForFlush
	FlushSpawned
)

// Color is the tri-color mark used by the maximal-flushable-set walk.
type Color int

const (
	ColorNot Color = iota
	ColorBlue
	ColorGreen
	ColorRed
)

// ThrottlerAcq is the subset of the throttler's per-txn acquisition
// contract the DAG needs, kept as a local interface to avoid an import
// cycle with package throttler.
type ThrottlerAcq interface {
	UpdateDirtyPageCount(n int)
	MarkDirtyPagesWritten()
}

// ChangeRecord is one block's pending change inside a txn: either a
// dirty write (buffer plus the version it was written at), a
// touched-only recency bump, or a deletion.
type ChangeRecord struct {
	BlockID  blockid.ID
	Version  uint64
	Buffer   []byte
	Token    *serializer.BlockToken
	Deletion bool
	// Dirty distinguishes a write from a touch: touched-only records
	// carry no buffer and only bump recency.
	Dirty bool
}

var txnIDs atomic.Uint64

// Txn is one write/read transaction's node in the flush DAG.
type Txn struct {
	ID uint64

	mu sync.Mutex

	liveAcquirers int

	dirtied map[blockid.ID]*ChangeRecord
	touched map[blockid.ID]*ChangeRecord

	preceders []*Txn
	subseqers []*Txn

	// lastPages is the set of block ids this txn is currently the
	// last-write-acquirer for.
	lastPages map[blockid.ID]struct{}

	Throttler ThrottlerAcq

	state State
	color Color

	beganWaitingForFlush bool
	poisoned             bool

	flushComplete chan struct{}
	flushOnce     sync.Once

	// connection is this txn's owning Connection, non-nil only while
	// this txn is the connection's newest.
	connection *Connection
}

// NewTxn constructs a fresh, unconnected txn. Most callers should use
// Connection.Begin instead so the preceder link from the connection's
// prior newest txn is wired automatically.
func NewTxn() *Txn {
	return &Txn{
		ID:            txnIDs.Add(1),
		dirtied:       make(map[blockid.ID]*ChangeRecord),
		touched:       make(map[blockid.ID]*ChangeRecord),
		lastPages:     make(map[blockid.ID]struct{}),
		flushComplete: make(chan struct{}),
	}
}

// AddLiveAcquirer / RemoveLiveAcquirer track the txn's outstanding
// acquirer count; AnnounceWaitingForFlush requires it be zero.
func (t *Txn) AddLiveAcquirer() {
	t.mu.Lock()
	t.liveAcquirers++
	t.mu.Unlock()
}

func (t *Txn) RemoveLiveAcquirer() {
	t.mu.Lock()
	t.liveAcquirers--
	t.mu.Unlock()
}

// AddPreceder links p as a preceder of t, deduplicated via linear scan
// (adjacency lists are tiny in practice). It also adds t as a subseqer
// of p, maintaining the invariant preceders ∋ P iff P.subseqers ∋ this.
func (t *Txn) AddPreceder(p *Txn) {
	if p == nil || p == t {
		return
	}
	t.mu.Lock()
	for _, existing := range t.preceders {
		if existing == p {
			t.mu.Unlock()
			return
		}
	}
	t.preceders = append(t.preceders, p)
	t.mu.Unlock()

	p.mu.Lock()
	p.subseqers = append(p.subseqers, t)
	p.mu.Unlock()
}

func (t *Txn) Preceders() []*Txn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Txn, len(t.preceders))
	copy(out, t.preceders)
	return out
}

func (t *Txn) Subseqers() []*Txn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Txn, len(t.subseqers))
	copy(out, t.subseqers)
	return out
}

// MarkLastWriterFor records that t is now the last-write-acquirer for
// blockID; the previous last writer has it removed via
// UnmarkLastWriterFor (package cache owns the current-page's
// back-pointer and calls both).
func (t *Txn) MarkLastWriterFor(blockID blockid.ID) {
	t.mu.Lock()
	t.lastPages[blockID] = struct{}{}
	t.mu.Unlock()
}

func (t *Txn) UnmarkLastWriterFor(blockID blockid.ID) {
	t.mu.Lock()
	delete(t.lastPages, blockID)
	t.mu.Unlock()
}

// RecordDirty attaches a dirty (write) change record, keeping the
// highest block-version seen for that block. Change compaction applies
// this same rule across an entire flushable set; within one txn the
// same rule holds trivially since a txn's own versions are already
// strictly increasing per block.
func (t *Txn) RecordDirty(rec *ChangeRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.dirtied[rec.BlockID]; !ok || rec.Version > existing.Version {
		t.dirtied[rec.BlockID] = rec
	}
	if t.Throttler != nil {
		t.Throttler.UpdateDirtyPageCount(len(t.dirtied))
	}
}

func (t *Txn) RecordTouched(rec *ChangeRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.touched[rec.BlockID]; !ok || rec.Version > existing.Version {
		t.touched[rec.BlockID] = rec
	}
}

func (t *Txn) DirtiedRecords() []*ChangeRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*ChangeRecord, 0, len(t.dirtied))
	for _, r := range t.dirtied {
		out = append(out, r)
	}
	return out
}

func (t *Txn) TouchedRecords() []*ChangeRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*ChangeRecord, 0, len(t.touched))
	for _, r := range t.touched {
		out = append(out, r)
	}
	return out
}

// AnnounceWaitingForFlush transitions the txn into WaitingForFlush.
// Panics if acquirers are still live: this is a fatal invariant
// violation, not a recoverable error.
func (t *Txn) AnnounceWaitingForFlush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.liveAcquirers != 0 {
		panic("flushdag: AnnounceWaitingForFlush called with live acquirers outstanding")
	}
	t.beganWaitingForFlush = true
	t.state = WaitingForFlush
}

func (t *Txn) hasBegunWaitingForFlush() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.beganWaitingForFlush
}

func (t *Txn) hasSpawnedFlush() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == FlushSpawned
}

func (t *Txn) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Txn) setColor(c Color) {
	t.mu.Lock()
	t.color = c
	t.mu.Unlock()
}

func (t *Txn) getColor() Color {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.color
}

// PulseFlushComplete wakes anyone awaiting FlushComplete. Idempotent:
// only the first call has effect. Flusher.Flush calls it for every txn
// of the set it persisted; there is no separate path for read-only txns.
func (t *Txn) PulseFlushComplete() {
	t.flushOnce.Do(func() { close(t.flushComplete) })
}

// FlushComplete is closed once a flush that includes this txn has
// completed. A read-only txn is not signalled early: its channel closes
// only when it is flushed as part of a flushable set.
func (t *Txn) FlushComplete() <-chan struct{} { return t.flushComplete }

// Connection is a serialization context for one client session,
// pointing at most at one newest transaction.
type Connection struct {
	mu     sync.Mutex
	newest *Txn
}

func NewConnection() *Connection { return &Connection{} }

// Begin starts a new txn on this connection. If a prior newest txn
// exists, it loses its connection pointer and becomes a preceder of
// the new txn.
func (c *Connection) Begin() *Txn {
	t := NewTxn()
	t.connection = c

	c.mu.Lock()
	prev := c.newest
	c.newest = t
	c.mu.Unlock()

	if prev != nil {
		prev.connection = nil
		t.AddPreceder(prev)
	}
	return t
}
