// Package metadata implements the per-node metadata ring, the
// background pollers that keep a peer's ring mirrored locally, and the
// CDF-based admission model deciding which blocks are worth serving
// over RDMA instead of disk.
package metadata

import (
	"sync"
	"sync/atomic"

	"github.com/rdmacache/bcache/blockid"
)

// unknownOffset is the ring sentinel meaning "this node does not (or no
// longer) hold block_id resident": ring[block_id] != -1 && != 0 means
// the offset is known.
const unknownOffset int64 = -1

// Ring is one node's dense block_id → offset map, sized for
// blockid.MaxMetadataBlocks entries. The owning node mutates it on
// local admit/evict; peers only ever read a polled copy (see Mirror).
type Ring struct {
	mu      sync.RWMutex
	offsets []int64
}

// NewRing allocates a ring with every entry unknown.
func NewRing() *Ring {
	r := &Ring{offsets: make([]int64, blockid.MaxMetadataBlocks)}
	for i := range r.offsets {
		r.offsets[i] = unknownOffset
	}
	return r
}

// Admit records that blockID now lives at offset within this node's
// page pool.
func (r *Ring) Admit(blockID blockid.ID, offset int64) {
	if !blockID.InRange() {
		return
	}
	r.mu.Lock()
	r.offsets[blockID] = offset
	r.mu.Unlock()
}

// Evict clears blockID's entry, so peers polling this ring stop
// claiming it.
func (r *Ring) Evict(blockID blockid.ID) {
	if !blockID.InRange() {
		return
	}
	r.mu.Lock()
	r.offsets[blockID] = unknownOffset
	r.mu.Unlock()
}

// Lookup reports the offset blockID lives at in this ring, or ok=false
// if this node does not claim it.
func (r *Ring) Lookup(blockID blockid.ID) (offset int64, ok bool) {
	if !blockID.InRange() {
		return 0, false
	}
	r.mu.RLock()
	v := r.offsets[blockID]
	r.mu.RUnlock()
	if v == unknownOffset || v == 0 {
		return 0, false
	}
	return v, true
}

// Bytes serializes the ring as a flat little-endian int64 array, the
// shape an RDMA peer reads wholesale with a single one-sided read.
func (r *Ring) Bytes() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]byte, len(r.offsets)*8)
	for i, v := range r.offsets {
		putInt64(out[i*8:], v)
	}
	return out
}

func putInt64(b []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * i))
	}
}

func getInt64(b []byte) int64 {
	var u uint64
	for i := 0; i < 8; i++ {
		u |= uint64(b[i]) << (8 * i)
	}
	return int64(u)
}

// Mirror is a peer-side double-buffered copy of a remote ring, refreshed
// wholesale by a poller (see Poller). Readers never see a torn snapshot:
// a lookup either sees the buffer before a swap or after, never a mix.
type Mirror struct {
	current atomic.Value // []int64
}

// Lookup reads the most recently installed snapshot.
func (m *Mirror) Lookup(blockID blockid.ID) (offset int64, ok bool) {
	v, _ := m.current.Load().([]int64)
	if v == nil || !blockID.InRange() || int(blockID) >= len(v) {
		return 0, false
	}
	off := v[blockID]
	if off == unknownOffset || off == 0 {
		return 0, false
	}
	return off, true
}

// install atomically swaps in a freshly decoded snapshot.
func (m *Mirror) install(offsets []int64) {
	m.current.Store(offsets)
}

// decodeRing parses the flat byte encoding Ring.Bytes produces back into
// a dense offset slice.
func decodeRing(buf []byte) []int64 {
	n := len(buf) / 8
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		out[i] = getInt64(buf[i*8:])
	}
	return out
}
