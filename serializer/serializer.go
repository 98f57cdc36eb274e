// Package serializer specifies the external collaborator contract for a
// persistent block store the cache reads from, writes to, and issues
// atomic index-writes against. The serializer's own on-disk format,
// compaction, and recovery are out of this repo's scope — this package
// only pins down the interface the flusher and page cache call through,
// plus the reference implementation in package badgerstore used by
// tests and the demo daemon.
package serializer

import (
	"context"
	"errors"

	"github.com/rdmacache/bcache/blockid"
)

// ErrNotFound is returned by Serializer.ReadBlock when no persistent
// copy exists for the requested block id.
var ErrNotFound = errors.New("serializer: block not found")

// BlockToken is the opaque handle the serializer returns to identify a
// block's on-disk location and version.
type BlockToken struct {
	// opaque is intentionally unexported outside this package's control:
	// callers must treat it as a handle, never interpret its bytes.
	opaque string
}

// NewBlockToken wraps an implementation-defined opaque handle. Reference
// implementations of Serializer call this; production code never
// constructs a BlockToken by hand.
func NewBlockToken(opaque string) *BlockToken { return &BlockToken{opaque: opaque} }

func (t *BlockToken) String() string {
	if t == nil {
		return "<nil-token>"
	}
	return t.opaque
}

// Priority is an I/O scheduling hint passed to MakeIOAccount.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// IOAccount throttles/prioritizes a batch of block I/O, per the
// external contract's make_io_account(priority, outstanding) → account.
type IOAccount interface {
	// Outstanding reports how many I/Os this account still has in
	// flight; used by callers that want to self-throttle.
	Outstanding() int
}

// WriteRequest is one block's worth of a batched write
// (block_writes(vector<(buffer, size, id)>, ...)).
type WriteRequest struct {
	BlockID blockid.ID
	Buffer  []byte
}

// IndexOp is one entry of an atomic index-write transaction
// (index_write(..., vector<index_op>)). Token and Recency are pointers so
// a nil value means "no change to that field" — a touched-only record
// carries Recency but no Token; a deletion carries neither.
type IndexOp struct {
	BlockID  blockid.ID
	Token    *BlockToken
	Recency  *int64
	Deletion bool
}

// ReadAheadFunc is the callback the serializer invokes to volunteer a
// block it prefetched during a read-ahead pass.
type ReadAheadFunc func(blockID blockid.ID, buf []byte, token *BlockToken)

// Serializer is the cache's view of the persistent block store.
type Serializer interface {
	// MaxBlockSize is the fixed block size for this serializer instance.
	MaxBlockSize() int

	// GetAllRecencies returns the dense per-block recency sequence the
	// serializer has persisted.
	GetAllRecencies(ctx context.Context) ([]int64, error)

	// MakeIOAccount creates a throttling account for a batch of I/O.
	MakeIOAccount(priority Priority, outstanding int) IOAccount

	// ReadBlock loads one block's bytes by token (the disk-load tier of
	// the cache's tiered lookup) or by id when no token is known yet.
	ReadBlock(ctx context.Context, id blockid.ID, token *BlockToken) ([]byte, *BlockToken, error)

	// BlockWrites submits a batch of block writes under account and
	// returns one token per request, in request order.
	BlockWrites(ctx context.Context, reqs []WriteRequest, account IOAccount) ([]*BlockToken, error)

	// IndexWrite atomically applies ops, e.g. installing tokens for
	// freshly persisted blocks alongside recency updates and deletions.
	// callback runs after the index-write transaction commits, inside
	// the serializer's own transaction context, mirroring an
	// index_write(mutex_slot, callback, ops) signature.
	IndexWrite(ctx context.Context, ops []IndexOp, callback func() error) error

	// RegisterReadAhead/UnregisterReadAhead toggle whether the
	// serializer may volunteer read-ahead blocks via fn.
	RegisterReadAhead(fn ReadAheadFunc)
	UnregisterReadAhead()
}
