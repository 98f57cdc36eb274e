// Package rdma defines the one-sided-read transport contract the
// metadata pollers and the page cache's RDMA tier depend on, plus a
// TCP+mmap reference implementation (package rdma/tcprdma would be the
// production choice on real RDMA-capable NICs; this repo ships the
// portable fallback so tests and the demo daemon run on any machine).
package rdma

import "context"

// RegionToken is the opaque handle a peer needs to issue a one-sided
// read against a registered memory region.
type RegionToken struct {
	opaque string
}

func NewRegionToken(opaque string) RegionToken { return RegionToken{opaque: opaque} }

func (t RegionToken) String() string { return t.opaque }

// MemoryRegion is a block of memory a node has pinned and exposed for
// one-sided reads: one per metadata ring and one per main page pool, per
// the external RDMA transport contract.
type MemoryRegion interface {
	// Token returns the handle a remote peer presents to read this
	// region.
	Token() RegionToken
	// Bytes exposes the region's backing memory for local reads/writes
	// (e.g. a poller reading its own just-fetched copy, or the page pool
	// owner updating a slot in place).
	Bytes() []byte
	// Close releases the underlying memory.
	Close() error
}

// QueuePair is a connection to one remote peer capable of issuing
// one-sided reads against a region that peer has registered.
type QueuePair interface {
	// Read copies exactly n bytes starting at remoteOffset within the
	// region identified by remoteToken into local[:n].
	Read(ctx context.Context, local []byte, remoteToken RegionToken, remoteOffset int64, n int) error
	// Close tears down the connection.
	Close() error
}

// Transport registers local memory regions and connects to remote peers.
type Transport interface {
	// RegisterMemory pins buf and returns a region peers can read from
	// once its token is published (e.g. via the metadata config).
	RegisterMemory(buf []byte) (MemoryRegion, error)
	// Connect opens a queue pair to the peer listening at (remoteIP,
	// port).
	Connect(ctx context.Context, remoteIP string, port int) (QueuePair, error)
}
