package metadata

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/rdmacache/bcache/blockid"
	"github.com/rdmacache/bcache/transport/rdma"
)

// Peer describes one remote node's two registered regions: its metadata
// ring (polled continuously) and its main page pool (read on demand
// once Locate resolves a block to it).
type Peer struct {
	Addr          string
	RingToken     rdma.RegionToken
	PagePoolToken rdma.RegionToken
}

type peerConn struct {
	addr          string
	qp            rdma.QueuePair
	pagePoolToken rdma.RegionToken
	poller        *Poller
}

// Registry connects to a fixed set of peers, keeps their metadata rings
// mirrored via background Pollers, and implements cache.RemoteLookup by
// consulting those mirrors before issuing an on-demand page-pool read.
type Registry struct {
	transport rdma.Transport

	mu    sync.RWMutex
	peers map[string]*peerConn
}

// NewRegistry constructs an empty registry over transport.
func NewRegistry(transport rdma.Transport) *Registry {
	return &Registry{transport: transport, peers: make(map[string]*peerConn)}
}

// Connect dials peer and starts its metadata-ring poller. The caller
// must arrange for ctx's cancellation to stop the poller (typically the
// shard or daemon's root context).
func (r *Registry) Connect(ctx context.Context, port int, peer Peer) error {
	qp, err := r.transport.Connect(ctx, peer.Addr, port)
	if err != nil {
		return errors.Wrapf(err, "metadata: connect to peer %s", peer.Addr)
	}
	pc := &peerConn{
		addr:          peer.Addr,
		qp:            qp,
		pagePoolToken: peer.PagePoolToken,
		poller:        NewPoller(peer.Addr, qp, peer.RingToken),
	}
	r.mu.Lock()
	r.peers[peer.Addr] = pc
	r.mu.Unlock()

	go pc.poller.Run(ctx)
	return nil
}

// Close tears down every peer connection.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, pc := range r.peers {
		if err := pc.qp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Locate implements cache.RemoteLookup: scan every connected peer's
// mirrored ring for blockID, returning the first claimant found. Peer
// iteration order is unspecified; at most one peer should ever claim a
// given block_id at a time, so ties are not expected in practice.
func (r *Registry) Locate(blockID blockid.ID) (peer string, offset int64, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for addr, pc := range r.peers {
		if off, hit := pc.poller.Mirror().Lookup(blockID); hit {
			return addr, off, true
		}
	}
	return "", 0, false
}

// Read implements cache.RemoteLookup: issue a one-sided read of n bytes
// from peer's page pool at offset.
func (r *Registry) Read(ctx context.Context, peer string, offset int64, n int) ([]byte, error) {
	r.mu.RLock()
	pc, ok := r.peers[peer]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("metadata: unknown peer %q", peer)
	}
	buf := make([]byte, n)
	if err := pc.qp.Read(ctx, buf, pc.pagePoolToken, offset, n); err != nil {
		return nil, errors.Wrapf(err, "metadata: read block from peer %s", peer)
	}
	return buf, nil
}
