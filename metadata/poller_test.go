package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rdmacache/bcache/transport/rdma"
)

// fakeQueuePair serves a fixed ring snapshot for every Read, simulating a
// remote node whose ring never changes during the test.
type fakeQueuePair struct {
	ring []byte
}

func (f *fakeQueuePair) Read(_ context.Context, local []byte, _ rdma.RegionToken, _ int64, n int) error {
	copy(local[:n], f.ring)
	return nil
}

func (f *fakeQueuePair) Close() error { return nil }

func TestPoller_InstallsDecodedSnapshot(t *testing.T) {
	r := NewRing()
	r.Admit(7, 700)
	qp := &fakeQueuePair{ring: r.Bytes()}

	p := NewPoller("peer-a", qp, rdma.NewRegionToken("tok"))
	require.NoError(t, p.pollOnce(context.Background()))

	off, ok := p.Mirror().Lookup(7)
	require.True(t, ok)
	require.Equal(t, int64(700), off)
}

func TestPoller_RunStopsOnContextCancel(t *testing.T) {
	qp := &fakeQueuePair{ring: NewRing().Bytes()}
	p := NewPoller("peer-a", qp, rdma.NewRegionToken("tok"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop after context cancellation")
	}
}
