package metadata

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rdmacache/bcache/blockid"
	"github.com/rdmacache/bcache/transport/rdma"
)

var log = logrus.WithField("component", "metadata")

// pollInterval is how often a Poller re-fetches its peer's ring, the
// same cadence the metadata ring's one-sided reads run at.
const pollInterval = 20 * time.Millisecond

// Poller keeps one Mirror in sync with a single peer's metadata ring by
// repeatedly issuing a one-sided RDMA read of the whole ring and
// atomically swapping in the decoded snapshot.
type Poller struct {
	peer    string
	qp      rdma.QueuePair
	token   rdma.RegionToken
	mirror  *Mirror
	scratch []byte
}

// NewPoller constructs a poller reading peer's ring (identified by
// token) over qp into a fresh Mirror.
func NewPoller(peer string, qp rdma.QueuePair, token rdma.RegionToken) *Poller {
	return &Poller{
		peer:    peer,
		qp:      qp,
		token:   token,
		mirror:  &Mirror{},
		scratch: make([]byte, blockid.MaxMetadataBlocks*8),
	}
}

// Mirror returns the poller's live snapshot, safe to read concurrently
// while Run is polling.
func (p *Poller) Mirror() *Mirror { return p.mirror }

// Run polls until ctx is done, checking the cancellation signal between
// iterations so a shard's drain handle can wait on it promptly.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				log.WithError(err).WithField("peer", p.peer).Warn("metadata ring poll failed")
			}
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) error {
	if err := p.qp.Read(ctx, p.scratch, p.token, 0, len(p.scratch)); err != nil {
		return errors.Wrapf(err, "metadata: poll ring for %s", p.peer)
	}
	snapshot := decodeRing(p.scratch)
	p.mirror.install(snapshot)
	return nil
}
