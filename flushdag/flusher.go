package flushdag

import (
	"context"

	"github.com/pkg/errors"

	"github.com/rdmacache/bcache/blockid"
	"github.com/rdmacache/bcache/serializer"
)

// Hooks lets the flusher reach back into the owning page cache without
// an import cycle (package cache imports package flushdag, not the
// other way around).
type Hooks interface {
	// InstallToken records a freshly-minted block-token on the page for
	// blockID and reclassifies its eviction bag.
	InstallToken(blockID blockid.ID, token *serializer.BlockToken)
	// ReleaseSnapshottedDirtyRef releases the flusher's hold on a dirty
	// page buffer once persisted, so snapshotted readers are the only
	// remaining owners.
	ReleaseSnapshottedDirtyRef(blockID blockid.ID)
}

// Flush runs the atomic multi-block flush for a maximal flushable set
// on the serializer's home thread: partition changes, batch-write the
// dirty pages, then emit one index-write transaction covering every
// change. Detaching the flushed txns from the DAG and pulsing
// flush_complete happens once the index-write's callback has run, which
// this function already awaits.
func Flush(ctx context.Context, ser serializer.Serializer, hooks Hooks, set []*Txn) error {
	changes := CompactChanges(set)

	var deletions, alreadyPersisted, toWrite, touchedOnly []*ChangeRecord
	for _, rec := range changes {
		switch {
		case rec.Deletion:
			deletions = append(deletions, rec)
		case rec.Dirty && rec.Token != nil:
			alreadyPersisted = append(alreadyPersisted, rec)
		case rec.Dirty:
			toWrite = append(toWrite, rec)
		default:
			touchedOnly = append(touchedOnly, rec)
		}
	}

	account := ser.MakeIOAccount(serializer.PriorityNormal, len(toWrite))

	var writeReqs []serializer.WriteRequest
	for _, rec := range toWrite {
		writeReqs = append(writeReqs, serializer.WriteRequest{BlockID: rec.BlockID, Buffer: rec.Buffer})
	}

	var tokens []*serializer.BlockToken
	if len(writeReqs) > 0 {
		var err error
		tokens, err = ser.BlockWrites(ctx, writeReqs, account)
		if err != nil {
			return errors.Wrap(err, "flushdag: block write failed")
		}
		if len(tokens) != len(writeReqs) {
			return errors.New("flushdag: serializer returned mismatched token count")
		}
		for i, rec := range toWrite {
			rec.Token = tokens[i]
		}
	}

	ops := make([]serializer.IndexOp, 0, len(deletions)+len(alreadyPersisted)+len(toWrite)+len(touchedOnly))
	for _, rec := range deletions {
		ops = append(ops, serializer.IndexOp{BlockID: rec.BlockID, Deletion: true})
	}
	for _, rec := range alreadyPersisted {
		v := int64(rec.Version)
		ops = append(ops, serializer.IndexOp{BlockID: rec.BlockID, Token: rec.Token, Recency: &v})
	}
	for _, rec := range toWrite {
		v := int64(rec.Version)
		ops = append(ops, serializer.IndexOp{BlockID: rec.BlockID, Token: rec.Token, Recency: &v})
	}
	for _, rec := range touchedOnly {
		v := int64(rec.Version)
		ops = append(ops, serializer.IndexOp{BlockID: rec.BlockID, Recency: &v})
	}

	callback := func() error {
		for _, rec := range toWrite {
			hooks.InstallToken(rec.BlockID, rec.Token)
			hooks.ReleaseSnapshottedDirtyRef(rec.BlockID)
		}
		for _, rec := range alreadyPersisted {
			hooks.ReleaseSnapshottedDirtyRef(rec.BlockID)
		}
		for _, t := range set {
			if t.Throttler != nil {
				t.Throttler.MarkDirtyPagesWritten()
			}
		}
		return nil
	}

	if err := ser.IndexWrite(ctx, ops, callback); err != nil {
		return errors.Wrap(err, "flushdag: index write failed")
	}

	for _, t := range set {
		t.setState(FlushSpawned)
	}
	detach(set)
	for _, t := range set {
		t.PulseFlushComplete()
	}
	return nil
}

// detach clears both DAG directions for every txn in a flushed set and
// releases their last-writer bag entries.
func detach(set []*Txn) {
	for _, t := range set {
		t.mu.Lock()
		t.preceders = nil
		t.subseqers = nil
		t.lastPages = make(map[blockid.ID]struct{})
		t.mu.Unlock()
	}
}
