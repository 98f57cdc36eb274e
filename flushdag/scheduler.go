package flushdag

// MaximalFlushableSet computes the set of txns that can flush together
// with base, via a four-color (not/blue/green/red) walk of the flush
// DAG. Each txn is visited at most twice.
//
// base must already have AnnounceWaitingForFlush called on it.
func MaximalFlushableSet(base *Txn) []*Txn {
	queue := []*Txn{base}
	base.setColor(ColorBlue)
	visited := map[*Txn]struct{}{base: {}}

	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]

		poisoned := false
		for _, p := range t.Preceders() {
			if p.hasSpawnedFlush() {
				// Already flushed: treated as absent.
				continue
			}
			switch {
			case !p.hasBegunWaitingForFlush() || p.getColor() == ColorRed:
				poisoned = true
			case p.getColor() == ColorNot:
				p.setColor(ColorBlue)
				visited[p] = struct{}{}
				queue = append(queue, p)
			default:
				// green or blue: already handled or in flight, ignore.
			}
		}

		if poisoned {
			t.setColor(ColorRed)
		} else {
			t.setColor(ColorGreen)
		}

		for _, s := range t.Subseqers() {
			if !s.hasBegunWaitingForFlush() {
				continue
			}
			switch {
			case s.getColor() == ColorNot && !poisoned:
				s.setColor(ColorBlue)
				visited[s] = struct{}{}
				queue = append(queue, s)
			case s.getColor() == ColorGreen && poisoned:
				s.setColor(ColorBlue)
				queue = append(queue, s)
			default:
				// already blue, or green-and-not-poisoned, or red: ignore.
			}
		}
	}

	green := make([]*Txn, 0, len(visited))
	for t := range visited {
		if t.getColor() == ColorGreen {
			green = append(green, t)
		}
	}
	return green
}

// CompactChanges merges the dirtied and touched records of a flushable
// set, keyed by block_id, keeping the record with the highest
// block-version. A block appearing in both dirtied and touched sets
// across the set resolves to whichever record carries the higher
// version. A touched record carries the version of the write it read,
// so it can tie with that write's dirty record; a tie resolves to the
// dirty record.
func CompactChanges(set []*Txn) map[uint64]*ChangeRecord {
	byBlock := make(map[uint64]*ChangeRecord)
	consider := func(rec *ChangeRecord) {
		key := uint64(rec.BlockID)
		if existing, ok := byBlock[key]; !ok || rec.Version > existing.Version ||
			(rec.Version == existing.Version && rec.Dirty && !existing.Dirty) {
			byBlock[key] = rec
		}
	}
	for _, t := range set {
		for _, r := range t.DirtiedRecords() {
			consider(r)
		}
		for _, r := range t.TouchedRecords() {
			consider(r)
		}
	}
	return byBlock
}
