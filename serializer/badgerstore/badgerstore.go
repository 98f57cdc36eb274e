// Package badgerstore is a concrete, testable reference implementation
// of the serializer.Serializer contract, backed by a badger LSM-tree
// instance. It exists so integration tests (and the demo daemon) have a
// real persistent tier to flush against instead of a hand-rolled fake —
// the out-of-scope "serializer" still needs one working implementation
// somewhere in this repo to exercise the flush scheduler end-to-end.
package badgerstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rdmacache/bcache/blockid"
	"github.com/rdmacache/bcache/internal/util"
	"github.com/rdmacache/bcache/serializer"
)

var log = logrus.WithField("component", "badgerstore")

// Store implements serializer.Serializer on top of a badger.DB. Each
// block_id is stored under a "d:<decimal id>" key; the companion recency
// value lives in a parallel "r:<decimal id>" key so a single badger
// transaction can update both atomically during IndexWrite.
type Store struct {
	db        *badger.DB
	blockSize int

	mu       sync.Mutex
	readAhead serializer.ReadAheadFunc
}

// Open opens (or creates) a badger store at dir with the given fixed
// block size.
func Open(dir string, blockSize int) (*Store, error) {
	if blockSize <= 0 || !util.IsPowerOfTwo(uint64(blockSize)) {
		return nil, errors.Errorf("badgerstore: block size %d must be a power of two", blockSize)
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // badger's own logger is noisy; we log at our boundary instead
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "badgerstore: open")
	}
	return &Store{db: db, blockSize: blockSize}, nil
}

// Close releases the underlying badger.DB.
func (s *Store) Close() error {
	return errors.Wrap(s.db.Close(), "badgerstore: close")
}

func (s *Store) MaxBlockSize() int { return s.blockSize }

func dataKey(id blockid.ID) []byte  { return []byte("d:" + strconv.FormatInt(int64(id), 10)) }
func recencyKey(id blockid.ID) []byte { return []byte("r:" + strconv.FormatInt(int64(id), 10)) }

func (s *Store) GetAllRecencies(ctx context.Context) ([]int64, error) {
	out := make([]int64, blockid.MaxMetadataBlocks)
	for i := range out {
		out[i] = blockid.InvalidRecency
	}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("r:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			idStr := string(item.Key()[len(prefix):])
			id, err := strconv.ParseInt(idStr, 10, 64)
			if err != nil {
				continue
			}
			if id < 0 || int(id) >= len(out) {
				continue
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[id] = int64(binary.BigEndian.Uint64(val))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "badgerstore: get all recencies")
	}
	return out, nil
}

type ioAccount struct {
	priority    serializer.Priority
	outstanding int
}

func (a *ioAccount) Outstanding() int { return a.outstanding }

func (s *Store) MakeIOAccount(priority serializer.Priority, outstanding int) serializer.IOAccount {
	return &ioAccount{priority: priority, outstanding: outstanding}
}

func (s *Store) ReadBlock(ctx context.Context, id blockid.ID, token *serializer.BlockToken) ([]byte, *serializer.BlockToken, error) {
	var buf []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dataKey(id))
		if err != nil {
			return err
		}
		buf, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, errors.Wrapf(serializer.ErrNotFound, "block %d", id)
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "badgerstore: read block %d", id)
	}
	return buf, serializer.NewBlockToken(fmt.Sprintf("badger:%d", id)), nil
}

func (s *Store) BlockWrites(ctx context.Context, reqs []serializer.WriteRequest, account serializer.IOAccount) ([]*serializer.BlockToken, error) {
	tokens := make([]*serializer.BlockToken, len(reqs))
	err := s.db.Update(func(txn *badger.Txn) error {
		for i, r := range reqs {
			if err := txn.Set(dataKey(r.BlockID), r.Buffer); err != nil {
				return err
			}
			tokens[i] = serializer.NewBlockToken(fmt.Sprintf("badger:%d", r.BlockID))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "badgerstore: block writes")
	}
	log.WithField("count", len(reqs)).Debug("block writes committed")
	return tokens, nil
}

func (s *Store) IndexWrite(ctx context.Context, ops []serializer.IndexOp, callback func() error) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			if op.Deletion {
				if err := txn.Delete(dataKey(op.BlockID)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}
				if err := txn.Delete(recencyKey(op.BlockID)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}
				continue
			}
			if op.Recency != nil {
				buf := make([]byte, 8)
				binary.BigEndian.PutUint64(buf, uint64(*op.Recency))
				if err := txn.Set(recencyKey(op.BlockID), buf); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "badgerstore: index write")
	}
	if callback != nil {
		if err := callback(); err != nil {
			return errors.Wrap(err, "badgerstore: index write callback")
		}
	}
	return nil
}

func (s *Store) RegisterReadAhead(fn serializer.ReadAheadFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readAhead = fn
}

func (s *Store) UnregisterReadAhead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readAhead = nil
}

var _ serializer.Serializer = (*Store)(nil)
