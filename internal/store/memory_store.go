package store

import (
	"cmp"
	"context"
	"strings"
	"sync"

	"github.com/beingmeta/concourse/internal/errors"
	"github.com/beingmeta/concourse/internal/model"
	"github.com/beingmeta/concourse/internal/storage/memtable"
	"go.uber.org/zap"
)

// locator addresses the history of one key within one record
type locator struct {
	record int64
	key    string
}

func compareLocators(a, b locator) int {
	if c := cmp.Compare(a.record, b.record); c != 0 {
		return c
	}
	return strings.Compare(a.key, b.key)
}

// MemoryStore keeps write histories in a skip list ordered by (record, key).
// Nothing is persisted; sync is ignored.
type MemoryStore struct {
	mu     sync.RWMutex
	index  *memtable.SkipList[locator, []*model.Write]
	// order holds every accepted write in acceptance order
	order  []*model.Write
	closed bool
	logger *zap.Logger
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		index:  memtable.NewSkipList[locator, []*model.Write](compareLocators),
		logger: logger,
	}
}

// Accept appends w to its history
func (s *MemoryStore) Accept(_ context.Context, w *model.Write, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(w); err != nil {
		return err
	}
	s.appendLocked(w)
	return nil
}

// AcceptBatch appends writes in order under a single lock. A rejected batch
// leaves the store unchanged.
func (s *MemoryStore) AcceptBatch(_ context.Context, writes []*model.Write, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range writes {
		if err := s.checkLocked(w); err != nil {
			return err
		}
	}
	for _, w := range writes {
		s.appendLocked(w)
	}
	return nil
}

func (s *MemoryStore) checkLocked(w *model.Write) error {
	if s.closed {
		return errors.Unavailable("memory store is closed", nil)
	}
	if w == nil {
		return errors.InvalidArgument("cannot accept a nil write", nil)
	}
	return nil
}

func (s *MemoryStore) appendLocked(w *model.Write) {
	loc := locator{record: w.Record(), key: w.Key()}
	history, _ := s.index.Search(loc)
	s.index.Insert(loc, append(history, w))
	s.order = append(s.order, w)
}

// Verify reports whether w's value is present in (key, record) as of timestamp
func (s *MemoryStore) Verify(_ context.Context, w *model.Write, timestamp int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history, ok := s.index.Search(locator{record: w.Record(), key: w.Key()})
	if !ok {
		return false, nil
	}
	return resolve(history, w.Value(), timestamp), nil
}

// History returns the writes accepted for (key, record), oldest first
func (s *MemoryStore) History(_ context.Context, key string, record int64) ([]*model.Write, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history, _ := s.index.Search(locator{record: record, key: key})
	out := make([]*model.Write, len(history))
	copy(out, history)
	return out, nil
}

// Replay calls fn for every accepted write in acceptance order
func (s *MemoryStore) Replay(ctx context.Context, fn func(*model.Write) error) error {
	s.mu.RLock()
	order := s.order[:len(s.order):len(s.order)]
	s.mu.RUnlock()

	for i, w := range order {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := fn(w); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of accepted writes
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Ping fails once the store is closed
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.Unavailable("memory store is closed", nil)
	}
	return nil
}

// Close marks the store closed; later writes fail
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.logger.Info("Memory store closed", zap.Int("writes", len(s.order)))
	return nil
}
