package staging

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beingmeta/concourse/internal/metrics"
	"github.com/beingmeta/concourse/internal/model"
	"github.com/beingmeta/concourse/internal/storage/bloom"
	"go.uber.org/zap"
)

// FilterState tracks the lifecycle of a transaction queue's bloom filter
type FilterState uint32

const (
	FilterAbsent FilterState = iota
	FilterBuilding
	FilterReady
)

// String returns the state name
func (s FilterState) String() string {
	switch s {
	case FilterAbsent:
		return "absent"
	case FilterBuilding:
		return "building"
	case FilterReady:
		return "ready"
	default:
		return fmt.Sprintf("FilterState(%d)", uint32(s))
	}
}

// FilterSource hands out empty filters. *bloom.Producer[*bloom.Filter]
// satisfies it.
type FilterSource interface {
	Consume() *bloom.Filter
}

// TransactionQueue is the write set of one transaction.
//
// Once it holds more than its creation threshold it attaches a bloom
// filter, backfilled with every staged write, and keeps it current on each
// insert. Verify skips the scan when the filter rules a tuple out.
type TransactionQueue struct {
	mu        sync.RWMutex
	queue     *Queue
	state     atomic.Uint32
	filter    *bloom.Filter
	source    FilterSource
	threshold int

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// TransactionQueueConfig holds transaction queue configuration
type TransactionQueueConfig struct {
	Queue                   QueueConfig
	FilterCreationThreshold int
}

// DefaultTransactionQueueConfig returns the default configuration
func DefaultTransactionQueueConfig() TransactionQueueConfig {
	q := DefaultQueueConfig()
	q.Name = "transaction"
	return TransactionQueueConfig{
		Queue:                   q,
		FilterCreationThreshold: DefaultFilterCreationThreshold,
	}
}

// NewTransactionQueue creates an empty transaction queue drawing filters
// from source. A nil source builds default-sized filters inline.
func NewTransactionQueue(cfg TransactionQueueConfig, source FilterSource, logger *zap.Logger, m *metrics.Metrics) *TransactionQueue {
	if cfg.FilterCreationThreshold <= 0 {
		cfg.FilterCreationThreshold = DefaultFilterCreationThreshold
	}
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = "transaction"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if source == nil {
		source = inlineSource{}
	}
	return &TransactionQueue{
		queue:     NewQueue(cfg.Queue, nil, logger, m),
		source:    source,
		threshold: cfg.FilterCreationThreshold,
		logger:    logger,
		metrics:   m,
	}
}

// Insert stages w and maintains the filter
func (t *TransactionQueue) Insert(w *model.Write, sync bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.queue.Insert(w, sync); err != nil {
		return err
	}

	switch t.State() {
	case FilterReady:
		t.filter.PutCached(w.Key(), w.Value(), w.Record())
	case FilterAbsent:
		if t.queue.Len() > t.threshold {
			t.attachFilter()
		}
	}
	return nil
}

// attachFilter obtains a filter and backfills it. Callers hold t.mu, so no
// insert can interleave with the backfill.
func (t *TransactionQueue) attachFilter() {
	t.state.Store(uint32(FilterBuilding))
	start := time.Now()

	filter := t.source.Consume()
	writes := t.queue.Writes()
	for _, w := range writes {
		filter.PutCached(w.Key(), w.Value(), w.Record())
	}
	t.filter = filter
	t.state.Store(uint32(FilterReady))

	t.metrics.RecordFilterCreated(len(writes), time.Since(start))
	t.logger.Debug("Filter attached",
		zap.Int("backfilled", len(writes)),
		zap.Duration("duration", time.Since(start)))
}

// Verify resolves w's tuple, consulting the filter before scanning
func (t *TransactionQueue) Verify(w *model.Write, timestamp int64, exists bool) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.State() == FilterReady && !t.filter.MightContainCached(w.Key(), w.Value(), w.Record()) {
		t.metrics.RecordVerify(t.queue.config.Name, "filter")
		return exists
	}
	return t.queue.Verify(w, timestamp, exists)
}

// Transport delivers all writes to dest in insertion order. The filter is
// not consulted.
func (t *TransactionQueue) Transport(ctx context.Context, dest PermanentStore, sync bool) error {
	return t.queue.Transport(ctx, dest, sync)
}

// Len returns the number of staged writes
func (t *TransactionQueue) Len() int {
	return t.queue.Len()
}

// Writes returns a copy of the staged writes in insertion order
func (t *TransactionQueue) Writes() []*model.Write {
	return t.queue.Writes()
}

// State returns the filter state
func (t *TransactionQueue) State() FilterState {
	return FilterState(t.state.Load())
}

type inlineSource struct{}

func (inlineSource) Consume() *bloom.Filter {
	return bloom.NewFilter(bloom.DefaultConfig())
}

var (
	_ WriteStage     = (*Queue)(nil)
	_ WriteStage     = (*TransactionQueue)(nil)
	_ BatchStore     = (*Queue)(nil)
	_ FilterSource   = (*bloom.Producer[*bloom.Filter])(nil)
)
