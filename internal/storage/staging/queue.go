package staging

import (
	"context"
	"sync"
	"time"

	"github.com/beingmeta/concourse/internal/errors"
	"github.com/beingmeta/concourse/internal/metrics"
	"github.com/beingmeta/concourse/internal/model"
	"go.uber.org/zap"
)

// QueueConfig holds queue configuration
type QueueConfig struct {
	// Name labels the queue in logs and metrics
	Name                    string
	InitialSize             int
	TransportBatchThreshold int
}

// DefaultQueueConfig returns the default queue configuration
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Name:                    "queue",
		InitialSize:             DefaultInitialSize,
		TransportBatchThreshold: DefaultTransportBatchThreshold,
	}
}

// Queue is an append-only, insertion-ordered buffer of writes.
//
// Writes are never reordered or deduplicated. A queue can be transported
// once; after transport begins it rejects inserts.
type Queue struct {
	mu          sync.RWMutex
	writes      []*model.Write
	transported bool

	config  QueueConfig
	wal     WriteAheadLog
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewQueue creates an empty queue. wal may be nil.
func NewQueue(cfg QueueConfig, wal WriteAheadLog, logger *zap.Logger, m *metrics.Metrics) *Queue {
	if cfg.InitialSize <= 0 {
		cfg.InitialSize = DefaultInitialSize
	}
	if cfg.TransportBatchThreshold <= 0 {
		cfg.TransportBatchThreshold = DefaultTransportBatchThreshold
	}
	if cfg.Name == "" {
		cfg.Name = "queue"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		writes:  make([]*model.Write, 0, cfg.InitialSize),
		config:  cfg,
		wal:     wal,
		logger:  logger,
		metrics: m,
	}
}

// Insert appends w after notifying the write-ahead log
func (q *Queue) Insert(w *model.Write, sync bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.insertLocked(w, sync)
}

func (q *Queue) insertLocked(w *model.Write, sync bool) error {
	if w == nil {
		q.metrics.RecordRejectedInsert(q.config.Name, "invalid")
		return errors.InvalidArgument("cannot stage a nil write", nil)
	}
	if q.transported {
		q.metrics.RecordRejectedInsert(q.config.Name, "transported")
		return errors.ContractViolation("insert into a transported queue")
	}
	if q.wal != nil {
		if err := q.wal.Append(w, sync); err != nil {
			q.metrics.RecordRejectedInsert(q.config.Name, "wal")
			return err
		}
	}
	q.writes = append(q.writes, w)
	q.metrics.RecordInsert(q.config.Name)
	return nil
}

// InsertAll appends writes as a unit. Either every write is logged and
// staged, or the queue is left unchanged.
func (q *Queue) InsertAll(writes []*model.Write, sync bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, w := range writes {
		if w == nil {
			q.metrics.RecordRejectedInsert(q.config.Name, "invalid")
			return errors.InvalidArgument("cannot stage a nil write", nil)
		}
	}
	if q.transported {
		q.metrics.RecordRejectedInsert(q.config.Name, "transported")
		return errors.ContractViolation("insert into a transported queue")
	}
	if len(writes) == 0 {
		return nil
	}
	if q.wal != nil {
		if err := q.wal.AppendBatch(writes, sync); err != nil {
			q.metrics.RecordRejectedInsert(q.config.Name, "wal")
			return err
		}
	}
	q.writes = append(q.writes, writes...)
	for range writes {
		q.metrics.RecordInsert(q.config.Name)
	}
	return nil
}

// Accept lets a queue act as the destination of another stage's transport
func (q *Queue) Accept(_ context.Context, w *model.Write, sync bool) error {
	return q.Insert(w, sync)
}

// AcceptBatch stages writes with InsertAll
func (q *Queue) AcceptBatch(ctx context.Context, writes []*model.Write, sync bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.InsertAll(writes, sync)
}

// Verify resolves w's tuple against staged writes visible at timestamp
func (q *Queue) Verify(w *model.Write, timestamp int64, exists bool) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	q.metrics.RecordVerify(q.config.Name, "scan")
	return scan(q.writes, w, timestamp, exists)
}

// Transport delivers all writes to dest in insertion order.
//
// The queue is marked transported before the first delivery, so a failed
// transport cannot be retried into duplicate writes.
func (q *Queue) Transport(ctx context.Context, dest PermanentStore, sync bool) error {
	writes, err := q.beginTransport()
	if err != nil {
		return err
	}
	return q.transport(ctx, writes, dest, sync)
}

func (q *Queue) beginTransport() ([]*model.Write, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.transported {
		return nil, errors.ContractViolation("queue already transported")
	}
	q.transported = true
	return q.writes, nil
}

func (q *Queue) transport(ctx context.Context, writes []*model.Write, dest PermanentStore, sync bool) error {
	mode := transportMode(dest, len(writes), q.config.TransportBatchThreshold)
	start := time.Now()

	q.logger.Debug("Transport started",
		zap.String("queue", q.config.Name),
		zap.Int("writes", len(writes)),
		zap.String("mode", mode))

	n, err := deliver(ctx, writes, dest, sync, q.config.TransportBatchThreshold)
	q.metrics.RecordTransport(mode, n, time.Since(start), err)
	if err != nil {
		q.logger.Error("Transport failed",
			zap.String("queue", q.config.Name),
			zap.Int("delivered", n),
			zap.Int("writes", len(writes)),
			zap.Error(err))
		return err
	}

	q.logger.Debug("Transport finished",
		zap.String("queue", q.config.Name),
		zap.Int("writes", n),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Len returns the number of staged writes
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.writes)
}

// Transported reports whether transport has begun
func (q *Queue) Transported() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.transported
}

// Writes returns a copy of the staged writes in insertion order
func (q *Queue) Writes() []*model.Write {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*model.Write, len(q.writes))
	copy(out, q.writes)
	return out
}
