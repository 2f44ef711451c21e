package service

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/beingmeta/concourse/internal/errors"
	"github.com/beingmeta/concourse/internal/metrics"
	"github.com/beingmeta/concourse/internal/model"
	"github.com/beingmeta/concourse/internal/storage/staging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DurableStore is the permanent store behind the staging service
type DurableStore interface {
	staging.PermanentStore
	staging.Verifier
}

// StagingConfig holds staging service configuration
type StagingConfig struct {
	Buffer      staging.QueueConfig
	Transaction staging.TransactionQueueConfig
}

// StagingService layers staged writes over a permanent store.
//
// Autocommitted writes and committed transactions land in a shared buffer
// that is logged to the commit log when one is configured. Flush moves the
// buffer into the store. Reads overlay the buffer on the store.
type StagingService struct {
	config  StagingConfig
	store   DurableStore
	wal     *CommitLogService
	filters staging.FilterSource
	logger  *zap.Logger
	metrics *metrics.Metrics

	// mu guards buffer and flushing; commits hold it shared while they
	// stage so Flush never swaps a buffer mid-commit
	mu     sync.RWMutex
	buffer *staging.Queue
	// flushing holds writes taken from the buffer that have not reached the
	// store yet. After a failed flush it keeps the undelivered remainder.
	flushing *staging.Queue

	// flushMu serializes flushes and guards sealed, the newest commit log
	// segment whose writes are not all in the store
	flushMu sync.Mutex
	sealed  uint64
}

// NewStagingService creates a staging service. wal may be nil.
func NewStagingService(
	cfg StagingConfig,
	store DurableStore,
	wal *CommitLogService,
	filters staging.FilterSource,
	logger *zap.Logger,
	m *metrics.Metrics,
) *StagingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Buffer.Name == "" {
		cfg.Buffer.Name = "buffer"
	}
	s := &StagingService{
		config:  cfg,
		store:   store,
		wal:     wal,
		filters: filters,
		logger:  logger,
		metrics: m,
	}
	s.buffer = s.newBuffer()
	return s
}

func (s *StagingService) newBuffer() *staging.Queue {
	var wal staging.WriteAheadLog
	if s.wal != nil {
		wal = s.wal
	}
	return staging.NewQueue(s.config.Buffer, wal, s.logger, s.metrics)
}

// Recover replays the commit log into the store and releases the replayed
// segments
func (s *StagingService) Recover(ctx context.Context) error {
	if s.wal == nil {
		return nil
	}

	recovered := staging.NewQueue(staging.QueueConfig{
		Name:                    "recovery",
		TransportBatchThreshold: s.config.Buffer.TransportBatchThreshold,
	}, nil, s.logger, s.metrics)

	result, err := s.wal.Recover(ctx, recovered)
	if err != nil {
		return err
	}
	if result.Segments == 0 {
		return nil
	}
	if err := recovered.Transport(ctx, s.store, true); err != nil {
		return err
	}
	return s.wal.Release(result.LastSegment)
}

// Begin starts a transaction
func (s *StagingService) Begin() *Transaction {
	tx := &Transaction{
		id:      uuid.New(),
		service: s,
		queue:   staging.NewTransactionQueue(s.config.Transaction, s.filters, s.logger, s.metrics),
		started: time.Now(),
	}
	s.logger.Debug("Transaction started", zap.String("transaction_id", tx.id.String()))
	return tx
}

// Add autocommits an add of quantity to key in record
func (s *StagingService) Add(key string, quantity interface{}, record int64) error {
	return s.autocommit(key, quantity, record, model.ActionAdd)
}

// Remove autocommits a removal of quantity from key in record
func (s *StagingService) Remove(key string, quantity interface{}, record int64) error {
	return s.autocommit(key, quantity, record, model.ActionRemove)
}

func (s *StagingService) autocommit(key string, quantity interface{}, record int64, action model.Action) error {
	w, err := newStorageWrite(key, quantity, record, action)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buffer.Insert(w, true)
}

// Verify reports whether quantity is currently present in key in record
func (s *StagingService) Verify(ctx context.Context, key string, quantity interface{}, record int64) (bool, error) {
	return s.VerifyAt(ctx, key, quantity, record, math.MaxInt64)
}

// VerifyAt reports whether quantity was present in key in record at timestamp
func (s *StagingService) VerifyAt(ctx context.Context, key string, quantity interface{}, record int64, timestamp int64) (bool, error) {
	lookup, err := newLookup(key, quantity, record)
	if err != nil {
		return false, err
	}
	return s.verify(ctx, lookup, timestamp)
}

// verify overlays the flushing and active buffers on the store
func (s *StagingService) verify(ctx context.Context, w *model.Write, timestamp int64) (bool, error) {
	s.mu.RLock()
	buffer, flushing := s.buffer, s.flushing
	s.mu.RUnlock()

	exists, err := s.store.Verify(ctx, w, timestamp)
	if err != nil {
		return false, err
	}
	if flushing != nil {
		exists = flushing.Verify(w, timestamp, exists)
	}
	return buffer.Verify(w, timestamp, exists), nil
}

// Flush transports the buffer, after any remainder of a failed flush, into
// the store and releases the commit log segments they were logged in.
// Writes arriving during a flush go to a fresh buffer.
//
// A failed flush keeps the undelivered writes visible to reads. The next
// Flush delivers them first; their segments stay until it succeeds.
func (s *StagingService) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	var writes []*model.Write
	if s.flushing != nil {
		writes = s.flushing.Writes()
	}
	if s.buffer.Len() > 0 {
		if s.wal != nil {
			id, err := s.wal.Rotate()
			if err != nil {
				s.mu.Unlock()
				return err
			}
			s.sealed = id
		}
		writes = append(writes, s.buffer.Writes()...)
		s.buffer = s.newBuffer()
	}
	if len(writes) == 0 {
		s.mu.Unlock()
		return nil
	}
	flushing, err := s.stagedForFlush(writes)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.flushing = flushing
	s.mu.Unlock()

	start := time.Now()
	dest := &countingStore{dest: s.store}
	err = flushing.Transport(ctx, dest, true)

	if err != nil {
		remainder := writes[dest.delivered:]
		s.mu.Lock()
		// a fresh unlogged queue rejects only nil writes
		s.flushing, _ = s.stagedForFlush(remainder)
		s.mu.Unlock()

		s.logger.Error("Buffer flush failed",
			zap.Int("writes", len(writes)),
			zap.Int("delivered", dest.delivered),
			zap.Error(err))
		return err
	}

	s.mu.Lock()
	s.flushing = nil
	s.mu.Unlock()

	s.logger.Debug("Buffer flushed",
		zap.Int("writes", len(writes)),
		zap.Duration("duration", time.Since(start)))

	if s.wal != nil && s.sealed > 0 {
		if err := s.wal.Release(s.sealed); err != nil {
			return err
		}
		s.sealed = 0
	}
	return nil
}

// stagedForFlush holds writes that left the buffer but not the service. The
// queue is not logged; its writes already are.
func (s *StagingService) stagedForFlush(writes []*model.Write) (*staging.Queue, error) {
	if len(writes) == 0 {
		return nil, nil
	}
	cfg := s.config.Buffer
	cfg.Name = "flushing"
	cfg.InitialSize = len(writes)
	q := staging.NewQueue(cfg, nil, s.logger, s.metrics)
	if err := q.InsertAll(writes, false); err != nil {
		return nil, err
	}
	return q, nil
}

// Buffered returns the number of writes not yet in the store
func (s *StagingService) Buffered() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.buffer.Len()
	if s.flushing != nil {
		n += s.flushing.Len()
	}
	return n
}

// commit collects the write set first, then stages it in the buffer as one
// logged unit, so a failed commit leaves nothing behind
func (s *StagingService) commit(ctx context.Context, tx *Transaction) error {
	batch := &collectedWrites{}
	if err := tx.queue.Transport(ctx, batch, true); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buffer.AcceptBatch(ctx, batch.writes, true)
}

// collectedWrites gathers a transported write set in memory
type collectedWrites struct {
	writes []*model.Write
}

func (c *collectedWrites) Accept(_ context.Context, w *model.Write, _ bool) error {
	c.writes = append(c.writes, w)
	return nil
}

// countingStore counts the writes its store has taken. A batch counts only
// when it is accepted whole.
type countingStore struct {
	dest      DurableStore
	delivered int
}

func (c *countingStore) Accept(ctx context.Context, w *model.Write, sync bool) error {
	if err := c.dest.Accept(ctx, w, sync); err != nil {
		return err
	}
	c.delivered++
	return nil
}

func (c *countingStore) AcceptBatch(ctx context.Context, writes []*model.Write, sync bool) error {
	batch, ok := c.dest.(staging.BatchStore)
	if !ok {
		for _, w := range writes {
			if err := c.Accept(ctx, w, sync); err != nil {
				return err
			}
		}
		return nil
	}
	if err := batch.AcceptBatch(ctx, writes, sync); err != nil {
		return err
	}
	c.delivered += len(writes)
	return nil
}

func newStorageWrite(key string, quantity interface{}, record int64, action model.Action) (*model.Write, error) {
	v, err := model.ForStorage(quantity)
	if err != nil {
		return nil, err
	}
	return model.NewWrite(key, v, record, action)
}

func newLookup(key string, quantity interface{}, record int64) (*model.Write, error) {
	v, err := model.NotForStorage(quantity)
	if err != nil {
		return nil, err
	}
	return model.NewAdd(key, v, record)
}

type txState int

const (
	txOpen txState = iota
	txCommitted
	txAborted
)

// Transaction is an isolated write set. Its writes are invisible to other
// readers until Commit.
type Transaction struct {
	id      uuid.UUID
	service *StagingService
	queue   *staging.TransactionQueue
	started time.Time

	mu    sync.Mutex
	state txState
}

// ID returns the transaction id
func (tx *Transaction) ID() string {
	return tx.id.String()
}

// Len returns the number of staged writes
func (tx *Transaction) Len() int {
	return tx.queue.Len()
}

// Add stages an add of quantity to key in record
func (tx *Transaction) Add(key string, quantity interface{}, record int64) error {
	return tx.stage(key, quantity, record, model.ActionAdd)
}

// Remove stages a removal of quantity from key in record
func (tx *Transaction) Remove(key string, quantity interface{}, record int64) error {
	return tx.stage(key, quantity, record, model.ActionRemove)
}

func (tx *Transaction) stage(key string, quantity interface{}, record int64, action model.Action) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkOpen(); err != nil {
		return err
	}
	w, err := newStorageWrite(key, quantity, record, action)
	if err != nil {
		return err
	}
	return tx.queue.Insert(w, false)
}

// Verify reports whether quantity is present in key in record from the
// transaction's point of view
func (tx *Transaction) Verify(ctx context.Context, key string, quantity interface{}, record int64) (bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkOpen(); err != nil {
		return false, err
	}
	lookup, err := newLookup(key, quantity, record)
	if err != nil {
		return false, err
	}
	exists, err := tx.service.verify(ctx, lookup, math.MaxInt64)
	if err != nil {
		return false, err
	}
	return tx.queue.Verify(lookup, math.MaxInt64, exists), nil
}

// Commit moves the write set into the service buffer. Either every write
// becomes visible or none does; a failed commit leaves the transaction
// aborted.
func (tx *Transaction) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkOpen(); err != nil {
		return err
	}

	if err := tx.service.commit(ctx, tx); err != nil {
		tx.state = txAborted
		tx.service.logger.Error("Transaction commit failed",
			zap.String("transaction_id", tx.ID()),
			zap.Error(err))
		return err
	}
	tx.state = txCommitted

	tx.service.logger.Debug("Transaction committed",
		zap.String("transaction_id", tx.ID()),
		zap.Int("writes", tx.queue.Len()),
		zap.Duration("duration", time.Since(tx.started)))
	return nil
}

// Abort discards the write set
func (tx *Transaction) Abort() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkOpen(); err != nil {
		return err
	}
	tx.state = txAborted
	tx.service.logger.Debug("Transaction aborted", zap.String("transaction_id", tx.ID()))
	return nil
}

func (tx *Transaction) checkOpen() error {
	switch tx.state {
	case txCommitted:
		return errors.ContractViolation("transaction " + tx.ID() + " is already committed")
	case txAborted:
		return errors.ContractViolation("transaction " + tx.ID() + " is aborted")
	default:
		return nil
	}
}
