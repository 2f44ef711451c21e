package service

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/beingmeta/concourse/internal/errors"
	"github.com/beingmeta/concourse/internal/metrics"
	"github.com/beingmeta/concourse/internal/model"
	"github.com/beingmeta/concourse/internal/storage/staging"
	"github.com/beingmeta/concourse/internal/util"
	"go.uber.org/zap"
)

const (
	segmentPrefix = "commitlog-"
	segmentSuffix = ".log"

	// maxFrameSize bounds a single logged write
	maxFrameSize = 1 << 27

	// flushThreshold is how many unsynced bytes are held before a write
	flushThreshold = 64 << 10
)

// CommitLogConfig holds commit log configuration
type CommitLogConfig struct {
	Dir         string
	SegmentSize int64
	// SyncWrites forces an fsync on every append regardless of the caller
	SyncWrites bool
}

// segmentFile is the open, append-only active segment
type segmentFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

// CommitLogService is a segmented write-ahead log of staged writes.
//
// Each append is one checksummed frame holding a serialized write. Segments
// are numbered in creation order; sealed segments are removed once their
// writes reach the permanent store.
type CommitLogService struct {
	config  CommitLogConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	current   segmentFile
	segmentID uint64
	// written counts bytes of the active segment handed to the file;
	// pending holds the frames after them
	written int64
	pending []byte
	// failed is set when a rejected append could not be removed from the
	// segment; every later append fails with it
	failed error
	closed bool
}

// RecoveryResult summarizes a commit log replay
type RecoveryResult struct {
	Segments int
	Writes   int
	// LastSegment is the newest segment replayed; pass it to Release once
	// the replayed writes are durable elsewhere
	LastSegment uint64
	TornTails   int
}

// NewCommitLogService opens a fresh segment after any existing ones
func NewCommitLogService(cfg CommitLogConfig, logger *zap.Logger, m *metrics.Metrics) (*CommitLogService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 64 << 20
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, errors.CommitLogFailed("failed to create commit log directory", err)
	}

	ids, err := listSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}

	s := &CommitLogService{
		config:  cfg,
		logger:  logger,
		metrics: m,
	}
	next := uint64(1)
	if len(ids) > 0 {
		next = ids[len(ids)-1] + 1
	}
	file, err := s.createSegment(next)
	if err != nil {
		return nil, err
	}
	s.current = file
	s.segmentID = next
	return s, nil
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%020d%s", segmentPrefix, id, segmentSuffix))
}

// listSegments returns segment ids in ascending order
func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.CommitLogFailed("failed to list commit log segments", err)
	}

	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *CommitLogService) createSegment(id uint64) (segmentFile, error) {
	path := segmentPath(s.config.Dir, id)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.CommitLogFailed("failed to open commit log segment", err)
	}
	s.logger.Info("Opened new commit log segment", zap.String("path", path))
	return file, nil
}

// Append logs w. With sync, or when SyncWrites is set, the segment is
// fsynced before returning.
func (s *CommitLogService) Append(w *model.Write, sync bool) error {
	return s.AppendBatch([]*model.Write{w}, sync)
}

// AppendBatch logs writes as a unit. When it returns an error none of the
// writes remain in the log.
func (s *CommitLogService) AppendBatch(writes []*model.Write, sync bool) error {
	if len(writes) == 0 {
		return nil
	}
	start := time.Now()

	size := 0
	for _, w := range writes {
		size += w.Size() + util.FrameOverhead
	}
	frames := make([]byte, 0, size)
	for _, w := range writes {
		frames = util.AppendFrame(frames, w.Bytes())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.CommitLogFailed("commit log is closed", nil)
	}
	if s.failed != nil {
		return errors.CommitLogFailed("commit log is unusable after a failed append", s.failed)
	}

	mark := s.written + int64(len(s.pending))
	s.pending = append(s.pending, frames...)

	synced := sync || s.config.SyncWrites
	var err error
	if synced {
		err = s.syncLocked()
	} else if len(s.pending) >= flushThreshold {
		err = s.flushLocked()
	}
	if err != nil {
		s.discardFrom(mark, err)
		return err
	}

	segmentSize := s.written + int64(len(s.pending))
	s.metrics.RecordCommitLogAppend(segmentSize, synced, time.Since(start))

	if segmentSize >= s.config.SegmentSize {
		s.logger.Info("Rotating commit log due to size",
			zap.Int64("size", segmentSize),
			zap.Int64("threshold", s.config.SegmentSize))
		// the writes are already logged; a segment that cannot rotate keeps
		// growing until the next attempt
		if _, err := s.rotateLocked(); err != nil {
			s.logger.Warn("Commit log rotation failed", zap.Error(err))
		}
	}
	return nil
}

// discardFrom removes everything at or after offset mark from the active
// segment after a failed append
func (s *CommitLogService) discardFrom(mark int64, cause error) {
	if keep := mark - s.written; keep >= 0 {
		s.pending = s.pending[:keep]
		return
	}
	s.pending = s.pending[:0]
	if err := s.current.Truncate(mark); err != nil {
		s.failed = err
		s.logger.Error("Failed to remove rejected frames from commit log",
			zap.Uint64("segment", s.segmentID),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return
	}
	s.written = mark
}

// flushLocked hands pending frames to the segment file
func (s *CommitLogService) flushLocked() error {
	if len(s.pending) == 0 {
		return nil
	}
	n, err := s.current.Write(s.pending)
	s.written += int64(n)
	s.pending = append(s.pending[:0], s.pending[n:]...)
	if err != nil {
		return errors.CommitLogFailed("failed to write to commit log", err)
	}
	return nil
}

func (s *CommitLogService) syncLocked() error {
	if err := s.flushLocked(); err != nil {
		return err
	}
	if err := s.current.Sync(); err != nil {
		return errors.CommitLogFailed("failed to sync commit log", err)
	}
	return nil
}

// Rotate seals the active segment and opens a new one. It returns the id of
// the sealed segment.
func (s *CommitLogService) Rotate() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.CommitLogFailed("commit log is closed", nil)
	}
	return s.rotateLocked()
}

// rotateLocked opens the next segment before sealing the active one, so a
// failure leaves the active segment in place
func (s *CommitLogService) rotateLocked() (uint64, error) {
	sealed := s.segmentID
	if err := s.syncLocked(); err != nil {
		return 0, err
	}
	next, err := s.createSegment(sealed + 1)
	if err != nil {
		return 0, err
	}
	if err := s.current.Close(); err != nil {
		s.logger.Warn("Failed to close sealed commit log segment",
			zap.Uint64("segment", sealed),
			zap.Error(err))
	}
	s.current = next
	s.segmentID = sealed + 1
	s.written = 0
	return sealed, nil
}

// Release removes sealed segments with ids up to and including upTo
func (s *CommitLogService) Release(upTo uint64) error {
	s.mu.Lock()
	active := s.segmentID
	s.mu.Unlock()

	ids, err := listSegments(s.config.Dir)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id > upTo || id >= active {
			break
		}
		if err := os.Remove(segmentPath(s.config.Dir, id)); err != nil && !os.IsNotExist(err) {
			return errors.CommitLogFailed("failed to remove commit log segment", err)
		}
		s.logger.Debug("Released commit log segment", zap.Uint64("segment", id))
	}
	return nil
}

// Recover replays every sealed segment into stage in log order.
//
// The stage must not log to this commit log. A torn frame at the end of a
// segment ends that segment's replay; any other damage is returned as an
// error.
func (s *CommitLogService) Recover(ctx context.Context, stage staging.WriteStage) (RecoveryResult, error) {
	s.mu.Lock()
	active := s.segmentID
	s.mu.Unlock()

	s.logger.Info("Starting commit log recovery", zap.String("dir", s.config.Dir))

	ids, err := listSegments(s.config.Dir)
	if err != nil {
		return RecoveryResult{}, err
	}

	var result RecoveryResult
	for _, id := range ids {
		if id >= active {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		n, torn, err := s.recoverSegment(id, stage)
		result.Writes += n
		if err != nil {
			return result, err
		}
		if torn {
			result.TornTails++
		}
		result.Segments++
		result.LastSegment = id
	}

	s.logger.Info("Commit log recovery completed",
		zap.Int("segments", result.Segments),
		zap.Int("writes", result.Writes),
		zap.Int("torn_tails", result.TornTails))
	return result, nil
}

func (s *CommitLogService) recoverSegment(id uint64, stage staging.WriteStage) (int, bool, error) {
	path := segmentPath(s.config.Dir, id)
	file, err := os.Open(path)
	if err != nil {
		return 0, false, errors.CommitLogFailed("failed to open commit log segment", err)
	}
	defer file.Close()

	r := bufio.NewReader(file)
	count := 0
	for {
		payload, err := util.ReadFrame(r, maxFrameSize)
		if err == io.EOF {
			return count, false, nil
		}
		if stderrors.Is(err, io.ErrUnexpectedEOF) {
			s.logger.Warn("Commit log segment ends in a torn frame",
				zap.String("path", path),
				zap.Int("recovered", count))
			return count, true, nil
		}
		if err != nil {
			return count, false, errors.CommitLogFailed(fmt.Sprintf("segment %d frame %d is corrupt", id, count), err)
		}

		w, err := model.WriteFromBytes(payload)
		if err != nil {
			return count, false, err
		}
		if err := stage.Insert(w, false); err != nil {
			return count, false, err
		}
		count++
	}
}

// ActiveSegment returns the id of the segment receiving appends
func (s *CommitLogService) ActiveSegment() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segmentID
}

// Close flushes and closes the active segment
func (s *CommitLogService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.syncLocked(); err != nil {
		s.current.Close()
		return err
	}
	return s.current.Close()
}

var _ staging.WriteAheadLog = (*CommitLogService)(nil)
