// Package staging holds the in-memory buffers that collect writes before
// they are transported to a permanent store.
package staging

import (
	"context"
	"fmt"

	"github.com/beingmeta/concourse/internal/errors"
	"github.com/beingmeta/concourse/internal/model"
)

const (
	// DefaultFilterCreationThreshold is the buffer size a TransactionQueue
	// must exceed before it attaches a bloom filter.
	DefaultFilterCreationThreshold = 10

	// DefaultTransportBatchThreshold is the buffer size above which a
	// transport delivers batches to stores that accept them.
	DefaultTransportBatchThreshold = 10000

	DefaultInitialSize = 16
)

// PermanentStore is the durable destination of transported writes.
//
// Accept is called once per write in insertion order. When sync is true the
// store must flush before returning.
type PermanentStore interface {
	Accept(ctx context.Context, w *model.Write, sync bool) error
}

// BatchStore is a PermanentStore that can take consecutive writes at once.
// AcceptBatch must apply the writes in slice order.
type BatchStore interface {
	PermanentStore
	AcceptBatch(ctx context.Context, writes []*model.Write, sync bool) error
}

// Verifier answers whether a (key, value, record) tuple is present as of a
// timestamp. Its answer is the exists default for staged verification.
type Verifier interface {
	Verify(ctx context.Context, w *model.Write, timestamp int64) (bool, error)
}

// WriteAheadLog is notified of every insert before the in-memory append.
// A failed append must leave nothing behind for recovery to replay.
type WriteAheadLog interface {
	Append(w *model.Write, sync bool) error

	// AppendBatch logs writes as a unit: all of them or none
	AppendBatch(writes []*model.Write, sync bool) error
}

// WriteStage is a buffer of writes awaiting transport
type WriteStage interface {
	// Insert appends w. A rejected insert leaves the stage unchanged.
	Insert(w *model.Write, sync bool) error

	// Verify reports whether w's tuple is present as of timestamp, taking
	// staged writes into account. exists is returned when no staged write
	// matches.
	Verify(w *model.Write, timestamp int64, exists bool) bool

	// Transport delivers every staged write to dest in insertion order.
	// It may be called once.
	Transport(ctx context.Context, dest PermanentStore, sync bool) error

	// Len returns the number of staged writes
	Len() int
}

// scan walks writes from newest to oldest and resolves w's tuple against
// the first match visible at timestamp. The latest matching action wins.
func scan(writes []*model.Write, w *model.Write, timestamp int64, exists bool) bool {
	key, value, record := w.Key(), w.Value(), w.Record()
	for i := len(writes) - 1; i >= 0; i-- {
		e := writes[i]
		if e.Timestamp() > timestamp {
			continue
		}
		if e.Matches(key, value, record) {
			return e.Action() == model.ActionAdd
		}
	}
	return exists
}

// deliver sends writes to dest in order. Above batchThreshold it uses
// AcceptBatch in chunks of batchThreshold when dest supports it. It returns
// the number of writes delivered before any failure.
func deliver(ctx context.Context, writes []*model.Write, dest PermanentStore, sync bool, batchThreshold int) (int, error) {
	if batch, ok := dest.(BatchStore); ok && batchThreshold > 0 && len(writes) > batchThreshold {
		delivered := 0
		for start := 0; start < len(writes); start += batchThreshold {
			end := start + batchThreshold
			if end > len(writes) {
				end = len(writes)
			}
			if err := ctx.Err(); err != nil {
				return delivered, errors.TransportFailed("transport canceled", err)
			}
			if err := batch.AcceptBatch(ctx, writes[start:end], sync); err != nil {
				return delivered, errors.TransportFailed(
					fmt.Sprintf("batch [%d, %d) rejected", start, end), err)
			}
			delivered = end
		}
		return delivered, nil
	}

	for i, w := range writes {
		if err := ctx.Err(); err != nil {
			return i, errors.TransportFailed("transport canceled", err)
		}
		if err := dest.Accept(ctx, w, sync); err != nil {
			return i, errors.TransportFailed(fmt.Sprintf("write %d rejected: %s", i, w), err)
		}
	}
	return len(writes), nil
}

func transportMode(dest PermanentStore, n, batchThreshold int) string {
	if _, ok := dest.(BatchStore); ok && batchThreshold > 0 && n > batchThreshold {
		return "batch"
	}
	return "single"
}
