package staging

import (
	"context"
	"fmt"
	"io"
	"math"
	"testing"

	"github.com/beingmeta/concourse/internal/errors"
	"github.com/beingmeta/concourse/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func fillQueue(t *testing.T, q WriteStage, n int) []*model.Write {
	t.Helper()
	writes := make([]*model.Write, 0, n)
	for i := 0; i < n; i++ {
		w := newWrite(t, model.ActionAdd, fmt.Sprintf("key-%d", i%5), int64(i), int64(i%3), int64(i+1))
		require.NoError(t, q.Insert(w, false))
		writes = append(writes, w)
	}
	return writes
}

func TestQueue_TransportPreservesOrder(t *testing.T) {
	q := NewQueue(DefaultQueueConfig(), nil, nil, nil)
	writes := fillQueue(t, q, 100)

	dest := &recordingStore{}
	require.NoError(t, q.Transport(context.Background(), dest, true))

	require.Len(t, dest.accepted, len(writes))
	for i := range writes {
		assert.Same(t, writes[i], dest.accepted[i], "position %d", i)
		assert.True(t, dest.syncs[i])
	}
	assert.True(t, q.Transported())
}

func TestQueue_TransportTwiceFails(t *testing.T) {
	q := NewQueue(DefaultQueueConfig(), nil, nil, nil)
	writes := fillQueue(t, q, 3)

	store := &mockStore{}
	for _, w := range writes {
		store.On("Accept", mock.Anything, w, false).Return(nil).Once()
	}

	require.NoError(t, q.Transport(context.Background(), store, false))

	err := q.Transport(context.Background(), store, false)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeContractViolation))

	store.AssertExpectations(t)
	store.AssertNumberOfCalls(t, "Accept", 3)
}

func TestQueue_InsertAfterTransport(t *testing.T) {
	q := NewQueue(DefaultQueueConfig(), nil, nil, nil)
	fillQueue(t, q, 2)
	require.NoError(t, q.Transport(context.Background(), &recordingStore{}, false))

	err := q.Insert(newWrite(t, model.ActionAdd, "late", "x", 1, 100), false)
	assert.True(t, errors.IsCode(err, errors.ErrCodeContractViolation))
	assert.Equal(t, 2, q.Len())
}

func TestQueue_InsertNil(t *testing.T) {
	q := NewQueue(DefaultQueueConfig(), nil, nil, nil)
	err := q.Insert(nil, false)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
	assert.Equal(t, 0, q.Len())
}

func TestQueue_Verify(t *testing.T) {
	tests := []struct {
		name      string
		actions   []model.Action
		timestamp int64
		exists    bool
		want      bool
	}{
		{"no match returns default true", nil, math.MaxInt64, true, true},
		{"no match returns default false", nil, math.MaxInt64, false, false},
		{"single add", []model.Action{model.ActionAdd}, math.MaxInt64, false, true},
		{"add then remove", []model.Action{model.ActionAdd, model.ActionRemove}, math.MaxInt64, false, false},
		{"remove overrides prior state", []model.Action{model.ActionRemove}, math.MaxInt64, true, false},
		{"remove then add", []model.Action{model.ActionRemove, model.ActionAdd}, math.MaxInt64, false, true},
		{"add remove add", []model.Action{model.ActionAdd, model.ActionRemove, model.ActionAdd}, math.MaxInt64, false, true},
		// write i has timestamp (i+1)*10
		{"as of first write", []model.Action{model.ActionAdd, model.ActionRemove}, 10, false, true},
		{"as of second write", []model.Action{model.ActionAdd, model.ActionRemove}, 20, false, false},
		{"before any write", []model.Action{model.ActionAdd, model.ActionRemove}, 5, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue(DefaultQueueConfig(), nil, nil, nil)
			require.NoError(t, q.Insert(newWrite(t, model.ActionAdd, "other", "ann", 1, 1), false))
			for i, a := range tt.actions {
				require.NoError(t, q.Insert(newWrite(t, a, "name", "ann", 1, int64(i+1)*10), false))
			}
			require.NoError(t, q.Insert(newWrite(t, model.ActionRemove, "name", "bob", 1, 2), false))

			got := q.Verify(lookupWrite(t, "name", "ann", 1), tt.timestamp, tt.exists)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueue_VerifyMatchesTypeAndRecord(t *testing.T) {
	q := NewQueue(DefaultQueueConfig(), nil, nil, nil)
	require.NoError(t, q.Insert(newWrite(t, model.ActionAdd, "age", int64(30), 7, 1), false))

	assert.True(t, q.Verify(lookupWrite(t, "age", int64(30), 7), math.MaxInt64, false))
	assert.False(t, q.Verify(lookupWrite(t, "age", int32(30), 7), math.MaxInt64, false))
	assert.False(t, q.Verify(lookupWrite(t, "age", int64(30), 8), math.MaxInt64, false))
}

func TestQueue_WALFailureLeavesQueueUnchanged(t *testing.T) {
	wal := &fakeWAL{}
	q := NewQueue(DefaultQueueConfig(), wal, nil, nil)

	first := newWrite(t, model.ActionAdd, "k", "v", 1, 1)
	require.NoError(t, q.Insert(first, true))
	assert.Equal(t, []*model.Write{first}, wal.appended)
	assert.Equal(t, []bool{true}, wal.syncs)

	wal.err = io.ErrShortWrite
	err := q.Insert(newWrite(t, model.ActionAdd, "k", "w", 1, 2), false)
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.Equal(t, 1, q.Len())
	assert.False(t, q.Verify(lookupWrite(t, "k", "w", 1), math.MaxInt64, false))
}

func TestQueue_TransportFailure(t *testing.T) {
	q := NewQueue(DefaultQueueConfig(), nil, nil, nil)
	writes := fillQueue(t, q, 3)

	store := &mockStore{}
	store.On("Accept", mock.Anything, writes[0], false).Return(nil).Once()
	store.On("Accept", mock.Anything, writes[1], false).Return(io.ErrUnexpectedEOF).Once()

	err := q.Transport(context.Background(), store, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTransportFailed))
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "Accept", mock.Anything, writes[2], false)

	// a failed transport still consumes the queue
	err = q.Transport(context.Background(), store, false)
	assert.True(t, errors.IsCode(err, errors.ErrCodeContractViolation))
}

func TestQueue_TransportCanceled(t *testing.T) {
	q := NewQueue(DefaultQueueConfig(), nil, nil, nil)
	fillQueue(t, q, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dest := &recordingStore{}
	err := q.Transport(ctx, dest, false)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, dest.accepted)
}

func TestQueue_BatchedTransport(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.TransportBatchThreshold = 3

	q := NewQueue(cfg, nil, nil, nil)
	writes := fillQueue(t, q, 10)

	dest := &batchStore{}
	require.NoError(t, q.Transport(context.Background(), dest, true))

	assert.Equal(t, []int{3, 3, 3, 1}, dest.batches)
	require.Len(t, dest.accepted, 10)
	for i := range writes {
		assert.Same(t, writes[i], dest.accepted[i])
	}
}

func TestQueue_SmallTransportSkipsBatching(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.TransportBatchThreshold = 3

	q := NewQueue(cfg, nil, nil, nil)
	fillQueue(t, q, 3)

	dest := &batchStore{}
	require.NoError(t, q.Transport(context.Background(), dest, false))
	assert.Empty(t, dest.batches)
	assert.Len(t, dest.accepted, 3)
}

func TestQueue_AcceptsTransportFromAnotherStage(t *testing.T) {
	source := NewTransactionQueue(DefaultTransactionQueueConfig(), nil, nil, nil)
	writes := fillQueue(t, source, 5)

	wal := &fakeWAL{}
	buffer := NewQueue(DefaultQueueConfig(), wal, nil, nil)
	require.NoError(t, source.Transport(context.Background(), buffer, true))

	assert.Equal(t, writes, buffer.Writes())
	assert.Equal(t, writes, wal.appended)
	assert.Equal(t, []bool{true, true, true, true, true}, wal.syncs)
}

func TestQueue_InsertAll(t *testing.T) {
	wal := &fakeWAL{}
	q := NewQueue(DefaultQueueConfig(), wal, nil, nil)

	batch := []*model.Write{
		newWrite(t, model.ActionAdd, "k", "a", 1, 1),
		newWrite(t, model.ActionAdd, "k", "b", 1, 2),
		newWrite(t, model.ActionRemove, "k", "a", 1, 3),
	}
	require.NoError(t, q.InsertAll(batch, true))
	assert.Equal(t, batch, q.Writes())
	assert.Equal(t, batch, wal.appended)

	t.Run("log failure stages nothing", func(t *testing.T) {
		wal.err = io.ErrShortWrite
		defer func() { wal.err = nil }()

		err := q.InsertAll([]*model.Write{
			newWrite(t, model.ActionAdd, "k", "c", 1, 4),
			newWrite(t, model.ActionAdd, "k", "d", 1, 5),
		}, true)
		assert.ErrorIs(t, err, io.ErrShortWrite)
		assert.Equal(t, 3, q.Len())
		assert.False(t, q.Verify(lookupWrite(t, "k", "c", 1), math.MaxInt64, false))
	})

	t.Run("nil write stages nothing", func(t *testing.T) {
		err := q.InsertAll([]*model.Write{newWrite(t, model.ActionAdd, "k", "e", 1, 6), nil}, false)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
		assert.Equal(t, 3, q.Len())
	})

	t.Run("canceled batch stages nothing", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := q.AcceptBatch(ctx, []*model.Write{newWrite(t, model.ActionAdd, "k", "f", 1, 7)}, false)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 3, q.Len())
	})

	require.NoError(t, q.Transport(context.Background(), &recordingStore{}, false))
	err := q.InsertAll(batch, false)
	assert.True(t, errors.IsCode(err, errors.ErrCodeContractViolation))
}
