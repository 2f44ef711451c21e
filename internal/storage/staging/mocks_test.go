package staging

import (
	"context"
	"sync"
	"testing"

	"github.com/beingmeta/concourse/internal/model"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockStore is a PermanentStore backed by testify/mock
type mockStore struct {
	mock.Mock
}

func (m *mockStore) Accept(ctx context.Context, w *model.Write, sync bool) error {
	args := m.Called(ctx, w, sync)
	return args.Error(0)
}

// recordingStore keeps accepted writes in order
type recordingStore struct {
	mu       sync.Mutex
	accepted []*model.Write
	syncs    []bool
}

func (r *recordingStore) Accept(_ context.Context, w *model.Write, sync bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted = append(r.accepted, w)
	r.syncs = append(r.syncs, sync)
	return nil
}

// batchStore records both batched and single deliveries
type batchStore struct {
	recordingStore
	batches []int
}

func (b *batchStore) AcceptBatch(_ context.Context, writes []*model.Write, sync bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, len(writes))
	b.accepted = append(b.accepted, writes...)
	b.syncs = append(b.syncs, sync)
	return nil
}

type fakeWAL struct {
	err      error
	appended []*model.Write
	syncs    []bool
}

func (f *fakeWAL) Append(w *model.Write, sync bool) error {
	if f.err != nil {
		return f.err
	}
	f.appended = append(f.appended, w)
	f.syncs = append(f.syncs, sync)
	return nil
}

func (f *fakeWAL) AppendBatch(writes []*model.Write, sync bool) error {
	if f.err != nil {
		return f.err
	}
	for _, w := range writes {
		f.appended = append(f.appended, w)
		f.syncs = append(f.syncs, sync)
	}
	return nil
}

func newWrite(t *testing.T, action model.Action, key string, q interface{}, record, ts int64) *model.Write {
	t.Helper()
	v, err := model.ForStorageAt(q, ts)
	require.NoError(t, err)
	w, err := model.NewWrite(key, v, record, action)
	require.NoError(t, err)
	return w
}

func lookupWrite(t *testing.T, key string, q interface{}, record int64) *model.Write {
	t.Helper()
	v, err := model.NotForStorage(q)
	require.NoError(t, err)
	w, err := model.NewAdd(key, v, record)
	require.NoError(t, err)
	return w
}
