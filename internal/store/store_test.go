package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/beingmeta/concourse/internal/config"
	"github.com/beingmeta/concourse/internal/model"
	"github.com/beingmeta/concourse/internal/storage/staging"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, action model.Action, key string, q interface{}, record, ts int64) *model.Write {
	t.Helper()
	v, err := model.ForStorageAt(q, ts)
	require.NoError(t, err)
	w, err := model.NewWrite(key, v, record, action)
	require.NoError(t, err)
	return w
}

func lookup(t *testing.T, key string, q interface{}, record int64) *model.Write {
	t.Helper()
	v, err := model.NotForStorage(q)
	require.NoError(t, err)
	w, err := model.NewAdd(key, v, record)
	require.NoError(t, err)
	return w
}

// runStoreContract exercises behavior every Store must share
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("accept and verify", func(t *testing.T) {
		require.NoError(t, s.Accept(ctx, write(t, model.ActionAdd, "name", "ann", 1, 10), true))
		require.NoError(t, s.Accept(ctx, write(t, model.ActionRemove, "name", "ann", 1, 20), false))

		ok, err := s.Verify(ctx, lookup(t, "name", "ann", 1), math.MaxInt64)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.Verify(ctx, lookup(t, "name", "ann", 1), 15)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Verify(ctx, lookup(t, "name", "ann", 1), 5)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.Verify(ctx, lookup(t, "name", "ann", 2), math.MaxInt64)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("batch preserves order", func(t *testing.T) {
		var batch []*model.Write
		for i := 0; i < 25; i++ {
			action := model.ActionAdd
			if i%2 == 1 {
				action = model.ActionRemove
			}
			batch = append(batch, write(t, action, "counter", int64(7), 3, int64(100+i)))
		}
		require.NoError(t, s.AcceptBatch(ctx, batch, true))

		history, err := s.History(ctx, "counter", 3)
		require.NoError(t, err)
		require.Len(t, history, len(batch))
		for i := range batch {
			assert.Equal(t, batch[i].Action(), history[i].Action())
			assert.Equal(t, batch[i].Timestamp(), history[i].Timestamp())
		}

		ok, err := s.Verify(ctx, lookup(t, "counter", int64(7), 3), math.MaxInt64)
		require.NoError(t, err)
		assert.True(t, ok, "last of 25 alternating writes is an add")
	})

	t.Run("queue transport", func(t *testing.T) {
		cfg := staging.DefaultQueueConfig()
		cfg.TransportBatchThreshold = 4
		q := staging.NewQueue(cfg, nil, nil, nil)
		for i := 0; i < 10; i++ {
			require.NoError(t, q.Insert(write(t, model.ActionAdd, "tags", fmt.Sprintf("t%d", i), 9, int64(1000+i)), false))
		}
		require.NoError(t, q.Transport(ctx, s, true))

		history, err := s.History(ctx, "tags", 9)
		require.NoError(t, err)
		require.Len(t, history, 10)
		for i, w := range history {
			assert.Equal(t, fmt.Sprintf("t%d", i), w.Value().Quantity())
		}
	})

	t.Run("replay in acceptance order", func(t *testing.T) {
		var replayed []*model.Write
		require.NoError(t, s.Replay(ctx, func(w *model.Write) error {
			replayed = append(replayed, w)
			return nil
		}))
		require.Len(t, replayed, 2+25+10)
		assert.Equal(t, "name", replayed[0].Key())
		assert.Equal(t, model.ActionRemove, replayed[1].Action())
		assert.Equal(t, "counter", replayed[2].Key())
		assert.Equal(t, "t9", replayed[len(replayed)-1].Value().Quantity())

		stop := errors.New("stop")
		seen := 0
		err := s.Replay(ctx, func(*model.Write) error {
			seen++
			return stop
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, seen)
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	s := NewMemoryStore(nil)
	runStoreContract(t, s)
	assert.Equal(t, 2+25+10, s.Len())
}

func TestMemoryStore_RejectedBatchLeavesNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	err := s.AcceptBatch(ctx, []*model.Write{
		write(t, model.ActionAdd, "name", "ann", 1, 1),
		nil,
	}, false)
	require.Error(t, err)
	assert.Equal(t, 0, s.Len())

	history, err := s.History(ctx, "name", 1)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMemoryStore_Close(t *testing.T) {
	s := NewMemoryStore(nil)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
	assert.Error(t, s.Accept(context.Background(), write(t, model.ActionAdd, "k", "v", 1, 1), false))
}

func TestNew_Memory(t *testing.T) {
	s, err := New(context.Background(), config.StoreConfig{Backend: config.BackendMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = New(context.Background(), config.StoreConfig{Backend: "bogus"}, nil)
	assert.Error(t, err)
}

func TestPostgresStore_Contract(t *testing.T) {
	dsn := os.Getenv("CONCOURSE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CONCOURSE_TEST_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	table := "writes_" + uuid.NewString()[:8]
	s, err := NewPostgresStore(ctx, config.PostgresConfig{DSN: dsn, Table: table}, nil)
	require.NoError(t, err)
	defer func() {
		_, _ = s.pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+table)
		s.Close()
	}()

	runStoreContract(t, s)
}

func TestRedisStore_Contract(t *testing.T) {
	addr := os.Getenv("CONCOURSE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CONCOURSE_TEST_REDIS_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stream := "concourse-test-" + uuid.NewString()
	s, err := NewRedisStore(ctx, config.RedisConfig{Addr: addr, Stream: stream}, nil)
	require.NoError(t, err)
	defer func() {
		keys, _ := s.client.Keys(context.Background(), stream+"*").Result()
		if len(keys) > 0 {
			s.client.Del(context.Background(), keys...)
		}
		s.Close()
	}()

	runStoreContract(t, s)
}
