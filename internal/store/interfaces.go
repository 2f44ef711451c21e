package store

import (
	"context"
	"fmt"

	"github.com/beingmeta/concourse/internal/config"
	"github.com/beingmeta/concourse/internal/model"
	"github.com/beingmeta/concourse/internal/storage/staging"
	"go.uber.org/zap"
)

// Store is a permanent store that staging queues transport into
type Store interface {
	staging.BatchStore
	staging.Verifier

	// History returns every write accepted for (key, record), oldest first
	History(ctx context.Context, key string, record int64) ([]*model.Write, error)

	// Replay calls fn for every accepted write in acceptance order and
	// stops at the first error
	Replay(ctx context.Context, fn func(*model.Write) error) error

	// Ping reports whether the backend is reachable
	Ping(ctx context.Context) error

	Close() error
}

// New opens the store selected by cfg.Backend
func New(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return NewMemoryStore(logger), nil
	case config.BackendPostgres:
		return NewPostgresStore(ctx, cfg.Postgres, logger)
	case config.BackendRedis:
		return NewRedisStore(ctx, cfg.Redis, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// resolve walks a history newest first and returns the action of the latest
// write for value visible at timestamp
func resolve(history []*model.Write, value *model.Value, timestamp int64) bool {
	for i := len(history) - 1; i >= 0; i-- {
		w := history[i]
		if w.Timestamp() <= timestamp && w.Value().Equal(value) {
			return w.Action() == model.ActionAdd
		}
	}
	return false
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*RedisStore)(nil)
)
