package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/beingmeta/concourse/internal/config"
	"github.com/beingmeta/concourse/internal/errors"
	"github.com/beingmeta/concourse/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisWriteField = "write"
	redisPageSize   = 1000
)

// RedisStore appends serialized writes to a stream, which records global
// acceptance order, and to a per-(record, key) list used for lookups.
type RedisStore struct {
	client *redis.Client
	stream string
	logger *zap.Logger

	waitAOF        bool
	waitAOFTimeout time.Duration
}

// NewRedisStore connects to cfg.Addr
func NewRedisStore(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Unavailable("failed to connect to redis", err)
	}

	logger.Info("Redis store ready",
		zap.String("addr", cfg.Addr),
		zap.String("stream", cfg.Stream),
		zap.Bool("wait_aof", cfg.WaitAOF))

	return &RedisStore{
		client:         client,
		stream:         cfg.Stream,
		logger:         logger,
		waitAOF:        cfg.WaitAOF,
		waitAOFTimeout: cfg.WaitAOFTimeout,
	}, nil
}

func (s *RedisStore) historyKey(key string, record int64) string {
	return s.stream + ":h:" + strconv.FormatInt(record, 10) + ":" + key
}

// Accept appends w
func (s *RedisStore) Accept(ctx context.Context, w *model.Write, sync bool) error {
	return s.AcceptBatch(ctx, []*model.Write{w}, sync)
}

// AcceptBatch appends writes in one round trip. With sync the commands run
// in a MULTI/EXEC block so the batch appears as a unit. A synced batch is
// durable only when WaitAOF is configured; otherwise durability follows the
// server's appendfsync policy.
func (s *RedisStore) AcceptBatch(ctx context.Context, writes []*model.Write, sync bool) error {
	if len(writes) == 0 {
		return nil
	}

	var pipe redis.Pipeliner
	if sync {
		pipe = s.client.TxPipeline()
	} else {
		pipe = s.client.Pipeline()
	}

	for _, w := range writes {
		data := w.Bytes()
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			Values: map[string]interface{}{redisWriteField: data},
		})
		pipe.RPush(ctx, s.historyKey(w.Key(), w.Record()), data)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append %d writes: %w", len(writes), err)
	}
	if sync && s.waitAOF {
		return s.waitFsync(ctx)
	}
	return nil
}

// waitFsync blocks until the local append-only file holds every write sent
// on this connection
func (s *RedisStore) waitFsync(ctx context.Context) error {
	acks, err := s.client.Do(ctx, "WAITAOF", 1, 0, s.waitAOFTimeout.Milliseconds()).Int64Slice()
	if err != nil {
		return errors.Unavailable("WAITAOF failed", err)
	}
	if len(acks) == 0 || acks[0] < 1 {
		return errors.Unavailable(
			fmt.Sprintf("writes not fsynced within %s", s.waitAOFTimeout), nil)
	}
	return nil
}

// Verify reports whether w's value is present in (key, record) as of timestamp
func (s *RedisStore) Verify(ctx context.Context, w *model.Write, timestamp int64) (bool, error) {
	history, err := s.History(ctx, w.Key(), w.Record())
	if err != nil {
		return false, err
	}
	return resolve(history, w.Value(), timestamp), nil
}

// History returns the writes accepted for (key, record), oldest first
func (s *RedisStore) History(ctx context.Context, key string, record int64) ([]*model.Write, error) {
	entries, err := s.client.LRange(ctx, s.historyKey(key, record), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	history := make([]*model.Write, 0, len(entries))
	for _, e := range entries {
		w, err := model.WriteFromBytes([]byte(e))
		if err != nil {
			return nil, err
		}
		history = append(history, w)
	}
	return history, nil
}

// Replay reads the stream from the beginning and calls fn for every write
// in acceptance order
func (s *RedisStore) Replay(ctx context.Context, fn func(*model.Write) error) error {
	start := "-"
	for {
		msgs, err := s.client.XRangeN(ctx, s.stream, start, "+", redisPageSize).Result()
		if err != nil {
			return fmt.Errorf("failed to read stream: %w", err)
		}
		for _, msg := range msgs {
			raw, ok := msg.Values[redisWriteField].(string)
			if !ok {
				return errors.Deserialization(fmt.Sprintf("stream entry %s has no write", msg.ID), nil)
			}
			w, err := model.WriteFromBytes([]byte(raw))
			if err != nil {
				return err
			}
			if err := fn(w); err != nil {
				return err
			}
		}
		if len(msgs) < redisPageSize {
			return nil
		}
		start = "(" + msgs[len(msgs)-1].ID
	}
}

// Ping checks the server connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
