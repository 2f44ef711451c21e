package main

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/beingmeta/concourse/internal/config"
	"github.com/beingmeta/concourse/internal/model"
	"github.com/beingmeta/concourse/internal/service"
	"github.com/beingmeta/concourse/internal/store"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"go.uber.org/zap"
)

// keySpace bounds the keys used by bench transactions so that verifies hit
// earlier writes
const keySpace = 16

type bench struct {
	cfg    config.BenchConfig
	svc    *service.StagingService
	store  store.Store
	logger *zap.Logger
	seed   int64
}

type valueStats struct {
	Values      int
	Bytes       int64
	Elapsed     time.Duration
	BytesPerSec float64
}

type txStats struct {
	Transactions int
	Writes       int64
	Adds         int64
	Removes      int64
	Elapsed      time.Duration
}

type storeStats struct {
	Writes  int64
	Adds    int64
	Removes int64
	Keys    int
}

// writeValues serializes cfg.Values random storage values into
// cfg.OutputPath and reports the throughput of Value.WriteTo
func (b *bench) writeValues(ctx context.Context) (valueStats, error) {
	rng := rand.New(rand.NewSource(b.seed))

	values := make([]*model.Value, b.cfg.Values)
	var total int64
	for i := range values {
		v, err := model.ForStorage(randomQuantity(rng))
		if err != nil {
			return valueStats{}, err
		}
		values[i] = v
		total += int64(v.Size())
	}

	file, err := os.Create(b.cfg.OutputPath)
	if err != nil {
		return valueStats{}, fmt.Errorf("failed to create bench output: %w", err)
	}
	defer file.Close()

	b.logger.Info("Writing values",
		zap.Int("values", len(values)),
		zap.Int64("bytes", total),
		zap.String("path", b.cfg.OutputPath))

	w := bufio.NewWriter(file)
	start := time.Now()
	var written int64
	for i, v := range values {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return valueStats{}, err
			}
		}
		n, err := v.WriteTo(w)
		if err != nil {
			return valueStats{}, fmt.Errorf("failed to write value %d: %w", i, err)
		}
		written += n
	}
	if err := w.Flush(); err != nil {
		return valueStats{}, fmt.Errorf("failed to flush bench output: %w", err)
	}
	if err := file.Sync(); err != nil {
		return valueStats{}, fmt.Errorf("failed to sync bench output: %w", err)
	}
	elapsed := time.Since(start)

	stats := valueStats{Values: len(values), Bytes: written, Elapsed: elapsed}
	if secs := elapsed.Seconds(); secs > 0 {
		stats.BytesPerSec = float64(written) / secs
	}

	b.logger.Info("Value write completed",
		zap.Int64("bytes", written),
		zap.Duration("elapsed", elapsed),
		zap.Float64("bytes_per_ms", stats.BytesPerSec/1000))
	return stats, nil
}

// runTransactions runs cfg.Transactions concurrent transactions. Each write
// first verifies its value and then adds it when absent or removes it when
// present, so every staged write is valid against the transaction's view.
func (b *bench) runTransactions(ctx context.Context) (txStats, error) {
	limit := rate.Inf
	burst := 1
	if b.cfg.WritesPerSecond > 0 {
		limit = rate.Limit(b.cfg.WritesPerSecond)
		if burst = int(b.cfg.WritesPerSecond); burst < 1 {
			burst = 1
		}
	}
	limiter := rate.NewLimiter(limit, burst)

	var adds, removes atomic.Int64
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < b.cfg.Transactions; i++ {
		rng := rand.New(rand.NewSource(b.seed + int64(i) + 1))
		g.Go(func() error {
			tx := b.svc.Begin()
			for j := 0; j < b.cfg.WritesPerTransaction; j++ {
				if err := limiter.Wait(gctx); err != nil {
					tx.Abort()
					return err
				}
				key := fmt.Sprintf("key%d", rng.Intn(keySpace))
				quantity := randomQuantity(rng)
				record := rng.Int63n(1000)

				present, err := tx.Verify(gctx, key, quantity, record)
				if err != nil {
					tx.Abort()
					return err
				}
				if present {
					err = tx.Remove(key, quantity, record)
					removes.Add(1)
				} else {
					err = tx.Add(key, quantity, record)
					adds.Add(1)
				}
				if err != nil {
					tx.Abort()
					return err
				}
			}
			return tx.Commit(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return txStats{}, err
	}

	stats := txStats{
		Transactions: b.cfg.Transactions,
		Adds:         adds.Load(),
		Removes:      removes.Load(),
		Elapsed:      time.Since(start),
	}
	stats.Writes = stats.Adds + stats.Removes

	b.logger.Info("Transactions completed",
		zap.Int("transactions", stats.Transactions),
		zap.Int64("writes", stats.Writes),
		zap.Int64("adds", stats.Adds),
		zap.Int64("removes", stats.Removes),
		zap.Duration("elapsed", stats.Elapsed))
	return stats, nil
}

// summarizeStore replays the permanent store and counts what reached it
func (b *bench) summarizeStore(ctx context.Context) (storeStats, error) {
	var stats storeStats
	keys := make(map[string]struct{})
	err := b.store.Replay(ctx, func(w *model.Write) error {
		stats.Writes++
		if w.Action() == model.ActionAdd {
			stats.Adds++
		} else {
			stats.Removes++
		}
		keys[w.Key()] = struct{}{}
		return nil
	})
	if err != nil {
		return storeStats{}, fmt.Errorf("failed to replay store: %w", err)
	}
	stats.Keys = len(keys)

	b.logger.Info("Store contents",
		zap.Int64("writes", stats.Writes),
		zap.Int64("adds", stats.Adds),
		zap.Int64("removes", stats.Removes),
		zap.Int("keys", stats.Keys))
	return stats, nil
}
