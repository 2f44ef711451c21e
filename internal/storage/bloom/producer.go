package bloom

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/beingmeta/concourse/internal/metrics"
	"github.com/beingmeta/concourse/internal/util/workerpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ProducerConfig holds producer configuration
type ProducerConfig struct {
	Name string
	// PoolSize is the number of prebuilt instances kept ready
	PoolSize int
	// WarmUpConcurrency bounds the builders used by WarmUp
	WarmUpConcurrency int
}

// Producer hands out prebuilt instances of an expensive type.
//
// Consume never blocks on construction work queued elsewhere: when the pool
// is empty it builds an instance inline. Each consume schedules one
// replacement on the worker pool, so the pool refills in the background.
type Producer[T any] struct {
	name     string
	supply   func() T
	ready    chan T
	workers  *workerpool.WorkerPool
	inflight atomic.Int32
	warmUp   int
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewProducer creates a producer. A nil workers pool disables background
// replenishment.
func NewProducer[T any](cfg ProducerConfig, supply func() T, workers *workerpool.WorkerPool, logger *zap.Logger, m *metrics.Metrics) *Producer[T] {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.WarmUpConcurrency <= 0 {
		cfg.WarmUpConcurrency = cfg.PoolSize
	}
	if cfg.Name == "" {
		cfg.Name = "producer"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer[T]{
		name:    cfg.Name,
		supply:  supply,
		ready:   make(chan T, cfg.PoolSize),
		workers: workers,
		warmUp:  cfg.WarmUpConcurrency,
		logger:  logger,
		metrics: m,
	}
}

// NewFilterProducer creates a producer of filters sized by cfg
func NewFilterProducer(cfg Config, poolSize int, workers *workerpool.WorkerPool, logger *zap.Logger, m *metrics.Metrics) *Producer[*Filter] {
	return NewProducer(ProducerConfig{Name: "bloom_filter", PoolSize: poolSize},
		func() *Filter { return NewFilter(cfg) },
		workers, logger, m)
}

// WarmUp fills the pool to capacity, building instances concurrently
func (p *Producer[T]) WarmUp(ctx context.Context) error {
	need := cap(p.ready) - len(p.ready)
	if need <= 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.warmUp)
	for i := 0; i < need; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p.offer(p.build())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	p.logger.Debug("Producer warmed up",
		zap.String("producer", p.name),
		zap.Int("available", len(p.ready)))
	return nil
}

// Consume returns a ready instance, building one inline if none is available
func (p *Producer[T]) Consume() T {
	var v T
	hit := false
	select {
	case v = <-p.ready:
		hit = true
	default:
		v = p.build()
	}
	p.metrics.RecordProducerConsume(p.name, hit, len(p.ready))
	p.replenish()
	return v
}

// Available returns the number of instances ready to consume
func (p *Producer[T]) Available() int {
	return len(p.ready)
}

// Capacity returns the pool size
func (p *Producer[T]) Capacity() int {
	return cap(p.ready)
}

func (p *Producer[T]) replenish() {
	if p.workers == nil {
		return
	}
	if int(p.inflight.Load())+len(p.ready) >= cap(p.ready) {
		return
	}
	p.inflight.Add(1)
	ok := p.workers.TrySubmit(workerpool.Task{
		ID: p.name + "-replenish",
		Fn: func(ctx context.Context) error {
			defer p.inflight.Add(-1)
			if err := ctx.Err(); err != nil {
				return nil
			}
			p.offer(p.build())
			return nil
		},
	})
	if !ok {
		p.inflight.Add(-1)
		p.logger.Debug("Producer replenish rejected", zap.String("producer", p.name))
	}
}

func (p *Producer[T]) build() T {
	start := time.Now()
	v := p.supply()
	p.metrics.RecordProducerBuild(p.name, time.Since(start), len(p.ready))
	return v
}

// offer adds v to the pool, dropping it if the pool is already full
func (p *Producer[T]) offer(v T) {
	select {
	case p.ready <- v:
	default:
	}
}
