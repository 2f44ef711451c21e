package bloom

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beingmeta/concourse/internal/metrics"
	"github.com/beingmeta/concourse/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	built atomic.Int64
}

func (c *counter) supply() *int64 {
	n := c.built.Add(1)
	return &n
}

func TestProducer_WarmUpAndConsume(t *testing.T) {
	var c counter
	p := NewProducer(ProducerConfig{Name: "test", PoolSize: 4}, c.supply, nil, nil, nil)

	require.NoError(t, p.WarmUp(context.Background()))
	assert.Equal(t, 4, p.Available())
	assert.Equal(t, int64(4), c.built.Load())

	for i := 0; i < 4; i++ {
		assert.NotNil(t, p.Consume())
	}
	assert.Equal(t, 0, p.Available())
	assert.Equal(t, int64(4), c.built.Load(), "consumes served from the pool")

	// empty pool without workers builds inline
	assert.NotNil(t, p.Consume())
	assert.Equal(t, int64(5), c.built.Load())
}

func TestProducer_WarmUpCanceled(t *testing.T) {
	var c counter
	p := NewProducer(ProducerConfig{PoolSize: 3, WarmUpConcurrency: 1}, c.supply, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.WarmUp(ctx), context.Canceled)
}

func TestProducer_Replenishes(t *testing.T) {
	pool := workerpool.NewWorkerPool(workerpool.Config{Name: "producer", MaxWorkers: 1, QueueSize: 8})
	defer pool.Stop(context.Background())

	var c counter
	p := NewProducer(ProducerConfig{Name: "test", PoolSize: 2}, c.supply, pool, nil, nil)
	require.NoError(t, p.WarmUp(context.Background()))

	p.Consume()
	p.Consume()

	assert.Eventually(t, func() bool {
		return p.Available() == 2
	}, 5*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, p.Available(), p.Capacity())
}

func TestProducer_ConcurrentConsumeIsDistinct(t *testing.T) {
	pool := workerpool.NewWorkerPool(workerpool.Config{Name: "producer", MaxWorkers: 2, QueueSize: 16})
	defer pool.Stop(context.Background())

	var c counter
	p := NewProducer(ProducerConfig{Name: "test", PoolSize: 4}, c.supply, pool, nil, nil)
	require.NoError(t, p.WarmUp(context.Background()))

	const consumers = 16
	var mu sync.Mutex
	seen := make(map[*int64]struct{})
	var wg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := p.Consume()
			mu.Lock()
			seen[v] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, consumers)
}

func TestFilterProducer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg, "test")

	p := NewFilterProducer(Config{ExpectedInsertions: 100, FalsePositiveRate: 0.03}, 1, nil, nil, m)
	require.NoError(t, p.WarmUp(context.Background()))

	first := p.Consume()
	second := p.Consume()
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.NotSame(t, first, second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProducerHitsTotal.WithLabelValues("bloom_filter")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProducerMissesTotal.WithLabelValues("bloom_filter")))
}
