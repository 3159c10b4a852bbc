package taskworker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_DispatchNonBlocking(t *testing.T) {
	pool := NewPool(2, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	defer pool.Stop()

	start := time.Now()
	pool.Dispatch(Job{
		ConnectionID: "conn-1",
		Key:          "deletion",
		Handler: func(ctx context.Context) error {
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	})
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 10*time.Millisecond, "Dispatch must not block the caller")
}

func TestPool_SameConnectionSequentialProcessing(t *testing.T) {
	pool := NewPool(4, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	defer pool.Stop()

	var results []int
	var mu sync.Mutex

	for i := 1; i <= 5; i++ {
		val := i
		pool.Dispatch(Job{
			ConnectionID: "conn-1",
			Key:          "webhook",
			Handler: func(ctx context.Context) error {
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				results = append(results, val)
				mu.Unlock()
				return nil
			},
		})
	}

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	require.Equal(t, []int{1, 2, 3, 4, 5}, results, "jobs for the same connection must run in order")
}

func TestPool_DifferentConnectionsParallelProcessing(t *testing.T) {
	pool := NewPool(4, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	defer pool.Stop()

	var activeCount int32
	var maxActive int32

	for i := 0; i < 4; i++ {
		connID := string(rune('A' + i))
		pool.Dispatch(Job{
			ConnectionID: connID,
			Key:          "refresh",
			Handler: func(ctx context.Context) error {
				n := atomic.AddInt32(&activeCount, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(50 * time.Millisecond)
				atomic.AddInt32(&activeCount, -1)
				return nil
			},
		})
	}

	time.Sleep(200 * time.Millisecond)

	assert.Greater(t, atomic.LoadInt32(&maxActive), int32(1), "distinct connections should run in parallel")
}

func TestPool_StatsAndDrops(t *testing.T) {
	pool := NewPool(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)

	block := make(chan struct{})
	pool.Dispatch(Job{ConnectionID: "c", Key: "k", Handler: func(ctx context.Context) error {
		<-block
		return nil
	}})
	// Queue capacity is 1; these eventually overflow.
	for i := 0; i < 5; i++ {
		pool.TryDispatch(Job{ConnectionID: "c", Key: "k", Handler: func(ctx context.Context) error { return nil }})
	}

	stats := pool.GetStats()
	assert.Greater(t, stats.TotalDropped, int64(0))

	close(block)
	pool.Stop()
}
