package application

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/uniboxhq/unibox/lifecycle/domain/connection"
	"github.com/uniboxhq/unibox/pkg/connmonitor"
)

// BatchRefresher is the safety net under the per-connection proactive
// scheduling: a periodic scan that refreshes any token the timers missed
// (process restarts, clock drift, timers lost to panics). Batches cap the
// concurrent load against the provider's token endpoint.
type BatchRefresher struct {
	repo        connection.Repository
	coordinator *TokenCoordinator

	Interval  time.Duration
	BatchSize int
	Buffer    time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

func NewBatchRefresher(repo connection.Repository, coordinator *TokenCoordinator, interval time.Duration, batchSize int, buffer time.Duration) *BatchRefresher {
	return &BatchRefresher{
		repo:        repo,
		coordinator: coordinator,
		Interval:    interval,
		BatchSize:   batchSize,
		Buffer:      buffer,
		stop:        make(chan struct{}),
	}
}

// Start launches the periodic scan.
func (b *BatchRefresher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(b.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stop:
				return
			case <-ticker.C:
				b.RunOnce(ctx)
			}
		}
	}()
}

// Stop halts the periodic scan.
func (b *BatchRefresher) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// RunOnce performs a single scan pass. Connections within a batch refresh
// concurrently; batches run back to back. A failed refresh is logged and the
// pass continues, since every connection also has its own retry machinery.
func (b *BatchRefresher) RunOnce(ctx context.Context) {
	start := time.Now()
	ids, err := b.repo.ConnectionsNeedingRefresh(ctx, time.Now().Add(b.Buffer))
	if err != nil {
		logrus.WithError(err).Error("[BATCH_REFRESH] Failed to list connections needing refresh")
		return
	}
	if len(ids) == 0 {
		return
	}
	logrus.Infof("[BATCH_REFRESH] %d connection(s) need refresh, batch size %d", len(ids), b.BatchSize)

	failures := 0
	for i := 0; i < len(ids); i += b.BatchSize {
		end := i + b.BatchSize
		if end > len(ids) {
			end = len(ids)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, id := range ids[i:end] {
			wg.Add(1)
			go func(connectionID string) {
				defer wg.Done()
				if _, err := b.coordinator.EnsureValidToken(ctx, connectionID); err != nil {
					logrus.WithError(err).Warnf("[BATCH_REFRESH] Refresh failed for %s", connectionID)
					mu.Lock()
					failures++
					mu.Unlock()
				}
			}(id)
		}
		wg.Wait()

		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		default:
		}
	}

	status := "ok"
	if failures > 0 {
		status = "error"
	}
	connmonitor.Record(connmonitor.Event{
		Timestamp:  time.Now().UTC(),
		Component:  "batch",
		Kind:       "sweep",
		Status:     status,
		Metadata:   map[string]string{"scanned": strconv.Itoa(len(ids)), "failed": strconv.Itoa(failures)},
		DurationMs: time.Since(start).Milliseconds(),
	})
	logrus.Infof("[BATCH_REFRESH] Pass done: %d refreshed, %d failed in %s", len(ids)-failures, failures, time.Since(start))
}
