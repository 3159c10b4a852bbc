package taskworker

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Job is a unit of background work tied to a connection. Jobs with the same
// ConnectionID|Key always land on the same worker, so per-connection work is
// processed in order.
type Job struct {
	ConnectionID string
	Key          string
	Handler      func(ctx context.Context) error
}

// PoolStats holds real-time metrics for the worker pool.
type PoolStats struct {
	NumWorkers      int            `json:"num_workers"`
	QueueSize       int            `json:"queue_size"`
	ActiveWorkers   int            `json:"active_workers"`
	TotalDispatched int64          `json:"total_dispatched"`
	TotalProcessed  int64          `json:"total_processed"`
	TotalDropped    int64          `json:"total_dropped"`
	TotalErrors     int64          `json:"total_errors"`
	WorkerStats     []WorkerStats  `json:"worker_stats"`
	ActiveKeys      map[string]int `json:"active_keys"` // connectionID|key -> worker_id
}

type WorkerStats struct {
	WorkerID      int   `json:"worker_id"`
	QueueDepth    int   `json:"queue_depth"`
	IsProcessing  bool  `json:"is_processing"`
	JobsProcessed int64 `json:"jobs_processed"`
}

type activeKeyEntry struct {
	workerID  int
	updatedAt time.Time
}

// Pool is a sharded worker pool for connection-scoped background jobs
// (webhook post-processing, deletion requests, batch refresh fan-out).
type Pool struct {
	numWorkers int
	queueSize  int
	workers    []*worker
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopped    int32
	stopCh     chan struct{}

	totalDispatched int64
	totalProcessed  int64
	totalDropped    int64
	totalErrors     int64
	activeKeysMu    sync.RWMutex
	activeKeys      map[string]activeKeyEntry

	OnWorkerStart func(workerID int, jobKey string)
	OnWorkerEnd   func(workerID int, jobKey string)
}

type worker struct {
	id            int
	jobQueue      chan Job
	ctx           context.Context
	cancel        context.CancelFunc
	isProcessing  int32
	jobsProcessed int64
	pool          *Pool
}

func NewPool(numWorkers, queueSize int) *Pool {
	if numWorkers <= 0 {
		numWorkers = 10
	}
	if queueSize <= 0 {
		queueSize = 100
	}

	return &Pool{
		numWorkers: numWorkers,
		queueSize:  queueSize,
		workers:    make([]*worker, numWorkers),
		activeKeys: make(map[string]activeKeyEntry),
		stopCh:     make(chan struct{}),
	}
}

// Start launches all workers plus a janitor that expires stale active-key
// entries.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				now := time.Now()
				p.activeKeysMu.Lock()
				for k, v := range p.activeKeys {
					if !v.updatedAt.IsZero() && now.Sub(v.updatedAt) > 2*time.Second {
						delete(p.activeKeys, k)
					}
				}
				p.activeKeysMu.Unlock()
			}
		}
	}()

	for i := 0; i < p.numWorkers; i++ {
		workerCtx, cancel := context.WithCancel(ctx)
		w := &worker{
			id:       i,
			jobQueue: make(chan Job, p.queueSize),
			ctx:      workerCtx,
			cancel:   cancel,
			pool:     p,
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run(&p.wg)
	}

	logrus.Infof("[TASK_WORKER] Started with %d workers, queue size: %d", p.numWorkers, p.queueSize)
}

// TryDispatch enqueues a job without blocking and reports whether it fit.
// Useful for applying backpressure on HTTP endpoints.
func (p *Pool) TryDispatch(job Job) bool {
	if atomic.LoadInt32(&p.stopped) == 1 {
		atomic.AddInt64(&p.totalDropped, 1)
		return false
	}

	shard := p.shardFor(job.ConnectionID, job.Key)
	atomic.AddInt64(&p.totalDispatched, 1)

	jobKey := job.ConnectionID + "|" + job.Key
	p.activeKeysMu.Lock()
	p.activeKeys[jobKey] = activeKeyEntry{workerID: shard, updatedAt: time.Now()}
	p.activeKeysMu.Unlock()

	sent := func() (ok bool) {
		defer func() {
			if r := recover(); r != nil {
				ok = false
			}
		}()
		select {
		case p.workers[shard].jobQueue <- job:
			return true
		default:
			return false
		}
	}()

	if sent {
		return true
	}
	p.activeKeysMu.Lock()
	delete(p.activeKeys, jobKey)
	p.activeKeysMu.Unlock()

	atomic.AddInt64(&p.totalDropped, 1)
	logrus.Warnf("[TASK_WORKER] Worker %d queue full (or stopped), dropping job for %s|%s",
		shard, job.ConnectionID, job.Key)
	return false
}

// Dispatch enqueues a job without blocking; drops are counted but not
// reported.
func (p *Pool) Dispatch(job Job) {
	_ = p.TryDispatch(job)
}

// Stop drains the pool gracefully.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		atomic.StoreInt32(&p.stopped, 1)
		close(p.stopCh)
		logrus.Info("[TASK_WORKER] Stopping workers...")

		for _, w := range p.workers {
			w.cancel()
			close(w.jobQueue)
		}

		p.wg.Wait()

		logrus.Info("[TASK_WORKER] All workers stopped")
	})
}

func (p *Pool) shardFor(connectionID, key string) int {
	h := fnv.New32a()
	h.Write([]byte(connectionID + "|" + key))
	return int(h.Sum32() % uint32(p.numWorkers))
}

func (p *Pool) GetStats() PoolStats {
	workerStats := make([]WorkerStats, len(p.workers))
	activeWorkers := 0

	for i, w := range p.workers {
		isProcessing := atomic.LoadInt32(&w.isProcessing) == 1
		if isProcessing {
			activeWorkers++
		}

		workerStats[i] = WorkerStats{
			WorkerID:      w.id,
			QueueDepth:    len(w.jobQueue),
			IsProcessing:  isProcessing,
			JobsProcessed: atomic.LoadInt64(&w.jobsProcessed),
		}
	}

	now := time.Now()
	p.activeKeysMu.Lock()
	activeKeysSnapshot := make(map[string]int, len(p.activeKeys))
	for k, v := range p.activeKeys {
		if !v.updatedAt.IsZero() && now.Sub(v.updatedAt) > 2*time.Second {
			delete(p.activeKeys, k)
			continue
		}
		activeKeysSnapshot[k] = v.workerID
	}
	p.activeKeysMu.Unlock()

	return PoolStats{
		NumWorkers:      p.numWorkers,
		QueueSize:       p.queueSize,
		ActiveWorkers:   activeWorkers,
		TotalDispatched: atomic.LoadInt64(&p.totalDispatched),
		TotalProcessed:  atomic.LoadInt64(&p.totalProcessed),
		TotalDropped:    atomic.LoadInt64(&p.totalDropped),
		TotalErrors:     atomic.LoadInt64(&p.totalErrors),
		WorkerStats:     workerStats,
		ActiveKeys:      activeKeysSnapshot,
	}
}

func (w *worker) run(wg *sync.WaitGroup) {
	defer wg.Done()

	logrus.Debugf("[TASK_WORKER] Worker %d started", w.id)

	for {
		select {
		case job, ok := <-w.jobQueue:
			if !ok {
				logrus.Debugf("[TASK_WORKER] Worker %d shutting down", w.id)
				return
			}

			func() {
				jobKey := job.ConnectionID + "|" + job.Key

				if w.pool.OnWorkerStart != nil {
					w.pool.OnWorkerStart(w.id, jobKey)
				}
				atomic.StoreInt32(&w.isProcessing, 1)
				defer func() {
					if r := recover(); r != nil {
						atomic.AddInt64(&w.pool.totalErrors, 1)
						logrus.Errorf("[TASK_WORKER] Worker %d panic for %s: %v", w.id, jobKey, r)
					}
					if w.pool.OnWorkerEnd != nil {
						w.pool.OnWorkerEnd(w.id, jobKey)
					}
					atomic.StoreInt32(&w.isProcessing, 0)
					atomic.AddInt64(&w.jobsProcessed, 1)
					atomic.AddInt64(&w.pool.totalProcessed, 1)
				}()

				if err := job.Handler(w.ctx); err != nil {
					atomic.AddInt64(&w.pool.totalErrors, 1)
					logrus.WithError(err).Errorf("[TASK_WORKER] Worker %d job failed for %s|%s",
						w.id, job.ConnectionID, job.Key)
				}
			}()

		case <-w.ctx.Done():
			logrus.Debugf("[TASK_WORKER] Worker %d context cancelled, draining queue...", w.id)
			w.drainQueue()
			return
		}
	}
}

func (w *worker) drainQueue() {
	for {
		select {
		case job, ok := <-w.jobQueue:
			if !ok {
				return
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						atomic.AddInt64(&w.pool.totalErrors, 1)
						logrus.Errorf("[TASK_WORKER] Worker %d drain panic: %v", w.id, r)
					}
				}()
				if err := job.Handler(w.ctx); err != nil {
					logrus.WithError(err).Errorf("[TASK_WORKER] Worker %d drain job failed", w.id)
				}
			}()
		default:
			return
		}
	}
}
