package connmonitor

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OnIncrement is an optional hook for reporting counters to external systems.
var OnIncrement func(key string)

type Event struct {
	Timestamp    time.Time         `json:"timestamp"`
	ConnectionID string            `json:"connection_id"`
	TenantID     string            `json:"tenant_id"`
	Component    string            `json:"component"` // registry | token | health | recovery | window | webhook | batch
	Kind         string            `json:"kind"`      // refresh | validation | recovery_attempt | sweep | ingest
	Status       string            `json:"status"`    // ok | error | skipped
	Error        string            `json:"error"`
	Metadata     map[string]string `json:"metadata"`
	DurationMs   int64             `json:"duration_ms"`
}

type Stats struct {
	TotalRefreshes   int64   `json:"total_refreshes"`
	TotalValidations int64   `json:"total_validations"`
	TotalRecoveries  int64   `json:"total_recoveries"`
	TotalWebhooks    int64   `json:"total_webhooks"`
	TotalErrors      int64   `json:"total_errors"`
	RecentEvents     []Event `json:"recent_events"`
}

// Monitor keeps a fixed-size ring of recent lifecycle events plus atomic
// running totals. It is safe for concurrent use.
type Monitor struct {
	eventsMu sync.Mutex
	events   []Event
	idx      int
	count    int

	totalRefreshes   int64
	totalValidations int64
	totalRecoveries  int64
	totalWebhooks    int64
	totalErrors      int64
}

func New(size int) *Monitor {
	if size <= 0 {
		size = 200
	}
	return &Monitor{events: make([]Event, size)}
}

func (m *Monitor) Record(e Event) {
	e.Timestamp = time.Now().UTC()

	switch e.Kind {
	case "refresh":
		atomic.AddInt64(&m.totalRefreshes, 1)
	case "validation":
		atomic.AddInt64(&m.totalValidations, 1)
	case "recovery_attempt":
		atomic.AddInt64(&m.totalRecoveries, 1)
	case "ingest":
		atomic.AddInt64(&m.totalWebhooks, 1)
		if OnIncrement != nil {
			OnIncrement("ingested")
		}
	}

	if e.Status == "error" {
		atomic.AddInt64(&m.totalErrors, 1)
		if OnIncrement != nil {
			OnIncrement("error")
		}
	}

	m.eventsMu.Lock()
	m.events[m.idx] = e
	m.idx = (m.idx + 1) % len(m.events)
	if m.count < len(m.events) {
		m.count++
	}
	m.eventsMu.Unlock()
}

func (m *Monitor) GetStats() Stats {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()

	res := make([]Event, 0, m.count)
	cutoff := time.Time{}
	if defaultTTL > 0 {
		cutoff = time.Now().UTC().Add(-defaultTTL)
	}
	start := (m.idx - m.count) % len(m.events)
	if start < 0 {
		start += len(m.events)
	}
	for i := 0; i < m.count; i++ {
		e := m.events[(start+i)%len(m.events)]
		if !cutoff.IsZero() && !e.Timestamp.IsZero() && e.Timestamp.Before(cutoff) {
			continue
		}
		res = append(res, e)
	}

	return Stats{
		TotalRefreshes:   atomic.LoadInt64(&m.totalRefreshes),
		TotalValidations: atomic.LoadInt64(&m.totalValidations),
		TotalRecoveries:  atomic.LoadInt64(&m.totalRecoveries),
		TotalWebhooks:    atomic.LoadInt64(&m.totalWebhooks),
		TotalErrors:      atomic.LoadInt64(&m.totalErrors),
		RecentEvents:     res,
	}
}

func envInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err == nil {
		return d
	}
	sec, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if sec <= 0 {
		return 0
	}
	return time.Duration(sec) * time.Second
}

var defaultTTL time.Duration

var defaultMonitor = func() *Monitor {
	size := envInt("CONN_MONITOR_BUFFER", 200)
	defaultTTL = envDuration("CONN_MONITOR_TTL", 0)
	return New(size)
}()

func Record(e Event) {
	defaultMonitor.Record(e)
}

func GetStats() Stats {
	return defaultMonitor.GetStats()
}
