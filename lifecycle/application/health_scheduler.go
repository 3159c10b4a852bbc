package application

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uniboxhq/unibox/lifecycle/domain/connection"
	"github.com/uniboxhq/unibox/lifecycle/domain/event"
)

// HealthScheduler runs one self-rescheduling check loop per connection. After
// every check it re-arms a single one-shot timer whose delay adapts to the
// connection's state, so failing connections are probed aggressively and
// healthy ones sparsely.
type HealthScheduler struct {
	registry    *Registry
	coordinator *TokenCoordinator
	validator   *Validator
	repo        connection.Repository
	sink        event.Sink

	ValidationMaxAge time.Duration
	LeakThreshold    int64

	timerMu    sync.Mutex
	timers     map[string]*time.Timer
	liveTimers int64
}

func NewHealthScheduler(registry *Registry, coordinator *TokenCoordinator, validator *Validator, repo connection.Repository, sink event.Sink) *HealthScheduler {
	return &HealthScheduler{
		registry:         registry,
		coordinator:      coordinator,
		validator:        validator,
		repo:             repo,
		sink:             sink,
		ValidationMaxAge: 1 * time.Hour,
		LeakThreshold:    500,
		timers:           make(map[string]*time.Timer),
	}
}

// Start arms the first check for a connection. A second Start for the same id
// replaces the previous timer, preserving the one-timer-per-id invariant.
func (h *HealthScheduler) Start(connectionID string) {
	h.schedule(connectionID, 0)
}

// Stop removes the connection's timer from the scheduler's table.
func (h *HealthScheduler) Stop(connectionID string) {
	h.timerMu.Lock()
	defer h.timerMu.Unlock()
	if t, ok := h.timers[connectionID]; ok {
		t.Stop()
		delete(h.timers, connectionID)
		atomic.AddInt64(&h.liveTimers, -1)
	}
}

// StopAll cancels every live health timer.
func (h *HealthScheduler) StopAll() {
	h.timerMu.Lock()
	defer h.timerMu.Unlock()
	for id, t := range h.timers {
		t.Stop()
		delete(h.timers, id)
		atomic.AddInt64(&h.liveTimers, -1)
	}
}

// LiveTimers returns the number of armed health timers.
func (h *HealthScheduler) LiveTimers() int64 {
	return atomic.LoadInt64(&h.liveTimers)
}

func (h *HealthScheduler) schedule(connectionID string, delay time.Duration) {
	h.timerMu.Lock()
	if t, ok := h.timers[connectionID]; ok {
		t.Stop()
		atomic.AddInt64(&h.liveTimers, -1)
	}
	h.timers[connectionID] = time.AfterFunc(delay, func() { h.runCheck(connectionID) })
	live := atomic.AddInt64(&h.liveTimers, 1)
	h.timerMu.Unlock()

	if live > h.LeakThreshold {
		logrus.Warnf("[HEALTH] %d live health timers exceed leak threshold %d", live, h.LeakThreshold)
	}
}

func (h *HealthScheduler) runCheck(connectionID string) {
	h.timerMu.Lock()
	if _, ok := h.timers[connectionID]; ok {
		delete(h.timers, connectionID)
		atomic.AddInt64(&h.liveTimers, -1)
	}
	h.timerMu.Unlock()

	ctx := context.Background()
	conn, err := h.repo.GetConnection(ctx, connectionID)
	if err != nil {
		logrus.WithError(err).Warnf("[HEALTH] Check skipped, cannot load connection %s", connectionID)
		h.schedule(connectionID, 60*time.Second)
		return
	}
	if conn.Status == connection.StatusDisconnected {
		logrus.Debugf("[HEALTH] Connection %s disconnected, stopping checks", connectionID)
		return
	}

	st := h.registry.Snapshot(connectionID)

	// Recovery owns the connection while it runs; the loop just keeps
	// observing on the tight interval instead of racing it with refreshes.
	if st.IsRecovering {
		h.schedule(connectionID, AdaptiveInterval(st, conn.Token.TokenExpiresAt))
		return
	}

	wasActive := st.IsActive
	checkErr := h.check(ctx, conn, st)

	if checkErr != nil {
		h.registry.RecordActivity(connectionID, false, checkErr.Error())
	} else {
		h.registry.RecordActivity(connectionID, true, "")
		if !wasActive {
			h.sink.Publish(event.Event{
				Type:         event.ConnectionStatusUpdate,
				ConnectionID: conn.ID,
				TenantID:     conn.TenantID,
				Detail:       "connection back to active",
				Timestamp:    time.Now().UTC(),
			})
		}
	}

	var count uint64
	h.registry.Update(connectionID, func(s *connection.State) {
		s.CheckCount++
		count = s.CheckCount
	})
	if count%10 == 0 {
		logrus.Infof("[HEALTH] Heartbeat for %s: %d checks, errors=%d, active=%t",
			connectionID, count, h.registry.Snapshot(connectionID).ErrorCount, checkErr == nil)
	}

	h.schedule(connectionID, AdaptiveInterval(h.registry.Snapshot(connectionID), conn.Token.TokenExpiresAt))
}

func (h *HealthScheduler) check(ctx context.Context, conn *connection.Connection, st connection.State) error {
	if time.Since(st.LastValidationAt) > h.ValidationMaxAge {
		if err := h.validator.Validate(ctx, conn); err != nil {
			h.registry.Update(conn.ID, func(s *connection.State) { s.ConsecutiveValidationFailures++ })
			return err
		}
		h.registry.Update(conn.ID, func(s *connection.State) {
			s.ConsecutiveValidationFailures = 0
			s.LastValidationAt = time.Now().UTC()
		})
	}

	// Cheap no-op when the token is not near expiry.
	_, err := h.coordinator.EnsureValidToken(ctx, conn.ID)
	return err
}

// AdaptiveInterval computes the next check delay from connection state and
// token expiry.
func AdaptiveInterval(st connection.State, tokenExpiresAt time.Time) time.Duration {
	switch {
	case st.IsRecovering:
		return 15 * time.Second
	case st.ErrorCount > 0:
		return 60 * time.Second
	case time.Until(tokenExpiresAt) < 24*time.Hour:
		return 10 * time.Minute
	default:
		return 5 * time.Minute
	}
}
