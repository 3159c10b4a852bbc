package lifecycle

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	globalConfig "github.com/uniboxhq/unibox/config"
	"github.com/uniboxhq/unibox/lifecycle/application"
	"github.com/uniboxhq/unibox/lifecycle/domain/connection"
	"github.com/uniboxhq/unibox/lifecycle/domain/conversation"
	"github.com/uniboxhq/unibox/lifecycle/domain/event"
	"github.com/uniboxhq/unibox/lifecycle/domain/provider"
	"github.com/uniboxhq/unibox/pkg/taskworker"
)

// Deps are the external collaborators the lifecycle core needs: storage,
// provider transport, and an event sink. Everything above them is wired by
// NewManager.
type Deps struct {
	ConnRepo  connection.Repository
	ConvRepo  conversation.Repository
	MsgRepo   conversation.MessageRepository
	Cache     connection.ValidationCache
	Transport provider.Transport
	Endpoints provider.Directory
	Sink      event.Sink
}

// Manager is the facade over the lifecycle components. It owns their wiring
// and their background loops; callers talk to the manager, never to the
// pieces directly.
type Manager struct {
	deps Deps

	registry    *application.Registry
	coordinator *application.TokenCoordinator
	validator   *application.Validator
	health      *application.HealthScheduler
	recovery    *application.RecoveryMachine
	windows     *application.WindowTracker
	webhooks    *application.WebhookGate
	batch       *application.BatchRefresher
	pool        *taskworker.Pool

	cancelBackground context.CancelFunc
}

func NewManager(deps Deps) *Manager {
	if deps.Sink == nil {
		deps.Sink = event.NopSink{}
	}
	if deps.Endpoints == nil {
		deps.Endpoints = provider.DefaultDirectory()
	}

	m := &Manager{deps: deps}

	// 1. Shared in-memory state
	m.registry = application.NewRegistry()

	// 2. Token validation and refresh
	m.validator = application.NewValidator(deps.Transport, deps.Endpoints, deps.Cache,
		globalConfig.ValidationCacheTTL, globalConfig.ProviderRequestTimeout)
	m.coordinator = application.NewTokenCoordinator(deps.ConnRepo, deps.Transport, deps.Endpoints,
		m.registry, m.validator, deps.Sink)
	m.coordinator.RefreshBuffer = globalConfig.TokenRefreshBuffer
	m.coordinator.MaxAttempts = globalConfig.TokenRefreshMaxAttempts
	m.coordinator.BaseDelay = globalConfig.TokenRefreshBaseDelay
	m.coordinator.Timeout = globalConfig.ProviderRequestTimeout

	// 3. Health checks and recovery
	m.health = application.NewHealthScheduler(m.registry, m.coordinator, m.validator, deps.ConnRepo, deps.Sink)
	m.health.ValidationMaxAge = globalConfig.ValidationMaxAge
	m.health.LeakThreshold = int64(globalConfig.HealthTimerLeakThreshold)
	m.recovery = application.NewRecoveryMachine(m.registry, m.coordinator, m.validator, deps.ConnRepo, deps.Sink)
	m.recovery.MaxAttempts = globalConfig.RecoveryMaxAttempts
	m.recovery.MaxElapsed = globalConfig.RecoveryMaxElapsed
	m.recovery.BaseBackoff = globalConfig.RecoveryBaseBackoff

	// 4. Messaging windows and webhook ingestion
	m.windows = application.NewWindowTracker(deps.ConvRepo, deps.Sink,
		globalConfig.MessagingWindowHours, globalConfig.WindowSweepInterval)
	m.pool = taskworker.NewPool(globalConfig.TaskWorkerPoolSize, globalConfig.TaskWorkerQueueSize)
	m.webhooks = application.NewWebhookGate(deps.ConnRepo, deps.ConvRepo, deps.MsgRepo,
		m.registry, m.windows, m.pool)

	// 5. Batch refresh safety net
	m.batch = application.NewBatchRefresher(deps.ConnRepo, m.coordinator,
		globalConfig.BatchRefreshInterval, globalConfig.BatchRefreshSize, globalConfig.TokenRefreshBuffer)

	// 6. Wire up callbacks
	m.registry.OnRecoveryNeeded = m.recovery.Trigger
	m.registry.OnRecoveryResolved = m.recovery.Cancel
	m.coordinator.OnTokenExpired = func(ctx context.Context, connectionID string, cause error) {
		if err := m.recovery.HandleTokenExpiration(ctx, connectionID, cause); err != nil {
			logrus.WithError(err).Warnf("[LIFECYCLE] Token expiration handling left %s needing reauthorization", connectionID)
		}
	}

	return m
}

// StartBackground brings up the worker pool, the window sweep, the batch
// refresher, and one health loop per known connection. Call once at boot.
func (m *Manager) StartBackground(ctx context.Context) error {
	ctx, m.cancelBackground = context.WithCancel(ctx)

	m.pool.Start(ctx)
	m.windows.Start(ctx)
	m.batch.Start(ctx)

	conns, err := m.deps.ConnRepo.ListConnections(ctx)
	if err != nil {
		return err
	}
	started := 0
	for _, conn := range conns {
		if conn.Status == connection.StatusDisconnected {
			continue
		}
		m.registry.Update(conn.ID, func(s *connection.State) {
			s.IsActive = conn.Status == connection.StatusActive
		})
		m.health.Start(conn.ID)
		m.coordinator.ScheduleProactiveRefresh(conn.ID)
		started++
	}
	logrus.Infof("[LIFECYCLE] Background loops started, tracking %d connection(s)", started)
	return nil
}

// Connect registers a new connection and starts tracking it.
func (m *Manager) Connect(ctx context.Context, conn *connection.Connection) error {
	if conn.Status == "" {
		conn.Status = connection.StatusPending
	}
	if err := m.deps.ConnRepo.CreateConnection(ctx, conn); err != nil {
		return err
	}
	m.registry.Update(conn.ID, func(s *connection.State) {
		s.IsActive = conn.Status == connection.StatusActive
	})
	m.health.Start(conn.ID)
	m.coordinator.ScheduleProactiveRefresh(conn.ID)
	logrus.Infof("[LIFECYCLE] Connection %s (%s) registered", conn.ID, conn.Provider)
	return nil
}

// Disconnect stops all per-connection work before marking the row
// disconnected, so nothing re-arms a timer for a connection on its way out.
func (m *Manager) Disconnect(ctx context.Context, connectionID string) error {
	m.coordinator.CancelProactive(connectionID)
	m.health.Stop(connectionID)
	m.recovery.Cancel(connectionID)

	if err := m.deps.ConnRepo.UpdateConnectionStatus(ctx, connectionID, connection.StatusDisconnected); err != nil {
		return err
	}
	m.registry.Remove(connectionID)
	logrus.Infof("[LIFECYCLE] Connection %s disconnected", connectionID)
	return nil
}

// Reauthorize installs token material obtained from a fresh user
// authorization and puts the connection back in rotation.
func (m *Manager) Reauthorize(ctx context.Context, connectionID string, tok connection.TokenMaterial) error {
	patch := map[string]any{
		connection.FieldAccessToken:          tok.AccessToken,
		connection.FieldRefreshToken:         tok.RefreshToken,
		connection.FieldTokenExpiresAt:       tok.TokenExpiresAt,
		connection.FieldTokenRefreshedAt:     time.Now().UTC(),
		connection.FieldTokenRefreshAttempts: 0,
		connection.FieldStatus:               string(connection.StatusActive),
		connection.FieldStatusReason:         "",
		connection.FieldRequiresReauth:       false,
	}
	if err := m.deps.ConnRepo.UpdateConnection(ctx, connectionID, patch); err != nil {
		return err
	}
	if m.deps.Cache != nil {
		_ = m.deps.Cache.Delete(ctx, connectionID)
	}
	m.registry.RecordActivity(connectionID, true, "")
	m.health.Start(connectionID)
	m.coordinator.ScheduleProactiveRefresh(connectionID)
	logrus.Infof("[LIFECYCLE] Connection %s reauthorized", connectionID)
	return nil
}

// TriggerRecovery forces a recovery run, bypassing the failure threshold.
func (m *Manager) TriggerRecovery(connectionID, cause string) {
	m.recovery.Trigger(connectionID, cause)
}

// RefreshToken forces an immediate coordinated refresh.
func (m *Manager) RefreshToken(ctx context.Context, connectionID string) error {
	_, err := m.coordinator.EnsureValidToken(ctx, connectionID)
	return err
}

// IngestWebhook hands one verified provider event to the gate.
func (m *Manager) IngestWebhook(ctx context.Context, ev provider.WebhookEvent) error {
	return m.webhooks.Ingest(ctx, ev)
}

// CheckMessagingWindow reports whether a send is currently allowed.
func (m *Manager) CheckMessagingWindow(ctx context.Context, conversationID string) (*application.WindowCheck, error) {
	return m.windows.CheckMessagingWindow(ctx, conversationID)
}

// EnsureSendAllowed is the pre-send gate for outbound messages.
func (m *Manager) EnsureSendAllowed(ctx context.Context, conversationID string) error {
	return m.windows.EnsureSendAllowed(ctx, conversationID)
}

// ConnectionState returns the live in-memory state for a connection.
func (m *Manager) ConnectionState(connectionID string) connection.State {
	return m.registry.Snapshot(connectionID)
}

// TrackedConnections returns how many connections the registry holds.
func (m *Manager) TrackedConnections() int {
	return m.registry.Size()
}

// LiveHealthTimers exposes the health timer count for monitoring.
func (m *Manager) LiveHealthTimers() int64 {
	return m.health.LiveTimers()
}

// WorkerStats exposes the background pool counters for monitoring.
func (m *Manager) WorkerStats() taskworker.PoolStats {
	return m.pool.GetStats()
}

// StopAll shuts down every background loop and timer. Safe to call once
// during graceful shutdown.
func (m *Manager) StopAll() {
	if m.cancelBackground != nil {
		m.cancelBackground()
	}
	m.batch.Stop()
	m.windows.StopSweep()
	m.recovery.StopAll()
	m.health.StopAll()
	m.coordinator.StopAll()
	m.pool.Stop()
	logrus.Info("[LIFECYCLE] All background loops stopped")
}
