package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/uniboxhq/unibox/lifecycle/domain/connection"
	"github.com/uniboxhq/unibox/lifecycle/domain/event"
	pkgError "github.com/uniboxhq/unibox/pkg/error"
)

// RecoveryMachine drives a failed connection through the staged recovery
// flow: validate the stored credentials, refresh the token if validation
// says the token is the problem, then re-validate with the new token. One
// recovery run per connection at a time; a run that exhausts its attempt or
// time budget marks the connection errored and gives up until the next
// trigger.
type RecoveryMachine struct {
	registry    *Registry
	coordinator *TokenCoordinator
	validator   *Validator
	repo        connection.Repository
	sink        event.Sink

	MaxAttempts int
	MaxElapsed  time.Duration
	BaseBackoff time.Duration

	cancelMu sync.Mutex
	cancels  map[string]recoveryRun
	runSeq   uint64
}

// recoveryRun ties a cancel func to the run that owns it, so a finished run
// never removes the entry of a newer run for the same connection.
type recoveryRun struct {
	cancel context.CancelFunc
	gen    uint64
}

func NewRecoveryMachine(registry *Registry, coordinator *TokenCoordinator, validator *Validator, repo connection.Repository, sink event.Sink) *RecoveryMachine {
	return &RecoveryMachine{
		registry:    registry,
		coordinator: coordinator,
		validator:   validator,
		repo:        repo,
		sink:        sink,
		MaxAttempts: 3,
		MaxElapsed:  30 * time.Minute,
		BaseBackoff: 30 * time.Second,
		cancels:     make(map[string]recoveryRun),
	}
}

// Trigger starts a recovery run for the connection. A trigger while a run is
// already in flight is a no-op, so repeated health check failures cannot
// stack runs.
func (m *RecoveryMachine) Trigger(connectionID, cause string) {
	started := false
	m.registry.Update(connectionID, func(s *connection.State) {
		if s.IsRecovering {
			return
		}
		s.IsRecovering = true
		s.RecoveryStage = connection.StageValidating
		s.RecoveryAttempts = 0
		started = true
	})
	if !started {
		logrus.Debugf("[RECOVERY] Connection %s already recovering, ignoring trigger (%s)", connectionID, cause)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelMu.Lock()
	m.runSeq++
	gen := m.runSeq
	m.cancels[connectionID] = recoveryRun{cancel: cancel, gen: gen}
	m.cancelMu.Unlock()

	logrus.Infof("[RECOVERY] Starting recovery for %s: %s", connectionID, cause)
	m.publish(event.RecoveryStarted, connectionID, "", cause)

	go m.run(ctx, connectionID, gen)
}

// Cancel aborts an in-flight recovery run, if any. The registry invokes this
// when a success lands mid-recovery: a connection that just proved healthy
// must not be failed by a stale run.
func (m *RecoveryMachine) Cancel(connectionID string) {
	m.cancelMu.Lock()
	run, ok := m.cancels[connectionID]
	delete(m.cancels, connectionID)
	m.cancelMu.Unlock()
	if ok {
		run.cancel()
	}
	m.registry.Update(connectionID, func(s *connection.State) {
		s.IsRecovering = false
		s.RecoveryStage = connection.StageNone
	})
}

// StopAll cancels every in-flight recovery run.
func (m *RecoveryMachine) StopAll() {
	m.cancelMu.Lock()
	for id, run := range m.cancels {
		run.cancel()
		delete(m.cancels, id)
	}
	m.cancelMu.Unlock()
}

func (m *RecoveryMachine) run(ctx context.Context, connectionID string, gen uint64) {
	defer func() {
		m.cancelMu.Lock()
		if cur, ok := m.cancels[connectionID]; ok && cur.gen == gen {
			delete(m.cancels, connectionID)
		}
		m.cancelMu.Unlock()
	}()

	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= m.MaxAttempts; attempt++ {
		if time.Since(start) > m.MaxElapsed {
			lastErr = fmt.Errorf("recovery window of %s exhausted: %w", m.MaxElapsed, lastErr)
			break
		}
		if attempt > 1 {
			delay := m.backoffFor(attempt, pkgError.CategoryOf(lastErr))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		// A success recorded while this run was sleeping (a verified webhook
		// delivery, a manual reauthorization) clears the recovering flag; the
		// run is stale and must not touch the connection again.
		if !m.registry.Snapshot(connectionID).IsRecovering {
			logrus.Debugf("[RECOVERY] Run for %s superseded by a recorded success, stopping", connectionID)
			return
		}

		m.registry.Update(connectionID, func(s *connection.State) {
			s.RecoveryAttempts = attempt
			s.LastRecoveryAttempt = time.Now().UTC()
		})

		err := m.attempt(ctx, connectionID, attempt)
		if err == nil {
			m.succeed(ctx, connectionID, attempt)
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		logrus.WithError(err).Warnf("[RECOVERY] Attempt %d/%d failed for %s", attempt, m.MaxAttempts, connectionID)

		// A dead refresh token cannot heal with retries. Stop and wait for
		// the user to reauthorize.
		var authErr *pkgError.AuthError
		if errors.As(err, &authErr) && authErr.RequiresReauth {
			break
		}
	}

	if ctx.Err() != nil || !m.registry.Snapshot(connectionID).IsRecovering {
		return
	}
	m.fail(ctx, connectionID, lastErr)
}

func (m *RecoveryMachine) attempt(ctx context.Context, connectionID string, attempt int) error {
	conn, err := m.repo.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}

	m.setStage(connectionID, connection.StageValidating, attempt)
	if err := m.validator.ValidateFresh(ctx, conn); err == nil {
		// Credentials still work; whatever tripped the health checks has
		// passed.
		return nil
	} else if !pkgError.IsAuth(err) {
		return err
	}

	m.setStage(connectionID, connection.StageRefreshingToken, attempt)
	if err := m.coordinator.RefreshOnce(ctx, connectionID); err != nil {
		if pkgError.IsAuth(err) {
			return m.HandleTokenExpiration(ctx, connectionID, err)
		}
		return err
	}

	m.setStage(connectionID, connection.StageTestingConnection, attempt)
	conn, err = m.repo.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	return m.validator.ValidateFresh(ctx, conn)
}

// HandleTokenExpiration makes one last refresh attempt for a connection whose
// token is known dead. On failure the connection is parked in error state
// with requires_reauth set, since only a user-driven reauthorization can
// produce a new refresh token.
func (m *RecoveryMachine) HandleTokenExpiration(ctx context.Context, connectionID string, cause error) error {
	logrus.WithError(cause).Infof("[RECOVERY] Handling token expiration for %s", connectionID)

	if err := m.coordinator.RefreshOnce(ctx, connectionID); err == nil {
		if uerr := m.repo.UpdateConnectionStatus(ctx, connectionID, connection.StatusActive); uerr != nil {
			logrus.WithError(uerr).Errorf("[RECOVERY] Failed to persist recovered status for %s", connectionID)
		}
		m.registry.RecordActivity(connectionID, true, "")
		m.publish(event.TokenRecovered, connectionID, "", "token refreshed after expiration")
		return nil
	}

	reason := pkgError.ReasonTokenExpired
	if pkgError.IsAuth(cause) {
		reason = pkgError.ReasonInvalidRefreshToken
	}
	authErr := &pkgError.AuthError{Reason: reason, RequiresReauth: true}

	patch := map[string]any{
		connection.FieldStatus:         string(connection.StatusError),
		connection.FieldStatusReason:   reason,
		connection.FieldRequiresReauth: true,
	}
	if err := m.repo.UpdateConnection(ctx, connectionID, patch); err != nil {
		logrus.WithError(err).Errorf("[RECOVERY] Failed to mark %s as needing reauthorization", connectionID)
	}
	m.registry.Update(connectionID, func(s *connection.State) {
		s.IsActive = false
	})
	m.publish(event.ConnectionError, connectionID, "", reason)
	return authErr
}

func (m *RecoveryMachine) succeed(ctx context.Context, connectionID string, attempt int) {
	m.registry.Update(connectionID, func(s *connection.State) {
		s.RecoveryStage = connection.StageRecovered
		s.IsRecovering = false
		s.IsActive = true
		s.ErrorCount = 0
		s.ConsecutiveFailures = 0
		s.LastError = ""
	})
	if err := m.repo.UpdateConnectionStatus(ctx, connectionID, connection.StatusActive); err != nil {
		logrus.WithError(err).Errorf("[RECOVERY] Failed to persist recovered status for %s", connectionID)
	}
	logrus.Infof("[RECOVERY] Connection %s recovered after %d attempt(s)", connectionID, attempt)
	m.publish(event.RecoverySucceeded, connectionID, string(connection.StageRecovered), "")
}

func (m *RecoveryMachine) fail(ctx context.Context, connectionID string, cause error) {
	detail := "recovery attempts exhausted"
	if cause != nil {
		detail = cause.Error()
	}
	m.registry.Update(connectionID, func(s *connection.State) {
		s.IsRecovering = false
		s.RecoveryStage = connection.StageNone
		s.IsActive = false
		s.LastError = detail
	})
	if err := m.repo.UpdateConnection(ctx, connectionID, map[string]any{
		connection.FieldStatus:       string(connection.StatusError),
		connection.FieldStatusReason: detail,
	}); err != nil {
		logrus.WithError(err).Errorf("[RECOVERY] Failed to persist error status for %s", connectionID)
	}
	logrus.Errorf("[RECOVERY] Giving up on %s: %s", connectionID, detail)
	m.publish(event.RecoveryFailed, connectionID, "", detail)
}

func (m *RecoveryMachine) setStage(connectionID string, stage connection.RecoveryStage, attempt int) {
	m.registry.Update(connectionID, func(s *connection.State) {
		s.RecoveryStage = stage
	})
	m.publish(event.RecoveryProgress, connectionID, string(stage), fmt.Sprintf("attempt %d", attempt))
}

// backoffFor picks the delay before the given attempt. Auth failures retry
// without delay (the retry path is a different credential, not the same
// call), rate limits double from a one-minute floor, and everything else
// doubles from the base after each failed attempt.
func (m *RecoveryMachine) backoffFor(attempt int, category pkgError.Category) time.Duration {
	switch category {
	case pkgError.CategoryAuth:
		return 0
	case pkgError.CategoryRateLimited:
		d := m.BaseBackoff * (1 << (attempt - 1))
		if d < time.Minute {
			return time.Minute
		}
		return d
	default:
		return m.BaseBackoff * (1 << (attempt - 2))
	}
}

func (m *RecoveryMachine) publish(t event.Type, connectionID, stage, detail string) {
	m.sink.Publish(event.Event{
		Type:         t,
		ConnectionID: connectionID,
		Stage:        stage,
		Detail:       detail,
		Timestamp:    time.Now().UTC(),
	})
}
