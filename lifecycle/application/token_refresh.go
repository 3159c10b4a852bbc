package application

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/uniboxhq/unibox/lifecycle/domain/connection"
	"github.com/uniboxhq/unibox/lifecycle/domain/event"
	"github.com/uniboxhq/unibox/lifecycle/domain/provider"
	pkgError "github.com/uniboxhq/unibox/pkg/error"
)

// TokenCoordinator guarantees at most one in-flight token refresh per
// connection. Concurrent callers that discover an expiring token at the same
// time share a single network refresh and observe the same outcome.
type TokenCoordinator struct {
	repo      connection.Repository
	transport provider.Transport
	endpoints provider.Directory
	registry  *Registry
	validator *Validator
	sink      event.Sink

	RefreshBuffer time.Duration
	MaxAttempts   int
	BaseDelay     time.Duration
	Timeout       time.Duration

	// OnTokenExpired is invoked when a refresh fails terminally and the old
	// token no longer validates. Wired to the recovery machine's
	// HandleTokenExpiration by the manager.
	OnTokenExpired func(ctx context.Context, connectionID string, cause error)

	flight singleflight.Group

	timerMu sync.Mutex
	timers  map[string]*time.Timer
}

func NewTokenCoordinator(repo connection.Repository, transport provider.Transport, endpoints provider.Directory, registry *Registry, validator *Validator, sink event.Sink) *TokenCoordinator {
	return &TokenCoordinator{
		repo:          repo,
		transport:     transport,
		endpoints:     endpoints,
		registry:      registry,
		validator:     validator,
		sink:          sink,
		RefreshBuffer: 12 * time.Hour,
		MaxAttempts:   3,
		BaseDelay:     1 * time.Second,
		Timeout:       10 * time.Second,
		timers:        make(map[string]*time.Timer),
	}
}

// EnsureValidToken returns a usable access token, refreshing it when expiry
// falls inside the refresh buffer. The fast path performs no I/O beyond the
// connection load.
func (c *TokenCoordinator) EnsureValidToken(ctx context.Context, connectionID string) (string, error) {
	conn, err := c.repo.GetConnection(ctx, connectionID)
	if err != nil {
		return "", err
	}

	if time.Until(conn.Token.TokenExpiresAt) > c.RefreshBuffer {
		return conn.Token.AccessToken, nil
	}

	v, err, _ := c.flight.Do(connectionID, func() (interface{}, error) {
		return c.refresh(ctx, conn)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type refreshOutcome struct {
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

// refresh performs the guarded network refresh. Exactly one invocation runs
// per connection id at any time; see EnsureValidToken.
func (c *TokenCoordinator) refresh(ctx context.Context, conn *connection.Connection) (string, error) {
	c.registry.Update(conn.ID, func(st *connection.State) { st.TokenRefreshInProgress = true })
	defer c.registry.Update(conn.ID, func(st *connection.State) { st.TokenRefreshInProgress = false })

	outcome, err := c.refreshWithRetry(ctx, conn)
	if err == nil {
		if persistErr := c.persistRefreshed(ctx, conn, outcome); persistErr != nil {
			return "", persistErr
		}
		return outcome.accessToken, nil
	}

	logrus.WithError(err).Warnf("[TOKEN] Refresh failed for %s, trying old-token fallback", conn.ID)
	if bumpErr := c.repo.UpdateConnection(ctx, conn.ID, map[string]any{
		connection.FieldTokenRefreshAttempts: conn.Token.TokenRefreshAttempts + 1,
	}); bumpErr != nil {
		logrus.WithError(bumpErr).Errorf("[TOKEN] Failed to record refresh attempt for %s", conn.ID)
	}

	// Graceful degradation: the old token may still be accepted even when the
	// refresh endpoint is unhappy.
	if vErr := c.validator.ValidateToken(ctx, conn, conn.Token.AccessToken); vErr == nil {
		logrus.Infof("[TOKEN] Old token for %s still valid, continuing with it", conn.ID)
		c.registry.RecordActivity(conn.ID, true, "")
		return conn.Token.AccessToken, nil
	}

	if c.OnTokenExpired != nil {
		c.OnTokenExpired(ctx, conn.ID, err)
	}
	return "", err
}

func (c *TokenCoordinator) refreshWithRetry(ctx context.Context, conn *connection.Connection) (*refreshOutcome, error) {
	eps, ok := c.endpoints.Endpoints(conn.Provider)
	if !ok {
		return nil, pkgError.ValidationError(fmt.Sprintf("unknown provider %q", conn.Provider))
	}

	op := func() (*refreshOutcome, error) {
		resp, err := c.transport.Post(ctx, eps.TokenURL, map[string]any{
			"grant_type":    "refresh_token",
			"refresh_token": conn.Token.RefreshToken,
		}, nil, c.Timeout)
		if err != nil {
			return nil, pkgError.FromTransport(err)
		}

		switch {
		case resp.OK():
			out, perr := parseRefreshResponse(resp)
			if perr != nil {
				return nil, backoff.Permanent(perr)
			}
			return out, nil
		case resp.Status == 429:
			if after, ok := resp.RetryAfter(); ok {
				return nil, backoff.RetryAfter(int(after.Seconds()))
			}
			return nil, pkgError.FromStatus(resp.Status, responseMessage(resp))
		case resp.Status >= 500:
			return nil, pkgError.FromStatus(resp.Status, responseMessage(resp))
		default:
			return nil, backoff.Permanent(pkgError.FromStatus(resp.Status, responseMessage(resp)))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.MaxAttempts)),
	)
}

func (c *TokenCoordinator) persistRefreshed(ctx context.Context, conn *connection.Connection, out *refreshOutcome) error {
	now := time.Now().UTC()
	nextRefresh := out.expiresAt.Add(-c.RefreshBuffer)

	patch := map[string]any{
		connection.FieldAccessToken:          out.accessToken,
		connection.FieldTokenExpiresAt:       out.expiresAt,
		connection.FieldTokenRefreshedAt:     now,
		connection.FieldTokenRefreshAttempts: 0,
		connection.FieldNextTokenRefreshAt:   nextRefresh,
	}
	if out.refreshToken != "" {
		patch[connection.FieldRefreshToken] = out.refreshToken
	}
	if err := c.repo.UpdateConnection(ctx, conn.ID, patch); err != nil {
		return err
	}

	if conn.Status != connection.StatusActive {
		if err := c.repo.UpdateConnectionStatus(ctx, conn.ID, connection.StatusActive); err != nil {
			logrus.WithError(err).Errorf("[TOKEN] Failed to restore active status for %s", conn.ID)
		}
	}

	c.registry.RecordActivity(conn.ID, true, "")

	// Keep the in-memory copy coherent so the proactive timer is armed
	// against the new expiry. A next-refresh time already in the past stays
	// unscheduled, otherwise short-lived tokens would refresh in a hot loop;
	// the health checks and the batch safety net cover those.
	conn.Token.AccessToken = out.accessToken
	conn.Token.TokenExpiresAt = out.expiresAt
	if nextRefresh.After(now) {
		c.scheduleAt(conn.ID, nextRefresh)
	}

	c.sink.Publish(event.Event{
		Type:         event.TokenRefreshed,
		ConnectionID: conn.ID,
		TenantID:     conn.TenantID,
		Detail:       fmt.Sprintf("token refreshed, expires %s", out.expiresAt.Format(time.RFC3339)),
		Timestamp:    now,
	})
	logrus.Infof("[TOKEN] Refreshed token for %s (expires %s)", conn.ID, out.expiresAt.Format(time.RFC3339))
	return nil
}

// RefreshOnce performs a single refresh attempt with no retry and no
// fallback. Used by the recovery machine's last-ditch handling so a terminal
// path cannot re-enter the full coordinator.
func (c *TokenCoordinator) RefreshOnce(ctx context.Context, connectionID string) error {
	conn, err := c.repo.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}

	eps, ok := c.endpoints.Endpoints(conn.Provider)
	if !ok {
		return pkgError.ValidationError(fmt.Sprintf("unknown provider %q", conn.Provider))
	}

	resp, err := c.transport.Post(ctx, eps.TokenURL, map[string]any{
		"grant_type":    "refresh_token",
		"refresh_token": conn.Token.RefreshToken,
	}, nil, c.Timeout)
	if err != nil {
		return pkgError.FromTransport(err)
	}
	if !resp.OK() {
		return pkgError.FromStatus(resp.Status, responseMessage(resp))
	}

	out, perr := parseRefreshResponse(resp)
	if perr != nil {
		return perr
	}
	return c.persistRefreshed(ctx, conn, out)
}

// ScheduleProactiveRefresh arms a one-shot timer at expiry minus the refresh
// buffer; an already-past deadline refreshes immediately. Re-armed after each
// successful refresh and cancelled on disconnect.
func (c *TokenCoordinator) ScheduleProactiveRefresh(connectionID string) {
	conn, err := c.repo.GetConnection(context.Background(), connectionID)
	if err != nil {
		logrus.WithError(err).Warnf("[TOKEN] Cannot schedule proactive refresh for %s", connectionID)
		return
	}
	c.scheduleAt(connectionID, conn.Token.TokenExpiresAt.Add(-c.RefreshBuffer))
}

func (c *TokenCoordinator) scheduleAt(connectionID string, at time.Time) {
	delay := time.Until(at)
	if delay <= 0 {
		go func() {
			if _, err := c.EnsureValidToken(context.Background(), connectionID); err != nil {
				logrus.WithError(err).Warnf("[TOKEN] Immediate proactive refresh failed for %s", connectionID)
			}
		}()
		return
	}

	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if t, ok := c.timers[connectionID]; ok {
		t.Stop()
	}
	c.timers[connectionID] = time.AfterFunc(delay, func() {
		c.timerMu.Lock()
		delete(c.timers, connectionID)
		c.timerMu.Unlock()

		if _, err := c.EnsureValidToken(context.Background(), connectionID); err != nil {
			logrus.WithError(err).Warnf("[TOKEN] Proactive refresh failed for %s", connectionID)
		}
	})

	c.registry.Update(connectionID, func(st *connection.State) { st.ScheduledRefreshAt = at })
	logrus.Debugf("[TOKEN] Proactive refresh for %s scheduled at %s", connectionID, at.Format(time.RFC3339))
}

// CancelProactive stops a pending proactive refresh timer.
func (c *TokenCoordinator) CancelProactive(connectionID string) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if t, ok := c.timers[connectionID]; ok {
		t.Stop()
		delete(c.timers, connectionID)
	}
}

// StopAll cancels every pending proactive timer.
func (c *TokenCoordinator) StopAll() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

func parseRefreshResponse(resp *provider.Response) (*refreshOutcome, error) {
	accessToken, _ := resp.Data["access_token"].(string)
	if accessToken == "" {
		return nil, pkgError.ValidationError("refresh response missing access_token")
	}

	out := &refreshOutcome{accessToken: accessToken}
	if rt, ok := resp.Data["refresh_token"].(string); ok {
		out.refreshToken = rt
	}

	expiresIn := 0.0
	switch v := resp.Data["expires_in"].(type) {
	case float64:
		expiresIn = v
	case int:
		expiresIn = float64(v)
	case string:
		fmt.Sscanf(strings.TrimSpace(v), "%f", &expiresIn)
	}
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	out.expiresAt = time.Now().UTC().Add(time.Duration(expiresIn) * time.Second)
	return out, nil
}
