package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uniboxhq/unibox/lifecycle/domain/connection"
	"github.com/uniboxhq/unibox/lifecycle/domain/provider"
	pkgError "github.com/uniboxhq/unibox/pkg/error"
)

// Validator performs the lightweight authenticated provider call used for
// token-health checks. Results are cached briefly so bursts of health checks
// under load do not multiply provider calls.
type Validator struct {
	transport provider.Transport
	endpoints provider.Directory
	cache     connection.ValidationCache
	cacheTTL  time.Duration
	timeout   time.Duration
}

func NewValidator(transport provider.Transport, endpoints provider.Directory, cache connection.ValidationCache, cacheTTL, timeout time.Duration) *Validator {
	return &Validator{
		transport: transport,
		endpoints: endpoints,
		cache:     cache,
		cacheTTL:  cacheTTL,
		timeout:   timeout,
	}
}

// Validate checks token health, serving a cached result when fresh enough.
func (v *Validator) Validate(ctx context.Context, conn *connection.Connection) error {
	if cached, err := v.cache.Get(ctx, conn.ID); err == nil && cached != nil {
		if cached.OK {
			return nil
		}
		return pkgError.FromStatus(cached.Status, cached.Error)
	}
	return v.ValidateFresh(ctx, conn)
}

// ValidateFresh always hits the provider, refreshing the cache either way.
// Used by recovery's connection test and by the old-token fallback, where a
// cached verdict would defeat the purpose.
func (v *Validator) ValidateFresh(ctx context.Context, conn *connection.Connection) error {
	vErr := v.call(ctx, conn)

	res := connection.ValidationResult{OK: vErr == nil, CheckedAt: time.Now().UTC()}
	if vErr != nil {
		res.Error = vErr.Error()
		var ce *pkgError.ChannelError
		if errors.As(vErr, &ce) {
			res.Status = ce.HTTPStatus
		}
	}
	if err := v.cache.Set(ctx, conn.ID, res, v.cacheTTL); err != nil {
		logrus.WithError(err).Debugf("[VALIDATOR] Failed to cache validation result for %s", conn.ID)
	}

	return vErr
}

// ValidateToken checks an explicit token rather than the persisted one. Used
// for the graceful old-token fallback during a failed refresh.
func (v *Validator) ValidateToken(ctx context.Context, conn *connection.Connection, accessToken string) error {
	probe := *conn
	probe.Token.AccessToken = accessToken
	return v.call(ctx, &probe)
}

func (v *Validator) call(ctx context.Context, conn *connection.Connection) error {
	eps, ok := v.endpoints.Endpoints(conn.Provider)
	if !ok {
		return pkgError.ValidationError(fmt.Sprintf("unknown provider %q", conn.Provider))
	}

	resp, err := v.transport.Get(ctx, eps.ValidateURL, map[string]string{
		"Authorization": "Bearer " + conn.Token.AccessToken,
	}, v.timeout)
	if err != nil {
		return pkgError.FromTransport(err)
	}
	if !resp.OK() {
		return pkgError.FromStatus(resp.Status, responseMessage(resp))
	}
	return nil
}

// responseMessage pulls a human-readable message out of a provider error
// body, falling back to the bare status.
func responseMessage(resp *provider.Response) string {
	if resp.Data != nil {
		if errObj, ok := resp.Data["error"].(map[string]any); ok {
			if msg, ok := errObj["message"].(string); ok && msg != "" {
				return msg
			}
		}
		if msg, ok := resp.Data["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return fmt.Sprintf("provider returned status %d", resp.Status)
}
