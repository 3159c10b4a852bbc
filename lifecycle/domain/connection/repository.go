package connection

import (
	"context"
	"time"
)

// Patch column keys accepted by UpdateConnection.
const (
	FieldAccessToken          = "access_token"
	FieldRefreshToken         = "refresh_token"
	FieldTokenExpiresAt       = "token_expires_at"
	FieldTokenRefreshedAt     = "token_refreshed_at"
	FieldTokenRefreshAttempts = "token_refresh_attempts"
	FieldNextTokenRefreshAt   = "next_token_refresh_at"
	FieldStatus               = "status"
	FieldStatusReason         = "status_reason"
	FieldRequiresReauth       = "requires_reauth"
)

// Repository is the persistence gateway for connections. All token material
// writes go through here, serialized by the token refresh coordinator.
type Repository interface {
	CreateConnection(ctx context.Context, c *Connection) error
	GetConnection(ctx context.Context, id string) (*Connection, error)
	ListConnections(ctx context.Context) ([]*Connection, error)
	UpdateConnection(ctx context.Context, id string, patch map[string]any) error
	UpdateConnectionStatus(ctx context.Context, id string, status Status) error

	// FindByRecipient resolves a connection from a webhook recipient
	// identifier, matching the business account id or any alternate
	// identifier.
	FindByRecipient(ctx context.Context, recipientID string) (*Connection, error)

	// ConnectionsNeedingRefresh returns ids whose token expires before the
	// given instant, excluding disconnected connections.
	ConnectionsNeedingRefresh(ctx context.Context, before time.Time) ([]string, error)
}

// ValidationResult is a cached outcome of a token-health validation call.
// Status keeps the provider's HTTP status so a cached failure classifies the
// same way the fresh one did.
type ValidationResult struct {
	OK        bool      `json:"ok"`
	Status    int       `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// ValidationCache caches validation results so bursts of health checks do not
// multiply lightweight provider calls.
type ValidationCache interface {
	Get(ctx context.Context, connectionID string) (*ValidationResult, error)
	Set(ctx context.Context, connectionID string, res ValidationResult, ttl time.Duration) error
	Delete(ctx context.Context, connectionID string) error
}
