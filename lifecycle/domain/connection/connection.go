package connection

import "time"

type Status string

const (
	StatusActive       Status = "active"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
	StatusPending      Status = "pending"
)

// Connection is a persisted OAuth-authenticated link between this system and
// one external messaging provider account.
type Connection struct {
	ID                string        `json:"id"`
	TenantID          string        `json:"tenant_id"`
	Provider          string        `json:"provider"` // meta | instagram | whatsapp_cloud
	Name              string        `json:"name"`
	BusinessAccountID string        `json:"business_account_id"`
	AltIdentifiers    []string      `json:"alt_identifiers,omitempty"` // phone number id, page id, etc.
	Status            Status        `json:"status"`
	StatusReason      string        `json:"status_reason,omitempty"`
	RequiresReauth    bool          `json:"requires_reauth"`
	WebhookSecret     string        `json:"webhook_secret,omitempty"`
	Token             TokenMaterial `json:"token"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// TokenMaterial is the persisted OAuth token state. It is created on the
// initial grant and afterwards mutated only by the token refresh coordinator
// and terminal failure handling.
type TokenMaterial struct {
	AccessToken          string     `json:"-"`
	RefreshToken         string     `json:"-"`
	TokenExpiresAt       time.Time  `json:"token_expires_at"`
	TokenRefreshedAt     time.Time  `json:"token_refreshed_at"`
	TokenRefreshAttempts int        `json:"token_refresh_attempts"`
	NextTokenRefreshAt   *time.Time `json:"next_token_refresh_at,omitempty"`
}
