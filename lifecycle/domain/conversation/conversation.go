package conversation

import (
	"context"
	"time"
)

type WindowStatus string

const (
	WindowOpen   WindowStatus = "open"
	WindowClosed WindowStatus = "closed"
)

type State string

const (
	StateActive       State = "active"
	StateExpired      State = "expired"
	StateWindowClosed State = "window_closed"
	StateUserBlocked  State = "user_blocked"
)

// Conversation carries the messaging-window metadata for one chat thread.
// WindowOpen implies the expiry was still in the future as of the last
// evaluation; staleness between sweeps is bounded by the sweep interval and
// every send re-checks lazily.
type Conversation struct {
	ID                       string       `json:"id"`
	ConnectionID             string       `json:"connection_id"`
	TenantID                 string       `json:"tenant_id"`
	ContactID                string       `json:"contact_id"`
	LastUserInteractionAt    *time.Time   `json:"last_user_interaction_at,omitempty"`
	MessagingWindowStatus    WindowStatus `json:"messaging_window_status"`
	MessagingWindowExpiresAt *time.Time   `json:"messaging_window_expires_at,omitempty"`
	State                    State        `json:"conversation_state"`
	CreatedAt                time.Time    `json:"created_at"`
	UpdatedAt                time.Time    `json:"updated_at"`
}

// Patch column keys accepted by UpdateConversation.
const (
	FieldLastUserInteractionAt    = "last_user_interaction_at"
	FieldMessagingWindowStatus    = "messaging_window_status"
	FieldMessagingWindowExpiresAt = "messaging_window_expires_at"
	FieldState                    = "conversation_state"
)

type Repository interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, id string, patch map[string]any) error

	// OpenWindowsExpiredBefore returns conversations whose window is still
	// marked open but whose expiry has passed. Used by the hourly sweep.
	OpenWindowsExpiredBefore(ctx context.Context, t time.Time) ([]*Conversation, error)
}
