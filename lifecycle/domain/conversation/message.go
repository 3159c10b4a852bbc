package conversation

import (
	"context"
	"time"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message is the minimal persisted message record this core owns: enough to
// deduplicate deliveries and track provider-reported status.
type Message struct {
	ID                string    `json:"id"`
	ProviderMessageID string    `json:"provider_message_id"`
	TenantID          string    `json:"tenant_id"`
	ConversationID    string    `json:"conversation_id"`
	ConnectionID      string    `json:"connection_id"`
	ContactID         string    `json:"contact_id"`
	Direction         Direction `json:"direction"`
	Text              string    `json:"text,omitempty"`
	Status            string    `json:"status"` // received | delivered | read | failed
	Timestamp         time.Time `json:"timestamp"`
}

// MessageRepository enforces the webhook dedupe key: at most one persisted
// message per (providerMessageID, tenantID).
type MessageRepository interface {
	SaveMessage(ctx context.Context, m *Message) error
	MessageExists(ctx context.Context, providerMessageID, tenantID string) (bool, error)
	UpdateMessageStatus(ctx context.Context, providerMessageID, tenantID, status string) error

	// AnonymizeContact scrubs message content and contact references for a
	// user-data-deletion request.
	AnonymizeContact(ctx context.Context, connectionID, contactID string) error

	// Deletion markers make user-data-deletion processing idempotent across
	// redeliveries and restarts.
	DeletionProcessed(ctx context.Context, marker string) (bool, error)
	MarkDeletionProcessed(ctx context.Context, marker string) error
}
