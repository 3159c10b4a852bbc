package provider

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

type WebhookEventType string

const (
	EventMessageReceived     WebhookEventType = "message_received"
	EventMessageDelivered    WebhookEventType = "message_delivered"
	EventMessageRead         WebhookEventType = "message_read"
	EventMessageFailed       WebhookEventType = "message_failed"
	EventConversationUpdated WebhookEventType = "conversation_updated"
	EventUserDataDeletion    WebhookEventType = "user_data_deletion"
)

// WebhookEvent is one normalized event parsed from a signed provider POST.
type WebhookEvent struct {
	EventID           string           `json:"event_id"`
	Type              WebhookEventType `json:"type"`
	RecipientID       string           `json:"recipient_id"`
	AltRecipientIDs   []string         `json:"alt_recipient_ids,omitempty"`
	SenderID          string           `json:"sender_id,omitempty"`
	ProviderMessageID string           `json:"provider_message_id,omitempty"`
	ConversationID    string           `json:"conversation_id,omitempty"`
	Text              string           `json:"text,omitempty"`
	// ConversationState carries provider-reported window signals on
	// conversation_updated events: "user_blocked" or "expired".
	ConversationState string         `json:"conversation_state,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
	Payload           map[string]any `json:"payload,omitempty"`
}

// Validate enforces the minimal fields ingestion needs; malformed events are
// logged and dropped, never fatal.
func (e WebhookEvent) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.EventID, validation.Required),
		validation.Field(&e.Type, validation.Required, validation.In(
			EventMessageReceived, EventMessageDelivered, EventMessageRead,
			EventMessageFailed, EventConversationUpdated, EventUserDataDeletion,
		)),
		validation.Field(&e.RecipientID, validation.Required),
		validation.Field(&e.ProviderMessageID, validation.Required.When(
			e.Type == EventMessageReceived || e.Type == EventMessageDelivered ||
				e.Type == EventMessageRead || e.Type == EventMessageFailed,
		)),
	)
}
