package event

import "time"

type Type string

const (
	ConnectionStatusUpdate Type = "connection_status_update"
	ConnectionError        Type = "connection_error"
	TokenRefreshed         Type = "token_refreshed"
	TokenRecovered         Type = "token_recovered"
	RecoveryStarted        Type = "recovery_started"
	RecoveryProgress       Type = "recovery_progress"
	RecoverySucceeded      Type = "recovery_succeeded"
	RecoveryFailed         Type = "recovery_failed"
	ConversationUpdated    Type = "conversation_updated"
)

// Event is a structured lifecycle notification routed to subscribers by
// tenant.
type Event struct {
	Type           Type              `json:"type"`
	ConnectionID   string            `json:"connection_id,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	TenantID       string            `json:"tenant_id,omitempty"`
	Stage          string            `json:"stage,omitempty"`
	Detail         string            `json:"detail,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// Sink receives lifecycle events. Implementations must be safe for
// concurrent use and must not block the caller.
type Sink interface {
	Publish(e Event)
}

// MultiSink fans out to several sinks.
type MultiSink []Sink

func (m MultiSink) Publish(e Event) {
	for _, s := range m {
		s.Publish(e)
	}
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Publish(Event) {}
