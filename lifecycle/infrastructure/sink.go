package infrastructure

import (
	"github.com/sirupsen/logrus"

	"github.com/uniboxhq/unibox/lifecycle/domain/event"
	"github.com/uniboxhq/unibox/pkg/connmonitor"
)

// LogSink writes lifecycle events to the structured log.
type LogSink struct{}

func (LogSink) Publish(e event.Event) {
	fields := logrus.Fields{
		"type":          e.Type,
		"connection_id": e.ConnectionID,
	}
	if e.ConversationID != "" {
		fields["conversation_id"] = e.ConversationID
	}
	if e.Stage != "" {
		fields["stage"] = e.Stage
	}
	if e.Detail != "" {
		fields["detail"] = e.Detail
	}

	switch e.Type {
	case event.ConnectionError, event.RecoveryFailed:
		logrus.WithFields(fields).Warn("[EVENT] Lifecycle event")
	default:
		logrus.WithFields(fields).Info("[EVENT] Lifecycle event")
	}
}

// MonitorSink feeds lifecycle events into the connection monitor ring buffer
// so they show up on the monitoring endpoint.
type MonitorSink struct{}

func (MonitorSink) Publish(e event.Event) {
	ev := connmonitor.Event{
		Timestamp:    e.Timestamp,
		ConnectionID: e.ConnectionID,
		TenantID:     e.TenantID,
		Status:       "ok",
	}

	switch e.Type {
	case event.TokenRefreshed, event.TokenRecovered:
		ev.Component = "token"
		ev.Kind = "refresh"
	case event.RecoveryStarted, event.RecoveryProgress, event.RecoverySucceeded:
		ev.Component = "recovery"
		ev.Kind = "recovery_attempt"
	case event.RecoveryFailed:
		ev.Component = "recovery"
		ev.Kind = "recovery_attempt"
		ev.Status = "error"
		ev.Error = e.Detail
	case event.ConnectionError:
		ev.Component = "registry"
		ev.Kind = "validation"
		ev.Status = "error"
		ev.Error = e.Detail
	case event.ConversationUpdated:
		ev.Component = "window"
		ev.Kind = "sweep"
	default:
		ev.Component = "registry"
		ev.Kind = "validation"
	}

	if e.Stage != "" || e.Detail != "" {
		ev.Metadata = map[string]string{}
		if e.Stage != "" {
			ev.Metadata["stage"] = e.Stage
		}
		if e.Detail != "" {
			ev.Metadata["detail"] = e.Detail
		}
	}
	connmonitor.Record(ev)
}
