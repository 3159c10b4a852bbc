package application

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/uniboxhq/unibox/lifecycle/domain/connection"
	"github.com/uniboxhq/unibox/lifecycle/domain/conversation"
	"github.com/uniboxhq/unibox/lifecycle/domain/provider"
	"github.com/uniboxhq/unibox/pkg/connmonitor"
	pkgError "github.com/uniboxhq/unibox/pkg/error"
	"github.com/uniboxhq/unibox/pkg/taskworker"
)

// WebhookGate turns verified provider webhook events into state changes.
// Signature verification happens at the HTTP edge before events reach the
// gate; here the concerns are connection resolution, per-tenant message
// dedupe, and routing to the window tracker and message store.
type WebhookGate struct {
	connRepo connection.Repository
	convRepo conversation.Repository
	msgRepo  conversation.MessageRepository
	registry *Registry
	windows  *WindowTracker
	pool     *taskworker.Pool
}

func NewWebhookGate(connRepo connection.Repository, convRepo conversation.Repository, msgRepo conversation.MessageRepository, registry *Registry, windows *WindowTracker, pool *taskworker.Pool) *WebhookGate {
	return &WebhookGate{
		connRepo: connRepo,
		convRepo: convRepo,
		msgRepo:  msgRepo,
		registry: registry,
		windows:  windows,
		pool:     pool,
	}
}

// Ingest processes one webhook event. Errors mean the event was dropped;
// callers still acknowledge the delivery, since providers retry on anything
// but a 2xx and a malformed event will not get better on redelivery.
func (g *WebhookGate) Ingest(ctx context.Context, ev provider.WebhookEvent) error {
	start := time.Now()

	if err := ev.Validate(); err != nil {
		logrus.WithError(err).Warnf("[WEBHOOK] Dropping malformed event %s", ev.EventID)
		g.record(ev, "", "", "error", err)
		return pkgError.ValidationError(err.Error())
	}

	conn, err := g.resolveConnection(ctx, ev)
	if err != nil {
		logrus.WithError(err).Warnf("[WEBHOOK] No connection for recipient %s (event %s)", ev.RecipientID, ev.EventID)
		g.record(ev, "", "", "skipped", err)
		return err
	}

	// Any verified delivery is proof the provider can still reach us for
	// this connection.
	g.registry.RecordActivity(conn.ID, true, "")

	switch ev.Type {
	case provider.EventMessageReceived:
		err = g.ingestMessage(ctx, conn, ev)
	case provider.EventMessageDelivered:
		err = g.msgRepo.UpdateMessageStatus(ctx, ev.ProviderMessageID, conn.TenantID, "delivered")
	case provider.EventMessageRead:
		err = g.msgRepo.UpdateMessageStatus(ctx, ev.ProviderMessageID, conn.TenantID, "read")
	case provider.EventMessageFailed:
		err = g.msgRepo.UpdateMessageStatus(ctx, ev.ProviderMessageID, conn.TenantID, "failed")
	case provider.EventConversationUpdated:
		err = g.applyConversationSignal(ctx, ev)
	case provider.EventUserDataDeletion:
		err = g.dispatchUserDataDeletion(conn, ev)
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	g.record(ev, conn.ID, conn.TenantID, status, err)
	if err != nil {
		logrus.WithError(err).Warnf("[WEBHOOK] Event %s (%s) failed after %s", ev.EventID, ev.Type, time.Since(start))
	}
	return err
}

// resolveConnection walks the identifier fallback chain: the primary
// recipient id first, then each alternate the provider included.
func (g *WebhookGate) resolveConnection(ctx context.Context, ev provider.WebhookEvent) (*connection.Connection, error) {
	conn, err := g.connRepo.FindByRecipient(ctx, ev.RecipientID)
	if err == nil {
		return conn, nil
	}
	for _, alt := range ev.AltRecipientIDs {
		if conn, err = g.connRepo.FindByRecipient(ctx, alt); err == nil {
			return conn, nil
		}
	}
	return nil, pkgError.NotFoundError(fmt.Sprintf("no connection matches recipient %s", ev.RecipientID))
}

func (g *WebhookGate) ingestMessage(ctx context.Context, conn *connection.Connection, ev provider.WebhookEvent) error {
	exists, err := g.msgRepo.MessageExists(ctx, ev.ProviderMessageID, conn.TenantID)
	if err != nil {
		return err
	}
	if exists {
		logrus.Debugf("[WEBHOOK] Duplicate message %s for tenant %s, skipping", ev.ProviderMessageID, conn.TenantID)
		return nil
	}

	convID, err := g.ensureConversation(ctx, conn, ev)
	if err != nil {
		return err
	}

	msg := &conversation.Message{
		ID:                uuid.NewString(),
		ProviderMessageID: ev.ProviderMessageID,
		TenantID:          conn.TenantID,
		ConversationID:    convID,
		ConnectionID:      conn.ID,
		ContactID:         ev.SenderID,
		Direction:         conversation.DirectionInbound,
		Text:              ev.Text,
		Status:            "received",
		Timestamp:         ev.Timestamp,
	}
	if err := g.msgRepo.SaveMessage(ctx, msg); err != nil {
		return err
	}
	return g.windows.RecordInboundInteraction(ctx, convID, ev.Timestamp)
}

func (g *WebhookGate) ensureConversation(ctx context.Context, conn *connection.Connection, ev provider.WebhookEvent) (string, error) {
	if ev.ConversationID != "" {
		if _, err := g.convRepo.GetConversation(ctx, ev.ConversationID); err == nil {
			return ev.ConversationID, nil
		}
	}

	conv := &conversation.Conversation{
		ID:                    ev.ConversationID,
		ConnectionID:          conn.ID,
		TenantID:              conn.TenantID,
		ContactID:             ev.SenderID,
		MessagingWindowStatus: conversation.WindowOpen,
		State:                 conversation.StateActive,
		CreatedAt:             time.Now().UTC(),
		UpdatedAt:             time.Now().UTC(),
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if err := g.convRepo.CreateConversation(ctx, conv); err != nil {
		return "", err
	}
	return conv.ID, nil
}

func (g *WebhookGate) applyConversationSignal(ctx context.Context, ev provider.WebhookEvent) error {
	if ev.ConversationID == "" {
		return pkgError.ValidationError("conversation_updated event without conversation_id")
	}
	switch ev.ConversationState {
	case string(conversation.StateUserBlocked):
		return g.windows.MarkUserBlocked(ctx, ev.ConversationID)
	case string(conversation.StateExpired):
		return g.windows.MarkExpired(ctx, ev.ConversationID)
	default:
		logrus.Debugf("[WEBHOOK] Ignoring conversation signal %q for %s", ev.ConversationState, ev.ConversationID)
		return nil
	}
}

// dispatchUserDataDeletion queues the scrub off the request path. The marker
// makes redeliveries and restarts idempotent: the scrub runs once per event
// id no matter how many times the provider posts it.
func (g *WebhookGate) dispatchUserDataDeletion(conn *connection.Connection, ev provider.WebhookEvent) error {
	marker := fmt.Sprintf("%s:%s", conn.TenantID, ev.EventID)
	contactID := ev.SenderID
	connectionID := conn.ID

	ok := g.pool.TryDispatch(taskworker.Job{
		ConnectionID: connectionID,
		Key:          marker,
		Handler: func(ctx context.Context) error {
			return g.ProcessUserDataDeletion(ctx, connectionID, contactID, marker)
		},
	})
	if !ok {
		return pkgError.WebhookError("deletion queue full, provider retry expected")
	}
	return nil
}

// ProcessUserDataDeletion anonymizes a contact's messages and records the
// marker. Exported so an operator can replay a deletion by hand.
func (g *WebhookGate) ProcessUserDataDeletion(ctx context.Context, connectionID, contactID, marker string) error {
	done, err := g.msgRepo.DeletionProcessed(ctx, marker)
	if err != nil {
		return err
	}
	if done {
		logrus.Debugf("[WEBHOOK] Deletion %s already processed, skipping", marker)
		return nil
	}
	if err := g.msgRepo.AnonymizeContact(ctx, connectionID, contactID); err != nil {
		return err
	}
	if err := g.msgRepo.MarkDeletionProcessed(ctx, marker); err != nil {
		return err
	}
	logrus.Infof("[WEBHOOK] Processed user data deletion %s for connection %s", marker, connectionID)
	return nil
}

func (g *WebhookGate) record(ev provider.WebhookEvent, connectionID, tenantID, status string, err error) {
	e := connmonitor.Event{
		Timestamp:    time.Now().UTC(),
		ConnectionID: connectionID,
		TenantID:     tenantID,
		Component:    "webhook",
		Kind:         "ingest",
		Status:       status,
		Metadata:     map[string]string{"event_type": string(ev.Type), "event_id": ev.EventID},
	}
	if err != nil {
		e.Error = err.Error()
	}
	connmonitor.Record(e)
}
