package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniboxhq/unibox/lifecycle/domain/connection"
	"github.com/uniboxhq/unibox/lifecycle/domain/conversation"
	"github.com/uniboxhq/unibox/lifecycle/domain/provider"
	"github.com/uniboxhq/unibox/lifecycle/repository"
	"github.com/uniboxhq/unibox/pkg/taskworker"
)

type gateFixture struct {
	gate     *WebhookGate
	connRepo *repository.MemoryConnectionRepository
	convRepo *repository.MemoryConversationRepository
	registry *Registry
	pool     *taskworker.Pool
	cancel   context.CancelFunc
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	connRepo := repository.NewMemoryConnectionRepository()
	convRepo := repository.NewMemoryConversationRepository()
	registry := NewRegistry()
	windows := NewWindowTracker(convRepo, &captureSink{}, 48, time.Hour)
	pool := taskworker.NewPool(2, 16)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})

	conn := testConnection("conn-1", 72*time.Hour)
	conn.AltIdentifiers = []string{"phone-123", "page-456"}
	require.NoError(t, connRepo.CreateConnection(context.Background(), conn))

	return &gateFixture{
		gate:     NewWebhookGate(connRepo, convRepo, convRepo, registry, windows, pool),
		connRepo: connRepo,
		convRepo: convRepo,
		registry: registry,
		pool:     pool,
		cancel:   cancel,
	}
}

func inboundMessageEvent(eventID, providerMessageID string) provider.WebhookEvent {
	return provider.WebhookEvent{
		EventID:           eventID,
		Type:              provider.EventMessageReceived,
		RecipientID:       "biz-conn-1",
		SenderID:          "user-9",
		ProviderMessageID: providerMessageID,
		ConversationID:    "cv1",
		Text:              "hello",
		Timestamp:         time.Now().UTC(),
	}
}

func TestIngestMessageCreatesConversationAndOpensWindow(t *testing.T) {
	f := newGateFixture(t)

	require.NoError(t, f.gate.Ingest(context.Background(), inboundMessageEvent("ev1", "pm1")))

	exists, err := f.convRepo.MessageExists(context.Background(), "pm1", "tenant-1")
	require.NoError(t, err)
	assert.True(t, exists)

	conv, err := f.convRepo.GetConversation(context.Background(), "cv1")
	require.NoError(t, err)
	assert.Equal(t, conversation.WindowOpen, conv.MessagingWindowStatus)
	assert.Equal(t, conversation.StateActive, conv.State)
	require.NotNil(t, conv.LastUserInteractionAt)

	assert.True(t, f.registry.Snapshot("conn-1").IsActive, "a verified delivery counts as liveness")
}

func TestIngestDuplicateMessageIsNoop(t *testing.T) {
	f := newGateFixture(t)

	require.NoError(t, f.gate.Ingest(context.Background(), inboundMessageEvent("ev1", "pm1")))
	first, _ := f.convRepo.GetConversation(context.Background(), "cv1")

	// Same provider message id redelivered with a different event id.
	require.NoError(t, f.gate.Ingest(context.Background(), inboundMessageEvent("ev2", "pm1")))
	second, _ := f.convRepo.GetConversation(context.Background(), "cv1")
	assert.Equal(t, first.LastUserInteractionAt, second.LastUserInteractionAt)
}

func TestIngestResolvesThroughAltIdentifiers(t *testing.T) {
	f := newGateFixture(t)

	ev := inboundMessageEvent("ev1", "pm1")
	ev.RecipientID = "unknown-id"
	ev.AltRecipientIDs = []string{"also-unknown", "phone-123"}

	require.NoError(t, f.gate.Ingest(context.Background(), ev))
	exists, _ := f.convRepo.MessageExists(context.Background(), "pm1", "tenant-1")
	assert.True(t, exists)
}

func TestIngestUnknownRecipientIsDropped(t *testing.T) {
	f := newGateFixture(t)

	ev := inboundMessageEvent("ev1", "pm1")
	ev.RecipientID = "nobody"
	ev.AltRecipientIDs = nil

	require.Error(t, f.gate.Ingest(context.Background(), ev))
	exists, _ := f.convRepo.MessageExists(context.Background(), "pm1", "tenant-1")
	assert.False(t, exists)
}

func TestIngestMalformedEventIsDropped(t *testing.T) {
	f := newGateFixture(t)

	ev := provider.WebhookEvent{Type: provider.EventMessageReceived}
	require.Error(t, f.gate.Ingest(context.Background(), ev))
}

func TestIngestStatusUpdates(t *testing.T) {
	f := newGateFixture(t)
	require.NoError(t, f.gate.Ingest(context.Background(), inboundMessageEvent("ev1", "pm1")))

	ev := provider.WebhookEvent{
		EventID:           "ev2",
		Type:              provider.EventMessageRead,
		RecipientID:       "biz-conn-1",
		ProviderMessageID: "pm1",
		Timestamp:         time.Now().UTC(),
	}
	require.NoError(t, f.gate.Ingest(context.Background(), ev))
}

func TestIngestConversationBlockSignal(t *testing.T) {
	f := newGateFixture(t)
	require.NoError(t, f.gate.Ingest(context.Background(), inboundMessageEvent("ev1", "pm1")))

	ev := provider.WebhookEvent{
		EventID:           "ev2",
		Type:              provider.EventConversationUpdated,
		RecipientID:       "biz-conn-1",
		ConversationID:    "cv1",
		ConversationState: "user_blocked",
		Timestamp:         time.Now().UTC(),
	}
	require.NoError(t, f.gate.Ingest(context.Background(), ev))

	conv, _ := f.convRepo.GetConversation(context.Background(), "cv1")
	assert.Equal(t, conversation.StateUserBlocked, conv.State)
}

func TestProcessUserDataDeletionIsIdempotent(t *testing.T) {
	f := newGateFixture(t)
	require.NoError(t, f.gate.Ingest(context.Background(), inboundMessageEvent("ev1", "pm1")))

	marker := "tenant-1:del-1"
	require.NoError(t, f.gate.ProcessUserDataDeletion(context.Background(), "conn-1", "user-9", marker))

	done, err := f.convRepo.DeletionProcessed(context.Background(), marker)
	require.NoError(t, err)
	assert.True(t, done)

	// Second run is a no-op, not an error.
	require.NoError(t, f.gate.ProcessUserDataDeletion(context.Background(), "conn-1", "user-9", marker))
}

func TestIngestUserDataDeletionScrubsAsync(t *testing.T) {
	f := newGateFixture(t)
	require.NoError(t, f.gate.Ingest(context.Background(), inboundMessageEvent("ev1", "pm1")))

	ev := provider.WebhookEvent{
		EventID:     "del-1",
		Type:        provider.EventUserDataDeletion,
		RecipientID: "biz-conn-1",
		SenderID:    "user-9",
		Timestamp:   time.Now().UTC(),
	}
	require.NoError(t, f.gate.Ingest(context.Background(), ev))

	assert.Eventually(t, func() bool {
		done, _ := f.convRepo.DeletionProcessed(context.Background(), "tenant-1:del-1")
		return done
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectedRecipientStillResolves(t *testing.T) {
	f := newGateFixture(t)
	require.NoError(t, f.connRepo.UpdateConnectionStatus(context.Background(), "conn-1", connection.StatusError))

	// Webhooks keep flowing for errored connections; receipt even feeds the
	// liveness reset.
	require.NoError(t, f.gate.Ingest(context.Background(), inboundMessageEvent("ev1", "pm1")))
	assert.True(t, f.registry.Snapshot("conn-1").IsActive)
}
