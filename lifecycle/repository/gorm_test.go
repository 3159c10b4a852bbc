package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/uniboxhq/unibox/lifecycle/domain/connection"
	"github.com/uniboxhq/unibox/lifecycle/domain/conversation"
	"github.com/uniboxhq/unibox/pkg/crypto"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	return db
}

func setupConnectionRepo(t *testing.T) *ConnectionGormRepository {
	t.Helper()
	repo := NewConnectionGormRepository(setupTestDB(t))
	if err := repo.Init(context.Background()); err != nil {
		t.Fatalf("failed to init db: %v", err)
	}
	return repo
}

func sampleConnection(id string) *connection.Connection {
	return &connection.Connection{
		ID:                id,
		TenantID:          "tenant-1",
		Provider:          "meta",
		Name:              "Main Page",
		BusinessAccountID: "biz-" + id,
		AltIdentifiers:    []string{"phone-" + id, "page-" + id},
		Status:            connection.StatusActive,
		Token: connection.TokenMaterial{
			AccessToken:    "access-" + id,
			RefreshToken:   "refresh-" + id,
			TokenExpiresAt: time.Now().UTC().Add(48 * time.Hour),
		},
	}
}

func TestConnectionRoundTrip(t *testing.T) {
	repo := setupConnectionRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateConnection(ctx, sampleConnection("c1")))

	got, err := repo.GetConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "access-c1", got.Token.AccessToken)
	assert.Equal(t, "refresh-c1", got.Token.RefreshToken)
	assert.Equal(t, []string{"phone-c1", "page-c1"}, got.AltIdentifiers)
	assert.Equal(t, connection.StatusActive, got.Status)

	_, err = repo.GetConnection(ctx, "missing")
	require.Error(t, err)
}

func TestConnectionTokenEncryptedAtRest(t *testing.T) {
	require.NoError(t, crypto.SetEncryptionKey("test-encryption-key"))
	t.Cleanup(func() { _ = crypto.SetEncryptionKey("") })

	db := setupTestDB(t)
	repo := NewConnectionGormRepository(db)
	require.NoError(t, repo.Init(context.Background()))
	ctx := context.Background()

	require.NoError(t, repo.CreateConnection(ctx, sampleConnection("c1")))

	// Raw row must not contain the plaintext token.
	var raw connectionModel
	require.NoError(t, db.First(&raw, "id = ?", "c1").Error)
	assert.NotEqual(t, "access-c1", raw.AccessToken)
	assert.NotEqual(t, "refresh-c1", raw.RefreshToken)

	// Reads decrypt transparently.
	got, err := repo.GetConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "access-c1", got.Token.AccessToken)
	assert.Equal(t, "refresh-c1", got.Token.RefreshToken)
}

func TestUpdateConnectionPatch(t *testing.T) {
	repo := setupConnectionRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateConnection(ctx, sampleConnection("c1")))

	expiry := time.Now().UTC().Add(60 * 24 * time.Hour)
	require.NoError(t, repo.UpdateConnection(ctx, "c1", map[string]any{
		connection.FieldAccessToken:    "access-new",
		connection.FieldTokenExpiresAt: expiry,
		connection.FieldStatusReason:   "rotated",
	}))

	got, err := repo.GetConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "access-new", got.Token.AccessToken)
	assert.WithinDuration(t, expiry, got.Token.TokenExpiresAt, time.Second)
	assert.Equal(t, "rotated", got.StatusReason)

	err = repo.UpdateConnection(ctx, "missing", map[string]any{connection.FieldStatusReason: "x"})
	require.Error(t, err)
}

func TestFindByRecipientFallbackChain(t *testing.T) {
	repo := setupConnectionRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateConnection(ctx, sampleConnection("c1")))

	byPrimary, err := repo.FindByRecipient(ctx, "biz-c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", byPrimary.ID)

	byAlt, err := repo.FindByRecipient(ctx, "phone-c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", byAlt.ID)

	_, err = repo.FindByRecipient(ctx, "nobody")
	require.Error(t, err)
}

func TestConnectionsNeedingRefresh(t *testing.T) {
	repo := setupConnectionRepo(t)
	ctx := context.Background()

	soon := sampleConnection("soon")
	soon.Token.TokenExpiresAt = time.Now().UTC().Add(time.Hour)
	require.NoError(t, repo.CreateConnection(ctx, soon))

	later := sampleConnection("later")
	later.Token.TokenExpiresAt = time.Now().UTC().Add(72 * time.Hour)
	require.NoError(t, repo.CreateConnection(ctx, later))

	gone := sampleConnection("gone")
	gone.Token.TokenExpiresAt = time.Now().UTC().Add(time.Hour)
	gone.Status = connection.StatusDisconnected
	require.NoError(t, repo.CreateConnection(ctx, gone))

	ids, err := repo.ConnectionsNeedingRefresh(ctx, time.Now().Add(12*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"soon"}, ids)
}

func setupConversationRepo(t *testing.T) *ConversationGormRepository {
	t.Helper()
	repo := NewConversationGormRepository(setupTestDB(t))
	if err := repo.Init(context.Background()); err != nil {
		t.Fatalf("failed to init db: %v", err)
	}
	return repo
}

func TestMessageDedupeKey(t *testing.T) {
	repo := setupConversationRepo(t)
	ctx := context.Background()

	msg := &conversation.Message{
		ID:                "m1",
		ProviderMessageID: "pm1",
		TenantID:          "tenant-1",
		ConversationID:    "cv1",
		ConnectionID:      "c1",
		ContactID:         "user-1",
		Direction:         conversation.DirectionInbound,
		Text:              "hi",
		Status:            "received",
		Timestamp:         time.Now().UTC(),
	}
	require.NoError(t, repo.SaveMessage(ctx, msg))

	// Same provider id in the same tenant violates the dedupe key.
	dup := *msg
	dup.ID = "m2"
	require.Error(t, repo.SaveMessage(ctx, &dup))

	// Same provider id in another tenant is a different message.
	other := *msg
	other.ID = "m3"
	other.TenantID = "tenant-2"
	require.NoError(t, repo.SaveMessage(ctx, &other))

	exists, err := repo.MessageExists(ctx, "pm1", "tenant-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestOpenWindowsExpiredBefore(t *testing.T) {
	repo := setupConversationRepo(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	for id, exp := range map[string]time.Time{"stale": past, "live": future} {
		exp := exp
		last := exp.Add(-48 * time.Hour)
		require.NoError(t, repo.CreateConversation(ctx, &conversation.Conversation{
			ID:                       id,
			ConnectionID:             "c1",
			TenantID:                 "tenant-1",
			ContactID:                "user-1",
			LastUserInteractionAt:    &last,
			MessagingWindowStatus:    conversation.WindowOpen,
			MessagingWindowExpiresAt: &exp,
			State:                    conversation.StateActive,
		}))
	}

	stale, err := repo.OpenWindowsExpiredBefore(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "stale", stale[0].ID)
}

func TestAnonymizeContactAndDeletionMarkers(t *testing.T) {
	repo := setupConversationRepo(t)
	ctx := context.Background()

	msg := &conversation.Message{
		ID:                "m1",
		ProviderMessageID: "pm1",
		TenantID:          "tenant-1",
		ConversationID:    "cv1",
		ConnectionID:      "c1",
		ContactID:         "user-1",
		Direction:         conversation.DirectionInbound,
		Text:              "sensitive",
		Status:            "received",
		Timestamp:         time.Now().UTC(),
	}
	require.NoError(t, repo.SaveMessage(ctx, msg))
	require.NoError(t, repo.AnonymizeContact(ctx, "c1", "user-1"))

	var raw messageModel
	require.NoError(t, repo.db.First(&raw, "id = ?", "m1").Error)
	assert.False(t, raw.Text.Valid)
	assert.Empty(t, raw.ContactID)

	done, err := repo.DeletionProcessed(ctx, "marker-1")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, repo.MarkDeletionProcessed(ctx, "marker-1"))
	done, err = repo.DeletionProcessed(ctx, "marker-1")
	require.NoError(t, err)
	assert.True(t, done)
}
