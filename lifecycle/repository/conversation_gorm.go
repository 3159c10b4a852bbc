package repository

import (
	"context"
	"database/sql"
	"time"

	"gorm.io/gorm"

	"github.com/uniboxhq/unibox/lifecycle/domain/conversation"
	pkgError "github.com/uniboxhq/unibox/pkg/error"
)

// --- Persistence Models ---

type conversationModel struct {
	ID                       string     `gorm:"primaryKey;column:id"`
	ConnectionID             string     `gorm:"column:connection_id;not null;index"`
	TenantID                 string     `gorm:"column:tenant_id;not null;index"`
	ContactID                string     `gorm:"column:contact_id;not null"`
	LastUserInteractionAt    *time.Time `gorm:"column:last_user_interaction_at"`
	MessagingWindowStatus    string     `gorm:"column:messaging_window_status;default:'open';index"`
	MessagingWindowExpiresAt *time.Time `gorm:"column:messaging_window_expires_at;index"`
	State                    string     `gorm:"column:conversation_state;default:'active'"`
	CreatedAt                time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt                time.Time  `gorm:"column:updated_at;not null"`
}

func (conversationModel) TableName() string { return "conversations" }

type messageModel struct {
	ID                string         `gorm:"primaryKey;column:id"`
	ProviderMessageID string         `gorm:"column:provider_message_id;not null;uniqueIndex:idx_provider_tenant"`
	TenantID          string         `gorm:"column:tenant_id;not null;uniqueIndex:idx_provider_tenant"`
	ConversationID    string         `gorm:"column:conversation_id;not null;index"`
	ConnectionID      string         `gorm:"column:connection_id;not null;index"`
	ContactID         string         `gorm:"column:contact_id;index"`
	Direction         string         `gorm:"column:direction;not null"`
	Text              sql.NullString `gorm:"column:text"`
	Status            string         `gorm:"column:status;default:'received'"`
	Timestamp         time.Time      `gorm:"column:timestamp;not null"`
	CreatedAt         time.Time      `gorm:"column:created_at;not null"`
}

func (messageModel) TableName() string { return "messages" }

type deletionMarkerModel struct {
	Marker      string    `gorm:"primaryKey;column:marker"`
	ProcessedAt time.Time `gorm:"column:processed_at;not null"`
}

func (deletionMarkerModel) TableName() string { return "deletion_markers" }

// --- Repository Implementation ---

// ConversationGormRepository implements both the conversation and the
// message repositories over one schema; the two interfaces always end up
// backed by the same database.
type ConversationGormRepository struct {
	db *gorm.DB
}

func NewConversationGormRepository(db *gorm.DB) *ConversationGormRepository {
	return &ConversationGormRepository{db: db}
}

func (r *ConversationGormRepository) Init(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(
		&conversationModel{},
		&messageModel{},
		&deletionMarkerModel{},
	)
}

// Conversations

func (r *ConversationGormRepository) CreateConversation(ctx context.Context, c *conversation.Conversation) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	model := toConversationModel(c)
	return r.db.WithContext(ctx).Create(&model).Error
}

func (r *ConversationGormRepository) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	var m conversationModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgError.NotFoundError("conversation not found")
		}
		return nil, err
	}
	return fromConversationModel(m), nil
}

func (r *ConversationGormRepository) UpdateConversation(ctx context.Context, id string, patch map[string]any) error {
	cols := make(map[string]any, len(patch)+1)
	for k, v := range patch {
		cols[k] = v
	}
	cols["updated_at"] = time.Now().UTC()

	res := r.db.WithContext(ctx).Model(&conversationModel{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgError.NotFoundError("conversation not found")
	}
	return nil
}

func (r *ConversationGormRepository) OpenWindowsExpiredBefore(ctx context.Context, t time.Time) ([]*conversation.Conversation, error) {
	var models []conversationModel
	err := r.db.WithContext(ctx).
		Where("messaging_window_status = ? AND messaging_window_expires_at IS NOT NULL AND messaging_window_expires_at < ?",
			string(conversation.WindowOpen), t).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	res := make([]*conversation.Conversation, len(models))
	for i, m := range models {
		res[i] = fromConversationModel(m)
	}
	return res, nil
}

// Messages

func (r *ConversationGormRepository) SaveMessage(ctx context.Context, msg *conversation.Message) error {
	model := toMessageModel(msg)
	return r.db.WithContext(ctx).Create(&model).Error
}

func (r *ConversationGormRepository) MessageExists(ctx context.Context, providerMessageID, tenantID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&messageModel{}).
		Where("provider_message_id = ? AND tenant_id = ?", providerMessageID, tenantID).
		Count(&count).Error
	return count > 0, err
}

func (r *ConversationGormRepository) UpdateMessageStatus(ctx context.Context, providerMessageID, tenantID, status string) error {
	return r.db.WithContext(ctx).Model(&messageModel{}).
		Where("provider_message_id = ? AND tenant_id = ?", providerMessageID, tenantID).
		Update("status", status).Error
}

func (r *ConversationGormRepository) AnonymizeContact(ctx context.Context, connectionID, contactID string) error {
	return r.db.WithContext(ctx).Model(&messageModel{}).
		Where("connection_id = ? AND contact_id = ?", connectionID, contactID).
		Updates(map[string]any{
			"text":       sql.NullString{},
			"contact_id": "",
		}).Error
}

// Deletion markers

func (r *ConversationGormRepository) DeletionProcessed(ctx context.Context, marker string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&deletionMarkerModel{}).
		Where("marker = ?", marker).Count(&count).Error
	return count > 0, err
}

func (r *ConversationGormRepository) MarkDeletionProcessed(ctx context.Context, marker string) error {
	row := deletionMarkerModel{Marker: marker, ProcessedAt: time.Now().UTC()}
	return r.db.WithContext(ctx).Create(&row).Error
}

// --- Mappers ---

func toConversationModel(c *conversation.Conversation) conversationModel {
	return conversationModel{
		ID:                       c.ID,
		ConnectionID:             c.ConnectionID,
		TenantID:                 c.TenantID,
		ContactID:                c.ContactID,
		LastUserInteractionAt:    c.LastUserInteractionAt,
		MessagingWindowStatus:    string(c.MessagingWindowStatus),
		MessagingWindowExpiresAt: c.MessagingWindowExpiresAt,
		State:                    string(c.State),
		CreatedAt:                c.CreatedAt,
		UpdatedAt:                c.UpdatedAt,
	}
}

func fromConversationModel(m conversationModel) *conversation.Conversation {
	return &conversation.Conversation{
		ID:                       m.ID,
		ConnectionID:             m.ConnectionID,
		TenantID:                 m.TenantID,
		ContactID:                m.ContactID,
		LastUserInteractionAt:    m.LastUserInteractionAt,
		MessagingWindowStatus:    conversation.WindowStatus(m.MessagingWindowStatus),
		MessagingWindowExpiresAt: m.MessagingWindowExpiresAt,
		State:                    conversation.State(m.State),
		CreatedAt:                m.CreatedAt,
		UpdatedAt:                m.UpdatedAt,
	}
}

func toMessageModel(msg *conversation.Message) messageModel {
	m := messageModel{
		ID:                msg.ID,
		ProviderMessageID: msg.ProviderMessageID,
		TenantID:          msg.TenantID,
		ConversationID:    msg.ConversationID,
		ConnectionID:      msg.ConnectionID,
		ContactID:         msg.ContactID,
		Direction:         string(msg.Direction),
		Status:            msg.Status,
		Timestamp:         msg.Timestamp,
		CreatedAt:         time.Now().UTC(),
	}
	if msg.Text != "" {
		m.Text = sql.NullString{String: msg.Text, Valid: true}
	}
	return m
}
