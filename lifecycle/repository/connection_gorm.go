package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/uniboxhq/unibox/lifecycle/domain/connection"
	"github.com/uniboxhq/unibox/pkg/crypto"
	pkgError "github.com/uniboxhq/unibox/pkg/error"
)

// --- Persistence Models ---

type connectionModel struct {
	ID                   string         `gorm:"primaryKey;column:id"`
	TenantID             string         `gorm:"column:tenant_id;not null;index"`
	Provider             string         `gorm:"column:provider;not null"`
	Name                 string         `gorm:"column:name;not null"`
	BusinessAccountID    string         `gorm:"column:business_account_id;not null;index"`
	AltIdentifiers       sql.NullString `gorm:"column:alt_identifiers"` // JSON
	Status               string         `gorm:"column:status;default:'pending';index"`
	StatusReason         sql.NullString `gorm:"column:status_reason"`
	RequiresReauth       bool           `gorm:"column:requires_reauth;default:false"`
	WebhookSecret        sql.NullString `gorm:"column:webhook_secret"`
	AccessToken          string         `gorm:"column:access_token;not null"`  // encrypted at rest
	RefreshToken         string         `gorm:"column:refresh_token;not null"` // encrypted at rest
	TokenExpiresAt       time.Time      `gorm:"column:token_expires_at;not null;index"`
	TokenRefreshedAt     time.Time      `gorm:"column:token_refreshed_at"`
	TokenRefreshAttempts int            `gorm:"column:token_refresh_attempts;default:0"`
	NextTokenRefreshAt   *time.Time     `gorm:"column:next_token_refresh_at"`
	CreatedAt            time.Time      `gorm:"column:created_at;not null"`
	UpdatedAt            time.Time      `gorm:"column:updated_at;not null"`
}

func (connectionModel) TableName() string { return "connections" }

type recipientIdentifierModel struct {
	Identifier   string    `gorm:"primaryKey;column:identifier"`
	ConnectionID string    `gorm:"column:connection_id;not null;index"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
}

func (recipientIdentifierModel) TableName() string { return "recipient_identifiers" }

// --- Repository Implementation ---

// ConnectionGormRepository persists connections with token material
// transparently encrypted at rest. Webhook recipient lookups go through a
// dedicated identifier table so the fallback chain stays one indexed query
// per identifier.
type ConnectionGormRepository struct {
	db *gorm.DB
}

func NewConnectionGormRepository(db *gorm.DB) *ConnectionGormRepository {
	return &ConnectionGormRepository{db: db}
}

func (r *ConnectionGormRepository) Init(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(
		&connectionModel{},
		&recipientIdentifierModel{},
	)
}

func (r *ConnectionGormRepository) CreateConnection(ctx context.Context, c *connection.Connection) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	model, err := toConnectionModel(c)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		return r.syncIdentifiers(tx, c)
	})
}

func (r *ConnectionGormRepository) GetConnection(ctx context.Context, id string) (*connection.Connection, error) {
	var m connectionModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgError.NotFoundError("connection not found")
		}
		return nil, err
	}
	return fromConnectionModel(m)
}

func (r *ConnectionGormRepository) ListConnections(ctx context.Context) ([]*connection.Connection, error) {
	var models []connectionModel
	if err := r.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]*connection.Connection, 0, len(models))
	for _, m := range models {
		c, err := fromConnectionModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}

func (r *ConnectionGormRepository) UpdateConnection(ctx context.Context, id string, patch map[string]any) error {
	cols := make(map[string]any, len(patch)+1)
	for k, v := range patch {
		switch k {
		case connection.FieldAccessToken, connection.FieldRefreshToken:
			s, _ := v.(string)
			enc, err := crypto.Encrypt(s)
			if err != nil {
				return err
			}
			cols[k] = enc
		default:
			cols[k] = v
		}
	}
	cols["updated_at"] = time.Now().UTC()

	res := r.db.WithContext(ctx).Model(&connectionModel{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgError.NotFoundError("connection not found")
	}
	return nil
}

func (r *ConnectionGormRepository) UpdateConnectionStatus(ctx context.Context, id string, status connection.Status) error {
	return r.UpdateConnection(ctx, id, map[string]any{
		connection.FieldStatus: string(status),
	})
}

func (r *ConnectionGormRepository) FindByRecipient(ctx context.Context, recipientID string) (*connection.Connection, error) {
	var m connectionModel
	err := r.db.WithContext(ctx).First(&m, "business_account_id = ?", recipientID).Error
	if err == nil {
		return fromConnectionModel(m)
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	var ident recipientIdentifierModel
	if err := r.db.WithContext(ctx).First(&ident, "identifier = ?", recipientID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgError.NotFoundError("no connection for recipient")
		}
		return nil, err
	}
	return r.GetConnection(ctx, ident.ConnectionID)
}

func (r *ConnectionGormRepository) ConnectionsNeedingRefresh(ctx context.Context, before time.Time) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&connectionModel{}).
		Where("token_expires_at < ? AND status <> ?", before, string(connection.StatusDisconnected)).
		Order("token_expires_at ASC").
		Pluck("id", &ids).Error
	return ids, err
}

func (r *ConnectionGormRepository) syncIdentifiers(tx *gorm.DB, c *connection.Connection) error {
	if err := tx.Delete(&recipientIdentifierModel{}, "connection_id = ?", c.ID).Error; err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, ident := range c.AltIdentifiers {
		row := recipientIdentifierModel{Identifier: ident, ConnectionID: c.ID, CreatedAt: now}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

// --- Mappers ---

func toConnectionModel(c *connection.Connection) (connectionModel, error) {
	encAccess, err := crypto.Encrypt(c.Token.AccessToken)
	if err != nil {
		return connectionModel{}, err
	}
	encRefresh, err := crypto.Encrypt(c.Token.RefreshToken)
	if err != nil {
		return connectionModel{}, err
	}

	m := connectionModel{
		ID:                   c.ID,
		TenantID:             c.TenantID,
		Provider:             c.Provider,
		Name:                 c.Name,
		BusinessAccountID:    c.BusinessAccountID,
		Status:               string(c.Status),
		RequiresReauth:       c.RequiresReauth,
		AccessToken:          encAccess,
		RefreshToken:         encRefresh,
		TokenExpiresAt:       c.Token.TokenExpiresAt,
		TokenRefreshedAt:     c.Token.TokenRefreshedAt,
		TokenRefreshAttempts: c.Token.TokenRefreshAttempts,
		NextTokenRefreshAt:   c.Token.NextTokenRefreshAt,
		CreatedAt:            c.CreatedAt,
		UpdatedAt:            c.UpdatedAt,
	}
	if c.StatusReason != "" {
		m.StatusReason = sql.NullString{String: c.StatusReason, Valid: true}
	}
	if c.WebhookSecret != "" {
		m.WebhookSecret = sql.NullString{String: c.WebhookSecret, Valid: true}
	}
	if len(c.AltIdentifiers) > 0 {
		raw, err := json.Marshal(c.AltIdentifiers)
		if err != nil {
			return connectionModel{}, err
		}
		m.AltIdentifiers = sql.NullString{String: string(raw), Valid: true}
	}
	return m, nil
}

func fromConnectionModel(m connectionModel) (*connection.Connection, error) {
	access, err := crypto.Decrypt(m.AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := crypto.Decrypt(m.RefreshToken)
	if err != nil {
		return nil, err
	}

	c := &connection.Connection{
		ID:                m.ID,
		TenantID:          m.TenantID,
		Provider:          m.Provider,
		Name:              m.Name,
		BusinessAccountID: m.BusinessAccountID,
		Status:            connection.Status(m.Status),
		StatusReason:      m.StatusReason.String,
		RequiresReauth:    m.RequiresReauth,
		WebhookSecret:     m.WebhookSecret.String,
		Token: connection.TokenMaterial{
			AccessToken:          access,
			RefreshToken:         refresh,
			TokenExpiresAt:       m.TokenExpiresAt,
			TokenRefreshedAt:     m.TokenRefreshedAt,
			TokenRefreshAttempts: m.TokenRefreshAttempts,
			NextTokenRefreshAt:   m.NextTokenRefreshAt,
		},
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if m.AltIdentifiers.Valid && m.AltIdentifiers.String != "" {
		if err := json.Unmarshal([]byte(m.AltIdentifiers.String), &c.AltIdentifiers); err != nil {
			return nil, err
		}
	}
	return c, nil
}
