package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/uniboxhq/unibox/lifecycle/domain/connection"
	pkgError "github.com/uniboxhq/unibox/pkg/error"
)

// MemoryConnectionRepository is an in-memory implementation of the connection
// repository. Used in tests and when no database is configured.
type MemoryConnectionRepository struct {
	mu    sync.RWMutex
	conns map[string]*connection.Connection
}

func NewMemoryConnectionRepository() *MemoryConnectionRepository {
	return &MemoryConnectionRepository{
		conns: make(map[string]*connection.Connection),
	}
}

func (s *MemoryConnectionRepository) CreateConnection(ctx context.Context, c *connection.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	cp := *c
	s.conns[c.ID] = &cp
	return nil
}

func (s *MemoryConnectionRepository) GetConnection(ctx context.Context, id string) (*connection.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conns[id]
	if !ok {
		return nil, pkgError.NotFoundError("connection not found")
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryConnectionRepository) ListConnections(ctx context.Context) ([]*connection.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]*connection.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		cp := *c
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *MemoryConnectionRepository) UpdateConnection(ctx context.Context, id string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns[id]
	if !ok {
		return pkgError.NotFoundError("connection not found")
	}
	for k, v := range patch {
		applyConnectionField(c, k, v)
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryConnectionRepository) UpdateConnectionStatus(ctx context.Context, id string, status connection.Status) error {
	return s.UpdateConnection(ctx, id, map[string]any{connection.FieldStatus: string(status)})
}

func (s *MemoryConnectionRepository) FindByRecipient(ctx context.Context, recipientID string) (*connection.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.conns {
		if c.BusinessAccountID == recipientID {
			cp := *c
			return &cp, nil
		}
		for _, alt := range c.AltIdentifiers {
			if alt == recipientID {
				cp := *c
				return &cp, nil
			}
		}
	}
	return nil, pkgError.NotFoundError("no connection for recipient")
}

func (s *MemoryConnectionRepository) ConnectionsNeedingRefresh(ctx context.Context, before time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for _, c := range s.conns {
		if c.Status == connection.StatusDisconnected {
			continue
		}
		if c.Token.TokenExpiresAt.Before(before) {
			ids = append(ids, c.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.conns[ids[i]].Token.TokenExpiresAt.Before(s.conns[ids[j]].Token.TokenExpiresAt)
	})
	return ids, nil
}

func applyConnectionField(c *connection.Connection, field string, v any) {
	switch field {
	case connection.FieldAccessToken:
		c.Token.AccessToken, _ = v.(string)
	case connection.FieldRefreshToken:
		c.Token.RefreshToken, _ = v.(string)
	case connection.FieldTokenExpiresAt:
		if t, ok := v.(time.Time); ok {
			c.Token.TokenExpiresAt = t
		}
	case connection.FieldTokenRefreshedAt:
		if t, ok := v.(time.Time); ok {
			c.Token.TokenRefreshedAt = t
		}
	case connection.FieldTokenRefreshAttempts:
		if n, ok := v.(int); ok {
			c.Token.TokenRefreshAttempts = n
		}
	case connection.FieldNextTokenRefreshAt:
		switch t := v.(type) {
		case time.Time:
			c.Token.NextTokenRefreshAt = &t
		case *time.Time:
			c.Token.NextTokenRefreshAt = t
		case nil:
			c.Token.NextTokenRefreshAt = nil
		}
	case connection.FieldStatus:
		if st, ok := v.(string); ok {
			c.Status = connection.Status(st)
		}
	case connection.FieldStatusReason:
		c.StatusReason, _ = v.(string)
	case connection.FieldRequiresReauth:
		c.RequiresReauth, _ = v.(bool)
	}
}
