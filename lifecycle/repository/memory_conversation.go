package repository

import (
	"context"
	"sync"
	"time"

	"github.com/uniboxhq/unibox/lifecycle/domain/conversation"
	pkgError "github.com/uniboxhq/unibox/pkg/error"
)

// MemoryConversationRepository is the in-memory counterpart of the gorm
// conversation/message store. Used in tests and when no database is
// configured.
type MemoryConversationRepository struct {
	mu       sync.RWMutex
	convs    map[string]*conversation.Conversation
	messages map[string]*conversation.Message // keyed providerMessageID|tenantID
	markers  map[string]time.Time
}

func NewMemoryConversationRepository() *MemoryConversationRepository {
	return &MemoryConversationRepository{
		convs:    make(map[string]*conversation.Conversation),
		messages: make(map[string]*conversation.Message),
		markers:  make(map[string]time.Time),
	}
}

func messageKey(providerMessageID, tenantID string) string {
	return providerMessageID + "|" + tenantID
}

// Conversations

func (s *MemoryConversationRepository) CreateConversation(ctx context.Context, c *conversation.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	cp := *c
	s.convs[c.ID] = &cp
	return nil
}

func (s *MemoryConversationRepository) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[id]
	if !ok {
		return nil, pkgError.NotFoundError("conversation not found")
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryConversationRepository) UpdateConversation(ctx context.Context, id string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return pkgError.NotFoundError("conversation not found")
	}
	for k, v := range patch {
		switch k {
		case conversation.FieldLastUserInteractionAt:
			switch t := v.(type) {
			case time.Time:
				c.LastUserInteractionAt = &t
			case *time.Time:
				c.LastUserInteractionAt = t
			}
		case conversation.FieldMessagingWindowStatus:
			if st, ok := v.(string); ok {
				c.MessagingWindowStatus = conversation.WindowStatus(st)
			}
		case conversation.FieldMessagingWindowExpiresAt:
			switch t := v.(type) {
			case time.Time:
				c.MessagingWindowExpiresAt = &t
			case *time.Time:
				c.MessagingWindowExpiresAt = t
			}
		case conversation.FieldState:
			if st, ok := v.(string); ok {
				c.State = conversation.State(st)
			}
		}
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryConversationRepository) OpenWindowsExpiredBefore(ctx context.Context, t time.Time) ([]*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []*conversation.Conversation
	for _, c := range s.convs {
		if c.MessagingWindowStatus != conversation.WindowOpen {
			continue
		}
		if c.MessagingWindowExpiresAt != nil && c.MessagingWindowExpiresAt.Before(t) {
			cp := *c
			res = append(res, &cp)
		}
	}
	return res, nil
}

// Messages

func (s *MemoryConversationRepository) SaveMessage(ctx context.Context, m *conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := messageKey(m.ProviderMessageID, m.TenantID)
	if _, exists := s.messages[key]; exists {
		return pkgError.ValidationError("duplicate provider message id for tenant")
	}
	cp := *m
	s.messages[key] = &cp
	return nil
}

func (s *MemoryConversationRepository) MessageExists(ctx context.Context, providerMessageID, tenantID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.messages[messageKey(providerMessageID, tenantID)]
	return ok, nil
}

func (s *MemoryConversationRepository) UpdateMessageStatus(ctx context.Context, providerMessageID, tenantID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageKey(providerMessageID, tenantID)]
	if !ok {
		return pkgError.NotFoundError("message not found")
	}
	m.Status = status
	return nil
}

func (s *MemoryConversationRepository) AnonymizeContact(ctx context.Context, connectionID, contactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages {
		if m.ConnectionID == connectionID && m.ContactID == contactID {
			m.Text = ""
			m.ContactID = ""
		}
	}
	return nil
}

// Deletion markers

func (s *MemoryConversationRepository) DeletionProcessed(ctx context.Context, marker string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.markers[marker]
	return ok, nil
}

func (s *MemoryConversationRepository) MarkDeletionProcessed(ctx context.Context, marker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markers[marker] = time.Now().UTC()
	return nil
}
