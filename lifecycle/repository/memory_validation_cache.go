package repository

import (
	"context"
	"sync"
	"time"

	"github.com/uniboxhq/unibox/lifecycle/domain/connection"
)

type cachedValidation struct {
	result    connection.ValidationResult
	expiresAt time.Time
}

// MemoryValidationCache is an in-memory implementation of the validation
// cache. Used as fallback when Valkey is not enabled.
type MemoryValidationCache struct {
	mu      sync.RWMutex
	entries map[string]cachedValidation
}

func NewMemoryValidationCache() *MemoryValidationCache {
	return &MemoryValidationCache{
		entries: make(map[string]cachedValidation),
	}
}

func (s *MemoryValidationCache) Get(ctx context.Context, connectionID string) (*connection.ValidationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[connectionID]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, nil
	}
	res := e.result
	return &res, nil
}

func (s *MemoryValidationCache) Set(ctx context.Context, connectionID string, res connection.ValidationResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[connectionID] = cachedValidation{result: res, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryValidationCache) Delete(ctx context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, connectionID)
	return nil
}
