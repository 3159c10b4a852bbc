package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uniboxhq/unibox/infrastructure/valkey"
	"github.com/uniboxhq/unibox/lifecycle/domain/connection"
)

// ValkeyValidationCache implements the validation cache on Valkey, sharing
// cached results across instances so a fleet does not multiply validation
// calls against the provider.
type ValkeyValidationCache struct {
	client *valkey.Client
	prefix string
}

func NewValkeyValidationCache(client *valkey.Client) *ValkeyValidationCache {
	return &ValkeyValidationCache{
		client: client,
		prefix: client.Key("validation") + ":",
	}
}

func (s *ValkeyValidationCache) fullKey(connectionID string) string {
	return s.prefix + connectionID
}

func (s *ValkeyValidationCache) Get(ctx context.Context, connectionID string) (*connection.ValidationResult, error) {
	inner := s.client.Inner()
	cmd := inner.B().Get().Key(s.fullKey(connectionID)).Build()

	data, err := inner.Do(ctx, cmd).AsBytes()
	if err != nil {
		if valkey.IsNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get validation result: %w", err)
	}

	var res connection.ValidationResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal validation result: %w", err)
	}
	return &res, nil
}

func (s *ValkeyValidationCache) Set(ctx context.Context, connectionID string, res connection.ValidationResult, ttl time.Duration) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal validation result: %w", err)
	}

	inner := s.client.Inner()
	cmd := inner.B().Set().Key(s.fullKey(connectionID)).Value(string(data)).Ex(ttl).Build()
	if err := inner.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to cache validation result: %w", err)
	}
	return nil
}

func (s *ValkeyValidationCache) Delete(ctx context.Context, connectionID string) error {
	inner := s.client.Inner()
	cmd := inner.B().Del().Key(s.fullKey(connectionID)).Build()
	if err := inner.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to delete validation result: %w", err)
	}
	return nil
}
