package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniboxhq/unibox/lifecycle/domain/connection"
	"github.com/uniboxhq/unibox/lifecycle/domain/provider"
)

func TestBatchRefreshSweepsExpiringConnections(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.repo.CreateConnection(ctx, testConnection("soon-1", time.Hour)))
	require.NoError(t, f.repo.CreateConnection(ctx, testConnection("soon-2", 2*time.Hour)))
	require.NoError(t, f.repo.CreateConnection(ctx, testConnection("later", 72*time.Hour)))

	disconnected := testConnection("gone", time.Hour)
	disconnected.Status = connection.StatusDisconnected
	require.NoError(t, f.repo.CreateConnection(ctx, disconnected))

	b := NewBatchRefresher(f.repo, f.coordinator, time.Hour, 10, 12*time.Hour)
	b.RunOnce(ctx)

	assert.Equal(t, 2, f.transport.posts(), "only expiring, non-disconnected connections refresh")

	for _, id := range []string{"soon-1", "soon-2"} {
		stored, err := f.repo.GetConnection(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "tok-new", stored.Token.AccessToken, id)
	}
	later, _ := f.repo.GetConnection(ctx, "later")
	assert.Equal(t, "tok-old", later.Token.AccessToken)
}

func TestBatchRefreshContinuesPastFailures(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	bad := testConnection("bad", time.Hour)
	bad.Token.RefreshToken = "refresh-bad"
	require.NoError(t, f.repo.CreateConnection(ctx, bad))
	require.NoError(t, f.repo.CreateConnection(ctx, testConnection("good", 2*time.Hour)))

	var mu sync.Mutex
	f.transport.postFn = func(url string, body map[string]any) (*provider.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		if body["refresh_token"] == "refresh-bad" {
			return &provider.Response{Status: 400, Data: map[string]any{}}, nil
		}
		return okTokenResponse("tok-new", 7200), nil
	}
	f.transport.getFn = func(url string) (*provider.Response, error) {
		return &provider.Response{Status: 401, Data: map[string]any{}}, nil
	}

	b := NewBatchRefresher(f.repo, f.coordinator, time.Hour, 1, 12*time.Hour)
	b.RunOnce(ctx)

	good, _ := f.repo.GetConnection(ctx, "good")
	assert.Equal(t, "tok-new", good.Token.AccessToken, "one failure must not abort the pass")
}
