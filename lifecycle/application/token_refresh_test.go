package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniboxhq/unibox/lifecycle/domain/event"
	"github.com/uniboxhq/unibox/lifecycle/domain/provider"
	pkgError "github.com/uniboxhq/unibox/pkg/error"
)

func TestEnsureValidTokenFastPath(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.repo.CreateConnection(context.Background(), testConnection("c1", 48*time.Hour)))

	tok, err := f.coordinator.EnsureValidToken(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "tok-old", tok)
	assert.Equal(t, 0, f.transport.posts())
}

func TestEnsureValidTokenRefreshesInsideBuffer(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.repo.CreateConnection(context.Background(), testConnection("c1", 2*time.Hour)))

	tok, err := f.coordinator.EnsureValidToken(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "tok-new", tok)
	assert.Equal(t, 1, f.transport.posts())

	stored, err := f.repo.GetConnection(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "tok-new", stored.Token.AccessToken)
	assert.Equal(t, 0, stored.Token.TokenRefreshAttempts)
	assert.True(t, stored.Token.TokenExpiresAt.After(time.Now().Add(time.Hour)))
	require.NotNil(t, stored.Token.NextTokenRefreshAt)

	refreshed := f.sink.byType(event.TokenRefreshed)
	require.Len(t, refreshed, 1)
	assert.Equal(t, "c1", refreshed[0].ConnectionID)
}

func TestEnsureValidTokenSingleFlight(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.repo.CreateConnection(context.Background(), testConnection("c1", time.Hour)))
	f.transport.postDelay = 50 * time.Millisecond

	const callers = 10
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = f.coordinator.EnsureValidToken(context.Background(), "c1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok-new", tokens[i])
	}
	assert.Equal(t, 1, f.transport.posts(), "concurrent callers must share one network refresh")
}

func TestRefreshPermanentFailureDoesNotRetry(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.repo.CreateConnection(context.Background(), testConnection("c1", time.Hour)))

	f.transport.postFn = func(url string, body map[string]any) (*provider.Response, error) {
		return &provider.Response{Status: 400, Data: map[string]any{"message": "bad grant"}}, nil
	}
	// Old token probe fails too, so the error propagates.
	f.transport.getFn = func(url string) (*provider.Response, error) {
		return &provider.Response{Status: 401, Data: map[string]any{}}, nil
	}

	_, err := f.coordinator.EnsureValidToken(context.Background(), "c1")
	require.Error(t, err)
	assert.Equal(t, 1, f.transport.posts(), "a 4xx other than 429 must not be retried")

	stored, _ := f.repo.GetConnection(context.Background(), "c1")
	assert.Equal(t, 1, stored.Token.TokenRefreshAttempts)
}

func TestRefreshRetriesTransientFailures(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.repo.CreateConnection(context.Background(), testConnection("c1", time.Hour)))

	var calls int
	var mu sync.Mutex
	f.transport.postFn = func(url string, body map[string]any) (*provider.Response, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return &provider.Response{Status: 500, Data: map[string]any{}}, nil
		}
		return okTokenResponse("tok-new", 7200), nil
	}

	tok, err := f.coordinator.EnsureValidToken(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "tok-new", tok)
	assert.Equal(t, 3, f.transport.posts())
}

func TestRefreshFallsBackToValidOldToken(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.repo.CreateConnection(context.Background(), testConnection("c1", time.Hour)))

	f.transport.postFn = func(url string, body map[string]any) (*provider.Response, error) {
		return &provider.Response{Status: 503, Data: map[string]any{}}, nil
	}
	// Validation of the old token succeeds.
	f.transport.getFn = func(url string) (*provider.Response, error) {
		return &provider.Response{Status: 200, Data: map[string]any{}}, nil
	}

	tok, err := f.coordinator.EnsureValidToken(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "tok-old", tok)
	assert.True(t, f.registry.Snapshot("c1").IsActive)
}

func TestRefreshTerminalFailureInvokesOnTokenExpired(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.repo.CreateConnection(context.Background(), testConnection("c1", time.Hour)))

	f.transport.postFn = func(url string, body map[string]any) (*provider.Response, error) {
		return &provider.Response{Status: 401, Data: map[string]any{"message": "invalid refresh token"}}, nil
	}
	f.transport.getFn = func(url string) (*provider.Response, error) {
		return &provider.Response{Status: 401, Data: map[string]any{}}, nil
	}

	var expired []string
	var mu sync.Mutex
	f.coordinator.OnTokenExpired = func(ctx context.Context, id string, cause error) {
		mu.Lock()
		expired = append(expired, id)
		mu.Unlock()
		assert.True(t, pkgError.IsAuth(cause))
	}

	_, err := f.coordinator.EnsureValidToken(context.Background(), "c1")
	require.Error(t, err)
	assert.True(t, pkgError.IsAuth(err))

	mu.Lock()
	assert.Equal(t, []string{"c1"}, expired)
	mu.Unlock()
}

func TestScheduleProactiveRefreshPastDeadlineRefreshesNow(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.repo.CreateConnection(context.Background(), testConnection("c1", time.Hour)))

	f.coordinator.ScheduleProactiveRefresh("c1")

	assert.Eventually(t, func() bool {
		stored, err := f.repo.GetConnection(context.Background(), "c1")
		return err == nil && stored.Token.AccessToken == "tok-new"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelProactiveStopsTimer(t *testing.T) {
	f := newFixture()
	conn := testConnection("c1", 13*time.Hour) // outside buffer, timer armed
	require.NoError(t, f.repo.CreateConnection(context.Background(), conn))

	f.coordinator.ScheduleProactiveRefresh("c1")
	f.coordinator.CancelProactive("c1")

	f.coordinator.timerMu.Lock()
	_, armed := f.coordinator.timers["c1"]
	f.coordinator.timerMu.Unlock()
	assert.False(t, armed)
}
