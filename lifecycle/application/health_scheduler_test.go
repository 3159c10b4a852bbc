package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniboxhq/unibox/lifecycle/domain/connection"
	"github.com/uniboxhq/unibox/lifecycle/domain/provider"
)

func TestAdaptiveInterval(t *testing.T) {
	tests := []struct {
		name      string
		state     connection.State
		expiresIn time.Duration
		want      time.Duration
	}{
		{
			name:      "recovering connections poll tightest",
			state:     connection.State{IsRecovering: true, ErrorCount: 5},
			expiresIn: time.Hour,
			want:      15 * time.Second,
		},
		{
			name:      "errored connections poll every minute",
			state:     connection.State{ErrorCount: 1},
			expiresIn: 72 * time.Hour,
			want:      60 * time.Second,
		},
		{
			name:      "near expiry polls every ten minutes",
			state:     connection.State{},
			expiresIn: 6 * time.Hour,
			want:      10 * time.Minute,
		},
		{
			name:      "healthy connections poll every five minutes",
			state:     connection.State{IsActive: true},
			expiresIn: 72 * time.Hour,
			want:      5 * time.Minute,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := AdaptiveInterval(tc.state, time.Now().Add(tc.expiresIn))
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestHealthSchedulerTimerAccounting(t *testing.T) {
	f := newFixture()
	h := NewHealthScheduler(f.registry, f.coordinator, f.validator, f.repo, f.sink)

	// Far-future delays so checks never fire during the test.
	h.schedule("c1", time.Hour)
	h.schedule("c2", time.Hour)
	assert.Equal(t, int64(2), h.LiveTimers())

	// Rescheduling the same id must not leak a timer.
	h.schedule("c1", time.Hour)
	assert.Equal(t, int64(2), h.LiveTimers())

	h.Stop("c1")
	assert.Equal(t, int64(1), h.LiveTimers())

	h.StopAll()
	assert.Equal(t, int64(0), h.LiveTimers())
}

func TestHealthCheckRecordsSuccessAndReschedules(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.repo.CreateConnection(context.Background(), testConnection("c1", 72*time.Hour)))

	h := NewHealthScheduler(f.registry, f.coordinator, f.validator, f.repo, f.sink)
	h.runCheck("c1")

	st := f.registry.Snapshot("c1")
	assert.True(t, st.IsActive)
	assert.Equal(t, uint64(1), st.CheckCount)
	assert.False(t, st.LastValidationAt.IsZero(), "first check must run a validation")

	// The check re-armed itself.
	assert.Equal(t, int64(1), h.LiveTimers())
	h.StopAll()
}

func TestHealthCheckRecordsFailure(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.repo.CreateConnection(context.Background(), testConnection("c1", 72*time.Hour)))

	f.transport.getFn = func(url string) (*provider.Response, error) {
		return &provider.Response{Status: 500, Data: map[string]any{}}, nil
	}

	h := NewHealthScheduler(f.registry, f.coordinator, f.validator, f.repo, f.sink)
	h.runCheck("c1")

	st := f.registry.Snapshot("c1")
	assert.Equal(t, 1, st.ErrorCount)
	h.StopAll()
}

func TestHealthCheckSkipsWorkWhileRecovering(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.repo.CreateConnection(context.Background(), testConnection("c1", time.Hour)))
	f.registry.Update("c1", func(s *connection.State) { s.IsRecovering = true })

	h := NewHealthScheduler(f.registry, f.coordinator, f.validator, f.repo, f.sink)
	h.runCheck("c1")

	assert.Equal(t, 0, f.transport.posts(), "no refresh while recovery owns the connection")
	assert.Equal(t, 0, f.transport.gets(), "no validation while recovery owns the connection")
	assert.Equal(t, int64(1), h.LiveTimers(), "loop keeps observing on the tight interval")
	h.StopAll()
}

func TestHealthCheckStopsForDisconnected(t *testing.T) {
	f := newFixture()
	conn := testConnection("c1", 72*time.Hour)
	conn.Status = connection.StatusDisconnected
	require.NoError(t, f.repo.CreateConnection(context.Background(), conn))

	h := NewHealthScheduler(f.registry, f.coordinator, f.validator, f.repo, f.sink)
	h.runCheck("c1")

	assert.Equal(t, int64(0), h.LiveTimers(), "disconnected connections must not re-arm")
}
