package application

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/uniboxhq/unibox/lifecycle/domain/connection"
)

func TestRecordActivitySuccessResetsCounters(t *testing.T) {
	r := NewRegistry()

	r.RecordActivity("c1", false, "timeout")
	r.RecordActivity("c1", false, "timeout")
	st := r.Snapshot("c1")
	assert.Equal(t, 2, st.ErrorCount)
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.Equal(t, "timeout", st.LastError)

	r.RecordActivity("c1", true, "")
	st = r.Snapshot("c1")
	assert.Equal(t, 0, st.ErrorCount)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Empty(t, st.LastError)
	assert.True(t, st.IsActive)
	assert.False(t, st.LastActivity.IsZero())
}

func TestRecordActivityTriggersRecoveryAtThreshold(t *testing.T) {
	r := NewRegistry()

	var mu sync.Mutex
	var triggers []string
	done := make(chan struct{}, 1)
	r.OnRecoveryNeeded = func(id, cause string) {
		mu.Lock()
		triggers = append(triggers, id+":"+cause)
		mu.Unlock()
		done <- struct{}{}
	}

	r.RecordActivity("c1", false, "err1")
	r.RecordActivity("c1", false, "err2")
	mu.Lock()
	assert.Empty(t, triggers)
	mu.Unlock()

	r.RecordActivity("c1", false, "err3")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recovery was not triggered at the failure threshold")
	}

	mu.Lock()
	assert.Equal(t, []string{"c1:err3"}, triggers)
	mu.Unlock()
}

func TestRecordActivityDoesNotRetriggerWhileRecovering(t *testing.T) {
	r := NewRegistry()

	var count int
	var mu sync.Mutex
	r.OnRecoveryNeeded = func(id, cause string) {
		mu.Lock()
		count++
		mu.Unlock()
	}

	// Simulate the recovery machine having claimed the connection.
	r.RecordActivity("c1", false, "e")
	r.RecordActivity("c1", false, "e")
	r.Update("c1", func(st *connection.State) { st.IsRecovering = true })
	r.RecordActivity("c1", false, "e")
	r.RecordActivity("c1", false, "e")

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, count)
	mu.Unlock()
}

func TestRegistrySnapshotCreatesDefaultEntry(t *testing.T) {
	r := NewRegistry()
	st := r.Snapshot("never-seen")
	assert.False(t, st.IsActive)
	assert.Equal(t, 0, st.ErrorCount)
	assert.Equal(t, 1, r.Size())

	r.Remove("never-seen")
	assert.Equal(t, 0, r.Size())
}
