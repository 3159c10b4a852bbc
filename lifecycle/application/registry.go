package application

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uniboxhq/unibox/lifecycle/domain/connection"
)

// Registry holds the in-memory per-connection state. Each entry owns a mutex
// so all mutation for one connection id is serialized while distinct ids
// proceed independently.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	// OnRecoveryNeeded fires once when a connection crosses the consecutive
	// failure threshold and is not already recovering. Wired by the manager.
	OnRecoveryNeeded func(connectionID string, cause string)

	// OnRecoveryResolved fires when a success is recorded while a recovery
	// run is in flight, so the stale run's timers get cancelled. Wired by the
	// manager to the recovery machine's Cancel.
	OnRecoveryResolved func(connectionID string)
}

type entry struct {
	mu    sync.Mutex
	state connection.State
}

const failureThreshold = 3

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

func (r *Registry) get(id string) *entry {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[id]; ok {
		return e
	}
	e = &entry{}
	r.entries[id] = e
	return e
}

// Snapshot returns a copy of the current state, creating defaults if the
// connection was never seen. Never fails.
func (r *Registry) Snapshot(id string) connection.State {
	e := r.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Update applies fn to the connection's state under its lock.
func (r *Registry) Update(id string, fn func(st *connection.State)) {
	e := r.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.state)
}

// RecordActivity folds one success or failure into the state. Success resets
// the error counters and clears any recovery in progress; the third
// consecutive failure triggers the recovery machine.
func (r *Registry) RecordActivity(id string, success bool, cause string) {
	e := r.get(id)

	e.mu.Lock()
	var triggerRecovery, resolvedRecovery bool
	if success {
		e.state.ErrorCount = 0
		e.state.ConsecutiveFailures = 0
		e.state.LastError = ""
		e.state.IsActive = true
		e.state.LastActivity = time.Now().UTC()
		if e.state.IsRecovering {
			e.state.IsRecovering = false
			e.state.RecoveryStage = connection.StageNone
			e.state.RecoveryAttempts = 0
			resolvedRecovery = true
		}
	} else {
		e.state.ErrorCount++
		e.state.ConsecutiveFailures++
		e.state.LastError = cause
		if e.state.ConsecutiveFailures >= failureThreshold && !e.state.IsRecovering {
			triggerRecovery = true
		}
	}
	e.mu.Unlock()

	if resolvedRecovery && r.OnRecoveryResolved != nil {
		logrus.Debugf("[REGISTRY] Success recorded for %s during recovery, cancelling the run", id)
		r.OnRecoveryResolved(id)
	}
	if triggerRecovery && r.OnRecoveryNeeded != nil {
		logrus.WithFields(logrus.Fields{
			"connection_id": id,
			"cause":         cause,
		}).Warn("[REGISTRY] Failure threshold reached, triggering recovery")
		go r.OnRecoveryNeeded(id, cause)
	}
}

// Remove drops the entry for a disconnected connection. Timer cancellation is
// the owning component's job; the manager sequences both on disconnect.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Size returns the number of tracked connections.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
