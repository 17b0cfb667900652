// Package servicetype implements ServiceTypeStateManager: the per-node
// registry of declared service types, their registration state, and their
// continuous-failure tracking (§4.3).
package servicetype

import (
	"sync"

	"github.com/cuemby/hostingd/pkg/log"
	"github.com/cuemby/hostingd/pkg/metrics"
	"github.com/cuemby/hostingd/pkg/types"
)

// DefaultDisableThreshold is used when a caller does not override it.
const DefaultDisableThreshold = 3

type entry struct {
	registered              bool
	disabled                bool
	continuousFailureByID   map[string]uint64
}

// Manager is the ServiceTypeStateManager: a per-node map from
// ServiceTypeInstanceIdentifier to registration/disable/failure state.
// Entries are added on SP open and removed on SP close.
type Manager struct {
	mu              sync.Mutex
	disableThreshold uint64
	entries         map[string]*entry // keyed by ServiceTypeInstanceIdentifier.String()
}

func NewManager(disableThreshold uint64) *Manager {
	if disableThreshold == 0 {
		disableThreshold = DefaultDisableThreshold
	}
	return &Manager{
		disableThreshold: disableThreshold,
		entries:          make(map[string]*entry),
	}
}

// Add registers a declared service type on SP open.
func (m *Manager) Add(id types.ServiceTypeInstanceIdentifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := id.String()
	if _, ok := m.entries[key]; ok {
		return
	}
	m.entries[key] = &entry{continuousFailureByID: make(map[string]uint64)}
}

// Remove drops a service type on SP close.
func (m *Manager) Remove(id types.ServiceTypeInstanceIdentifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id.String())
	m.refreshDisabledGauge()
}

// Register marks the type as bound to a live runtime instance, and clears
// any previous disable, since the next successful activation sequence is
// what lifts a disable (§4.3).
func (m *Manager) Register(id types.ServiceTypeInstanceIdentifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(id)
	e.registered = true
	e.disabled = false
	m.refreshDisabledGauge()
}

// RegisterFailure is the source of truth for continuous failures across CP
// instances in the same SP (§4.3), keyed by failureId so retries of the
// same code package instance accumulate into one counter.
func (m *Manager) RegisterFailure(id types.ServiceTypeInstanceIdentifier, failureID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(id)
	e.continuousFailureByID[failureID]++
	return e.continuousFailureByID[failureID]
}

// UnregisterFailure resets the continuous-failure counter for failureID,
// called after a successful activation.
func (m *Manager) UnregisterFailure(id types.ServiceTypeInstanceIdentifier, failureID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(id)
	delete(e.continuousFailureByID, failureID)
}

// Disable marks the service type disabled: idempotent, clears any
// registration, and rejects lookups until the SP re-opens (§4.3).
func (m *Manager) Disable(id types.ServiceTypeInstanceIdentifier, failureID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entryLocked(id)
	if e.disabled {
		return
	}
	e.disabled = true
	e.registered = false
	log.Warn("disabling service type after continuous failures")
	m.refreshDisabledGauge()
}

// IsDisabled reports whether id is currently disabled.
func (m *Manager) IsDisabled(id types.ServiceTypeInstanceIdentifier) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id.String()]
	return ok && e.disabled
}

// OnRegistrationNotFound is called by placement lookups when a service
// type's runtime registration cannot be found; it disables the type once
// the continuous-failure threshold for failureID is exceeded (§4.3).
func (m *Manager) OnRegistrationNotFound(id types.ServiceTypeInstanceIdentifier, failureID string) bool {
	count := m.RegisterFailure(id, failureID)
	if count > m.disableThreshold {
		m.Disable(id, failureID)
		return true
	}
	return false
}

func (m *Manager) entryLocked(id types.ServiceTypeInstanceIdentifier) *entry {
	key := id.String()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{continuousFailureByID: make(map[string]uint64)}
		m.entries[key] = e
	}
	return e
}

func (m *Manager) refreshDisabledGauge() {
	var count int
	for _, e := range m.entries {
		if e.disabled {
			count++
		}
	}
	metrics.ServiceTypesDisabledTotal.Set(float64(count))
}
