// Package lrm implements the LocalResourceManager: per-node admission
// control and CPU-share shaping for service packages (§4.5).
package lrm

import (
	"sync"

	"github.com/cuemby/hostingd/pkg/hostingerrors"
	"github.com/cuemby/hostingd/pkg/log"
	"github.com/cuemby/hostingd/pkg/metrics"
	"github.com/cuemby/hostingd/pkg/types"
)

// CPUCorrectionFactor scales core counts to integers to avoid float drift
// when accumulating many small per-code-package shares (§3).
const CPUCorrectionFactor = 1_000_000

// Capacity is the node's declared or detected resource ceiling. A zero
// field means "unspecified" and is treated as infinite per §4.5.
type Capacity struct {
	CPUCores float64
	MemoryMB int64
}

type registration struct {
	resources types.ResourceGovernanceDescription
}

// Manager tracks available vs. reserved CPU/memory for the node and admits
// or rejects service package registrations against it. It is the only
// writer of the node's capacity counters; every other component reads
// through its operations (§5 "Shared resource policy").
type Manager struct {
	mu sync.Mutex

	capacity Capacity

	usedCoresScaled int64 // cores * CPUCorrectionFactor
	usedMemoryMB    int64

	registered map[string]registration // keyed by ServicePackageInstanceIdentifier.String()

	capacityMismatchWarned bool
}

// NewManager builds a Manager with the given declared or auto-detected
// capacity. A zero-value field in capacity means that resource is
// unconstrained, per §4.5 "Capacity derivation".
func NewManager(capacity Capacity) *Manager {
	return &Manager{
		capacity:   capacity,
		registered: make(map[string]registration),
	}
}

func scaledCores(cores float64) int64 {
	return int64(cores*CPUCorrectionFactor + 0.5)
}

// AvailableCPUCores reports the remaining unreserved CPU core budget. A
// zero Capacity.CPUCores means unconstrained and reports +Inf semantics as
// a very large number instead, so callers comparing against it never see a
// spurious rejection.
func (m *Manager) AvailableCPUCores() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capacity.CPUCores == 0 {
		return 1 << 30
	}
	return m.capacity.CPUCores - float64(m.usedCoresScaled)/CPUCorrectionFactor
}

// AvailableMemoryMB reports the remaining unreserved memory budget.
func (m *Manager) AvailableMemoryMB() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capacity.MemoryMB == 0 {
		return 1 << 40
	}
	return m.capacity.MemoryMB - m.usedMemoryMB
}

// RegisterServicePackage admits or rejects a service package's resource
// reservation (§4.5 "Admission contract"). Idempotent re-registration with
// an unchanged description returns nil; re-registration with a changed
// description is a coding bug reported as
// ServicePackageAlreadyRegisteredWithLRM.
func (m *Manager) RegisterServicePackage(instanceID string, rg types.ResourceGovernanceDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.registered[instanceID]; ok {
		if existing.resources == rg {
			return nil
		}
		return hostingerrors.New(hostingerrors.CodeServicePackageAlreadyRegisteredWithLRM,
			"%s already registered with a different resource governance description", instanceID)
	}

	reqCoresScaled := scaledCores(rg.CPUCores)
	if m.capacity.CPUCores != 0 {
		availableScaled := scaledCores(m.capacity.CPUCores) - m.usedCoresScaled
		if reqCoresScaled > availableScaled {
			metrics.LRMAdmissionRejectionsTotal.WithLabelValues("cpu").Inc()
			return hostingerrors.New(hostingerrors.CodeNotEnoughCPUForServicePackage,
				"requested %.3f cores exceeds available %.3f", rg.CPUCores, float64(availableScaled)/CPUCorrectionFactor)
		}
	}

	reqMemory := rg.MemoryMB
	if m.capacity.MemoryMB != 0 {
		availableMemory := m.capacity.MemoryMB - m.usedMemoryMB
		if reqMemory > availableMemory {
			metrics.LRMAdmissionRejectionsTotal.WithLabelValues("memory").Inc()
			return hostingerrors.New(hostingerrors.CodeNotEnoughMemoryForServicePackage,
				"requested %d MB exceeds available %d MB", reqMemory, availableMemory)
		}
	}

	m.usedCoresScaled += reqCoresScaled
	m.usedMemoryMB += reqMemory
	m.registered[instanceID] = registration{resources: rg}

	m.checkCapacityMismatchLocked(rg)

	return nil
}

// UnregisterServicePackage refunds a previously-admitted reservation.
// Refunding an unknown instance is a no-op, matching close() being safe to
// call on an SP that never finished opening.
func (m *Manager) UnregisterServicePackage(instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.registered[instanceID]
	if !ok {
		return nil
	}

	m.usedCoresScaled -= scaledCores(reg.resources.CPUCores)
	m.usedMemoryMB -= reg.resources.MemoryMB
	delete(m.registered, instanceID)
	return nil
}

// checkCapacityMismatchLocked emits the one-shot node health warning when a
// registration declares RG but the node has no configured capacity for it
// (§4.5, §7 Hosting_AvailableResourceCapacityNotDefined).
func (m *Manager) checkCapacityMismatchLocked(rg types.ResourceGovernanceDescription) {
	if m.capacityMismatchWarned {
		return
	}
	if (rg.CPUCores > 0 && m.capacity.CPUCores == 0) || (rg.MemoryMB > 0 && m.capacity.MemoryMB == 0) {
		log.Warn("service package requests resource governance but node capacity is undeclared; treating as unconstrained")
		m.capacityMismatchWarned = true
	}
}

// UsedCoresScaled and UsedMemoryMB expose the raw accounting state for the
// LRM-conservation invariant test (§8): at any instant they must equal the
// sum of declared RG values over currently-registered instances.
func (m *Manager) UsedCoresScaled() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usedCoresScaled
}

func (m *Manager) UsedMemoryMB() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usedMemoryMB
}

// CPUShareFraction computes the fraction of a service package's total CPU
// cores that one code package sibling is entitled to, per §4.5 "CPU
// shaping": proportional by declared cpu_shares when every sibling
// declares a non-zero share, otherwise split evenly.
func CPUShareFraction(cp types.ResourceGovernanceDescription, siblings []types.ResourceGovernanceDescription) float64 {
	allNonZero := true
	var total int64
	for _, s := range siblings {
		if s.CPUShares == 0 {
			allNonZero = false
		}
		total += s.CPUShares
	}
	if allNonZero && total > 0 {
		return float64(cp.CPUShares) / float64(total)
	}
	if len(siblings) == 0 {
		return 1
	}
	return 1 / float64(len(siblings))
}
