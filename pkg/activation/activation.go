// Package activation implements the ProcessActivator capability (§4.6):
// the boundary between the lifecycle engine and the OS-level primitives
// that actually start and stop processes, containers, and VM-isolated
// instances. CodePackage drives one of these per DigestedCodePackageDescription.Isolation.
package activation

import (
	"context"
	"time"

	"github.com/cuemby/hostingd/pkg/types"
)

// Handle identifies one live instance to its ProcessActivator backend.
// Opaque to everything above this package.
type Handle struct {
	ID        string
	Isolation types.IsolationMode
}

// ExitEvent reports a terminated instance's exit code, delivered on the
// channel SubscribeExit returns.
type ExitEvent struct {
	Handle   Handle
	ExitCode int
	At       time.Time
	Err      error // non-nil if the instance could not be supervised at all
}

// ProcessActivator is the external collaborator CodePackage calls to
// actually start, stop, and monitor one instance (§4.6). Each IsolationMode
// is backed by a distinct implementation; CodePackage is agnostic to which.
type ProcessActivator interface {
	// Activate starts pd and returns a Handle once the instance is
	// observably running (or immediately, for backends where "started"
	// has no intermediate state worth waiting on).
	Activate(ctx context.Context, pd types.ProcessDescription) (Handle, error)

	// Deactivate asks the instance to stop gracefully, escalating to a
	// forced kill if it has not exited by timeout.
	Deactivate(ctx context.Context, h Handle, timeout time.Duration) error

	// Terminate forcibly ends the instance without a graceful phase.
	Terminate(ctx context.Context, h Handle) error

	// UpdateResourceGovernance applies new CPU/memory shaping in place,
	// without restarting the instance (§4.1 update_context, §4.5 CPU shaping).
	UpdateResourceGovernance(ctx context.Context, h Handle, rg types.ResourceGovernanceDescription) error

	// SubscribeExit returns a channel that receives exactly one ExitEvent
	// when h's instance terminates, for any reason.
	SubscribeExit(h Handle) <-chan ExitEvent
}

// Registry dispatches to the right backend by IsolationMode, so CodePackage
// holds one Registry instead of branching on IsolationMode itself.
type Registry struct {
	backends map[types.IsolationMode]ProcessActivator
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[types.IsolationMode]ProcessActivator)}
}

func (r *Registry) Register(mode types.IsolationMode, backend ProcessActivator) {
	r.backends[mode] = backend
}

func (r *Registry) For(mode types.IsolationMode) (ProcessActivator, bool) {
	b, ok := r.backends[mode]
	return b, ok
}
