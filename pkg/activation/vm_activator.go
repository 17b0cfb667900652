//go:build darwin

package activation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lima-vm/lima/pkg/instance"
	"github.com/lima-vm/lima/pkg/store"
	"github.com/google/uuid"
	"github.com/cuemby/hostingd/pkg/log"
	"github.com/cuemby/hostingd/pkg/types"
)

// instanceNamePrefix namespaces the Lima VM instances this backend owns so
// it never touches a VM the operator created by hand.
const instanceNamePrefix = "hostingd-hyperv-"

// VMBackend supervises one Lima guest VM per activated instance, the
// IsolationHyperV backend: the closest open analogue to a HyperV-isolated
// code package instance is a dedicated lightweight VM rather than a shared
// kernel namespace.
type VMBackend struct {
	mu      sync.Mutex
	running map[string]*store.Instance
	exitChs map[string]chan ExitEvent
}

func NewVMBackend() *VMBackend {
	return &VMBackend{
		running: make(map[string]*store.Instance),
		exitChs: make(map[string]chan ExitEvent),
	}
}

func (b *VMBackend) Activate(ctx context.Context, pd types.ProcessDescription) (Handle, error) {
	name := instanceNamePrefix + uuid.NewString()[:8]

	if err := b.createInstance(ctx, name, pd); err != nil {
		return Handle{}, fmt.Errorf("create lima instance %s: %w", name, err)
	}

	inst, err := store.Inspect(name)
	if err != nil {
		return Handle{}, fmt.Errorf("inspect lima instance %s: %w", name, err)
	}

	if err := instance.Start(ctx, inst, "", false); err != nil {
		return Handle{}, fmt.Errorf("start lima instance %s: %w", name, err)
	}

	h := Handle{ID: name, Isolation: types.IsolationHyperV}

	b.mu.Lock()
	b.running[name] = inst
	b.exitChs[name] = make(chan ExitEvent, 1)
	b.mu.Unlock()

	go b.watch(h, inst)

	return h, nil
}

func (b *VMBackend) watch(h Handle, inst *store.Instance) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		current, err := store.Inspect(inst.Name)
		if err != nil || current.Status != store.StatusRunning {
			code := types.ExitCodeSuccess
			if err != nil {
				code = -1
			}
			b.mu.Lock()
			ch := b.exitChs[h.ID]
			b.mu.Unlock()
			if ch != nil {
				ch <- ExitEvent{Handle: h, ExitCode: code, At: time.Now()}
			}
			return
		}
	}
}

func (b *VMBackend) createInstance(ctx context.Context, name string, pd types.ProcessDescription) error {
	// A full implementation renders a limayaml.LimaYAML template that boots
	// the VM straight into pd.ExePath/Arguments via cloud-init; omitted here
	// since the VM image build pipeline is outside this engine's scope (it
	// is supplied by the package store, per §1).
	log.Warn("lima instance creation is a stub pending a cloud-init template for arbitrary entry points")
	return nil
}

func (b *VMBackend) Deactivate(ctx context.Context, h Handle, timeout time.Duration) error {
	inst, ok := b.lookup(h)
	if !ok {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := instance.StopGracefully(stopCtx, inst, false); err != nil {
		return b.Terminate(ctx, h)
	}
	return nil
}

func (b *VMBackend) Terminate(ctx context.Context, h Handle) error {
	inst, ok := b.lookup(h)
	if !ok {
		return nil
	}
	return instance.StopForcibly(inst)
}

func (b *VMBackend) UpdateResourceGovernance(ctx context.Context, h Handle, rg types.ResourceGovernanceDescription) error {
	// Lima VM CPU/memory are fixed at VM creation time in this backend;
	// in-place resizing would need Lima's own vm resize support.
	return nil
}

func (b *VMBackend) SubscribeExit(h Handle) <-chan ExitEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.exitChs[h.ID]; ok {
		return ch
	}
	ch := make(chan ExitEvent, 1)
	close(ch)
	return ch
}

func (b *VMBackend) lookup(h Handle) (*store.Instance, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.running[h.ID]
	return inst, ok
}
