package activation

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/cuemby/hostingd/pkg/log"
	"github.com/cuemby/hostingd/pkg/types"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	containerdNamespace  = "hostingd"
	defaultSocketPath    = "/run/containerd/containerd.sock"
)

// ContainerdBackend supervises OCI containers through containerd, the
// IsolationContainer backend.
type ContainerdBackend struct {
	client    *containerd.Client
	namespace string

	mu      sync.Mutex
	exitChs map[string]chan ExitEvent
}

func NewContainerdBackend(socketPath string) (*ContainerdBackend, error) {
	if socketPath == "" {
		socketPath = defaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}
	return &ContainerdBackend{
		client:    client,
		namespace: containerdNamespace,
		exitChs:   make(map[string]chan ExitEvent),
	}, nil
}

func (b *ContainerdBackend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

func (b *ContainerdBackend) Activate(ctx context.Context, pd types.ProcessDescription) (Handle, error) {
	ctx = namespaces.WithNamespace(ctx, b.namespace)

	image, err := b.client.GetImage(ctx, pd.ContainerImage)
	if err != nil {
		image, err = b.client.Pull(ctx, pd.ContainerImage, containerd.WithPullUnpack)
		if err != nil {
			return Handle{}, fmt.Errorf("pull image %s: %w", pd.ContainerImage, err)
		}
	}

	var env []string
	for k, v := range pd.Environment {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
	}
	opts = append(opts, cpuShapingOpts(pd.ResourceGovernance)...)

	id := pd.CgroupOrJobObjectName
	if id == "" {
		id = uuid.NewString()
	}

	ctr, err := b.client.NewContainer(
		ctx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return Handle{}, fmt.Errorf("create container: %w", err)
	}

	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err != nil {
		return Handle{}, fmt.Errorf("create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return Handle{}, fmt.Errorf("start task: %w", err)
	}

	h := Handle{ID: id, Isolation: types.IsolationContainer}

	exitCh := make(chan ExitEvent, 1)
	b.mu.Lock()
	b.exitChs[id] = exitCh
	b.mu.Unlock()

	statusC, err := task.Wait(context.Background())
	if err != nil {
		return Handle{}, fmt.Errorf("wait task: %w", err)
	}
	go func() {
		status := <-statusC
		code, _, _ := status.Result()
		exitCh <- ExitEvent{Handle: h, ExitCode: int(code), At: time.Now()}
	}()

	return h, nil
}

// cpuShapingOpts applies §4.5's CPU shaping for containers not part of a
// container group as a CFS quota: quota = cores * period, with a 100000us
// period. Here ResourceGovernance.CPUCores is already the instance's share.
func cpuShapingOpts(rg types.ResourceGovernanceDescription) []oci.SpecOpts {
	var opts []oci.SpecOpts
	if rg.CPUCores > 0 {
		period := uint64(100000)
		quota := int64(rg.CPUCores * float64(period))
		opts = append(opts, oci.WithCPUCFS(quota, period))
	}
	if rg.MemoryMB > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(rg.MemoryMB)*1024*1024))
	}
	return opts
}

func (b *ContainerdBackend) Deactivate(ctx context.Context, h Handle, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, b.namespace)

	ctr, err := b.client.LoadContainer(ctx, h.ID)
	if err != nil {
		return nil
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("sigterm task: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			log.Errorf("sigkill task %s: %v", h.ID, err)
		}
	case <-time.After(timeout):
	}

	_, err = task.Delete(ctx)
	return err
}

func (b *ContainerdBackend) Terminate(ctx context.Context, h Handle) error {
	ctx = namespaces.WithNamespace(ctx, b.namespace)
	ctr, err := b.client.LoadContainer(ctx, h.ID)
	if err != nil {
		return nil
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return nil
	}
	if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
		return err
	}
	_, err = task.Delete(ctx)
	return err
}

// UpdateResourceGovernance implements update_context's (§4.1) in-place RG
// change: it pushes the new cpu.cfs_quota_us/cpu.cfs_period_us and memory
// limit onto the running task's cgroup via containerd's task.Update,
// using the same quota formula cpuShapingOpts applies to the container
// spec at creation, rather than restarting the code package.
func (b *ContainerdBackend) UpdateResourceGovernance(ctx context.Context, h Handle, rg types.ResourceGovernanceDescription) error {
	ctx = namespaces.WithNamespace(ctx, b.namespace)
	ctr, err := b.client.LoadContainer(ctx, h.ID)
	if err != nil {
		return fmt.Errorf("load container %s: %w", h.ID, err)
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return fmt.Errorf("load task %s: %w", h.ID, err)
	}

	resources := &specs.LinuxResources{}
	if rg.CPUCores > 0 {
		period := uint64(100000)
		quota := int64(rg.CPUCores * float64(period))
		resources.CPU = &specs.LinuxCPU{Quota: &quota, Period: &period}
	}
	if rg.MemoryMB > 0 {
		limit := rg.MemoryMB * 1024 * 1024
		resources.Memory = &specs.LinuxMemory{Limit: &limit}
	}

	if err := task.Update(ctx, containerd.WithResources(resources)); err != nil {
		return fmt.Errorf("update task %s resources: %w", h.ID, err)
	}
	return nil
}

func (b *ContainerdBackend) SubscribeExit(h Handle) <-chan ExitEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.exitChs[h.ID]; ok {
		return ch
	}
	ch := make(chan ExitEvent, 1)
	close(ch)
	return ch
}
