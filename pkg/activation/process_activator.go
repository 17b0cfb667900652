package activation

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/hostingd/pkg/log"
	"github.com/cuemby/hostingd/pkg/types"
	"github.com/google/uuid"
)

// ProcessBackend supervises plain OS processes via os/exec, the
// IsolationProcess backend.
type ProcessBackend struct {
	mu        sync.Mutex
	instances map[string]*supervisedProcess
}

type supervisedProcess struct {
	cmd    *exec.Cmd
	exitCh chan ExitEvent
}

func NewProcessBackend() *ProcessBackend {
	return &ProcessBackend{instances: make(map[string]*supervisedProcess)}
}

func (b *ProcessBackend) Activate(ctx context.Context, pd types.ProcessDescription) (Handle, error) {
	cmd := exec.CommandContext(ctx, pd.ExePath, pd.Arguments...)
	cmd.Dir = pd.WorkingDir
	for k, v := range pd.Environment {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("start process %s: %w", pd.ExePath, err)
	}

	h := Handle{ID: uuid.NewString(), Isolation: types.IsolationProcess}
	sp := &supervisedProcess{cmd: cmd, exitCh: make(chan ExitEvent, 1)}

	b.mu.Lock()
	b.instances[h.ID] = sp
	b.mu.Unlock()

	go b.waitAndReport(h, sp)

	return h, nil
}

func (b *ProcessBackend) waitAndReport(h Handle, sp *supervisedProcess) {
	err := sp.cmd.Wait()
	exitCode := types.ExitCodeSuccess
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	sp.exitCh <- ExitEvent{Handle: h, ExitCode: exitCode, At: time.Now()}
}

func (b *ProcessBackend) Deactivate(ctx context.Context, h Handle, timeout time.Duration) error {
	sp, ok := b.lookup(h)
	if !ok {
		return nil
	}

	if err := sp.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Errorf("sigterm process %s: %v", h.ID, err)
	}

	select {
	case <-sp.exitCh:
		return nil
	case <-time.After(timeout):
		return b.Terminate(ctx, h)
	}
}

func (b *ProcessBackend) Terminate(ctx context.Context, h Handle) error {
	sp, ok := b.lookup(h)
	if !ok {
		return nil
	}
	return sp.cmd.Process.Kill()
}

func (b *ProcessBackend) UpdateResourceGovernance(ctx context.Context, h Handle, rg types.ResourceGovernanceDescription) error {
	// Plain process isolation has no cgroup/JobObject handle of its own to
	// reshape here; resource governance for this mode is advisory only.
	return nil
}

func (b *ProcessBackend) SubscribeExit(h Handle) <-chan ExitEvent {
	sp, ok := b.lookup(h)
	if !ok {
		ch := make(chan ExitEvent, 1)
		close(ch)
		return ch
	}
	return sp.exitCh
}

func (b *ProcessBackend) lookup(h Handle) (*supervisedProcess, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sp, ok := b.instances[h.ID]
	return sp, ok
}
