package codepackage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/hostingd/pkg/activation"
	"github.com/cuemby/hostingd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu          sync.Mutex
	activateErr error
	failUntil   int
	calls       int
	exitChs     map[string]chan activation.ExitEvent
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{exitChs: make(map[string]chan activation.ExitEvent)}
}

func (f *fakeBackend) Activate(ctx context.Context, pd types.ProcessDescription) (activation.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return activation.Handle{}, assert.AnError
	}
	h := activation.Handle{ID: "inst-1", Isolation: pd.Isolation}
	f.exitChs[h.ID] = make(chan activation.ExitEvent, 1)
	return h, nil
}

func (f *fakeBackend) Deactivate(ctx context.Context, h activation.Handle, timeout time.Duration) error {
	f.mu.Lock()
	ch, ok := f.exitChs[h.ID]
	f.mu.Unlock()
	if ok {
		ch <- activation.ExitEvent{Handle: h, ExitCode: 0, At: time.Now()}
	}
	return nil
}

func (f *fakeBackend) Terminate(ctx context.Context, h activation.Handle) error { return nil }

func (f *fakeBackend) UpdateResourceGovernance(ctx context.Context, h activation.Handle, rg types.ResourceGovernanceDescription) error {
	return nil
}

func (f *fakeBackend) SubscribeExit(h activation.Handle) <-chan activation.ExitEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.exitChs[h.ID]
	if !ok {
		ch = make(chan activation.ExitEvent, 1)
		f.exitChs[h.ID] = ch
	}
	return ch
}

func (f *fakeBackend) sendExit(id string, code int) {
	f.mu.Lock()
	ch := f.exitChs[id]
	f.mu.Unlock()
	ch <- activation.ExitEvent{Handle: activation.Handle{ID: id}, ExitCode: code, At: time.Now()}
}

type fakeNotifier struct {
	mu     sync.Mutex
	failed []string
}

func (n *fakeNotifier) OnCodePackageTerminallyFailed(instanceID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, instanceID)
}

func (n *fakeNotifier) OnCodePackageEvent(activatorInstanceID, cpName, event string) {}

func testConfig() Config {
	return Config{
		BaseRetryInterval:                  10 * time.Millisecond,
		MaxRetryInterval:                   50 * time.Millisecond,
		MaxContinuousFailure:               3,
		ContinuousExitFailureResetInterval: time.Minute,
	}
}

func TestActivate_SucceedsAndRecordsRunStats(t *testing.T) {
	backend := newFakeBackend()
	notifier := &fakeNotifier{}
	cp := New("cp-1", types.DigestedCodePackageDescription{Name: "Code"}, types.ProcessDescription{}, backend, notifier, testConfig())

	err := cp.Activate(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.CodePackageActive, cp.State())
	assert.Equal(t, uint64(1), cp.RunStats().ActivationCount)
}

func TestActivate_IdempotentWhenAlreadyActive(t *testing.T) {
	backend := newFakeBackend()
	cp := New("cp-2", types.DigestedCodePackageDescription{}, types.ProcessDescription{}, backend, &fakeNotifier{}, testConfig())

	require.NoError(t, cp.Activate(context.Background(), time.Second))
	require.NoError(t, cp.Activate(context.Background(), time.Second))
	assert.Equal(t, uint64(1), cp.RunStats().ActivationCount)
}

func TestActivate_RetriesThenSucceeds(t *testing.T) {
	backend := newFakeBackend()
	backend.failUntil = 2
	cp := New("cp-3", types.DigestedCodePackageDescription{}, types.ProcessDescription{}, backend, &fakeNotifier{}, testConfig())

	err := cp.Activate(context.Background(), time.Second)
	assert.Error(t, err) // first attempt fails synchronously

	require.Eventually(t, func() bool {
		return cp.State() == types.CodePackageActive
	}, time.Second, 5*time.Millisecond)
}

func TestActivate_FailsTerminallyAfterMaxContinuousFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.failUntil = 1000
	notifier := &fakeNotifier{}
	cfg := testConfig()
	cp := New("cp-4", types.DigestedCodePackageDescription{}, types.ProcessDescription{}, backend, notifier, cfg)

	_ = cp.Activate(context.Background(), time.Second)

	require.Eventually(t, func() bool {
		return cp.State() == types.CodePackageFailed
	}, time.Second, 5*time.Millisecond)
}

func TestDeactivate_OnInactiveIsNoop(t *testing.T) {
	backend := newFakeBackend()
	cp := New("cp-5", types.DigestedCodePackageDescription{}, types.ProcessDescription{}, backend, &fakeNotifier{}, testConfig())
	require.NoError(t, cp.Deactivate(context.Background(), time.Second))
	assert.Equal(t, types.CodePackageInactive, cp.State())
}

func TestDeactivate_StopsLiveInstance(t *testing.T) {
	backend := newFakeBackend()
	cp := New("cp-6", types.DigestedCodePackageDescription{}, types.ProcessDescription{}, backend, &fakeNotifier{}, testConfig())
	require.NoError(t, cp.Activate(context.Background(), time.Second))

	require.NoError(t, cp.Deactivate(context.Background(), time.Second))

	require.Eventually(t, func() bool {
		return cp.State() == types.CodePackageInactive
	}, time.Second, 5*time.Millisecond)
}

func TestExitTriggersRetryScheduling(t *testing.T) {
	backend := newFakeBackend()
	cp := New("cp-7", types.DigestedCodePackageDescription{}, types.ProcessDescription{}, backend, &fakeNotifier{}, testConfig())
	require.NoError(t, cp.Activate(context.Background(), time.Second))

	backend.sendExit("inst-1", 1)

	require.Eventually(t, func() bool {
		return cp.State() == types.CodePackageActive && cp.RunStats().ExitCount >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestUpdateContext_NoopWhenUnchanged(t *testing.T) {
	backend := newFakeBackend()
	desc := types.DigestedCodePackageDescription{RolloutVersion: "1"}
	cp := New("cp-8", desc, types.ProcessDescription{}, backend, &fakeNotifier{}, testConfig())
	require.NoError(t, cp.Activate(context.Background(), time.Second))

	err := cp.UpdateContext(context.Background(), "1", types.ResourceGovernanceDescription{}, true, time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.CodePackageActive, cp.State())
}
