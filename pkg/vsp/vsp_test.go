package vsp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/hostingd/pkg/activation"
	"github.com/cuemby/hostingd/pkg/codepackage"
	"github.com/cuemby/hostingd/pkg/environment"
	"github.com/cuemby/hostingd/pkg/lrm"
	"github.com/cuemby/hostingd/pkg/messagebus"
	"github.com/cuemby/hostingd/pkg/servicetype"
	"github.com/cuemby/hostingd/pkg/storage"
	"github.com/cuemby/hostingd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu      sync.Mutex
	seq     int
	failNew bool
	exitChs map[string]chan activation.ExitEvent
	lastPD  map[string]types.ProcessDescription
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		exitChs: make(map[string]chan activation.ExitEvent),
		lastPD:  make(map[string]types.ProcessDescription),
	}
}

func (f *fakeBackend) Activate(ctx context.Context, pd types.ProcessDescription) (activation.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNew {
		return activation.Handle{}, assert.AnError
	}
	f.seq++
	h := activation.Handle{ID: pd.CgroupOrJobObjectName}
	f.exitChs[h.ID] = make(chan activation.ExitEvent, 1)
	f.lastPD[h.ID] = pd
	return h, nil
}

func (f *fakeBackend) Deactivate(ctx context.Context, h activation.Handle, timeout time.Duration) error {
	f.mu.Lock()
	ch := f.exitChs[h.ID]
	f.mu.Unlock()
	if ch != nil {
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

type memStore struct {
	mu  sync.Mutex
	sps map[string]*storage.ServicePackageRecord
}

func newMemStore() *memStore { return &memStore{sps: make(map[string]*storage.ServicePackageRecord)} }

func (s *memStore) SaveServicePackage(rec *storage.ServicePackageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sps[rec.InstanceID] = rec
	return nil
}
func (s *memStore) GetServicePackage(instanceID string) (*storage.ServicePackageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sps[instanceID], nil
}
func (s *memStore) ListServicePackages() ([]*storage.ServicePackageRecord, error) { return nil, nil }
func (s *memStore) DeleteServicePackage(instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sps, instanceID)
	return nil
}
func (s *memStore) SaveRunStats(rec *storage.CodePackageRunStatsRecord) error         { return nil }
func (s *memStore) GetRunStats(instanceID string) (*storage.CodePackageRunStatsRecord, error) {
	return nil, nil
}
func (s *memStore) ListRunStats() ([]*storage.CodePackageRunStatsRecord, error) { return nil, nil }
func (s *memStore) DeleteRunStats(instanceID string) error                     { return nil }
func (s *memStore) SaveLRMReservation(rec *storage.LRMReservationRecord) error  { return nil }
func (s *memStore) GetLRMReservation(instanceID string) (*storage.LRMReservationRecord, error) {
	return nil, nil
}
func (s *memStore) ListLRMReservations() ([]*storage.LRMReservationRecord, error) { return nil, nil }
func (s *memStore) DeleteLRMReservation(instanceID string) error                 { return nil }
func (s *memStore) SaveServiceTypeRegistration(rec *storage.ServiceTypeRegistrationRecord) error {
	return nil
}
func (s *memStore) GetServiceTypeRegistration(failureID string) (*storage.ServiceTypeRegistrationRecord, error) {
	return nil, nil
}
func (s *memStore) ListServiceTypeRegistrations() ([]*storage.ServiceTypeRegistrationRecord, error) {
	return nil, nil
}
func (s *memStore) DeleteServiceTypeRegistration(failureID string) error { return nil }
func (s *memStore) Close() error                                        { return nil }

func testDeps(t *testing.T, backend activation.ProcessActivator) Dependencies {
	registry := activation.NewRegistry()
	registry.Register(types.IsolationProcess, backend)
	return Dependencies{
		LRM:          lrm.NewManager(lrm.Capacity{CPUCores: 8, MemoryMB: 8192}),
		ServiceTypes: servicetype.NewManager(servicetype.DefaultDisableThreshold),
		Environment:  environment.NewManager(t.TempDir()),
		Backends:     registry,
		Bus:          messagebus.NewInProcessBus(),
		Health:       messagebus.NewInProcessHealthReporter(),
		Store:        newMemStore(),
		CPConfig:     codepackage.DefaultConfig(),
	}
}

func simpleDesc() types.ServicePackageDescription {
	return types.ServicePackageDescription{
		ContentChecksum: "c1",
		CodePackages: []types.DigestedCodePackageDescription{
			{Name: "Code", RolloutVersion: "1", Isolation: types.IsolationProcess, ExePath: "/bin/true"},
		},
	}
}

func TestOpen_Success(t *testing.T) {
	backend := newFakeBackend()
	deps := testDeps(t, backend)
	v := New("sp-1", "App", "Code", 1, types.ServicePackageVersionInstance{}, simpleDesc(), false, 0, deps)

	err := v.Open(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.VSPOpened, v.State())
	assert.Contains(t, v.CodePackageNames(), "Code")
}

func TestOpen_AppliesCPUShareFractionFromServicePackageResources(t *testing.T) {
	backend := newFakeBackend()
	deps := testDeps(t, backend)
	desc := types.ServicePackageDescription{
		ContentChecksum:         "c1",
		ServicePackageResources: types.ResourceGovernanceDescription{CPUCores: 4},
		CodePackages: []types.DigestedCodePackageDescription{
			{Name: "Heavy", RolloutVersion: "1", Isolation: types.IsolationProcess, ExePath: "/bin/true", Resources: types.ResourceGovernanceDescription{CPUShares: 3}},
			{Name: "Light", RolloutVersion: "1", Isolation: types.IsolationProcess, ExePath: "/bin/true", Resources: types.ResourceGovernanceDescription{CPUShares: 1}},
		},
	}
	v := New("sp-1b", "App", "Code", 1, types.ServicePackageVersionInstance{}, desc, false, 0, deps)

	err := v.Open(context.Background(), time.Second)
	require.NoError(t, err)

	heavyPD := backend.lastPD["sp-1b/Heavy"]
	lightPD := backend.lastPD["sp-1b/Light"]
	assert.InDelta(t, 3.0, heavyPD.ResourceGovernance.CPUCores, 0.001)
	assert.InDelta(t, 1.0, lightPD.ResourceGovernance.CPUCores, 0.001)
}

func TestOpen_FailureTransitionsFailed(t *testing.T) {
	backend := newFakeBackend()
	backend.failNew = true
	deps := testDeps(t, backend)
	v := New("sp-2", "App", "Code", 1, types.ServicePackageVersionInstance{}, simpleDesc(), false, 0, deps)

	err := v.Open(context.Background(), time.Second)
	require.Error(t, err)
	assert.Equal(t, types.VSPFailed, v.State())
}

func TestClose_UnregistersAndTransitionsClosed(t *testing.T) {
	backend := newFakeBackend()
	deps := testDeps(t, backend)
	v := New("sp-3", "App", "Code", 1, types.ServicePackageVersionInstance{}, simpleDesc(), false, 0, deps)

	require.NoError(t, v.Open(context.Background(), time.Second))
	require.NoError(t, v.Close(context.Background(), time.Second))
	assert.Equal(t, types.VSPClosed, v.State())
	assert.Equal(t, float64(8), deps.LRM.AvailableCPUCores())
}

func TestSwitch_VersionUpdateOnlyDoesNotRestart(t *testing.T) {
	backend := newFakeBackend()
	deps := testDeps(t, backend)
	desc := simpleDesc()
	v := New("sp-4", "App", "Code", 1, types.ServicePackageVersionInstance{}, desc, false, 0, deps)
	require.NoError(t, v.Open(context.Background(), time.Second))

	cp, ok := v.CodePackage("Code")
	require.True(t, ok)
	before := cp.RunStats().ActivationCount

	newVI := types.ServicePackageVersionInstance{InstanceID: 2}
	newDesc := desc // same ContentChecksum
	err := v.Switch(context.Background(), newVI, newDesc, time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.VSPOpened, v.State())

	after := cp.RunStats().ActivationCount
	assert.Equal(t, before, after)
}

func TestSwitch_ChecksumChangeActivatesNewCodePackage(t *testing.T) {
	backend := newFakeBackend()
	deps := testDeps(t, backend)
	desc := simpleDesc()
	v := New("sp-5", "App", "Code", 1, types.ServicePackageVersionInstance{}, desc, false, 0, deps)
	require.NoError(t, v.Open(context.Background(), time.Second))

	newDesc := simpleDesc()
	newDesc.ContentChecksum = "c2"
	newDesc.CodePackages[0].RolloutVersion = "2"

	err := v.Switch(context.Background(), types.ServicePackageVersionInstance{InstanceID: 2}, newDesc, time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.VSPOpened, v.State())
}
