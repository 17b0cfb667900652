package hostingquery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/hostingd/pkg/activation"
	"github.com/cuemby/hostingd/pkg/codepackage"
	"github.com/cuemby/hostingd/pkg/environment"
	"github.com/cuemby/hostingd/pkg/hostingerrors"
	"github.com/cuemby/hostingd/pkg/lrm"
	"github.com/cuemby/hostingd/pkg/messagebus"
	"github.com/cuemby/hostingd/pkg/servicetype"
	"github.com/cuemby/hostingd/pkg/storage"
	"github.com/cuemby/hostingd/pkg/types"
	"github.com/cuemby/hostingd/pkg/vsp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu      sync.Mutex
	exitChs map[string]chan activation.ExitEvent
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{exitChs: make(map[string]chan activation.ExitEvent)}
}

func (f *fakeBackend) Activate(ctx context.Context, pd types.ProcessDescription) (activation.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := activation.Handle{ID: pd.CgroupOrJobObjectName}
	f.exitChs[h.ID] = make(chan activation.ExitEvent, 1)
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
	return nil, nil
}
func (s *memStore) ListServicePackages() ([]*storage.ServicePackageRecord, error) { return nil, nil }
func (s *memStore) DeleteServicePackage(instanceID string) error                 { return nil }
func (s *memStore) SaveRunStats(rec *storage.CodePackageRunStatsRecord) error     { return nil }
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

func testVSP(t *testing.T, instanceID string) *vsp.VersionedServicePackage {
	backend := newFakeBackend()
	registry := activation.NewRegistry()
	registry.Register(types.IsolationProcess, backend)
	deps := vsp.Dependencies{
		LRM:          lrm.NewManager(lrm.Capacity{CPUCores: 8, MemoryMB: 8192}),
		ServiceTypes: servicetype.NewManager(servicetype.DefaultDisableThreshold),
		Environment:  environment.NewManager(t.TempDir()),
		Backends:     registry,
		Bus:          messagebus.NewInProcessBus(),
		Health:       messagebus.NewInProcessHealthReporter(),
		Store:        newMemStore(),
		CPConfig:     codepackage.DefaultConfig(),
	}
	desc := types.ServicePackageDescription{
		ContentChecksum: "c1",
		CodePackages: []types.DigestedCodePackageDescription{
			{Name: "Code", RolloutVersion: "1", Isolation: types.IsolationProcess, ExePath: "/bin/true"},
		},
	}
	v := vsp.New(instanceID, "App", "Code", 1, types.ServicePackageVersionInstance{}, desc, false, 0, deps)
	require.NoError(t, v.Open(context.Background(), time.Second))
	return v
}

func TestRegisterLookupUnregister(t *testing.T) {
	bus := messagebus.NewInProcessBus()
	m := NewManager(bus)
	v := testVSP(t, "sp-1")

	m.Register(v)
	got, ok := m.Lookup("sp-1")
	assert.True(t, ok)
	assert.Same(t, v, got)

	// Registering subscribes v on the bus: a routed request reaches
	// HandleOnDemandRequest (which then rejects it for an unrelated reason,
	// a requestor mismatch, proving the handler ran rather than the bus
	// reporting "no handler").
	reply := bus.Send(context.Background(), "sp-1", messagebus.Request{Action: messagebus.ActionAbortCodePackage})
	require.Error(t, reply.Err)
	code, ok := hostingerrors.CodeOf(reply.Err)
	require.True(t, ok)
	assert.Equal(t, hostingerrors.CodeInstanceIdMismatch, code)

	m.Unregister("sp-1")
	_, ok = m.Lookup("sp-1")
	assert.False(t, ok)

	// Unregistering unsubscribes it: the same routing key now has no handler.
	reply = bus.Send(context.Background(), "sp-1", messagebus.Request{Action: messagebus.ActionAbortCodePackage})
	require.Error(t, reply.Err)
	_, ok = hostingerrors.CodeOf(reply.Err)
	assert.False(t, ok)
}

func TestRestartCodePackage_NotFoundWhenSPUnregistered(t *testing.T) {
	m := NewManager(messagebus.NewInProcessBus())
	err := m.RestartCodePackage(context.Background(), "missing", "Code", "", time.Second)
	require.Error(t, err)
}

func TestRestartCodePackage_NoopOnInstanceMismatch(t *testing.T) {
	m := NewManager(messagebus.NewInProcessBus())
	v := testVSP(t, "sp-2")
	m.Register(v)

	// An empty observedInstanceID never matches the live handle, so this
	// exercises RestartCodePackageInstance's no-op guard rather than an
	// actual restart.
	err := m.RestartCodePackage(context.Background(), "sp-2", "Code", "", time.Second)
	require.NoError(t, err)
}

func TestAbortCodePackage_Success(t *testing.T) {
	m := NewManager(messagebus.NewInProcessBus())
	v := testVSP(t, "sp-3")
	m.Register(v)

	err := m.AbortCodePackage(context.Background(), "sp-3", "Code")
	require.NoError(t, err)
	cp, ok := v.CodePackage("Code")
	require.True(t, ok)
	assert.Equal(t, types.CodePackageAborted, cp.State())
}

func TestAbortServicePackage_UnregistersOnSuccess(t *testing.T) {
	m := NewManager(messagebus.NewInProcessBus())
	v := testVSP(t, "sp-4")
	m.Register(v)

	err := m.AbortServicePackage(context.Background(), "sp-4", time.Second)
	require.NoError(t, err)
	_, ok := m.Lookup("sp-4")
	assert.False(t, ok)
}

func TestListServicePackages(t *testing.T) {
	m := NewManager(messagebus.NewInProcessBus())
	v := testVSP(t, "sp-5")
	m.Register(v)

	list := m.ListServicePackages()
	require.Len(t, list, 1)
	assert.Equal(t, "sp-5", list[0].InstanceID)
	require.Len(t, list[0].CodePackages, 1)
	assert.Equal(t, "Code", list[0].CodePackages[0].Name)
}

func TestHandler_ListServicePackages(t *testing.T) {
	m := NewManager(messagebus.NewInProcessBus())
	v := testVSP(t, "sp-6")
	m.Register(v)

	req := httptest.NewRequest(http.MethodGet, "/query/service-packages", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sp-6")
}

func TestListStates_ReportsRegisteredInstances(t *testing.T) {
	m := NewManager(messagebus.NewInProcessBus())
	v := testVSP(t, "sp-7")
	m.Register(v)

	states := m.ListStates()
	require.Contains(t, states, "sp-7")
	assert.Equal(t, v.State(), states["sp-7"])

	cpStates := m.CodePackages().ListStates()
	require.Contains(t, cpStates, "sp-7/Code")
}

func TestHandler_AbortCodePackage_NotFound(t *testing.T) {
	m := NewManager(messagebus.NewInProcessBus())
	body := `{"servicePackageInstanceId":"missing","codePackageName":"Code"}`
	req := httptest.NewRequest(http.MethodPost, "/query/abort-code-package", strings.NewReader(body))
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
