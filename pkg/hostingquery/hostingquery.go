// Package hostingquery implements HostingQueryManager (§2 item 6): a thin
// forwarding layer that turns node-local lifecycle commands (restart code
// package, abort) into calls against the VersionedServicePackages the node
// currently has open. It owns no state machine of its own.
package hostingquery

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/hostingd/pkg/hostingerrors"
	"github.com/cuemby/hostingd/pkg/log"
	"github.com/cuemby/hostingd/pkg/messagebus"
	"github.com/cuemby/hostingd/pkg/types"
	"github.com/cuemby/hostingd/pkg/vsp"
)

// Manager is the registry of open service package instances a node keeps,
// and the dispatcher that forwards restart/abort commands into them. It
// also subscribes each registered instance on the node's MessageBus under
// its instance id, so on-demand code package requests (§4.2.4) routed by
// instance id reach VersionedServicePackage.HandleOnDemandRequest.
type Manager struct {
	mu  sync.RWMutex
	sps map[string]*vsp.VersionedServicePackage
	bus messagebus.MessageBus
}

func NewManager(bus messagebus.MessageBus) *Manager {
	return &Manager{sps: make(map[string]*vsp.VersionedServicePackage), bus: bus}
}

// Register tracks v under its instance id so query commands can reach it.
// The caller (typically whatever opened v) is responsible for calling
// Unregister once v is closed.
func (m *Manager) Register(v *vsp.VersionedServicePackage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sps[v.InstanceID()] = v
	if m.bus != nil {
		m.bus.Subscribe(v.InstanceID(), v.HandleOnDemandRequest)
	}
}

func (m *Manager) Unregister(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sps, instanceID)
	if m.bus != nil {
		m.bus.Unsubscribe(instanceID)
	}
}

func (m *Manager) Lookup(instanceID string) (*vsp.VersionedServicePackage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.sps[instanceID]
	return v, ok
}

// ServicePackageSummary is the query-surface view of one open SP instance.
type ServicePackageSummary struct {
	InstanceID   string                           `json:"instanceId"`
	State        types.VersionedServicePackageState `json:"state"`
	CodePackages []CodePackageSummary             `json:"codePackages"`
}

// CodePackageSummary is the query-surface view of one code package.
type CodePackageSummary struct {
	Name            string              `json:"name"`
	State           types.CodePackageState `json:"state"`
	ActivationCount uint64              `json:"activationCount"`
	ContinuousFailures uint64           `json:"continuousFailures"`
}

// ListServicePackages returns a point-in-time snapshot of every registered
// SP instance, for diagnostics.
func (m *Manager) ListServicePackages() []ServicePackageSummary {
	m.mu.RLock()
	instances := make([]*vsp.VersionedServicePackage, 0, len(m.sps))
	for _, v := range m.sps {
		instances = append(instances, v)
	}
	m.mu.RUnlock()

	summaries := make([]ServicePackageSummary, 0, len(instances))
	for _, v := range instances {
		s := ServicePackageSummary{InstanceID: v.InstanceID(), State: v.State()}
		for _, name := range v.CodePackageNames() {
			cp, ok := v.CodePackage(name)
			if !ok {
				continue
			}
			stats := cp.RunStats()
			s.CodePackages = append(s.CodePackages, CodePackageSummary{
				Name:               name,
				State:              cp.State(),
				ActivationCount:    stats.ActivationCount,
				ContinuousFailures: stats.ContinuousFailureCount(),
			})
		}
		summaries = append(summaries, s)
	}
	return summaries
}

// ListStates satisfies metrics.ServicePackageLister directly: one state per
// registered SP instance, keyed by instance id.
func (m *Manager) ListStates() map[string]types.VersionedServicePackageState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]types.VersionedServicePackageState, len(m.sps))
	for id, v := range m.sps {
		out[id] = v.State()
	}
	return out
}

// codePackageLister is the metrics.CodePackageLister view over Manager's
// registered SP instances. It is a separate type from Manager because
// CodePackageLister and ServicePackageLister both name their single method
// ListStates, and Go does not allow two methods of the same name differing
// only by return type on one receiver.
type codePackageLister struct{ m *Manager }

// CodePackages returns the metrics.CodePackageLister view over m.
func (m *Manager) CodePackages() interface {
	ListStates() map[string]types.CodePackageState
} {
	return codePackageLister{m: m}
}

func (l codePackageLister) ListStates() map[string]types.CodePackageState {
	l.m.mu.RLock()
	instances := make([]*vsp.VersionedServicePackage, 0, len(l.m.sps))
	for _, v := range l.m.sps {
		instances = append(instances, v)
	}
	l.m.mu.RUnlock()

	out := make(map[string]types.CodePackageState)
	for _, v := range instances {
		for _, name := range v.CodePackageNames() {
			cp, ok := v.CodePackage(name)
			if !ok {
				continue
			}
			out[v.InstanceID()+"/"+name] = cp.State()
		}
	}
	return out
}

// RestartCodePackage forwards restart_code_package_instance (§4.1) to the
// named code package of the named SP instance.
func (m *Manager) RestartCodePackage(ctx context.Context, spInstanceID, cpName, observedInstanceID string, timeout time.Duration) error {
	v, ok := m.Lookup(spInstanceID)
	if !ok {
		return hostingerrors.New(hostingerrors.CodeApplicationNotFound, "service package instance %s not open", spInstanceID)
	}
	cp, ok := v.CodePackage(cpName)
	if !ok {
		return hostingerrors.New(hostingerrors.CodeCodePackageNotFound, "code package %s not found in %s", cpName, spInstanceID)
	}
	log.WithComponent("hostingquery").Info().Msgf("restarting code package %s/%s", spInstanceID, cpName)
	return cp.RestartCodePackageInstance(ctx, observedInstanceID, timeout)
}

// AbortCodePackage forwards an external abort request to one code package,
// bypassing the graceful deactivate path.
func (m *Manager) AbortCodePackage(ctx context.Context, spInstanceID, cpName string) error {
	v, ok := m.Lookup(spInstanceID)
	if !ok {
		return hostingerrors.New(hostingerrors.CodeApplicationNotFound, "service package instance %s not open", spInstanceID)
	}
	cp, ok := v.CodePackage(cpName)
	if !ok {
		return hostingerrors.New(hostingerrors.CodeCodePackageNotFound, "code package %s not found in %s", cpName, spInstanceID)
	}
	log.WithComponent("hostingquery").Warn().Msgf("aborting code package %s/%s", spInstanceID, cpName)
	return cp.AbortAndWaitForTermination(ctx)
}

// AbortServicePackage forwards an external abort request against an entire
// SP instance. It drives the same Close path a graceful shutdown would,
// since VSP.Close already falls through to Abort on any deactivate failure
// (§4.2.3) — this call only shortens the timeout a caller would otherwise
// have to wait out.
func (m *Manager) AbortServicePackage(ctx context.Context, spInstanceID string, timeout time.Duration) error {
	v, ok := m.Lookup(spInstanceID)
	if !ok {
		return hostingerrors.New(hostingerrors.CodeApplicationNotFound, "service package instance %s not open", spInstanceID)
	}
	log.WithComponent("hostingquery").Warn().Msgf("aborting service package %s", spInstanceID)
	err := v.Close(ctx, timeout)
	m.Unregister(spInstanceID)
	return err
}

type restartRequest struct {
	ServicePackageInstanceID string `json:"servicePackageInstanceId"`
	CodePackageName          string `json:"codePackageName"`
	ObservedInstanceID       string `json:"observedInstanceId"`
	TimeoutSeconds           int    `json:"timeoutSeconds"`
}

type abortCodePackageRequest struct {
	ServicePackageInstanceID string `json:"servicePackageInstanceId"`
	CodePackageName          string `json:"codePackageName"`
}

type abortServicePackageRequest struct {
	ServicePackageInstanceID string `json:"servicePackageInstanceId"`
	TimeoutSeconds           int    `json:"timeoutSeconds"`
}

func writeResult(w http.ResponseWriter, err error) {
	if err == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	if hostingerrors.Is(err, hostingerrors.CodeApplicationNotFound) || hostingerrors.Is(err, hostingerrors.CodeCodePackageNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func timeoutOrDefault(seconds int) time.Duration {
	if seconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(seconds) * time.Second
}

// Handler returns an http.Handler mounting the administrative query
// surface (list/restart/abort), mirroring the way pkg/metrics.Handler()
// is mounted alongside it in cmd/hostingd.
func (m *Manager) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/query/service-packages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.ListServicePackages())
	})

	mux.HandleFunc("/query/restart-code-package", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req restartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err := m.RestartCodePackage(r.Context(), req.ServicePackageInstanceID, req.CodePackageName, req.ObservedInstanceID, timeoutOrDefault(req.TimeoutSeconds))
		writeResult(w, err)
	})

	mux.HandleFunc("/query/abort-code-package", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req abortCodePackageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err := m.AbortCodePackage(r.Context(), req.ServicePackageInstanceID, req.CodePackageName)
		writeResult(w, err)
	})

	mux.HandleFunc("/query/abort-service-package", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req abortServicePackageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err := m.AbortServicePackage(r.Context(), req.ServicePackageInstanceID, timeoutOrDefault(req.TimeoutSeconds))
		writeResult(w, err)
	})

	return mux
}
