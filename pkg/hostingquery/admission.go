package hostingquery

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/hostingd/pkg/activator"
	"github.com/cuemby/hostingd/pkg/types"
	"github.com/cuemby/hostingd/pkg/vsp"
)

// OpenServicePackage is the node's admission path: it builds a
// VersionedServicePackage from desc and drives its activation through the
// Activator's retry harness (§4.4's activate_service_package_instance),
// registering it with m once activation succeeds. This is the one place
// a description handed down by whatever manages this node (the package
// store, in §8's terms) turns into a live, tracked instance.
func (m *Manager) OpenServicePackage(
	ctx context.Context,
	act *activator.Manager,
	deps vsp.Dependencies,
	instanceID, appName, activatorCPName string,
	instanceSeq uint64,
	versionInstance types.ServicePackageVersionInstance,
	desc types.ServicePackageDescription,
	openTimeout time.Duration,
	maxFailure uint64,
	ensureLatest bool,
) error {
	v := vsp.New(instanceID, appName, activatorCPName, instanceSeq, versionInstance, desc, false, 0, deps)

	req := activator.Request{
		ID:           instanceID,
		Version:      versionInstance.String(),
		MaxFailure:   maxFailure,
		EnsureLatest: ensureLatest,
		Work: func(opCtx context.Context) error {
			return v.Open(opCtx, openTimeout)
		},
	}

	if err := act.ActivateServicePackageInstance(ctx, req); err != nil {
		return err
	}

	m.Register(v)
	return nil
}

// openServicePackageRequest is the wire shape for the admission endpoint.
type openServicePackageRequest struct {
	InstanceID           string                              `json:"instanceId"`
	ApplicationName      string                              `json:"applicationName"`
	ActivatorCodePackage string                              `json:"activatorCodePackageName"`
	InstanceSeq          uint64                              `json:"instanceSeq"`
	VersionInstance      types.ServicePackageVersionInstance `json:"versionInstance"`
	Description          types.ServicePackageDescription     `json:"description"`
	OpenTimeoutSeconds   int                                 `json:"openTimeoutSeconds"`
	MaxFailure           uint64                              `json:"maxFailure"`
	EnsureLatest         bool                                `json:"ensureLatest"`
}

// Admit wires OpenServicePackage up as an HTTP handler, driven by act and
// deps captured at startup. cmd/hostingd mounts it alongside Handler().
func (m *Manager) Admit(act *activator.Manager, deps vsp.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req openServicePackageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		err := m.OpenServicePackage(
			r.Context(), act, deps,
			req.InstanceID, req.ApplicationName, req.ActivatorCodePackage,
			req.InstanceSeq, req.VersionInstance, req.Description,
			timeoutOrDefault(req.OpenTimeoutSeconds), req.MaxFailure, req.EnsureLatest,
		)
		writeResult(w, err)
	}
}
