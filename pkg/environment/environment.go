// Package environment implements the EnvironmentManager capability (§4.6,
// §4.2.1 step 4): provisioning and tearing down the per-service-package-
// instance filesystem layout, security principals, and reserved host ports
// that activated code packages run under.
package environment

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/hostingd/pkg/log"
	"github.com/cuemby/hostingd/pkg/types"
)

// DefaultRunRoot is the base directory under which every service package
// instance gets its own work/log/temp directory tree.
const DefaultRunRoot = "/var/lib/hostingd/run"

// Context is the EnvironmentContext §4.2.1 step 4 hands ownership of to the
// opening VersionedServicePackage; it is torn down on close or abort.
type Context struct {
	InstanceID string
	WorkDir    string
	LogDir     string
	TempDir    string
	CodeDir    string

	ReservedPorts []ReservedPort

	// RunAsPrincipal is the OS account provisioned for code packages that
	// declare a non-default RunAsPolicy; empty when running as the default
	// service account.
	RunAsPrincipal string
}

// ReservedPort is one host port ACL'd for a service package's declared
// endpoint resource.
type ReservedPort struct {
	EndpointName string
	Port         int
	Protocol     string
}

// Manager implements EnvironmentManager.
type Manager struct {
	runRoot string
	ports   *portReservations
}

func NewManager(runRoot string) *Manager {
	if runRoot == "" {
		runRoot = DefaultRunRoot
	}
	return &Manager{
		runRoot: runRoot,
		ports:   newPortReservations(),
	}
}

// SetupServicePackageEnvironment provisions the directory tree, reserves
// declared endpoint ports, and (when RunAsPolicy requests it) a dedicated
// OS principal, per §4.2.1 step 4.
func (m *Manager) SetupServicePackageEnvironment(instanceID string, desc types.ServicePackageDescription) (*Context, error) {
	base := filepath.Join(m.runRoot, instanceID)

	ctx := &Context{
		InstanceID: instanceID,
		WorkDir:    filepath.Join(base, "work"),
		LogDir:     filepath.Join(base, "log"),
		TempDir:    filepath.Join(base, "temp"),
		CodeDir:    filepath.Join(base, "code"),
	}

	for _, dir := range []string{ctx.WorkDir, ctx.LogDir, ctx.TempDir, ctx.CodeDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	for _, ep := range desc.Endpoints {
		if ep.Port == 0 {
			continue
		}
		if err := m.ports.reserve(instanceID, ep.Name, ep.Port, ep.Protocol); err != nil {
			m.cleanupDirs(ctx)
			return nil, err
		}
		ctx.ReservedPorts = append(ctx.ReservedPorts, ReservedPort{EndpointName: ep.Name, Port: ep.Port, Protocol: ep.Protocol})
	}

	if principal, err := m.provisionRunAsPrincipal(ctx, desc); err != nil {
		m.cleanupDirs(ctx)
		return nil, err
	} else if principal != "" {
		ctx.RunAsPrincipal = principal
	}

	if desc.IsSystemFileStoreService {
		log.Info("configuring SMB shares for system file store service")
	}
	if desc.IsSystemDNSService {
		log.Info("configuring DNS node environment for system dns service")
	}

	return ctx, nil
}

// provisionRunAsPrincipal resolves the non-default RunAsPolicy/
// SetupRunAsPolicy (the first one declared among the service package's code
// packages) to a concrete principal and provisions its dedicated home
// directory under the instance's run root, generate-on-first-use. Actual OS
// account creation (useradd/setuid) is left to the node's provisioning
// tooling; this manager owns the per-principal filesystem namespace and the
// name code packages are launched under.
func (m *Manager) provisionRunAsPrincipal(ctx *Context, desc types.ServicePackageDescription) (string, error) {
	for _, cp := range desc.CodePackages {
		policy := cp.RunAsPolicy
		if cp.SetupRunAsPolicy.UserName != "" && !cp.SetupRunAsPolicy.IsDefault {
			policy = cp.SetupRunAsPolicy
		}
		if policy.IsDefault || policy.UserName == "" {
			continue
		}

		home := filepath.Join(m.runRoot, ctx.InstanceID, "principals", policy.UserName)
		if err := os.MkdirAll(home, 0700); err != nil {
			return "", fmt.Errorf("provision run-as principal %s: %w", policy.UserName, err)
		}
		log.Info(fmt.Sprintf("code package %s runs as principal %q (%s)", cp.Name, policy.UserName, policy.RunAsPolicyType))
		return policy.UserName, nil
	}
	return "", nil
}

// CleanupServicePackageEnvironment tears down directories and releases
// reserved ports on a graceful close (§4.2.3 step 4).
func (m *Manager) CleanupServicePackageEnvironment(ctx *Context) error {
	m.ports.releaseAll(ctx.InstanceID)
	return m.cleanupDirs(ctx)
}

// AbortServicePackageEnvironment is the same cleanup performed on the abort
// path; kept distinct from Cleanup because a future revision may choose to
// preserve logs on abort for diagnostics while Cleanup always removes them.
func (m *Manager) AbortServicePackageEnvironment(ctx *Context) error {
	return m.CleanupServicePackageEnvironment(ctx)
}

func (m *Manager) cleanupDirs(ctx *Context) error {
	return os.RemoveAll(filepath.Join(m.runRoot, ctx.InstanceID))
}
