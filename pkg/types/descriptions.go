package types

import "time"

// EntryPointKind distinguishes an executable entry point from a container one.
type EntryPointKind string

const (
	EntryPointExe       EntryPointKind = "exe"
	EntryPointContainer EntryPointKind = "container"
)

// WorkingFolder selects which of the code package's provisioned directories
// becomes the process's working directory.
type WorkingFolder string

const (
	WorkingFolderWork WorkingFolder = "work"
	WorkingFolderCode WorkingFolder = "code"
	WorkingFolderLog  WorkingFolder = "log"
)

// IsolationMode selects which ProcessActivator backend a code package's
// entry point is routed to.
type IsolationMode string

const (
	IsolationProcess   IsolationMode = "process"   // plain os/exec supervision
	IsolationContainer IsolationMode = "container" // containerd
	IsolationHyperV    IsolationMode = "hyperv"    // VM-isolated (lima)
)

// ContainerPortBinding maps a container port to a host port/protocol.
type ContainerPortBinding struct {
	ContainerPort int
	HostPort      int
	Protocol      string
}

// ContainerPolicies carries the container-specific knobs a digested code
// package description may declare.
type ContainerPolicies struct {
	Image        string
	Labels       map[string]string
	Mounts       []ContainerMount
	PortBindings []ContainerPortBinding
	Certificates []ContainerCertificateDescription
}

type ContainerMount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

type ContainerCertificateDescription struct {
	Name          string
	X509StoreName string
	X509FindValue string
	DataPath      string // exported PFX/PEM path inside the container
}

// RunAsPolicy describes the account a code package's instance runs under.
type RunAsPolicy struct {
	UserName    string
	IsDefault   bool
	RunAsPolicyType string // e.g. "LocalUser", "NetworkService", "SetupUser"
}

// ResourceGovernanceDescription carries per-code-package CPU/memory shares,
// scaled by LocalResourceManager.CPUCorrectionFactor when admitted.
type ResourceGovernanceDescription struct {
	CPUShares        int64 // relative weight among siblings; 0 == "unset"
	CPUCores         float64
	MemoryMB         int64
	MemoryReservationMB int64
}

// DigestedCodePackageDescription is immutable per version: name, version,
// rollout version, is_shared, is_activator, entry point, run-as policy,
// debug parameters, container policies.
type DigestedCodePackageDescription struct {
	Name           string
	Version        string
	RolloutVersion string
	IsShared       bool
	IsActivator    bool

	EntryPointKind EntryPointKind
	Isolation      IsolationMode

	ExePath        string
	Arguments      []string
	WorkingFolder  WorkingFolder

	Container ContainerPolicies

	RunAsPolicy      RunAsPolicy
	SetupRunAsPolicy RunAsPolicy
	DebugParameters  map[string]string

	Resources ResourceGovernanceDescription

	// RunInterval, when non-zero, makes the code package periodic: it is
	// rescheduled at the next multiple of RunInterval after its last
	// activation rather than immediately on exit (§4.1 retry scheduling).
	RunInterval time.Duration

	// ContentChecksum participates in VSP switch's version_update_only test:
	// CPs with the same RolloutVersion and ContentChecksum are updated in
	// place rather than restarted.
	ContentChecksum string

	CtrlCOnExit bool
}

// EndpointResource is a named network endpoint a service package reserves
// host ports for.
type EndpointResource struct {
	Name     string
	Protocol string
	Port     int
	// UriScheme, when set, indicates the endpoint is published with a URI
	// (e.g. http/https) rather than a bare port.
	UriScheme string
}

// DigestedConfigPackageDescription and DigestedDataPackageDescription are
// the non-code-package payloads a service package may also declare; the
// core treats them as opaque, versioned blobs it stages but does not
// interpret.
type DigestedConfigPackageDescription struct {
	Name           string
	Version        string
	RolloutVersion string
}

type DigestedDataPackageDescription struct {
	Name           string
	Version        string
	RolloutVersion string
}

// ServicePackageDescription is immutable per version: manifest version,
// content checksum, ordered digested code packages, digested config/data
// packages, endpoint resources, RG description, DNS/runtime access flags,
// diagnostics.
type ServicePackageDescription struct {
	ManifestVersion string
	ContentChecksum string

	CodePackages   []DigestedCodePackageDescription
	ConfigPackages []DigestedConfigPackageDescription
	DataPackages   []DigestedDataPackageDescription

	Endpoints []EndpointResource

	// ServicePackageResources is the SP-level totals used by LRM admission;
	// per-CP shares live on each DigestedCodePackageDescription.
	ServicePackageResources ResourceGovernanceDescription

	DNSEnabled        bool
	FabricRuntimeAccessEnabled bool

	// ETWProviderGUIDs is carried through for diagnostics wiring; the core
	// does not interpret it.
	ETWProviderGUIDs []string

	// ServiceTypeNames are the guest service types this SP declares; a
	// non-empty set causes VersionedServicePackage.Open to synthesize an
	// implicit type-host CodePackage (§4.2.1 step 8) unless the SP is
	// on-demand-activated.
	ServiceTypeNames []string

	// IsSystemFileStoreService / IsSystemDNSService flag the two
	// special-cased system packages whose environment setup additionally
	// configures SMB shares / DNS node environment (§4.2.1 step 5).
	IsSystemFileStoreService bool
	IsSystemDNSService       bool
}

// CodePackageByName returns the digested description for name, if present.
func (d ServicePackageDescription) CodePackageByName(name string) (DigestedCodePackageDescription, bool) {
	for _, cp := range d.CodePackages {
		if cp.Name == name {
			return cp, true
		}
	}
	return DigestedCodePackageDescription{}, false
}

// ActivatorCodePackage returns the CP flagged IsActivator, if the SP
// declares on-demand activation.
func (d ServicePackageDescription) ActivatorCodePackage() (DigestedCodePackageDescription, bool) {
	for _, cp := range d.CodePackages {
		if cp.IsActivator {
			return cp, true
		}
	}
	return DigestedCodePackageDescription{}, false
}

// IsOnDemandActivated reports whether the SP has an explicit activator CP.
func (d ServicePackageDescription) IsOnDemandActivated() bool {
	_, ok := d.ActivatorCodePackage()
	return ok
}
