package types

import "fmt"

// ActivationContextKind distinguishes shared service package instances
// (one per service package on the node) from exclusive ones (one per
// activation, identified by a GUID), per the data model's identifier table.
type ActivationContextKind string

const (
	ActivationContextShared    ActivationContextKind = "shared"
	ActivationContextExclusive ActivationContextKind = "exclusive"
)

// ActivationContext is shared or exclusive(guid); two exclusive instances of
// the same service package coexist on a node.
type ActivationContext struct {
	Kind ActivationContextKind
	GUID string // populated only when Kind == ActivationContextExclusive
}

func SharedActivation() ActivationContext {
	return ActivationContext{Kind: ActivationContextShared}
}

func ExclusiveActivation(guid string) ActivationContext {
	return ActivationContext{Kind: ActivationContextExclusive, GUID: guid}
}

func (a ActivationContext) String() string {
	if a.Kind == ActivationContextExclusive {
		return fmt.Sprintf("exclusive(%s)", a.GUID)
	}
	return "shared"
}

// ApplicationIdentifier is stable across a node's lifetime: (app_type_name, app_number).
type ApplicationIdentifier struct {
	TypeName string
	Number   uint64
}

func (a ApplicationIdentifier) String() string {
	return fmt.Sprintf("%s:%d", a.TypeName, a.Number)
}

// ServicePackageIdentifier is (ApplicationIdentifier, service_package_name).
type ServicePackageIdentifier struct {
	Application ApplicationIdentifier
	PackageName string
}

func (s ServicePackageIdentifier) String() string {
	return fmt.Sprintf("%s/%s", s.Application, s.PackageName)
}

// ServicePackageInstanceIdentifier is (ServicePackageIdentifier, ActivationContext, public_activation_id).
type ServicePackageInstanceIdentifier struct {
	ServicePackage     ServicePackageIdentifier
	Activation         ActivationContext
	PublicActivationID string
}

func (s ServicePackageInstanceIdentifier) String() string {
	if s.PublicActivationID == "" {
		return fmt.Sprintf("%s@%s", s.ServicePackage, s.Activation)
	}
	return fmt.Sprintf("%s@%s#%s", s.ServicePackage, s.Activation, s.PublicActivationID)
}

// CodePackageIdentifier is (ServicePackageIdentifier, code_package_name).
type CodePackageIdentifier struct {
	ServicePackage  ServicePackageIdentifier
	CodePackageName string
}

func (c CodePackageIdentifier) String() string {
	return fmt.Sprintf("%s/%s", c.ServicePackage, c.CodePackageName)
}

// CodePackageInstanceIdentifier is (CodePackageIdentifier, service_package_activation_ctx).
type CodePackageInstanceIdentifier struct {
	CodePackage CodePackageIdentifier
	ActivationContext ActivationContext
}

func (c CodePackageInstanceIdentifier) String() string {
	return fmt.Sprintf("%s@%s", c.CodePackage, c.ActivationContext)
}

// ServicePackageVersion is (application_version, rollout_version).
type ServicePackageVersion struct {
	ApplicationVersion string
	RolloutVersion     string
}

func (v ServicePackageVersion) String() string {
	return fmt.Sprintf("%s/%s", v.ApplicationVersion, v.RolloutVersion)
}

func (v ServicePackageVersion) Equal(o ServicePackageVersion) bool {
	return v.ApplicationVersion == o.ApplicationVersion && v.RolloutVersion == o.RolloutVersion
}

// ServicePackageVersionInstance is (ServicePackageVersion, instance_id); instance_id
// increments on each re-activation.
type ServicePackageVersionInstance struct {
	Version    ServicePackageVersion
	InstanceID uint64
}

func (vi ServicePackageVersionInstance) String() string {
	return fmt.Sprintf("%s#%d", vi.Version, vi.InstanceID)
}

func (vi ServicePackageVersionInstance) Equal(o ServicePackageVersionInstance) bool {
	return vi.Version.Equal(o.Version) && vi.InstanceID == o.InstanceID
}

// FailureID is the stable string the state manager uses to deduplicate
// continuous-failure tracking across retries: "VersionedServicePackage:<id>:<instance>".
func FailureID(spInstanceID string, instanceID uint64) string {
	return fmt.Sprintf("VersionedServicePackage:%s:%d", spInstanceID, instanceID)
}

// ServiceTypeInstanceIdentifier identifies one declared service type within
// one service package instance.
type ServiceTypeInstanceIdentifier struct {
	ServicePackageInstance string // ServicePackageInstanceIdentifier.String()
	ServiceTypeName        string
}

func (s ServiceTypeInstanceIdentifier) String() string {
	return fmt.Sprintf("%s/%s", s.ServicePackageInstance, s.ServiceTypeName)
}
