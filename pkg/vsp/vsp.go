// Package vsp implements VersionedServicePackage: the per-version-instance
// orchestrator that owns a service package's code packages across open,
// rolling-upgrade switch, and close (§4.2).
package vsp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/hostingd/pkg/activation"
	"github.com/cuemby/hostingd/pkg/codepackage"
	"github.com/cuemby/hostingd/pkg/environment"
	"github.com/cuemby/hostingd/pkg/hostingerrors"
	"github.com/cuemby/hostingd/pkg/log"
	"github.com/cuemby/hostingd/pkg/lrm"
	"github.com/cuemby/hostingd/pkg/messagebus"
	"github.com/cuemby/hostingd/pkg/metrics"
	"github.com/cuemby/hostingd/pkg/servicetype"
	"github.com/cuemby/hostingd/pkg/storage"
	"github.com/cuemby/hostingd/pkg/types"
	"github.com/google/uuid"
)

// Dependencies are the shared, node-level components every VSP registers
// with on open and unregisters from on close.
type Dependencies struct {
	LRM          *lrm.Manager
	ServiceTypes *servicetype.Manager
	Environment  *environment.Manager
	Backends     *activation.Registry
	Bus          messagebus.MessageBus
	Health       messagebus.HealthReporter
	Store        storage.Store
	CPConfig     codepackage.Config
}

const (
	healthPropertyActivation = messagebus.PropertyActivation
	modifyRetryBase          = 500 * time.Millisecond
	modifyRetryCap           = 5 * time.Second
)

// VersionedServicePackage is one service package instance at one version,
// per §4.2.
type VersionedServicePackage struct {
	mu sync.Mutex

	instanceID  string // ServicePackageInstanceIdentifier.String()
	appName     string
	packageName string
	instanceSeq uint64
	failureID   string

	state types.VersionedServicePackageState

	versionInstance types.ServicePackageVersionInstance
	description     types.ServicePackageDescription

	env *environment.Context

	codePackages map[string]*codepackage.CodePackage

	activatorCPName      string
	activatorInstanceKey string // instanceID of the activator CP's live CodePackage
	isOnDemand           bool
	isGuestApplication   bool

	serviceTypeIDs     []types.ServiceTypeInstanceIdentifier
	regTimeout         time.Duration
	lastActivationTime map[string]time.Time

	deps Dependencies

	pendingOps   map[string]context.CancelFunc
	drainBlocked bool

	failureCount uint64
}

// New constructs a VersionedServicePackage in state Created.
func New(instanceID, appName, packageName string, instanceSeq uint64, versionInstance types.ServicePackageVersionInstance, desc types.ServicePackageDescription, isGuestApplication bool, regTimeout time.Duration, deps Dependencies) *VersionedServicePackage {
	return &VersionedServicePackage{
		instanceID:         instanceID,
		appName:            appName,
		packageName:        packageName,
		instanceSeq:        instanceSeq,
		failureID:          types.FailureID(instanceID, instanceSeq),
		state:              types.VSPCreated,
		versionInstance:    versionInstance,
		description:        desc,
		isGuestApplication: isGuestApplication,
		regTimeout:         regTimeout,
		lastActivationTime: make(map[string]time.Time),
		deps:               deps,
		codePackages:       make(map[string]*codepackage.CodePackage),
		pendingOps:         make(map[string]context.CancelFunc),
	}
}

func (v *VersionedServicePackage) State() types.VersionedServicePackageState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// CodePackage returns the live CodePackage for name, for the query manager
// and tests to inspect.
func (v *VersionedServicePackage) CodePackage(name string) (*codepackage.CodePackage, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cp, ok := v.codePackages[name]
	return cp, ok
}

// CodePackageNames returns the names of every currently-loaded code
// package.
func (v *VersionedServicePackage) CodePackageNames() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	names := make([]string, 0, len(v.codePackages))
	for name := range v.codePackages {
		names = append(names, name)
	}
	return names
}

// InstanceID returns the service package instance identifier string.
func (v *VersionedServicePackage) InstanceID() string {
	return v.instanceID
}

func (v *VersionedServicePackage) transitionLocked(to types.VersionedServicePackageState) error {
	if !v.state.CanTransition(to) {
		return hostingerrors.New(hostingerrors.CodeInvalidState, "service package %s: illegal transition %s -> %s", v.instanceID, v.state, to)
	}
	v.state = to
	metrics.ServicePackagesTotal.WithLabelValues(string(to)).Inc()
	return nil
}

// Open brings the service package from Created to Opened, per §4.2.1.
func (v *VersionedServicePackage) Open(ctx context.Context, timeout time.Duration) error {
	timer := metrics.NewTimer()

	v.mu.Lock()
	if err := v.transitionLocked(types.VSPOpening); err != nil {
		v.mu.Unlock()
		return err
	}
	desc := v.description
	v.isOnDemand = desc.IsOnDemandActivated() || v.isGuestApplication
	v.mu.Unlock()

	if err := v.deps.LRM.RegisterServicePackage(v.instanceID, desc.ServicePackageResources); err != nil {
		v.deps.Health.Report(v.instanceID, healthPropertyActivation, messagebus.HealthWarning,
			messagebus.EventAvailableResourceCapacityMismatch, err.Error(), 0)
	}

	v.deps.Health.RegisterSource(v.instanceID, v.appName, healthPropertyActivation)

	envCtx, err := v.deps.Environment.SetupServicePackageEnvironment(v.instanceID, desc)
	if err != nil {
		v.failOpen(ctx, fmt.Errorf("setup environment: %w", err))
		return err
	}

	v.mu.Lock()
	v.env = envCtx
	v.mu.Unlock()

	v.persistRecord()

	for _, name := range desc.ServiceTypeNames {
		id := types.ServiceTypeInstanceIdentifier{ServicePackageInstance: v.instanceID, ServiceTypeName: name}
		v.deps.ServiceTypes.Add(id)
		v.mu.Lock()
		v.serviceTypeIDs = append(v.serviceTypeIDs, id)
		v.lastActivationTime[name] = time.Now()
		v.mu.Unlock()
	}

	cps := v.loadCodePackages(desc)

	if err := v.activateSet(ctx, cps, timeout); err != nil {
		v.abortSet(ctx, cps)
		v.deps.Environment.AbortServicePackageEnvironment(envCtx)
		v.mu.Lock()
		v.transitionLocked(types.VSPFailed)
		v.mu.Unlock()
		return fmt.Errorf("open %s: %w", v.instanceID, err)
	}

	v.mu.Lock()
	for name, cp := range cps {
		v.codePackages[name] = cp
	}
	err = v.transitionLocked(types.VSPOpened)
	v.mu.Unlock()
	if err != nil {
		return err
	}

	v.deps.Health.Report(v.instanceID, healthPropertyActivation, messagebus.HealthOK,
		messagebus.EventServicePackageActivated, "service package activated", 0)
	timer.ObserveDuration(metrics.ServicePackageOpenDuration)
	return nil
}

func (v *VersionedServicePackage) failOpen(ctx context.Context, cause error) {
	v.mu.Lock()
	v.transitionLocked(types.VSPFailed)
	v.mu.Unlock()
	v.deps.Health.Report(v.instanceID, healthPropertyActivation, messagebus.HealthError,
		messagebus.EventActivationFailed, cause.Error(), 0)
}

// loadCodePackages implements §4.2.1 step 8: on-demand SPs load only the
// activator CP; otherwise every CP, plus a synthesized type-host CP when
// the SP declares guest service types.
func (v *VersionedServicePackage) loadCodePackages(desc types.ServicePackageDescription) map[string]*codepackage.CodePackage {
	result := make(map[string]*codepackage.CodePackage)

	if v.isOnDemand {
		if activatorDesc, ok := desc.ActivatorCodePackage(); ok {
			v.mu.Lock()
			v.activatorCPName = activatorDesc.Name
			v.activatorInstanceKey = fmt.Sprintf("%s/%s", v.instanceID, activatorDesc.Name)
			v.mu.Unlock()
			result[activatorDesc.Name] = v.newCodePackage(activatorDesc)
		}
		return result
	}

	for _, cpDesc := range desc.CodePackages {
		result[cpDesc.Name] = v.newCodePackage(cpDesc)
	}

	if len(desc.ServiceTypeNames) > 0 {
		typeHost := synthesizeTypeHostDescription(desc)
		result[typeHost.Name] = v.newCodePackage(typeHost)
	}

	return result
}

// synthesizeTypeHostDescription stands in for the implicit runtime host
// that guest service types register against. This engine does not model
// the guest-runtime registration protocol itself (out of scope per the
// REDESIGN notes), so the type host is a minimal no-restart placeholder
// CodePackage that exists to carry a failure id and lifecycle for the
// declared service types.
func synthesizeTypeHostDescription(desc types.ServicePackageDescription) types.DigestedCodePackageDescription {
	return types.DigestedCodePackageDescription{
		Name:           "ServiceTypeHost",
		RolloutVersion: desc.ContentChecksum,
		EntryPointKind: types.EntryPointExe,
		Isolation:      types.IsolationProcess,
		ExePath:        "/bin/true",
		RunInterval:    0,
	}
}

func (v *VersionedServicePackage) newCodePackage(desc types.DigestedCodePackageDescription) *codepackage.CodePackage {
	backend, ok := v.deps.Backends.For(desc.Isolation)
	if !ok {
		backend, _ = v.deps.Backends.For(types.IsolationProcess)
	}
	instanceID := fmt.Sprintf("%s/%s", v.instanceID, desc.Name)
	v.mu.Lock()
	spDesc := v.description
	v.mu.Unlock()
	pd := types.ProcessDescription{
		ExePath:               desc.ExePath,
		Arguments:             desc.Arguments,
		CgroupOrJobObjectName: instanceID,
		Isolation:             desc.Isolation,
		ResourceGovernance:    v.effectiveResourceGovernance(desc, spDesc),
		IsContainerHost:       desc.EntryPointKind == types.EntryPointContainer,
		ContainerImage:        desc.Container.Image,
		ContainerMounts:       desc.Container.Mounts,
		ContainerPorts:        desc.Container.PortBindings,
	}
	if v.env != nil {
		pd.WorkDir = v.env.WorkDir
		pd.LogDir = v.env.LogDir
		pd.TempDir = v.env.TempDir
	}
	return codepackage.New(instanceID, desc, pd, backend, v, v.deps.CPConfig)
}

// effectiveResourceGovernance applies §4.5's CPU-shaping fraction: desc's
// declared CPU cores (if any) are overridden by its entitled share of
// spDesc's service-package-level CPU core total, computed against every
// sibling code package's declared cpu_shares. Memory stays as declared
// per-CP; only CPU is shaped at the service package level.
func (v *VersionedServicePackage) effectiveResourceGovernance(desc types.DigestedCodePackageDescription, spDesc types.ServicePackageDescription) types.ResourceGovernanceDescription {
	rg := desc.Resources
	if spDesc.ServicePackageResources.CPUCores <= 0 {
		return rg
	}

	siblings := make([]types.ResourceGovernanceDescription, 0, len(spDesc.CodePackages))
	for _, cpDesc := range spDesc.CodePackages {
		siblings = append(siblings, cpDesc.Resources)
	}
	rg.CPUCores = spDesc.ServicePackageResources.CPUCores * lrm.CPUShareFraction(rg, siblings)
	return rg
}

// activateSet activates every CP in the set in parallel and returns the
// first error, if any (§4.2.1 step 9).
func (v *VersionedServicePackage) activateSet(ctx context.Context, set map[string]*codepackage.CodePackage, timeout time.Duration) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(set))
	for _, cp := range set {
		wg.Add(1)
		go func(cp *codepackage.CodePackage) {
			defer wg.Done()
			if err := cp.Activate(ctx, timeout); err != nil {
				errCh <- err
			}
		}(cp)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func (v *VersionedServicePackage) abortSet(ctx context.Context, set map[string]*codepackage.CodePackage) {
	var wg sync.WaitGroup
	for _, cp := range set {
		wg.Add(1)
		go func(cp *codepackage.CodePackage) {
			defer wg.Done()
			_ = cp.AbortAndWaitForTermination(ctx)
		}(cp)
	}
	wg.Wait()
}

func (v *VersionedServicePackage) deactivateSet(ctx context.Context, set map[string]*codepackage.CodePackage, timeout time.Duration) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(set))
	for _, cp := range set {
		wg.Add(1)
		go func(cp *codepackage.CodePackage) {
			defer wg.Done()
			if err := cp.Deactivate(ctx, timeout); err != nil {
				errCh <- err
			}
		}(cp)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func (v *VersionedServicePackage) persistRecord() {
	v.mu.Lock()
	rec := &storage.ServicePackageRecord{
		InstanceID:     v.instanceID,
		ApplicationName: v.appName,
		PackageName:    v.packageName,
		Version:        v.versionInstance.Version.ApplicationVersion,
		RolloutVersion: v.versionInstance.Version.RolloutVersion,
		InstanceSeq:    v.instanceSeq,
		State:          string(v.state),
		UpdatedAt:      time.Now(),
	}
	v.mu.Unlock()
	if err := v.deps.Store.SaveServicePackage(rec); err != nil {
		log.WithServicePackage(v.instanceID).Error().Err(err).Msg("persist service package record failed")
	}
}

// Switch performs a rolling upgrade in place, per §4.2.2.
func (v *VersionedServicePackage) Switch(ctx context.Context, newVI types.ServicePackageVersionInstance, newDesc types.ServicePackageDescription, timeout time.Duration) error {
	timer := metrics.NewTimer()

	v.mu.Lock()
	if v.state != types.VSPOpened {
		v.mu.Unlock()
		return hostingerrors.New(hostingerrors.CodeInvalidState, "switch %s: not opened", v.instanceID)
	}
	if newVI.Equal(v.versionInstance) {
		v.mu.Unlock()
		return nil
	}
	if err := v.transitionLocked(types.VSPSwitching); err != nil {
		v.mu.Unlock()
		return err
	}
	oldDesc := v.description
	isOnDemand := v.isOnDemand
	v.mu.Unlock()

	if isOnDemand {
		if err := validateOnDemandSwitch(oldDesc, newDesc); err != nil {
			v.mu.Lock()
			v.transitionLocked(types.VSPFailed)
			v.mu.Unlock()
			metrics.ServicePackageSwitchesTotal.WithLabelValues("rejected").Inc()
			return err
		}
	}

	versionUpdateOnly := oldDesc.ContentChecksum == newDesc.ContentChecksum

	if versionUpdateOnly {
		if err := v.updateAllCodePackages(ctx, newVI, newDesc, timeout); err != nil {
			v.switchFailed(ctx, err)
			return err
		}
	} else {
		toActivate, toDeactivate, toUpdate := partitionCodePackages(oldDesc, newDesc, isOnDemand)

		v.mu.Lock()
		deactivating := make(map[string]*codepackage.CodePackage)
		for name := range toDeactivate {
			if cp, ok := v.codePackages[name]; ok {
				deactivating[name] = cp
			}
		}
		// A CP in toActivate whose name already exists is being replaced
		// (its RolloutVersion changed); its running instance must stop
		// before the replacement starts, same as an explicit Deactivate.
		for name := range toActivate {
			if cp, ok := v.codePackages[name]; ok {
				deactivating[name] = cp
			}
		}
		v.mu.Unlock()

		if err := v.deactivateSet(ctx, deactivating, timeout); err != nil {
			v.switchFailed(ctx, err)
			return err
		}
		v.mu.Lock()
		for name := range toDeactivate {
			delete(v.codePackages, name)
		}
		for name := range toActivate {
			delete(v.codePackages, name)
		}
		v.mu.Unlock()

		v.mu.Lock()
		v.versionInstance = newVI
		v.description = newDesc
		v.mu.Unlock()
		v.persistRecord()

		if err := v.updateExisting(ctx, toUpdate, newVI, newDesc, timeout); err != nil {
			v.switchFailed(ctx, err)
			return err
		}

		newCPs := make(map[string]*codepackage.CodePackage)
		for name := range toActivate {
			cpDesc, ok := newDesc.CodePackageByName(name)
			if !ok {
				continue
			}
			newCPs[name] = v.newCodePackage(cpDesc)
		}
		if err := v.activateSet(ctx, newCPs, timeout); err != nil {
			v.abortSet(ctx, newCPs)
			v.switchFailed(ctx, err)
			return err
		}
		v.mu.Lock()
		for name, cp := range newCPs {
			v.codePackages[name] = cp
		}
		v.mu.Unlock()
	}

	if versionUpdateOnly {
		v.mu.Lock()
		v.versionInstance = newVI
		v.description = newDesc
		v.mu.Unlock()
		v.persistRecord()
	}

	v.mu.Lock()
	err := v.transitionLocked(types.VSPOpened)
	v.mu.Unlock()
	if err != nil {
		return err
	}
	metrics.ServicePackageSwitchesTotal.WithLabelValues("success").Inc()
	timer.ObserveDuration(metrics.ServicePackageSwitchDuration)
	return nil
}

func (v *VersionedServicePackage) switchFailed(ctx context.Context, cause error) {
	v.mu.Lock()
	cps := make(map[string]*codepackage.CodePackage, len(v.codePackages))
	for name, cp := range v.codePackages {
		cps[name] = cp
	}
	v.mu.Unlock()
	v.abortSet(ctx, cps)
	v.mu.Lock()
	v.transitionLocked(types.VSPFailed)
	v.mu.Unlock()
	metrics.ServicePackageSwitchesTotal.WithLabelValues("failed").Inc()
	log.WithServicePackage(v.instanceID).Error().Err(cause).Msg("switch failed")
}

// validateOnDemandSwitch enforces §4.2.2 step 9: on-demand SPs may only
// roll dependent CPs; the CP name set and the activator's rollout version
// must be unchanged.
func validateOnDemandSwitch(oldDesc, newDesc types.ServicePackageDescription) error {
	oldActivator, ok := oldDesc.ActivatorCodePackage()
	if !ok {
		return nil
	}
	newActivator, ok := newDesc.ActivatorCodePackage()
	if !ok || newActivator.RolloutVersion != oldActivator.RolloutVersion {
		return hostingerrors.New(hostingerrors.CodeHostingServicePackageVersionMismatch,
			"on-demand switch must leave the activator code package's rollout version unchanged")
	}
	oldNames := make(map[string]bool)
	for _, cp := range oldDesc.CodePackages {
		oldNames[cp.Name] = true
	}
	newNames := make(map[string]bool)
	for _, cp := range newDesc.CodePackages {
		newNames[cp.Name] = true
	}
	if len(oldNames) != len(newNames) {
		return hostingerrors.New(hostingerrors.CodeHostingServicePackageVersionMismatch,
			"on-demand switch must not change the set of code package names")
	}
	for name := range oldNames {
		if !newNames[name] {
			return hostingerrors.New(hostingerrors.CodeHostingServicePackageVersionMismatch,
				"on-demand switch must not change the set of code package names")
		}
	}
	return nil
}

// partitionCodePackages implements §4.2.2 step 4.
func partitionCodePackages(oldDesc, newDesc types.ServicePackageDescription, onDemand bool) (activate, deactivate, update map[string]bool) {
	activate = make(map[string]bool)
	deactivate = make(map[string]bool)
	update = make(map[string]bool)

	oldByName := make(map[string]types.DigestedCodePackageDescription)
	for _, cp := range oldDesc.CodePackages {
		oldByName[cp.Name] = cp
	}
	newByName := make(map[string]types.DigestedCodePackageDescription)
	for _, cp := range newDesc.CodePackages {
		newByName[cp.Name] = cp
	}

	for name, newCP := range newByName {
		if oldCP, ok := oldByName[name]; ok {
			if oldCP.RolloutVersion == newCP.RolloutVersion {
				update[name] = true
			} else {
				activate[name] = true
			}
		} else {
			activate[name] = true
		}
	}

	if !onDemand {
		for name := range oldByName {
			if _, ok := newByName[name]; !ok {
				deactivate[name] = true
			}
		}
	}

	return activate, deactivate, update
}

func (v *VersionedServicePackage) updateExisting(ctx context.Context, names map[string]bool, newVI types.ServicePackageVersionInstance, newDesc types.ServicePackageDescription, timeout time.Duration) error {
	for name := range names {
		v.mu.Lock()
		cp, ok := v.codePackages[name]
		v.mu.Unlock()
		if !ok {
			continue
		}
		cpDesc, ok := newDesc.CodePackageByName(name)
		if !ok {
			continue
		}
		matches := cpDesc.ContentChecksum == newDesc.ContentChecksum
		if err := cp.UpdateContext(ctx, cpDesc.RolloutVersion, cpDesc.Resources, matches, timeout); err != nil {
			return fmt.Errorf("update_context %s: %w", name, err)
		}
	}
	return nil
}

func (v *VersionedServicePackage) updateAllCodePackages(ctx context.Context, newVI types.ServicePackageVersionInstance, newDesc types.ServicePackageDescription, timeout time.Duration) error {
	v.mu.Lock()
	names := make(map[string]bool, len(v.codePackages))
	for name := range v.codePackages {
		names[name] = true
	}
	v.mu.Unlock()
	return v.updateExisting(ctx, names, newVI, newDesc, timeout)
}

// Close tears the service package down, per §4.2.3.
func (v *VersionedServicePackage) Close(ctx context.Context, timeout time.Duration) error {
	v.mu.Lock()
	if v.state == types.VSPClosed {
		v.mu.Unlock()
		return nil
	}
	if err := v.transitionLocked(types.VSPClosing); err != nil {
		v.mu.Unlock()
		return err
	}
	v.drainBlocked = true
	cancels := make([]context.CancelFunc, 0, len(v.pendingOps))
	for _, cancel := range v.pendingOps {
		cancels = append(cancels, cancel)
	}
	cps := make(map[string]*codepackage.CodePackage, len(v.codePackages))
	for name, cp := range v.codePackages {
		cps[name] = cp
	}
	env := v.env
	v.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	v.waitPendingOpsDrained(ctx)

	if err := v.deactivateSet(ctx, cps, timeout); err != nil {
		v.abortSet(ctx, cps)
	}

	v.mu.Lock()
	v.codePackages = make(map[string]*codepackage.CodePackage)
	v.mu.Unlock()

	if env != nil {
		if err := v.deps.Environment.CleanupServicePackageEnvironment(env); err != nil {
			log.WithServicePackage(v.instanceID).Error().Err(err).Msg("environment cleanup failed")
		}
	}

	if err := v.deps.Store.DeleteServicePackage(v.instanceID); err != nil {
		log.WithServicePackage(v.instanceID).Error().Err(err).Msg("delete service package record failed")
	}

	v.deps.Health.UnregisterSource(v.instanceID, healthPropertyActivation)
	for _, id := range v.serviceTypeIDs {
		v.deps.ServiceTypes.Remove(id)
	}
	if err := v.deps.LRM.UnregisterServicePackage(v.instanceID); err != nil {
		log.WithServicePackage(v.instanceID).Error().Err(err).Msg("lrm unregister failed")
	}

	v.mu.Lock()
	err := v.transitionLocked(types.VSPClosed)
	v.mu.Unlock()
	return err
}

func (v *VersionedServicePackage) waitPendingOpsDrained(ctx context.Context) {
	for {
		v.mu.Lock()
		n := len(v.pendingOps)
		v.mu.Unlock()
		if n == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// HandleOnDemandRequest implements §4.2.4: the activator CP's IPC broker
// requests against its dependent CPs.
func (v *VersionedServicePackage) HandleOnDemandRequest(ctx context.Context, req messagebus.Request) messagebus.Reply {
	v.mu.Lock()
	if v.activatorInstanceKey == "" || req.RequestorInstanceID != v.activatorInstanceKey {
		v.mu.Unlock()
		return messagebus.Reply{Err: hostingerrors.New(hostingerrors.CodeInstanceIdMismatch,
			"requestor %s does not match activator instance %s", req.RequestorInstanceID, v.activatorInstanceKey)}
	}
	if v.drainBlocked {
		v.mu.Unlock()
		return messagebus.Reply{Err: hostingerrors.New(hostingerrors.CodeObjectClosed, "service package %s is closing", v.instanceID)}
	}
	v.mu.Unlock()

	opID := uuid.NewString()
	opCtx, cancel := context.WithCancel(ctx)

	if err := v.transitionToModifying(opCtx); err != nil {
		cancel()
		return messagebus.Reply{Err: err}
	}

	v.mu.Lock()
	v.pendingOps[opID] = cancel
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		delete(v.pendingOps, opID)
		v.mu.Unlock()
		cancel()
	}()

	err := v.applyOnDemandAction(opCtx, req)

	v.mu.Lock()
	v.transitionLocked(types.VSPOpened)
	v.mu.Unlock()

	return messagebus.Reply{Err: err}
}

// transitionToModifying retries Opened -> Modifying with bounded
// exponential backoff (base 500ms, cap 5s) until ctx's deadline, per
// §4.2.4.
func (v *VersionedServicePackage) transitionToModifying(ctx context.Context) error {
	delay := modifyRetryBase
	for {
		v.mu.Lock()
		err := v.transitionLocked(types.VSPModifying)
		v.mu.Unlock()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return hostingerrors.New(hostingerrors.CodeTimeout, "service package %s: could not enter Modifying", v.instanceID)
		case <-time.After(delay):
		}
		delay *= 2
		if delay > modifyRetryCap {
			delay = modifyRetryCap
		}
	}
}

func (v *VersionedServicePackage) applyOnDemandAction(ctx context.Context, req messagebus.Request) error {
	v.mu.Lock()
	var names []string
	if req.AllCodePackages {
		for name := range v.codePackages {
			if name != v.activatorCPName {
				names = append(names, name)
			}
		}
	} else {
		names = append(names, req.CodePackageNames...)
	}
	v.mu.Unlock()

	for _, name := range names {
		switch req.Action {
		case messagebus.ActionActivateCodePackage:
			if err := v.activateDependent(ctx, name); err != nil {
				return err
			}
		case messagebus.ActionDeactivateCodePackage:
			if err := v.deactivateDependent(ctx, name); err != nil {
				return err
			}
		case messagebus.ActionAbortCodePackage:
			v.mu.Lock()
			cp, ok := v.codePackages[name]
			v.mu.Unlock()
			if ok {
				if err := cp.AbortAndWaitForTermination(ctx); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (v *VersionedServicePackage) activateDependent(ctx context.Context, name string) error {
	v.mu.Lock()
	cp, exists := v.codePackages[name]
	desc := v.description
	v.mu.Unlock()

	if !exists {
		cpDesc, ok := desc.CodePackageByName(name)
		if !ok {
			return hostingerrors.New(hostingerrors.CodeCodePackageNotFound, "no such code package %s", name)
		}
		cp = v.newCodePackage(cpDesc)
		v.mu.Lock()
		v.codePackages[name] = cp
		v.mu.Unlock()
	}
	if err := cp.Activate(ctx, 30*time.Second); err != nil {
		return err
	}
	v.notifyActivator(name, "started")
	return nil
}

func (v *VersionedServicePackage) deactivateDependent(ctx context.Context, name string) error {
	v.mu.Lock()
	cp, ok := v.codePackages[name]
	v.mu.Unlock()
	if !ok {
		return hostingerrors.New(hostingerrors.CodeCodePackageNotFound, "no such code package %s", name)
	}
	if err := cp.Deactivate(ctx, 30*time.Second); err != nil {
		return err
	}
	v.notifyActivator(name, "stopped")
	return nil
}

func (v *VersionedServicePackage) notifyActivator(cpName, event string) {
	v.mu.Lock()
	key := v.activatorInstanceKey
	v.mu.Unlock()
	if key == "" {
		return
	}
	v.OnCodePackageEvent(key, cpName, event)
}

// OnCodePackageTerminallyFailed implements codepackage.ExitNotifier. If the
// failed instance is the activator CP, it drives the
// ActivatorCodePackageTerminated path (§4.2.4).
func (v *VersionedServicePackage) OnCodePackageTerminallyFailed(instanceID string) {
	v.mu.Lock()
	isActivator := instanceID != "" && instanceID == v.activatorInstanceKey
	v.failureCount++
	count := v.failureCount
	v.mu.Unlock()

	v.deps.ServiceTypes.RegisterFailure(types.ServiceTypeInstanceIdentifier{ServicePackageInstance: v.instanceID, ServiceTypeName: v.activatorCPName}, v.failureID)
	_ = count

	if isActivator {
		v.activatorCodePackageTerminated(context.Background())
	}
}

// OnCodePackageEvent implements codepackage.ExitNotifier; it surfaces a
// dependent code package's started/stopped/failed transition as a health
// report against the activator's health source, since the activator
// observes its dependents by polling health rather than by a push wire
// message (no generated IPC stub survives the dropped gRPC stack; see
// DESIGN.md).
func (v *VersionedServicePackage) OnCodePackageEvent(activatorInstanceID, cpName, event string) {
	v.deps.Health.Report(activatorInstanceID, healthPropertyActivation, messagebus.HealthOK,
		"Hosting_DependentCodePackageEvent", fmt.Sprintf("%s %s", cpName, event), 0)
}

// activatorCodePackageTerminated blocks new tracked on-demand operations,
// drains the existing ones, aborts every dependent CP, and resets the
// activator instance key so a subsequent request referencing the old one
// fails with InstanceIdMismatch (§4.2.4, §6 "On-demand kill").
func (v *VersionedServicePackage) activatorCodePackageTerminated(ctx context.Context) {
	v.mu.Lock()
	v.drainBlocked = true
	cancels := make([]context.CancelFunc, 0, len(v.pendingOps))
	for _, cancel := range v.pendingOps {
		cancels = append(cancels, cancel)
	}
	dependents := make(map[string]*codepackage.CodePackage)
	for name, cp := range v.codePackages {
		if name != v.activatorCPName {
			dependents[name] = cp
		}
	}
	v.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	v.waitPendingOpsDrained(ctx)
	v.abortSet(ctx, dependents)

	v.mu.Lock()
	for name := range dependents {
		delete(v.codePackages, name)
	}
	v.activatorInstanceKey = ""
	v.drainBlocked = false
	v.mu.Unlock()
}

// AnalyzeUpgradeImpact is the §4.2.5 dry run: it reports the names of code
// packages that would observably restart under (newVI, newDesc), without
// applying any change.
func (v *VersionedServicePackage) AnalyzeUpgradeImpact(newVI types.ServicePackageVersionInstance, newDesc types.ServicePackageDescription) []string {
	v.mu.Lock()
	oldDesc := v.description
	v.mu.Unlock()

	affected := make(map[string]bool)
	oldByName := make(map[string]types.DigestedCodePackageDescription)
	for _, cp := range oldDesc.CodePackages {
		oldByName[cp.Name] = cp
	}
	newByName := make(map[string]types.DigestedCodePackageDescription)
	for _, cp := range newDesc.CodePackages {
		newByName[cp.Name] = cp
	}

	for name, oldCP := range oldByName {
		newCP, ok := newByName[name]
		if !ok || newCP.RolloutVersion != oldCP.RolloutVersion {
			affected[name] = true
		}
	}

	rgChanged := oldDesc.ServicePackageResources != newDesc.ServicePackageResources
	if rgChanged && len(newDesc.ServiceTypeNames) > 0 {
		affected["ServiceTypeHost"] = true
	}

	result := make([]string, 0, len(affected))
	for name := range affected {
		result = append(result, name)
	}
	return result
}

// CheckForcedFailover implements §4.2.6: once failure_count exceeds the
// configured threshold, it requests termination of the implicit type-host
// code package so a failover can take its place. Returns whether a
// termination request was issued and whether the type host could not be
// found (callers retry the latter with a due-time hint).
func (v *VersionedServicePackage) CheckForcedFailover(ctx context.Context, threshold uint64) (requested bool, notFound bool) {
	v.mu.Lock()
	exceeded := v.failureCount > threshold
	cp, ok := v.codePackages["ServiceTypeHost"]
	v.mu.Unlock()

	if !exceeded {
		return false, false
	}
	if !ok {
		return true, true
	}
	if err := cp.TerminateCodePackageExternally(ctx); err != nil {
		if hostingerrors.Is(err, hostingerrors.CodeNotFound) {
			return true, true
		}
		log.WithServicePackage(v.instanceID).Error().Err(err).Msg("forced failover terminate failed")
	}
	metrics.ForcedFailoversTotal.Inc()
	return true, false
}

// CheckServiceTypeRegistrationTimeouts implements §4.2.7: service types
// that have not registered within regTimeout while the VSP is Opened are
// treated as authoritatively not-found.
func (v *VersionedServicePackage) CheckServiceTypeRegistrationTimeouts(now time.Time) {
	v.mu.Lock()
	if v.state != types.VSPOpened || v.regTimeout == 0 {
		v.mu.Unlock()
		return
	}
	timedOut := make([]types.ServiceTypeInstanceIdentifier, 0)
	for _, id := range v.serviceTypeIDs {
		last, ok := v.lastActivationTime[id.ServiceTypeName]
		if ok && now.Sub(last) > v.regTimeout {
			timedOut = append(timedOut, id)
		}
	}
	v.mu.Unlock()

	for _, id := range timedOut {
		metrics.ServiceTypeRegistrationTimeoutsTotal.Inc()
		v.deps.ServiceTypes.OnRegistrationNotFound(id, v.failureID)
	}
}
