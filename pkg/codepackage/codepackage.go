// Package codepackage implements CodePackage: the retried process/container
// supervisor that is the lifecycle of one activatable unit (§4.1).
package codepackage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/hostingd/pkg/activation"
	"github.com/cuemby/hostingd/pkg/hostingerrors"
	"github.com/cuemby/hostingd/pkg/log"
	"github.com/cuemby/hostingd/pkg/metrics"
	"github.com/cuemby/hostingd/pkg/types"
)

// Config carries the per-code-package-instance scheduling constants that
// §4.1's retry formula depends on.
type Config struct {
	BaseRetryInterval    time.Duration
	MaxRetryInterval     time.Duration
	MaxContinuousFailure uint64

	// ContinuousExitFailureResetInterval is
	// HostedServiceContinuousExitFailureResetInterval (§3).
	ContinuousExitFailureResetInterval time.Duration
}

// DefaultConfig mirrors the source's documented defaults.
func DefaultConfig() Config {
	return Config{
		BaseRetryInterval:                  500 * time.Millisecond,
		MaxRetryInterval:                   5 * time.Minute,
		MaxContinuousFailure:               5,
		ContinuousExitFailureResetInterval: 10 * time.Minute,
	}
}

// ExitNotifier is implemented by the owning VersionedServicePackage so
// CodePackage can notify it of terminal failure without holding a strong
// reference back up (§9 "Cyclic ownership" — CodePackage holds a rooted
// weak handle, modeled here as a narrow callback interface instead of a
// back-pointer).
type ExitNotifier interface {
	OnCodePackageTerminallyFailed(instanceID string)
	// OnCodePackageEvent is used for on-demand activation: dependent CPs
	// receive started/stopped/failed events for their activator (§4.1).
	OnCodePackageEvent(activatorInstanceID, cpName, event string)
}

// CodePackage is the lifecycle of one activatable unit: one digested
// description, one live instance at a time, and the retry loop that keeps
// it alive.
type CodePackage struct {
	mu sync.Mutex

	instanceID string
	desc       types.DigestedCodePackageDescription
	pd         types.ProcessDescription

	state   types.CodePackageState
	handle  activation.Handle
	hasHandle bool

	runStats types.RunStats

	cfg      Config
	backend  activation.ProcessActivator
	notifier ExitNotifier

	retryTimer *time.Timer
	cancelRun  context.CancelFunc
}

// New constructs a CodePackage in state Inactive. pd is the synthesized,
// effective ProcessDescription (§4.1 activate: "synthesizes the effective
// ProcessDescription").
func New(instanceID string, desc types.DigestedCodePackageDescription, pd types.ProcessDescription, backend activation.ProcessActivator, notifier ExitNotifier, cfg Config) *CodePackage {
	return &CodePackage{
		instanceID: instanceID,
		desc:       desc,
		pd:         synthesizeProcessDescription(pd, desc),
		state:      types.CodePackageInactive,
		cfg:        cfg,
		backend:    backend,
		notifier:   notifier,
	}
}

// synthesizeProcessDescription derives the effective cgroup/JobObject name
// by stripping the platform prefix, and enforces CtrlCOnExit, per §4.1.
func synthesizeProcessDescription(pd types.ProcessDescription, desc types.DigestedCodePackageDescription) types.ProcessDescription {
	pd.CgroupOrJobObjectName = strings.TrimPrefix(pd.CgroupOrJobObjectName, "HostedService/")
	pd.CtrlCOnExit = desc.CtrlCOnExit
	pd.Isolation = desc.Isolation
	return pd
}

func (c *CodePackage) State() types.CodePackageState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *CodePackage) RunStats() types.RunStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runStats
}

// transition applies a state change if legal, returning InvalidState if not
// (§8 "State linearity").
func (c *CodePackage) transition(to types.CodePackageState) error {
	if !c.state.CanTransition(to) {
		return hostingerrors.New(hostingerrors.CodeInvalidState, "code package %s: illegal transition %s -> %s", c.instanceID, c.state, to)
	}
	c.state = to
	metrics.CodePackagesTotal.WithLabelValues(string(to)).Inc()
	return nil
}

// Activate is idempotent: if a live instance exists it returns success
// without restarting it (§8 round-trip law).
func (c *CodePackage) Activate(ctx context.Context, timeout time.Duration) error {
	if timeout == 0 {
		return hostingerrors.New(hostingerrors.CodeTimeout, "activate %s: zero timeout", c.instanceID)
	}

	c.mu.Lock()
	if c.state == types.CodePackageActive {
		c.mu.Unlock()
		return nil
	}
	if err := c.transition(types.CodePackageScheduling); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	return c.activateNow(ctx, timeout)
}

func (c *CodePackage) activateNow(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	if err := c.transition(types.CodePackageStarting); err != nil {
		c.mu.Unlock()
		return err
	}
	pd := c.pd
	c.mu.Unlock()

	actCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timer := metrics.NewTimer()
	handle, err := c.backend.Activate(actCtx, pd)
	if err != nil {
		return c.onActivationFailure(ctx, err)
	}
	timer.ObserveDuration(metrics.CodePackageActivationDuration)

	c.mu.Lock()
	c.handle = handle
	c.hasHandle = true
	c.runStats.RecordActivation(time.Now())
	if err := c.transition(types.CodePackageActive); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	metrics.CodePackageActivationsTotal.WithLabelValues("success").Inc()
	c.watchExit(c.backend.SubscribeExit(handle))

	return nil
}

func (c *CodePackage) onActivationFailure(ctx context.Context, cause error) error {
	c.mu.Lock()
	c.runStats.RecordActivationFailure(time.Now())
	failures := c.runStats.ContinuousFailureCount()
	c.mu.Unlock()

	metrics.CodePackageActivationsTotal.WithLabelValues("failure").Inc()

	if failures > c.cfg.MaxContinuousFailure {
		c.mu.Lock()
		c.transition(types.CodePackageFailed)
		c.mu.Unlock()
		return hostingerrors.Wrap(hostingerrors.CodeInvalidState, cause, "%s exceeded max continuous failure", c.instanceID)
	}

	c.scheduleRetry(ctx, failures)
	return fmt.Errorf("activate %s: %w", c.instanceID, cause)
}

// scheduleRetry implements §4.1's retry formula:
// delay = min(max_retry_interval, base_retry_interval * continuous_failure_count),
// or, for periodic packages with no failures, the next multiple of
// run_interval after last_activation_time.
func (c *CodePackage) scheduleRetry(ctx context.Context, failureCount uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.transition(types.CodePackageScheduling); err != nil {
		return
	}

	delay := c.cfg.BaseRetryInterval * time.Duration(failureCount)
	if delay > c.cfg.MaxRetryInterval {
		delay = c.cfg.MaxRetryInterval
	}

	if c.desc.RunInterval > 0 && failureCount == 0 {
		elapsed := time.Since(c.runStats.LastActivationTime)
		delay = c.desc.RunInterval - elapsed%c.desc.RunInterval
	}

	metrics.CodePackageRetryDelaySeconds.Observe(delay.Seconds())
	metrics.CodePackageContinuousFailures.WithLabelValues(c.instanceID).Set(float64(failureCount))

	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(delay, func() {
		metrics.ActivationRetriesTotal.Inc()
		if err := c.activateNow(ctx, 30*time.Second); err != nil {
			log.WithCodePackage(c.instanceID).Error().Err(err).Msg("retry activation failed")
		}
	})
}

// watchExit observes the instance's exit and drives the continuous-exit
// failure accounting and next-retry scheduling (§4.1 "Exit classification").
func (c *CodePackage) watchExit(exitCh <-chan activation.ExitEvent) {
	go func() {
		ev, ok := <-exitCh
		if !ok {
			return
		}

		c.mu.Lock()
		wasDeliberate := c.state == types.CodePackageStopping
		c.hasHandle = false
		c.runStats.RecordExit(ev.At, ev.ExitCode, c.cfg.ContinuousExitFailureResetInterval)
		failures := c.runStats.ContinuousFailureCount()
		c.mu.Unlock()

		if wasDeliberate {
			c.mu.Lock()
			c.transition(types.CodePackageInactive)
			c.mu.Unlock()
			return
		}

		if !types.IsSuccessfulExit(ev.ExitCode) && failures > c.cfg.MaxContinuousFailure {
			c.mu.Lock()
			c.transition(types.CodePackageFailed)
			c.mu.Unlock()
			if c.notifier != nil {
				c.notifier.OnCodePackageTerminallyFailed(c.instanceID)
			}
			return
		}

		c.scheduleRetry(context.Background(), failures)
	}()
}

// Deactivate cancels any scheduled retry and stops the live instance
// gracefully, escalating to force after timeout. Deactivating an already-
// inactive code package succeeds unconditionally (§4.1).
func (c *CodePackage) Deactivate(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	if c.state == types.CodePackageInactive || c.state == types.CodePackageFailed || c.state == types.CodePackageAborted {
		c.mu.Unlock()
		return nil
	}
	hasHandle := c.hasHandle
	handle := c.handle
	if err := c.transition(types.CodePackageStopping); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	if !hasHandle {
		c.mu.Lock()
		c.transition(types.CodePackageInactive)
		c.mu.Unlock()
		return nil
	}

	if err := c.backend.Deactivate(ctx, handle, timeout); err != nil {
		c.mu.Lock()
		c.transition(types.CodePackageAborted)
		c.mu.Unlock()
		return fmt.Errorf("deactivate %s: %w", c.instanceID, err)
	}

	return nil
}

// UpdateContext updates the in-memory descriptor and, when only the
// rollout version changed and ContentChecksum matches, applies the change
// without restarting the instance (§4.1, §8 idempotence law).
func (c *CodePackage) UpdateContext(ctx context.Context, newRolloutVersion string, newRG types.ResourceGovernanceDescription, contentChecksumMatches bool, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.desc.RolloutVersion == newRolloutVersion && c.desc.Resources == newRG {
		return nil // up to date, no-op per §8
	}

	c.desc.RolloutVersion = newRolloutVersion
	c.desc.Resources = newRG

	if contentChecksumMatches && c.hasHandle && c.state == types.CodePackageActive {
		if err := c.transition(types.CodePackageUpdating); err != nil {
			return err
		}
		updCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := c.backend.UpdateResourceGovernance(updCtx, c.handle, newRG)
		if err != nil {
			c.transition(types.CodePackageFailed)
			return err
		}
		return c.transition(types.CodePackageActive)
	}

	return nil
}

// AbortAndWaitForTermination bypasses the graceful path, per §4.1.
func (c *CodePackage) AbortAndWaitForTermination(ctx context.Context) error {
	c.mu.Lock()
	hasHandle := c.hasHandle
	handle := c.handle
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.mu.Unlock()

	if hasHandle {
		if err := c.backend.Terminate(ctx, handle); err != nil {
			return fmt.Errorf("terminate %s: %w", c.instanceID, err)
		}
	}

	c.mu.Lock()
	c.transition(types.CodePackageAborted)
	c.mu.Unlock()
	return nil
}

// RestartCodePackageInstance deactivates then activates, and is a no-op if
// observedInstanceID no longer matches the current instance (§4.1).
func (c *CodePackage) RestartCodePackageInstance(ctx context.Context, observedInstanceID string, timeout time.Duration) error {
	c.mu.Lock()
	current := c.handle.ID
	c.mu.Unlock()

	if observedInstanceID != current {
		return nil
	}

	if err := c.Deactivate(ctx, timeout); err != nil {
		return err
	}
	return c.Activate(ctx, timeout)
}

// TerminateCodePackageExternally is used by forced failover (§4.2.6). It
// returns NotFound if the instance is not currently registered, which the
// caller retries with a due-time hint.
func (c *CodePackage) TerminateCodePackageExternally(ctx context.Context) error {
	c.mu.Lock()
	hasHandle := c.hasHandle
	handle := c.handle
	c.mu.Unlock()

	if !hasHandle {
		return hostingerrors.New(hostingerrors.CodeNotFound, "code package %s has no live instance to terminate", c.instanceID)
	}
	return c.backend.Terminate(ctx, handle)
}
