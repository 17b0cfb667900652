// Package activator implements Activator: the retried activation harness
// shared by application and service-package-instance activation (§4.4).
package activator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/hostingd/pkg/events"
	"github.com/cuemby/hostingd/pkg/hostingerrors"
	"github.com/cuemby/hostingd/pkg/log"
	"github.com/cuemby/hostingd/pkg/messagebus"
	"github.com/cuemby/hostingd/pkg/metrics"
	"github.com/cuemby/hostingd/pkg/types"
)

// Config carries the retry schedule constants (§4.4 "Retry loop").
type Config struct {
	MaxRetryInterval               time.Duration
	ActivationRetryBackoffInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetryInterval:               5 * time.Minute,
		ActivationRetryBackoffInterval: time.Second,
	}
}

// Request describes one activate_application or
// activate_service_package_instance call. ID and Version together form the
// operation id ("Activate:<id>:<version>"); Work performs the actual
// activation (a VSP Open or Switch call supplied by the caller) and should
// return a *hostingerrors.Error so the harness can classify retryable vs.
// terminal failures.
type Request struct {
	ID      string
	Version string

	MaxFailure   uint64
	OnlyIfUsed   bool
	EnsureLatest bool

	// InUse reports whether the target entity is still wanted; consulted
	// before each attempt when OnlyIfUsed is set. Nil means always in use.
	InUse func() bool

	// AlreadyCurrent reports whether the entity is already open at an
	// equal-or-higher version, letting EnsureLatest short-circuit.
	AlreadyCurrent func() bool

	// Deactivate is invoked when an ensure_latest op observes a version
	// mismatch and the entity is unused; it schedules deactivation instead
	// of retrying.
	Deactivate func(ctx context.Context)

	Work func(ctx context.Context) error
}

type pendingOp struct {
	ensureLatest bool
	state        types.ActivationOpState
	failureCount uint64
	healthSent   bool
	cancel       context.CancelFunc
	done         chan struct{}
	result       error
}

// Manager is the Activator: a single-writer-per-key map of pending
// activations plus the shared retry harness.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*pendingOp
	closed  bool
	cfg     Config
	health  messagebus.HealthReporter
	events  *events.Broker
}

func NewManager(cfg Config, health messagebus.HealthReporter) *Manager {
	return &Manager{
		pending: make(map[string]*pendingOp),
		cfg:     cfg,
		health:  health,
	}
}

// WithEventBroker attaches a broker that ActivateApplication and
// ActivateServicePackageInstance report start/retry/success/failure
// events to. Optional: a Manager with no broker just skips publishing.
func (m *Manager) WithEventBroker(b *events.Broker) *Manager {
	m.events = b
	return m
}

func (m *Manager) publish(typ events.Type, subject, msg string) {
	if m.events == nil {
		return
	}
	m.events.Publish(&events.Event{Type: typ, Subject: subject, Message: msg})
}

// operationID implements §4.4's literal operation id format.
func operationID(id, version string) string {
	return fmt.Sprintf("Activate:%s:%s", id, version)
}

// ActivateApplication implements activate_application (§4.4). It blocks
// until the activation completes, fails terminally, or ctx is done.
func (m *Manager) ActivateApplication(ctx context.Context, req Request) error {
	return m.activate(ctx, req)
}

// ActivateServicePackageInstance implements activate_service_package_instance (§4.4).
func (m *Manager) ActivateServicePackageInstance(ctx context.Context, req Request) error {
	return m.activate(ctx, req)
}

func (m *Manager) activate(ctx context.Context, req Request) error {
	opID := operationID(req.ID, req.Version)

	if req.EnsureLatest && req.AlreadyCurrent != nil && req.AlreadyCurrent() {
		return nil
	}

	opCtx, cancel := context.WithCancel(ctx)
	op, err := m.start(opID, req.EnsureLatest, cancel)
	if err != nil {
		cancel()
		return err
	}
	defer cancel()

	m.publish(events.TypeActivationStarted, req.ID, opID)
	go m.run(opCtx, opID, op, req)

	select {
	case <-op.done:
		return op.result
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start inserts op if compatible with any existing entry at the same key,
// per §4.4's replacement predicate: a non-ensure_latest caller never
// replaces an existing op; an ensure_latest caller replaces an existing op
// only if that op is not itself ensure_latest.
func (m *Manager) start(opID string, ensureLatest bool, cancel context.CancelFunc) (*pendingOp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, hostingerrors.New(hostingerrors.CodeObjectClosed, "activator is closed")
	}

	existing, ok := m.pending[opID]
	if !ok {
		op := &pendingOp{state: types.ActivationInProgress, ensureLatest: ensureLatest, cancel: cancel, done: make(chan struct{})}
		m.pending[opID] = op
		metrics.PendingActivationsTotal.Inc()
		return op, nil
	}

	if !ensureLatest || existing.ensureLatest {
		return nil, hostingerrors.New(hostingerrors.CodeHostingActivationInProgress, "activation of %s already in progress", opID)
	}

	existing.cancel()
	op := &pendingOp{state: types.ActivationInProgress, ensureLatest: true, cancel: cancel, done: make(chan struct{})}
	m.pending[opID] = op
	return op, nil
}

// finish records op's outcome and, if op is still the map's current entry
// for opID, removes it. A superseded op (replaced by an ensure_latest
// caller before it finished) must not clobber its successor's entry.
func (m *Manager) finish(opID string, op *pendingOp, result error) {
	m.mu.Lock()
	if m.pending[opID] == op {
		delete(m.pending, opID)
		metrics.PendingActivationsTotal.Dec()
	}
	m.mu.Unlock()

	op.result = result
	close(op.done)
}

// run drives the retry loop for one pending activation (§4.4).
func (m *Manager) run(ctx context.Context, opID string, op *pendingOp, req Request) {
	m.finish(opID, op, m.runLoop(ctx, opID, op, req))
}

func (m *Manager) runLoop(ctx context.Context, opID string, op *pendingOp, req Request) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if req.OnlyIfUsed && req.InUse != nil && !req.InUse() {
			log.WithComponent("activator").Debug().Msgf("activation %s no longer in use, dropping", opID)
			return hostingerrors.New(hostingerrors.CodeHostingActivationEntityNotInUse, "%s is no longer in use", req.ID)
		}

		err := req.Work(ctx)
		if err == nil {
			m.mu.Lock()
			op.state = types.ActivationCompleted
			m.mu.Unlock()
			m.publish(events.TypeActivationSucceeded, req.ID, opID)
			return nil
		}

		if hostingerrors.Is(err, hostingerrors.CodeHostingApplicationVersionMismatch) && req.EnsureLatest {
			if req.Deactivate != nil && (req.InUse == nil || !req.InUse()) {
				req.Deactivate(ctx)
			}
			return err
		}

		// InvalidState/ObjectClosed are non-failures: not counted, no
		// health report, but also not retried, per §4.4.
		if hostingerrors.Is(err, hostingerrors.CodeInvalidState) || hostingerrors.Is(err, hostingerrors.CodeObjectClosed) {
			log.WithComponent("activator").Debug().Msgf("activation %s hit internal error %v, not retrying", opID, err)
			return err
		}

		if !hostingerrors.IsTransient(err) {
			log.WithComponent("activator").Error().Err(err).Msgf("activation %s failed terminally", opID)
			m.publish(events.TypeActivationFailed, req.ID, err.Error())
			return err
		}

		m.mu.Lock()
		op.failureCount++
		failures := op.failureCount
		firstFailure := !op.healthSent
		op.healthSent = true
		m.mu.Unlock()

		metrics.ActivationRetriesTotal.Inc()

		if firstFailure && m.health != nil {
			m.health.Report(req.ID, messagebus.PropertyActivation, messagebus.HealthWarning,
				messagebus.EventActivationFailed, err.Error(), failures)
		}

		if failures > req.MaxFailure {
			log.WithComponent("activator").Error().Err(err).Msgf("activation %s exceeded max failure count", opID)
			m.publish(events.TypeActivationFailed, req.ID, err.Error())
			return err
		}

		m.publish(events.TypeActivationRetrying, req.ID, err.Error())

		delay := m.cfg.ActivationRetryBackoffInterval * time.Duration(failures)
		if delay > m.cfg.MaxRetryInterval {
			delay = m.cfg.MaxRetryInterval
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Close drains every pending activation: cancels each, waits for all to
// finish, and rejects new ops with ObjectClosed thereafter (§4.4).
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ops := make([]*pendingOp, 0, len(m.pending))
	for _, op := range m.pending {
		ops = append(ops, op)
	}
	m.mu.Unlock()

	for _, op := range ops {
		op.cancel()
	}
	for _, op := range ops {
		<-op.done
	}
}

// EnsureAfterUpgrade re-runs activate_service_package_instance(ensure_latest=true,
// only_if_used=true) for every given request in parallel, completing when
// all finish (§4.4 "Ensure-after-upgrade").
func (m *Manager) EnsureAfterUpgrade(ctx context.Context, requests []Request) []error {
	errs := make([]error, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		req.EnsureLatest = true
		req.OnlyIfUsed = true
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			errs[i] = m.ActivateServicePackageInstance(ctx, req)
		}(i, req)
	}
	wg.Wait()
	return errs
}

// Pending reports the operation ids currently tracked, for diagnostics.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	return ids
}

// IsIDFor reports whether opID was generated for id, used by callers that
// only have the bare entity id.
func IsIDFor(opID, id string) bool {
	return strings.HasPrefix(opID, "Activate:"+id+":")
}
