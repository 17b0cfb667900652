package messagebus

import (
	"sync"
	"time"

	"github.com/cuemby/hostingd/pkg/log"
)

// HealthCode is the health report severity (§7 "User-visible failures").
type HealthCode string

const (
	HealthOK      HealthCode = "OK"
	HealthWarning HealthCode = "Warning"
	HealthError   HealthCode = "Error"
)

// Well-known health property names emitted by the core (§7).
const (
	PropertyActivation                       = "Activation"
	EventServicePackageActivated              = "Hosting_ServicePackageActivated"
	EventActivationFailed                     = "Hosting_ActivationFailed"
	EventAvailableResourceCapacityMismatch    = "Hosting_AvailableResourceCapacityMismatch"
	EventAvailableResourceCapacityNotDefined  = "Hosting_AvailableResourceCapacityNotDefined"
)

// Report is one health observation delivered through HealthReporter.
type Report struct {
	SourceKey  string
	PropertyID string
	Code       HealthCode
	EventName  string
	Descr      string
	SeqNo      uint64
	At         time.Time
}

// HealthReporter is the capability used to register health sources and
// publish reports against them (§4.6).
type HealthReporter interface {
	RegisterSource(sourceKey, appName, propertyID string)
	UnregisterSource(sourceKey, propertyID string)
	Report(sourceKey, propertyID string, code HealthCode, eventName, descr string, seqNo uint64)
}

// InProcessHealthReporter keeps the latest report per (sourceKey,
// propertyID) in memory; cmd/hostingd exposes it over the query surface.
type InProcessHealthReporter struct {
	mu      sync.Mutex
	seq     uint64
	sources map[string]string // sourceKey -> appName
	latest  map[string]Report // sourceKey+propertyID -> latest report
}

func NewInProcessHealthReporter() *InProcessHealthReporter {
	return &InProcessHealthReporter{
		sources: make(map[string]string),
		latest:  make(map[string]Report),
	}
}

func (r *InProcessHealthReporter) RegisterSource(sourceKey, appName, propertyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[sourceKey] = appName
}

func (r *InProcessHealthReporter) UnregisterSource(sourceKey, propertyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, sourceKey)
	delete(r.latest, sourceKey+"/"+propertyID)
}

func (r *InProcessHealthReporter) Report(sourceKey, propertyID string, code HealthCode, eventName, descr string, seqNo uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	rep := Report{
		SourceKey:  sourceKey,
		PropertyID: propertyID,
		Code:       code,
		EventName:  eventName,
		Descr:      descr,
		SeqNo:      seqNo,
		At:         time.Now(),
	}
	r.latest[sourceKey+"/"+propertyID] = rep

	logLine := log.WithServicePackage(sourceKey)
	switch code {
	case HealthWarning:
		logLine.Warn().Str("event", eventName).Msg(descr)
	case HealthError:
		logLine.Error().Str("event", eventName).Msg(descr)
	default:
		logLine.Info().Str("event", eventName).Msg(descr)
	}
}

// Latest returns the most recent report for (sourceKey, propertyID), if any.
func (r *InProcessHealthReporter) Latest(sourceKey, propertyID string) (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.latest[sourceKey+"/"+propertyID]
	return rep, ok
}
