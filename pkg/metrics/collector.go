package metrics

import (
	"time"

	"github.com/cuemby/hostingd/pkg/types"
)

// CodePackageLister is implemented by hostingquery.Manager's CodePackages()
// view; kept as a small interface here so the collector does not import the
// component packages back (they already import metrics for their own
// counters).
type CodePackageLister interface {
	ListStates() map[string]types.CodePackageState
}

// ServicePackageLister is implemented by hostingquery.Manager directly.
type ServicePackageLister interface {
	ListStates() map[string]types.VersionedServicePackageState
}

// LRMCapacityReporter is implemented by lrm.Manager.
type LRMCapacityReporter interface {
	AvailableCPUCores() float64
	AvailableMemoryMB() int64
}

// Collector periodically snapshots component state into gauges, the same
// way the engine's predecessor polled its manager on a ticker rather than
// pushing metrics inline from every mutation.
type Collector struct {
	codePackages     CodePackageLister
	servicePackages  ServicePackageLister
	lrm              LRMCapacityReporter
	stopCh           chan struct{}
}

func NewCollector(cp CodePackageLister, vsp ServicePackageLister, lrm LRMCapacityReporter) *Collector {
	return &Collector{
		codePackages:    cp,
		servicePackages: vsp,
		lrm:             lrm,
		stopCh:          make(chan struct{}),
	}
}

func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectCodePackageMetrics()
	c.collectServicePackageMetrics()
	c.collectLRMMetrics()
}

func (c *Collector) collectCodePackageMetrics() {
	if c.codePackages == nil {
		return
	}
	counts := make(map[types.CodePackageState]int)
	for _, state := range c.codePackages.ListStates() {
		counts[state]++
	}
	for state, count := range counts {
		CodePackagesTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectServicePackageMetrics() {
	if c.servicePackages == nil {
		return
	}
	counts := make(map[types.VersionedServicePackageState]int)
	for _, state := range c.servicePackages.ListStates() {
		counts[state]++
	}
	for state, count := range counts {
		ServicePackagesTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectLRMMetrics() {
	if c.lrm == nil {
		return
	}
	LRMAvailableCPUCores.Set(c.lrm.AvailableCPUCores())
	LRMAvailableMemoryMB.Set(float64(c.lrm.AvailableMemoryMB()))
}
