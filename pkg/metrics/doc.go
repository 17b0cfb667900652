/*
Package metrics provides Prometheus instrumentation and liveness/readiness
probes for hostingd, plus the Collector that periodically samples
node-local state (code/service package counts, LRM capacity) into gauges.

# Metrics

All metric names are prefixed hostingd_. Counters and gauges live in
metrics.go; each is registered once in the package's init() with
prometheus.MustRegister, so
importing the package is enough to make a metric exist (at zero) even
before anything increments it.

Code package / activation:

	hostingd_code_packages_total{state}            gauge
	hostingd_code_package_activations_total{outcome}            counter
	hostingd_code_package_activation_duration_seconds           histogram
	hostingd_code_package_continuous_failures{code_package}     gauge
	hostingd_code_package_retry_delay_seconds                   histogram

Service package:

	hostingd_service_packages_total{state}          gauge
	hostingd_service_package_open_duration_seconds   histogram
	hostingd_service_package_switch_duration_seconds histogram
	hostingd_service_package_switches_total{outcome} counter

Activator (§4.4 retry harness):

	hostingd_pending_activations_total  gauge
	hostingd_activation_retries_total   counter

LocalResourceManager:

	hostingd_lrm_admission_rejections_total{resource}  counter
	hostingd_lrm_available_cpu_cores                 gauge
	hostingd_lrm_available_memory_mb                 gauge

ServiceTypeStateManager:

	hostingd_service_types_disabled_total                 gauge
	hostingd_service_type_registration_timeouts_total     counter

Reconciliation / forced failover:

	hostingd_reconciliation_duration_seconds  histogram
	hostingd_reconciliation_cycles_total      counter
	hostingd_forced_failovers_total           counter

# Collector

Collector (collector.go) polls a ServicePackageLister, a
CodePackageLister, and an LRMCapacityReporter on a fixed interval and
writes their results into the gauges above. hostingquery.Manager
satisfies ServicePackageLister through its ListStates() method, and its
CodePackages() view satisfies CodePackageLister, so cmd/hostingd
constructs one Collector over its single hostingquery.Manager and
*lrm.Manager.

# HTTP surface

Handler() returns promhttp's /metrics handler. HealthHandler,
ReadyHandler, and LivenessHandler (health.go) expose a small component
registry (RegisterComponent) as JSON for operators and orchestrators
that want a cheaper check than scraping the full metrics set.

# See Also

  - https://github.com/prometheus/client_golang
  - https://prometheus.io/docs/practices/histograms/
*/
package metrics
