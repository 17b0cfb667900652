package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CodePackage metrics
	CodePackagesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hostingd_code_packages_total",
			Help: "Total number of code package instances by state",
		},
		[]string{"state"},
	)

	CodePackageActivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostingd_code_package_activations_total",
			Help: "Total number of code package activation attempts by outcome",
		},
		[]string{"outcome"},
	)

	CodePackageActivationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hostingd_code_package_activation_duration_seconds",
			Help:    "Time taken for a code package activation to come up",
			Buckets: prometheus.DefBuckets,
		},
	)

	CodePackageContinuousFailures = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hostingd_code_package_continuous_failures",
			Help: "Current continuous failure count per code package instance",
		},
		[]string{"code_package"},
	)

	CodePackageRetryDelaySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hostingd_code_package_retry_delay_seconds",
			Help:    "Scheduled retry delay before the next activation attempt",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// VersionedServicePackage metrics
	ServicePackagesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hostingd_service_packages_total",
			Help: "Total number of versioned service package instances by state",
		},
		[]string{"state"},
	)

	ServicePackageOpenDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hostingd_service_package_open_duration_seconds",
			Help:    "Time taken to open a versioned service package",
			Buckets: prometheus.DefBuckets,
		},
	)

	ServicePackageSwitchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hostingd_service_package_switch_duration_seconds",
			Help:    "Time taken to switch a versioned service package to a new version",
			Buckets: prometheus.DefBuckets,
		},
	)

	ServicePackageSwitchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostingd_service_package_switches_total",
			Help: "Total number of service package version switches by outcome",
		},
		[]string{"outcome"},
	)

	// Activator metrics
	PendingActivationsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hostingd_pending_activations_total",
			Help: "Number of in-flight activation/deactivation operations",
		},
	)

	ActivationRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hostingd_activation_retries_total",
			Help: "Total number of activation operations retried after failure",
		},
	)

	// LocalResourceManager metrics
	LRMAdmissionRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostingd_lrm_admission_rejections_total",
			Help: "Total number of service package admissions rejected by resource kind",
		},
		[]string{"resource"},
	)

	LRMAvailableCPUCores = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hostingd_lrm_available_cpu_cores",
			Help: "Remaining unreserved CPU cores, scaled by the correction factor",
		},
	)

	LRMAvailableMemoryMB = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hostingd_lrm_available_memory_mb",
			Help: "Remaining unreserved memory in megabytes",
		},
	)

	// ServiceTypeStateManager metrics
	ServiceTypesDisabledTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hostingd_service_types_disabled_total",
			Help: "Number of service types currently disabled due to continuous failures",
		},
	)

	ServiceTypeRegistrationTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hostingd_service_type_registration_timeouts_total",
			Help: "Total number of service type registrations that exceeded their timeout",
		},
	)

	// Forced-failover / reconciliation sweep metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hostingd_reconciliation_duration_seconds",
			Help:    "Time taken for a failure-sweep reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hostingd_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ForcedFailoversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hostingd_forced_failovers_total",
			Help: "Total number of service packages forced into failover",
		},
	)
)

func init() {
	prometheus.MustRegister(CodePackagesTotal)
	prometheus.MustRegister(CodePackageActivationsTotal)
	prometheus.MustRegister(CodePackageActivationDuration)
	prometheus.MustRegister(CodePackageContinuousFailures)
	prometheus.MustRegister(CodePackageRetryDelaySeconds)

	prometheus.MustRegister(ServicePackagesTotal)
	prometheus.MustRegister(ServicePackageOpenDuration)
	prometheus.MustRegister(ServicePackageSwitchDuration)
	prometheus.MustRegister(ServicePackageSwitchesTotal)

	prometheus.MustRegister(PendingActivationsTotal)
	prometheus.MustRegister(ActivationRetriesTotal)

	prometheus.MustRegister(LRMAdmissionRejectionsTotal)
	prometheus.MustRegister(LRMAvailableCPUCores)
	prometheus.MustRegister(LRMAvailableMemoryMB)

	prometheus.MustRegister(ServiceTypesDisabledTotal)
	prometheus.MustRegister(ServiceTypeRegistrationTimeoutsTotal)

	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ForcedFailoversTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
