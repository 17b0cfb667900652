package types

import "time"

// Platform exit sentinels consumed from child processes (§6).
const (
	ExitCodeSuccess           = 0
	ProcessDeactivateExitCode = 5050 // platform "success stop" sentinel
	StatusControlCExit        = 1226 // STATUS_CONTROL_C_EXIT, treated as graceful stop
)

// IsSuccessfulExit classifies an OS exit code per §4.1: 0, the deactivate
// sentinel, and "terminated by Ctrl-C" are successful; anything else is a
// failure for retry accounting.
func IsSuccessfulExit(code int) bool {
	switch code {
	case ExitCodeSuccess, ProcessDeactivateExitCode, StatusControlCExit:
		return true
	default:
		return false
	}
}

// RunStats tracks one code package's activation/exit history, per §3.
type RunStats struct {
	LastExitCode                     int
	LastActivationTime               time.Time
	LastSuccessfulActivationTime     time.Time
	LastExitTime                     time.Time
	LastSuccessfulExitTime           time.Time
	ActivationCount                  uint64
	ExitCount                        uint64
	ActivationFailureCount           uint64
	ContinuousActivationFailureCount uint64
	ExitFailureCount                 uint64
	ContinuousExitFailureCount       uint64
}

// RecordActivation accounts for a successful activate() call.
func (r *RunStats) RecordActivation(now time.Time) {
	r.ActivationCount++
	r.LastActivationTime = now
	r.LastSuccessfulActivationTime = now
}

// RecordActivationFailure accounts for an activate() call that the
// ProcessActivator rejected or that failed to come up.
func (r *RunStats) RecordActivationFailure(now time.Time) {
	r.ActivationCount++
	r.LastActivationTime = now
	r.ActivationFailureCount++
	r.ContinuousActivationFailureCount++
}

// RecordExit accounts for an observed process exit, applying the
// continuous-exit-failure reset rule: if the instance was alive longer than
// resetInterval, ContinuousExitFailureCount resets to 0 before this exit is
// folded in.
func (r *RunStats) RecordExit(now time.Time, exitCode int, resetInterval time.Duration) {
	r.ExitCount++
	r.LastExitCode = exitCode
	r.LastExitTime = now

	if resetInterval > 0 && !r.LastActivationTime.IsZero() && now.Sub(r.LastActivationTime) > resetInterval {
		r.ContinuousExitFailureCount = 0
	}

	if IsSuccessfulExit(exitCode) {
		r.LastSuccessfulExitTime = now
		r.ContinuousActivationFailureCount = 0
		r.ContinuousExitFailureCount = 0
		return
	}

	r.ExitFailureCount++
	r.ContinuousExitFailureCount++
}

// ContinuousFailureCount is the backoff driver: activation failures while
// never having come up, or exit failures once it has. CodePackage uses
// whichever counter is currently accruing.
func (r *RunStats) ContinuousFailureCount() uint64 {
	if r.ContinuousActivationFailureCount > r.ContinuousExitFailureCount {
		return r.ContinuousActivationFailureCount
	}
	return r.ContinuousExitFailureCount
}

// ProcessDescription is the fully-synthesized, effective description of the
// instance CodePackage.Activate asks the ProcessActivator to start.
type ProcessDescription struct {
	ExePath       string
	Arguments     []string
	WorkingDir    string
	LogDir        string
	WorkDir       string
	TempDir       string
	Environment   map[string]string

	ResourceGovernance ResourceGovernanceDescription
	CgroupOrJobObjectName string

	CtrlCOnExit     bool
	DebugParameters map[string]string

	IsContainerHost   bool
	ContainerImage    string
	ContainerPorts    []ContainerPortBinding
	ContainerMounts   []ContainerMount

	Isolation IsolationMode
}
