package types

// CodePackageState is the CodePackage lifecycle (§3 Lifecycles):
// Inactive -> Scheduling -> Starting -> Active -> Stopping -> Inactive
//          | Updating -> Active
//          | Aborted | Failed
type CodePackageState string

const (
	CodePackageInactive   CodePackageState = "Inactive"
	CodePackageScheduling CodePackageState = "Scheduling"
	CodePackageStarting   CodePackageState = "Starting"
	CodePackageActive     CodePackageState = "Active"
	CodePackageStopping   CodePackageState = "Stopping"
	CodePackageUpdating   CodePackageState = "Updating"
	CodePackageAborted    CodePackageState = "Aborted"
	CodePackageFailed     CodePackageState = "Failed"
)

// codePackageTransitions enumerates the legal successor states for each
// state, the declared transition graph that §8's "state linearity"
// invariant requires every observed history to be a prefix of.
var codePackageTransitions = map[CodePackageState]map[CodePackageState]bool{
	CodePackageInactive: {
		CodePackageScheduling: true,
	},
	CodePackageScheduling: {
		CodePackageStarting: true,
		CodePackageAborted:  true,
		CodePackageFailed:   true,
		CodePackageInactive: true, // deactivate cancels a scheduled retry
		CodePackageStopping: true, // deactivate requested before the retry fired
	},
	CodePackageStarting: {
		CodePackageActive:   true,
		CodePackageAborted:  true,
		CodePackageFailed:   true,
		CodePackageScheduling: true, // start failed, retry scheduled
		CodePackageStopping: true, // deactivate requested while starting
	},
	CodePackageActive: {
		CodePackageStopping: true,
		CodePackageUpdating: true,
		CodePackageAborted:  true,
		CodePackageFailed:   true,
		CodePackageScheduling: true, // observed exit, retry scheduled
	},
	CodePackageStopping: {
		CodePackageInactive: true,
		CodePackageAborted:  true,
	},
	CodePackageUpdating: {
		CodePackageActive: true,
		CodePackageAborted: true,
		CodePackageFailed:  true,
	},
	CodePackageAborted: {},
	CodePackageFailed:  {},
}

// CanTransition reports whether to is a legal successor of from.
func (s CodePackageState) CanTransition(to CodePackageState) bool {
	return codePackageTransitions[s][to]
}

func (s CodePackageState) IsTerminal() bool {
	return s == CodePackageAborted || s == CodePackageFailed
}

// VersionedServicePackageState is the VSP lifecycle (§3):
// Created -> Opening -> Opened -> (Switching | Analyzing | Modifying) -> Opened -> Closing -> Closed
//                                                                                           | Failed | Aborted
type VersionedServicePackageState string

const (
	VSPCreated   VersionedServicePackageState = "Created"
	VSPOpening   VersionedServicePackageState = "Opening"
	VSPOpened    VersionedServicePackageState = "Opened"
	VSPSwitching VersionedServicePackageState = "Switching"
	VSPAnalyzing VersionedServicePackageState = "Analyzing"
	VSPModifying VersionedServicePackageState = "Modifying"
	VSPClosing   VersionedServicePackageState = "Closing"
	VSPClosed    VersionedServicePackageState = "Closed"
	VSPFailed    VersionedServicePackageState = "Failed"
	VSPAborted   VersionedServicePackageState = "Aborted"
)

var vspTransitions = map[VersionedServicePackageState]map[VersionedServicePackageState]bool{
	VSPCreated: {
		VSPOpening: true,
	},
	VSPOpening: {
		VSPOpened: true,
		VSPFailed: true,
		VSPAborted: true,
	},
	VSPOpened: {
		VSPSwitching: true,
		VSPAnalyzing: true,
		VSPModifying: true,
		VSPClosing:   true,
		VSPFailed:    true,
		VSPAborted:   true,
	},
	VSPSwitching: {
		VSPOpened: true,
		VSPFailed: true,
		VSPAborted: true,
	},
	VSPAnalyzing: {
		VSPOpened: true,
	},
	VSPModifying: {
		VSPOpened: true,
		VSPFailed: true,
		VSPAborted: true,
	},
	VSPClosing: {
		VSPClosed: true,
		VSPAborted: true,
	},
	VSPClosed:  {},
	VSPFailed:  {},
	VSPAborted: {},
}

func (s VersionedServicePackageState) CanTransition(to VersionedServicePackageState) bool {
	return vspTransitions[s][to]
}

func (s VersionedServicePackageState) IsTerminal() bool {
	return s == VSPClosed || s == VSPFailed || s == VSPAborted
}

// ActivationOpState is the Activator pending-activation state (§3):
// NotStarted -> InProgress -> Completed, with failure_count monotonically
// increasing while state stays InProgress.
type ActivationOpState string

const (
	ActivationNotStarted ActivationOpState = "NotStarted"
	ActivationInProgress ActivationOpState = "InProgress"
	ActivationCompleted  ActivationOpState = "Completed"
)
