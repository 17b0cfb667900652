package storage

import "time"

// ServicePackageRecord is the durable snapshot of one versioned service
// package instance, saved by pkg/vsp during open and switch and deleted on
// close.
type ServicePackageRecord struct {
	InstanceID      string
	ApplicationName string
	PackageName     string
	Version         string
	RolloutVersion  string
	InstanceSeq     uint64
	State           string
	UpdatedAt       time.Time
}

// CodePackageRunStatsRecord is the durable snapshot of one code package
// instance's activation/exit history, so continuous-failure counts survive
// a restart of the hosting process itself.
type CodePackageRunStatsRecord struct {
	InstanceID                       string
	LastExitCode                     int
	LastActivationTime               time.Time
	LastExitTime                     time.Time
	ActivationCount                  uint64
	ExitCount                        uint64
	ActivationFailureCount           uint64
	ContinuousActivationFailureCount uint64
	ExitFailureCount                 uint64
	ContinuousExitFailureCount       uint64
}

// LRMReservationRecord is the durable snapshot of one service package's
// admitted resource reservation, keyed by service package instance ID.
type LRMReservationRecord struct {
	InstanceID    string
	CPUCores      float64
	MemoryMB      int64
	ReservedAt    time.Time
}

// ServiceTypeRegistrationRecord tracks one service type's continuous
// registration-failure count, the persisted half of ServiceTypeStateManager.
type ServiceTypeRegistrationRecord struct {
	FailureID        string
	ServiceTypeName  string
	FailureCount     uint64
	Disabled         bool
	LastFailureTime  time.Time
}

// Store is the durability interface every component above it depends on
// through a narrow, entity-shaped API rather than a raw bbolt handle.
type Store interface {
	SaveServicePackage(rec *ServicePackageRecord) error
	GetServicePackage(instanceID string) (*ServicePackageRecord, error)
	ListServicePackages() ([]*ServicePackageRecord, error)
	DeleteServicePackage(instanceID string) error

	SaveRunStats(rec *CodePackageRunStatsRecord) error
	GetRunStats(instanceID string) (*CodePackageRunStatsRecord, error)
	ListRunStats() ([]*CodePackageRunStatsRecord, error)
	DeleteRunStats(instanceID string) error

	SaveLRMReservation(rec *LRMReservationRecord) error
	GetLRMReservation(instanceID string) (*LRMReservationRecord, error)
	ListLRMReservations() ([]*LRMReservationRecord, error)
	DeleteLRMReservation(instanceID string) error

	SaveServiceTypeRegistration(rec *ServiceTypeRegistrationRecord) error
	GetServiceTypeRegistration(failureID string) (*ServiceTypeRegistrationRecord, error)
	ListServiceTypeRegistrations() ([]*ServiceTypeRegistrationRecord, error)
	DeleteServiceTypeRegistration(failureID string) error

	Close() error
}
