package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/hostingd/pkg/hostingerrors"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketServicePackages  = []byte("service_packages")
	bucketRunStats         = []byte("run_stats")
	bucketLRMReservations  = []byte("lrm_reservations")
	bucketServiceTypeRegs  = []byte("service_type_registrations")
)

// BoltStore implements Store using BoltDB, the same embedded, single-file
// durability layer the rest of this codebase's ambient stack uses.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hostingd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketServicePackages,
			bucketRunStats,
			bucketLRMReservations,
			bucketServiceTypeRegs,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Service packages

func (s *BoltStore) SaveServicePackage(rec *ServicePackageRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServicePackages)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.InstanceID), data)
	})
}

func (s *BoltStore) GetServicePackage(instanceID string) (*ServicePackageRecord, error) {
	var rec ServicePackageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServicePackages)
		data := b.Get([]byte(instanceID))
		if data == nil {
			return hostingerrors.New(hostingerrors.CodeNotFound, "service package %s", instanceID)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListServicePackages() ([]*ServicePackageRecord, error) {
	var recs []*ServicePackageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServicePackages)
		return b.ForEach(func(k, v []byte) error {
			var rec ServicePackageRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) DeleteServicePackage(instanceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServicePackages).Delete([]byte(instanceID))
	})
}

// Run stats

func (s *BoltStore) SaveRunStats(rec *CodePackageRunStatsRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRunStats)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.InstanceID), data)
	})
}

func (s *BoltStore) GetRunStats(instanceID string) (*CodePackageRunStatsRecord, error) {
	var rec CodePackageRunStatsRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRunStats)
		data := b.Get([]byte(instanceID))
		if data == nil {
			return hostingerrors.New(hostingerrors.CodeNotFound, "run stats %s", instanceID)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListRunStats() ([]*CodePackageRunStatsRecord, error) {
	var recs []*CodePackageRunStatsRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRunStats)
		return b.ForEach(func(k, v []byte) error {
			var rec CodePackageRunStatsRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) DeleteRunStats(instanceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRunStats).Delete([]byte(instanceID))
	})
}

// LRM reservations

func (s *BoltStore) SaveLRMReservation(rec *LRMReservationRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLRMReservations)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.InstanceID), data)
	})
}

func (s *BoltStore) GetLRMReservation(instanceID string) (*LRMReservationRecord, error) {
	var rec LRMReservationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLRMReservations)
		data := b.Get([]byte(instanceID))
		if data == nil {
			return hostingerrors.New(hostingerrors.CodeNotFound, "lrm reservation %s", instanceID)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListLRMReservations() ([]*LRMReservationRecord, error) {
	var recs []*LRMReservationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLRMReservations)
		return b.ForEach(func(k, v []byte) error {
			var rec LRMReservationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) DeleteLRMReservation(instanceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLRMReservations).Delete([]byte(instanceID))
	})
}

// Service type registrations

func (s *BoltStore) SaveServiceTypeRegistration(rec *ServiceTypeRegistrationRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServiceTypeRegs)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.FailureID), data)
	})
}

func (s *BoltStore) GetServiceTypeRegistration(failureID string) (*ServiceTypeRegistrationRecord, error) {
	var rec ServiceTypeRegistrationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServiceTypeRegs)
		data := b.Get([]byte(failureID))
		if data == nil {
			return hostingerrors.New(hostingerrors.CodeNotFound, "service type registration %s", failureID)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListServiceTypeRegistrations() ([]*ServiceTypeRegistrationRecord, error) {
	var recs []*ServiceTypeRegistrationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServiceTypeRegs)
		return b.ForEach(func(k, v []byte) error {
			var rec ServiceTypeRegistrationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) DeleteServiceTypeRegistration(failureID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServiceTypeRegs).Delete([]byte(failureID))
	})
}
