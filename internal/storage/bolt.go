package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// runsBucket stores the run metadata
	runsBucket = "_runs"

	// currentKey holds the most recent RunInfo
	currentKey = "current"
)

// BoltStorage is a bbolt implementation of the Store interface
type BoltStorage struct {
	db *bbolt.DB
}

// NewBoltStorage creates a new BoltStorage instance
// The database file will be created if it doesn't exist
func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(runsBucket)); err != nil {
			return fmt.Errorf("failed to create runs bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// BeginRun implements Store
func (s *BoltStorage) BeginRun(now time.Time) (*RunInfo, bool, error) {
	var prev *RunInfo
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(runsBucket))
		if bucket == nil {
			return fmt.Errorf("runs bucket not found")
		}

		var err error
		prev, err = getRun(bucket)
		if err != nil && err != ErrNotFound {
			return err
		}

		next := RunInfo{Run: 1, StartedAt: now}
		if prev != nil {
			next.Run = prev.Run + 1
		}
		return putRun(bucket, &next)
	})
	if err != nil {
		return nil, false, err
	}

	return prev, prev != nil && !prev.Clean, nil
}

// EndRun implements Store
func (s *BoltStorage) EndRun(now time.Time, exitErr error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(runsBucket))
		if bucket == nil {
			return fmt.Errorf("runs bucket not found")
		}

		run, err := getRun(bucket)
		if err == ErrNotFound || (err == nil && run.Clean) {
			return ErrNoActiveRun
		}
		if err != nil {
			return err
		}

		run.StoppedAt = now
		run.Clean = true
		if exitErr != nil {
			run.ExitError = exitErr.Error()
		}
		return putRun(bucket, run)
	})
}

// LastRun implements Store
func (s *BoltStorage) LastRun() (*RunInfo, error) {
	var run *RunInfo
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(runsBucket))
		if bucket == nil {
			return fmt.Errorf("runs bucket not found")
		}

		var err error
		run, err = getRun(bucket)
		return err
	})
	return run, err
}

// Close implements Store
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

func getRun(bucket *bbolt.Bucket) (*RunInfo, error) {
	data := bucket.Get([]byte(currentKey))
	if data == nil {
		return nil, ErrNotFound
	}

	var run RunInfo
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run info: %w", err)
	}
	return &run, nil
}

func putRun(bucket *bbolt.Bucket, run *RunInfo) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run info: %w", err)
	}
	return bucket.Put([]byte(currentKey), data)
}

var _ Store = (*BoltStorage)(nil)
