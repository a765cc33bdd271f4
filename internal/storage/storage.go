// Package storage persists agent run metadata between restarts
package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no run has been recorded yet
	ErrNotFound = errors.New("no run recorded")

	// ErrNoActiveRun is returned by EndRun without a matching BeginRun
	ErrNoActiveRun = errors.New("no active run")
)

// RunInfo describes one agent run
type RunInfo struct {
	Run       uint64    `json:"run"`
	StartedAt time.Time `json:"startedAt"`
	StoppedAt time.Time `json:"stoppedAt,omitempty"`

	// Clean is set once the run went through EndRun
	Clean bool `json:"clean"`

	// ExitError is the error the sampling loop ended with, if any
	ExitError string `json:"exitError,omitempty"`
}

// Store is the interface for run metadata storage
type Store interface {
	// BeginRun records the start of a run and returns the previous run.
	// unclean reports a previous run that never reached EndRun.
	BeginRun(now time.Time) (prev *RunInfo, unclean bool, err error)

	// EndRun marks the current run as cleanly stopped
	EndRun(now time.Time, exitErr error) error

	// LastRun returns the most recent run.
	// Returns ErrNotFound before the first BeginRun.
	LastRun() (*RunInfo, error)

	// Close closes the storage
	Close() error
}
