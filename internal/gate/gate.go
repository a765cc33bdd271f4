// Package gate decides whether a new UPS sample is worth publishing
package gate

import (
	"math"
	"time"

	"upsagent/internal/telemetry"
)

// Thresholds bound how stale or how different a sample may get before it
// has to be published. All values are non-negative.
type Thresholds struct {
	UpdateRate time.Duration // heartbeat: publish at least this often
	Current    float64       // A
	Voltage    float64       // V, bus voltage
	Percent    float64       // charge percent points
}

// State is the last published sample and when it was published.
// Last is nil until the first publish.
type State struct {
	Last   *telemetry.Snapshot
	LastAt time.Time
}

// NewState returns the state of a loop that started at start
func NewState(start time.Time) State {
	return State{LastAt: start}
}

// Record stores a sample that was just published. Callers must not record
// suppressed samples.
func (s *State) Record(snap telemetry.Snapshot, at time.Time) {
	s.Last = &snap
	s.LastAt = at
}

// Reason tags why a decision was made
type Reason string

const (
	ReasonNone      Reason = "none"
	ReasonFirst     Reason = "first"
	ReasonHeartbeat Reason = "heartbeat"
	ReasonCurrent   Reason = "current"
	ReasonVoltage   Reason = "voltage"
	ReasonPercent   Reason = "percent"
)

// Decision is the outcome of Evaluate
type Decision struct {
	Publish bool
	Reason  Reason
}

// Evaluate applies the publish policy. It has no side effects.
func Evaluate(current telemetry.Snapshot, state State, th Thresholds, now time.Time) Decision {
	if state.Last == nil {
		return Decision{Publish: true, Reason: ReasonFirst}
	}
	if now.Sub(state.LastAt) >= th.UpdateRate {
		return Decision{Publish: true, Reason: ReasonHeartbeat}
	}

	last := state.Last
	switch {
	case math.Abs(current.Current-last.Current) >= th.Current:
		return Decision{Publish: true, Reason: ReasonCurrent}
	case math.Abs(current.BusVoltage-last.BusVoltage) >= th.Voltage:
		return Decision{Publish: true, Reason: ReasonVoltage}
	case math.Abs(current.ChargePercent-last.ChargePercent) >= th.Percent:
		return Decision{Publish: true, Reason: ReasonPercent}
	}

	return Decision{Publish: false, Reason: ReasonNone}
}

// ShouldPublish reports whether current must be published
func ShouldPublish(current telemetry.Snapshot, state State, th Thresholds, now time.Time) bool {
	return Evaluate(current, state, th, now).Publish
}
