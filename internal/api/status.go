package api

import (
	"net/http"
	"sync"
	"time"

	"upsagent/internal/gate"
	"upsagent/internal/lifecycle"
	"upsagent/internal/telemetry"
)

// Status tracks what the agent last published
type Status struct {
	topic      string
	thresholds gate.Thresholds
	session    func() lifecycle.State

	mu         sync.RWMutex
	last       *telemetry.Snapshot
	lastReason gate.Reason
	publishes  int64
}

// StatusResponse is the body of GET /api/status
type StatusResponse struct {
	Topic      string              `json:"topic"`
	Session    string              `json:"session"`
	Thresholds ThresholdsResponse  `json:"thresholds"`
	Publishes  int64               `json:"publishes"`
	Last       *telemetry.Snapshot `json:"last,omitempty"`
	LastReason gate.Reason         `json:"lastReason,omitempty"`
}

// ThresholdsResponse mirrors the configured publish thresholds
type ThresholdsResponse struct {
	UpdateRate float64 `json:"updateRateSeconds"`
	Current    float64 `json:"current"`
	Voltage    float64 `json:"voltage"`
	Percent    float64 `json:"percent"`
}

// NewStatus creates a Status for topic. session reports the current
// broker session state.
func NewStatus(topic string, th gate.Thresholds, session func() lifecycle.State) *Status {
	return &Status{topic: topic, thresholds: th, session: session}
}

// OnPublish records a published sample
func (s *Status) OnPublish(snap telemetry.Snapshot, reason gate.Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &snap
	s.lastReason = reason
	s.publishes++
}

// Snapshot returns the current status document
func (s *Status) Snapshot() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := StatusResponse{
		Topic: s.topic,
		Thresholds: ThresholdsResponse{
			UpdateRate: s.thresholds.UpdateRate.Seconds(),
			Current:    s.thresholds.Current,
			Voltage:    s.thresholds.Voltage,
			Percent:    s.thresholds.Percent,
		},
		Publishes:  s.publishes,
		LastReason: s.lastReason,
	}
	if s.session != nil {
		resp.Session = s.session().String()
	}
	if s.last != nil {
		last := *s.last
		resp.Last = &last
	}
	return resp
}

// LastPublishedAt returns when the last sample was published
func (s *Status) LastPublishedAt() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return time.Time{}, false
	}
	return s.last.Timestamp, true
}

// ServeHTTP handles GET /api/status
func (s *Status) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Snapshot())
}
