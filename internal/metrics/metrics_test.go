package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"upsagent/internal/gate"
	"upsagent/internal/lifecycle"
	"upsagent/internal/telemetry"
)

func TestObserveSample(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	snap := telemetry.NewSnapshot(telemetry.RawReading{BusVoltage: 8.4, ShuntVoltage: 2, Current: -500, Power: 4.2},
		time.Unix(1700000000, 0))

	m.ObserveSample(snap, gate.Decision{Publish: true, Reason: gate.ReasonFirst})
	m.ObserveSample(snap, gate.Decision{Publish: false, Reason: gate.ReasonNone})
	m.ObserveSample(snap, gate.Decision{Publish: true, Reason: gate.ReasonHeartbeat})

	if got := testutil.ToFloat64(m.samples); got != 3 {
		t.Errorf("samples = %v; want 3", got)
	}
	if got := testutil.ToFloat64(m.suppressed); got != 1 {
		t.Errorf("suppressed = %v; want 1", got)
	}
	if got := testutil.ToFloat64(m.publishes.WithLabelValues("heartbeat")); got != 1 {
		t.Errorf("heartbeat publishes = %v; want 1", got)
	}
	if got := testutil.ToFloat64(m.current); got != -0.5 {
		t.Errorf("current gauge = %v; want -0.5", got)
	}
	if got := testutil.ToFloat64(m.chargePercent); got != 100 {
		t.Errorf("charge gauge = %v; want 100", got)
	}
	if got := testutil.ToFloat64(m.lastSample); got != 1700000000 {
		t.Errorf("last sample = %v", got)
	}

	expected := `
# HELP upsagent_publishes_total Samples handed to the broker, by gate reason.
# TYPE upsagent_publishes_total counter
upsagent_publishes_total{reason="first"} 1
upsagent_publishes_total{reason="heartbeat"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "upsagent_publishes_total"); err != nil {
		t.Error(err)
	}
}

func TestReadErrorsAndSessionState(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}

	m.ObserveReadError(errors.New("remote I/O error"))
	if got := testutil.ToFloat64(m.sensorErrors); got != 1 {
		t.Errorf("sensor errors = %v; want 1", got)
	}

	m.SetSessionState(lifecycle.Connected)
	if got := testutil.ToFloat64(m.sessionState); got != 2 {
		t.Errorf("session state = %v; want 2", got)
	}
	m.SetSessionState(lifecycle.Disconnected)
	if got := testutil.ToFloat64(m.sessionState); got != 4 {
		t.Errorf("session state = %v; want 4", got)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatal(err)
	}
	if _, err := New(reg); err == nil {
		t.Error("second registration on the same registry succeeded")
	}
}
