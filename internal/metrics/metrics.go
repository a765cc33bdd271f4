// Package metrics exposes sampler and session activity as Prometheus metrics
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"upsagent/internal/gate"
	"upsagent/internal/lifecycle"
	"upsagent/internal/telemetry"
)

// Metrics implements sampler.Recorder and the lifecycle state listener
type Metrics struct {
	samples      prometheus.Counter
	publishes    *prometheus.CounterVec
	suppressed   prometheus.Counter
	sensorErrors prometheus.Counter
	sessionState prometheus.Gauge

	busVoltage    prometheus.Gauge
	shuntVoltage  prometheus.Gauge
	supplyVoltage prometheus.Gauge
	current       prometheus.Gauge
	power         prometheus.Gauge
	chargePercent prometheus.Gauge
	lastSample    prometheus.Gauge
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upsagent_samples_total",
			Help: "Sensor samples read by the sampling loop.",
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upsagent_publishes_total",
			Help: "Samples handed to the broker, by gate reason.",
		}, []string{"reason"}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upsagent_suppressed_total",
			Help: "Samples the publish gate held back.",
		}),
		sensorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upsagent_sensor_errors_total",
			Help: "Failed sensor reads.",
		}),
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "upsagent_session_state",
			Help: "Broker session state: 0 unconnected, 1 connecting, 2 connected, 3 disconnecting, 4 disconnected.",
		}),
		busVoltage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "upsagent_bus_voltage_volts",
			Help: "Bus voltage of the last sample.",
		}),
		shuntVoltage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "upsagent_shunt_voltage_volts",
			Help: "Shunt voltage of the last sample.",
		}),
		supplyVoltage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "upsagent_supply_voltage_volts",
			Help: "Supply voltage (bus plus shunt) of the last sample.",
		}),
		current: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "upsagent_current_amperes",
			Help: "Current of the last sample. Negative while discharging.",
		}),
		power: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "upsagent_power_watts",
			Help: "Power of the last sample.",
		}),
		chargePercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "upsagent_charge_percent",
			Help: "Estimated battery charge of the last sample.",
		}),
		lastSample: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "upsagent_last_sample_timestamp_seconds",
			Help: "Unix time of the last sample.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.samples, m.publishes, m.suppressed, m.sensorErrors, m.sessionState,
		m.busVoltage, m.shuntVoltage, m.supplyVoltage, m.current, m.power,
		m.chargePercent, m.lastSample,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveSample records one gated sample
func (m *Metrics) ObserveSample(snap telemetry.Snapshot, d gate.Decision) {
	m.samples.Inc()
	if d.Publish {
		m.publishes.WithLabelValues(string(d.Reason)).Inc()
	} else {
		m.suppressed.Inc()
	}

	m.busVoltage.Set(snap.BusVoltage)
	m.shuntVoltage.Set(snap.ShuntVoltage)
	m.supplyVoltage.Set(snap.SupplyVoltage)
	m.current.Set(snap.Current)
	m.power.Set(snap.Power)
	m.chargePercent.Set(snap.ChargePercent)
	m.lastSample.Set(float64(snap.Timestamp.Unix()))
}

// ObserveReadError records a failed sensor read
func (m *Metrics) ObserveReadError(error) {
	m.sensorErrors.Inc()
}

// SetSessionState records a lifecycle transition
func (m *Metrics) SetSessionState(s lifecycle.State) {
	m.sessionState.Set(float64(s))
}
