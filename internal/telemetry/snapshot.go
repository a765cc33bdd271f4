// Package telemetry defines the UPS sample and its MQTT wire format
package telemetry

import (
	"encoding/json"
	"time"
)

// LastUpdateLayout is the timestamp layout used in published payloads
const LastUpdateLayout = "2006-01-02-15:04:05"

// Status values carried in the payload
const (
	StatusOffline = 0
	StatusOnline  = 1
)

// RawReading is a single sensor read in the units the INA219 reports
type RawReading struct {
	BusVoltage   float64 // V, load side
	ShuntVoltage float64 // mV, across the shunt
	Current      float64 // mA
	Power        float64 // W
}

// Snapshot is one sample converted to canonical units with derived fields.
// A Snapshot is never modified after NewSnapshot returns it.
type Snapshot struct {
	BusVoltage    float64   `json:"busVoltage"`
	ShuntVoltage  float64   `json:"shuntVoltage"`
	SupplyVoltage float64   `json:"supplyVoltage"`
	Current       float64   `json:"current"`
	Power         float64   `json:"power"`
	ChargePercent float64   `json:"chargePercent"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewSnapshot converts a raw reading taken at ts
func NewSnapshot(raw RawReading, ts time.Time) Snapshot {
	shunt := raw.ShuntVoltage / 1000
	return Snapshot{
		BusVoltage:    raw.BusVoltage,
		ShuntVoltage:  shunt,
		SupplyVoltage: raw.BusVoltage + shunt,
		Current:       raw.Current / 1000,
		Power:         raw.Power,
		ChargePercent: ChargePercent(raw.BusVoltage),
		Timestamp:     ts,
	}
}

// ChargePercent estimates remaining capacity from bus voltage.
// This is the board vendor's linear formula for a 2S pack and must stay as is.
func ChargePercent(busVoltage float64) float64 {
	pct := (busVoltage - 6) / 2.4 * 100
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

// Payload is the JSON document published for an online sample.
// Field order matters to subscribers that compare raw strings.
type Payload struct {
	Status     int     `json:"Status"`
	VoltBus    float64 `json:"VoltBus"`
	VoltShunt  float64 `json:"VoltShunt"`
	VoltPSU    float64 `json:"VoltPSU"`
	Cur        float64 `json:"Cur"`
	Power      float64 `json:"Power"`
	Pct        float64 `json:"Pct"`
	LastUpdate string  `json:"LastUpdate"`
}

// ToPayload maps the snapshot onto the wire document
func (s Snapshot) ToPayload() Payload {
	return Payload{
		Status:     StatusOnline,
		VoltBus:    s.BusVoltage,
		VoltShunt:  s.ShuntVoltage,
		VoltPSU:    s.SupplyVoltage,
		Cur:        s.Current,
		Power:      s.Power,
		Pct:        s.ChargePercent,
		LastUpdate: s.Timestamp.Format(LastUpdateLayout),
	}
}

// Payload serializes the snapshot for publishing
func (s Snapshot) Payload() ([]byte, error) {
	return json.Marshal(s.ToPayload())
}

// OfflinePayload is the retained status for a device that is not publishing.
// It doubles as the last will registered with the broker.
func OfflinePayload() []byte {
	return []byte(`{"Status":0}`)
}
