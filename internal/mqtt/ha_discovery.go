package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// SensorConfig describes one field of the status payload for
// Home Assistant Discovery
type SensorConfig struct {
	SensorID    string // Unique sensor ID
	Name        string // Display name
	Field       string // Key in the JSON status payload
	Unit        string // V, A, W, %
	DeviceClass string // voltage, current, power, battery
}

// DeviceInfo contains device information for grouping in Home Assistant
type DeviceInfo struct {
	Identifiers  []string
	Name         string
	Model        string
	Manufacturer string
}

// UPSSensors lists every numeric field of the status payload
func UPSSensors() []SensorConfig {
	return []SensorConfig{
		{SensorID: "bus_voltage", Name: "Bus Voltage", Field: "VoltBus", Unit: "V", DeviceClass: "voltage"},
		{SensorID: "shunt_voltage", Name: "Shunt Voltage", Field: "VoltShunt", Unit: "V", DeviceClass: "voltage"},
		{SensorID: "psu_voltage", Name: "Supply Voltage", Field: "VoltPSU", Unit: "V", DeviceClass: "voltage"},
		{SensorID: "current", Name: "Current", Field: "Cur", Unit: "A", DeviceClass: "current"},
		{SensorID: "power", Name: "Power", Field: "Power", Unit: "W", DeviceClass: "power"},
		{SensorID: "charge", Name: "Battery", Field: "Pct", Unit: "%", DeviceClass: "battery"},
	}
}

// DiscoveryManager publishes Home Assistant discovery configs that read
// every value, and availability, from the single device status topic
type DiscoveryManager struct {
	channel Channel
	logger  *log.Logger
	topic   string
	device  DeviceInfo
	nodeID  string

	// Cache of pre-generated discovery configs
	discoveryConfigs map[string][]byte
	discoveryMu      sync.RWMutex
}

// NewDiscoveryManager creates a new DiscoveryManager instance for the
// device publishing on topic
func NewDiscoveryManager(ch Channel, logger *log.Logger, topic string, device DeviceInfo) *DiscoveryManager {
	return &DiscoveryManager{
		channel:          ch,
		logger:           logger,
		topic:            topic,
		device:           device,
		nodeID:           sanitizeID(topic),
		discoveryConfigs: make(map[string][]byte),
	}
}

// ConfigTopic returns the discovery topic for a sensor
func (d *DiscoveryManager) ConfigTopic(cfg SensorConfig) string {
	// Topic: homeassistant/sensor/{node_id}/{sensor_id}/config
	return "homeassistant/sensor/" + d.nodeID + "/" + cfg.SensorID + "/config"
}

// PublishAll publishes retained discovery configs for all sensors and
// waits up to timeout for each acknowledgment
func (d *DiscoveryManager) PublishAll(timeout time.Duration) error {
	var failed int
	sensors := UPSSensors()
	for _, cfg := range sensors {
		if err := d.publish(cfg, timeout); err != nil {
			failed++
			if d.logger != nil {
				d.logger.Printf("[Discovery] Failed to publish discovery for %s: %v", cfg.SensorID, err)
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("failed to publish %d of %d discovery configs", failed, len(sensors))
	}

	if d.logger != nil {
		d.logger.Printf("[Discovery] Published MQTT discovery config for %d sensors", len(sensors))
	}
	return nil
}

func (d *DiscoveryManager) publish(cfg SensorConfig, timeout time.Duration) error {
	configJSON, err := d.generateDiscoveryConfig(cfg)
	if err != nil {
		return err
	}

	token := d.channel.Publish(d.ConfigTopic(cfg), 1, true, configJSON)
	select {
	case <-token.Done():
		return token.Error()
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %v", timeout)
	}
}

// generateDiscoveryConfig generates and caches a Home Assistant discovery config
func (d *DiscoveryManager) generateDiscoveryConfig(cfg SensorConfig) ([]byte, error) {
	// Check cache first
	d.discoveryMu.RLock()
	if config, ok := d.discoveryConfigs[cfg.SensorID]; ok {
		d.discoveryMu.RUnlock()
		return config, nil
	}
	d.discoveryMu.RUnlock()

	discoveryConfig := map[string]interface{}{
		"name":                  cfg.Name,
		"unique_id":             d.nodeID + "_" + cfg.SensorID,
		"state_topic":           d.topic,
		"value_template":        "{{ value_json." + cfg.Field + " }}",
		"unit_of_measurement":   cfg.Unit,
		"device_class":          cfg.DeviceClass,
		"state_class":           "measurement",
		"availability_topic":    d.topic,
		"availability_template": "{{ value_json.Status }}",
		"payload_available":     "1",
		"payload_not_available": "0",
	}

	// Device information for grouping in Home Assistant
	if len(d.device.Identifiers) > 0 {
		discoveryConfig["device"] = map[string]interface{}{
			"identifiers":  d.device.Identifiers,
			"name":         d.device.Name,
			"model":        d.device.Model,
			"manufacturer": d.device.Manufacturer,
		}
	}

	configJSON, err := json.Marshal(discoveryConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal discovery config: %w", err)
	}

	// Cache for future use
	d.discoveryMu.Lock()
	d.discoveryConfigs[cfg.SensorID] = configJSON
	d.discoveryMu.Unlock()

	return configJSON, nil
}

// sanitizeID creates a safe ID for MQTT topics and unique IDs
func sanitizeID(name string) string {
	b := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z':
			b[i] = c + ('a' - 'A') // to lowercase
		case c == ' ' || c == '/' || c == '.' || c == '-' || c == '+' || c == '#':
			b[i] = '_'
		default:
			b[i] = c
		}
	}
	return strings.Trim(string(b), "_")
}
