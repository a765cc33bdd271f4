// Package config loads the agent configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"upsagent/internal/gate"
	"upsagent/internal/sensor"
)

// ErrInvalid is wrapped by every validation error
var ErrInvalid = errors.New("invalid configuration")

// Environment variable names
const (
	EnvMQTTBroker   = "UPSAGENT_MQTT_BROKER"
	EnvMQTTPort     = "UPSAGENT_MQTT_PORT"
	EnvMQTTPrefix   = "UPSAGENT_MQTT_PREFIX"
	EnvMQTTUsername = "UPSAGENT_MQTT_USERNAME"
	EnvMQTTPassword = "UPSAGENT_MQTT_PASSWORD"
	EnvHTTPAddr     = "UPSAGENT_HTTP_ADDR"
	EnvStatePath    = "UPSAGENT_STATE_PATH"
)

// Default values
const (
	DefaultPath = "/etc/waveshare_ups.yaml"

	DefaultBus        = sensor.DefaultBus
	DefaultUpdateRate = 30.0 // seconds
	DefaultUpdateCur  = 0.1
	DefaultUpdateVolt = 0.1
	DefaultUpdatePct  = 5.0

	DefaultMQTTPort   = 1883
	DefaultMQTTPrefix = "ups"
)

// UPS describes the board and the publish thresholds. Absent keys take
// their defaults; an explicit 0 is kept.
type UPS struct {
	Model      sensor.Model `yaml:"model"`
	Addr       uint16       `yaml:"addr"` // 0 selects the model default
	Bus        int          `yaml:"bus"`
	UpdateRate float64      `yaml:"update_rate"` // seconds
	UpdateCur  float64      `yaml:"update_cur"`  // A
	UpdateVolt float64      `yaml:"update_volt"` // V
	UpdatePct  float64      `yaml:"update_pct"`  // percent points
}

// upsFile is the on-disk form of UPS, with pointers to tell absent keys
// from zero values
type upsFile struct {
	Model      sensor.Model `yaml:"model"`
	Addr       uint16       `yaml:"addr"`
	Bus        *int         `yaml:"bus"`
	UpdateRate *float64     `yaml:"update_rate"`
	UpdateCur  *float64     `yaml:"update_cur"`
	UpdateVolt *float64     `yaml:"update_volt"`
	UpdatePct  *float64     `yaml:"update_pct"`
}

// UnmarshalYAML implements yaml.Unmarshaler
func (u *UPS) UnmarshalYAML(value *yaml.Node) error {
	var raw upsFile
	if err := value.Decode(&raw); err != nil {
		return err
	}

	*u = UPS{
		Model:      raw.Model,
		Addr:       raw.Addr,
		Bus:        DefaultBus,
		UpdateRate: DefaultUpdateRate,
		UpdateCur:  DefaultUpdateCur,
		UpdateVolt: DefaultUpdateVolt,
		UpdatePct:  DefaultUpdatePct,
	}
	if raw.Bus != nil {
		u.Bus = *raw.Bus
	}
	if raw.UpdateRate != nil {
		u.UpdateRate = *raw.UpdateRate
	}
	if raw.UpdateCur != nil {
		u.UpdateCur = *raw.UpdateCur
	}
	if raw.UpdateVolt != nil {
		u.UpdateVolt = *raw.UpdateVolt
	}
	if raw.UpdatePct != nil {
		u.UpdatePct = *raw.UpdatePct
	}
	return nil
}

// MQTT holds broker settings
type MQTT struct {
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Prefix   string `yaml:"prefix"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`

	// Discovery enables Home Assistant discovery configs
	Discovery bool `yaml:"discovery"`

	// ShutdownTimeout bounds the offline acknowledgment wait in seconds.
	// Zero waits indefinitely.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
}

// HTTP holds the local status server settings. Empty Addr disables it.
type HTTP struct {
	Addr string `yaml:"addr"`
}

// State holds the run metadata store settings. Empty Path disables it.
type State struct {
	Path string `yaml:"path"`
}

// Config holds all application configuration
type Config struct {
	UPS   *UPS  `yaml:"ups"`
	MQTT  MQTT  `yaml:"mqtt"`
	HTTP  HTTP  `yaml:"http"`
	State State `yaml:"state"`

	filePath string
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result. envFile, when not empty, is a dotenv file whose
// values apply below the process environment; a missing envFile is ignored.
func Load(path, envFile string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	values, err := readEnv(envFile)
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(data, values)
	if err != nil {
		return nil, err
	}
	cfg.filePath = path
	return cfg, nil
}

// Parse decodes YAML data, applies the override values and validates
func Parse(data []byte, env map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	cfg.setDefaults()
	if err := cfg.applyValues(env); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readEnv merges the dotenv file with the process environment for the
// keys this package knows. The process environment wins.
func readEnv(envFile string) (map[string]string, error) {
	values := make(map[string]string)
	if envFile != "" {
		fileValues, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read env file: %w", err)
		}
		for k, v := range fileValues {
			values[k] = v
		}
	}

	for _, key := range []string{
		EnvMQTTBroker, EnvMQTTPort, EnvMQTTPrefix, EnvMQTTUsername,
		EnvMQTTPassword, EnvHTTPAddr, EnvStatePath,
	} {
		if v, ok := os.LookupEnv(key); ok {
			values[key] = v
		}
	}
	return values, nil
}

// setDefaults fills every unset field. The ups section itself has no
// default; a missing section is a validation error. UPS thresholds are
// defaulted while decoding.
func (c *Config) setDefaults() {
	if c.UPS != nil && c.UPS.Addr == 0 {
		if addr, err := sensor.DefaultAddress(c.UPS.Model); err == nil {
			c.UPS.Addr = addr
		}
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = DefaultMQTTPort
	}
	if c.MQTT.Prefix == "" {
		c.MQTT.Prefix = DefaultMQTTPrefix
	}
}

// applyValues applies environment overrides
func (c *Config) applyValues(values map[string]string) error {
	if v, ok := values[EnvMQTTBroker]; ok && v != "" {
		c.MQTT.Broker = v
	}
	if v, ok := values[EnvMQTTPort]; ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %q is not a port", ErrInvalid, EnvMQTTPort, v)
		}
		c.MQTT.Port = port
	}
	if v, ok := values[EnvMQTTPrefix]; ok && v != "" {
		c.MQTT.Prefix = v
	}
	if v, ok := values[EnvMQTTUsername]; ok {
		c.MQTT.Username = v
	}
	if v, ok := values[EnvMQTTPassword]; ok {
		c.MQTT.Password = v
	}
	if v, ok := values[EnvHTTPAddr]; ok {
		c.HTTP.Addr = v
	}
	if v, ok := values[EnvStatePath]; ok {
		c.State.Path = v
	}
	return nil
}

// validate checks if configuration is valid.
func (c *Config) validate() error {
	if c.UPS == nil {
		return fmt.Errorf("%w: missing ups section", ErrInvalid)
	}
	if c.UPS.Model == "" {
		return fmt.Errorf("%w: ups.model is required", ErrInvalid)
	}
	if _, err := sensor.DefaultAddress(c.UPS.Model); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.UPS.Bus < 0 {
		return fmt.Errorf("%w: invalid i2c bus %d", ErrInvalid, c.UPS.Bus)
	}
	if c.UPS.UpdateRate < 0 || c.UPS.UpdateCur < 0 || c.UPS.UpdateVolt < 0 || c.UPS.UpdatePct < 0 {
		return fmt.Errorf("%w: update thresholds cannot be negative", ErrInvalid)
	}

	if c.MQTT.Broker == "" {
		return fmt.Errorf("%w: mqtt.broker is required", ErrInvalid)
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		return fmt.Errorf("%w: invalid port number: %d", ErrInvalid, c.MQTT.Port)
	}
	if strings.ContainsAny(c.MQTT.Prefix, "+#") {
		return fmt.Errorf("%w: mqtt.prefix cannot contain wildcards", ErrInvalid)
	}
	if c.MQTT.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: mqtt.shutdown_timeout cannot be negative", ErrInvalid)
	}
	return nil
}

// Topic returns the status topic for the host
func (c *Config) Topic(hostname string) string {
	return c.MQTT.Prefix + "/" + hostname
}

// Thresholds returns the publish gate thresholds
func (c *Config) Thresholds() gate.Thresholds {
	return gate.Thresholds{
		UpdateRate: time.Duration(c.UPS.UpdateRate * float64(time.Second)),
		Current:    c.UPS.UpdateCur,
		Voltage:    c.UPS.UpdateVolt,
		Percent:    c.UPS.UpdatePct,
	}
}

// ShutdownTimeout returns the offline acknowledgment bound, zero for none
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.MQTT.ShutdownTimeout) * time.Second
}

// FilePath returns the path the configuration was loaded from
func (c *Config) FilePath() string {
	return c.filePath
}

// String describes the configuration without secrets
func (c *Config) String() string {
	password := ""
	if c.MQTT.Password != "" {
		password = "***"
	}
	model := sensor.Model("")
	var addr uint16
	if c.UPS != nil {
		model = c.UPS.Model
		addr = c.UPS.Addr
	}
	return fmt.Sprintf("model=%s addr=0x%02x broker=%s:%d prefix=%s user=%q password=%q discovery=%v http=%q state=%q",
		model, addr, c.MQTT.Broker, c.MQTT.Port, c.MQTT.Prefix,
		c.MQTT.Username, password, c.MQTT.Discovery, c.HTTP.Addr, c.State.Path)
}
