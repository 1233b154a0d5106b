package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/obddash/internal/datalog"
	"github.com/shaunagostinho/obddash/internal/obd"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "/etc/obddash/config.yaml"

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	// Adapter link
	OBD OBDConfig `yaml:"obd" json:"obd"`

	// Display preferences
	Display DisplayConfig `yaml:"display" json:"display"`

	// Process logging and the CSV data log
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Optional external data log sinks
	Sinks SinksConfig `yaml:"sinks" json:"sinks"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type OBDConfig struct {
	Transport string `yaml:"transport" json:"transport"` // "rfcomm", "serial" or "demo"
	Address   string `yaml:"address" json:"address"`     // BD address or device path
	Channel   int    `yaml:"channel" json:"channel"`     // RFCOMM channel
	BaudRate  int    `yaml:"baud_rate" json:"baudRate"`  // serial only
	// CheckPairing consults BlueZ (rfcomm) or the port list (serial) before dialing.
	CheckPairing      bool `yaml:"check_pairing" json:"checkPairing"`
	ResponseTimeoutMs int  `yaml:"response_timeout_ms" json:"responseTimeoutMs"`
	CommandGapMs      int  `yaml:"command_gap_ms" json:"commandGapMs"`
	ErrorThreshold    int  `yaml:"error_threshold" json:"errorThreshold"`
	// Intervals overrides the polling cadence per parameter name, in ms.
	Intervals map[string]int `yaml:"intervals" json:"intervals"`
}

type DisplayConfig struct {
	Units      UnitsConfig     `yaml:"units" json:"units"`
	Thresholds ThresholdConfig `yaml:"thresholds" json:"thresholds"`
}

type UnitsConfig struct {
	Temperature string `yaml:"temperature" json:"temperature"` // "C" or "F"
	Pressure    string `yaml:"pressure" json:"pressure"`       // "kpa" or "psi"
	Speed       string `yaml:"speed" json:"speed"`             // "kph" or "mph"
}

type ThresholdConfig struct {
	RPMWarn   int     `yaml:"rpm_warn" json:"rpmWarn"`
	RPMDanger int     `yaml:"rpm_danger" json:"rpmDanger"`
	CLTWarn   float64 `yaml:"clt_warn" json:"cltWarn"`     // °C
	CLTDanger float64 `yaml:"clt_danger" json:"cltDanger"` // °C
	BattLow   float64 `yaml:"batt_low" json:"battLow"`
	BattHigh  float64 `yaml:"batt_high" json:"battHigh"`
	FuelLow   float64 `yaml:"fuel_low" json:"fuelLow"` // %
}

type LoggingConfig struct {
	Level   string `yaml:"level" json:"level"`   // logrus level name
	Format  string `yaml:"format" json:"format"` // "text" or "json"
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Memory  int    `yaml:"memory" json:"memory"` // entries kept for /api/log
}

type SinksConfig struct {
	Redis datalog.RedisConfig `yaml:"redis" json:"redis"` // empty addr disables the sink
	MQTT  datalog.MQTTConfig  `yaml:"mqtt" json:"mqtt"`   // empty broker disables the sink
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
	// AutoConnect dials the configured address at startup.
	AutoConnect bool `yaml:"auto_connect" json:"autoConnect"`
	// Parameters are streamed to every WebSocket client.
	Parameters []string `yaml:"parameters" json:"parameters"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		OBD: OBDConfig{
			Transport:         "demo",
			Address:           "",
			Channel:           1,
			BaudRate:          38400,
			CheckPairing:      true,
			ResponseTimeoutMs: 2000,
			CommandGapMs:      100,
			ErrorThreshold:    5,
		},
		Display: DisplayConfig{
			Units: UnitsConfig{
				Temperature: "C",
				Pressure:    "kpa",
				Speed:       "kph",
			},
			Thresholds: ThresholdConfig{
				RPMWarn:   5500,
				RPMDanger: 6500,
				CLTWarn:   100,
				CLTDanger: 110,
				BattLow:   12.0,
				BattHigh:  15.0,
				FuelLow:   15,
			},
		},
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "text",
			Enabled: false,
			Path:    "/var/log/obddash",
			Memory:  200,
		},
		Sinks: SinksConfig{
			Redis: datalog.RedisConfig{Channel: "obd:log", Keep: 1000},
			MQTT:  datalog.MQTTConfig{ClientID: "obddash", Prefix: "obddash"},
		},
		Server: ServerConfig{
			ListenAddr:  ":8080",
			AutoConnect: true,
			Parameters: []string{
				"RPM", "SPEED", "THROTTLE_POSITION", "ENGINE_LOAD",
				"COOLANT_TEMP", "INTAKE_AIR_TEMP", "BATTERY_VOLTAGE", "FUEL_LEVEL",
			},
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Infof("no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warnf("error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Infof("config loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Infof("loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: OBD_TRANSPORT, OBD_ADDRESS, OBD_CHANNEL, OBD_BAUD, LISTEN_ADDR,
// LOG_LEVEL, LOG_ENABLED, LOG_PATH, MQTT_BROKER, REDIS_ADDR
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OBD_TRANSPORT"); v != "" {
		c.OBD.Transport = strings.ToLower(v)
	}
	if v := os.Getenv("OBD_ADDRESS"); v != "" {
		c.OBD.Address = v
	}
	if v := os.Getenv("OBD_CHANNEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OBD.Channel = n
		}
	}
	if v := os.Getenv("OBD_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OBD.BaudRate = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.Sinks.MQTT.Broker = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Sinks.Redis.Addr = v
	}
}

// Validate rejects settings the link cannot be built from.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validateLocked()
}

func (c *Config) validateLocked() error {
	switch c.OBD.Transport {
	case "rfcomm", "serial", "demo":
	default:
		return fmt.Errorf("config: unknown obd transport %q", c.OBD.Transport)
	}
	if c.OBD.Channel < 1 || c.OBD.Channel > 30 {
		return fmt.Errorf("config: rfcomm channel %d out of range 1-30", c.OBD.Channel)
	}
	if _, err := c.intervalsLocked(); err != nil {
		return err
	}
	if _, err := c.streamedLocked(); err != nil {
		return err
	}
	return nil
}

// Link returns a copy of the adapter settings.
func (c *Config) Link() OBDConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o := c.OBD
	o.Intervals = make(map[string]int, len(c.OBD.Intervals))
	for k, v := range c.OBD.Intervals {
		o.Intervals[k] = v
	}
	return o
}

// Intervals returns the per-parameter polling overrides.
func (c *Config) Intervals() (map[obd.ParameterID]time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.intervalsLocked()
}

func (c *Config) intervalsLocked() (map[obd.ParameterID]time.Duration, error) {
	out := make(map[obd.ParameterID]time.Duration, len(c.OBD.Intervals))
	for name, ms := range c.OBD.Intervals {
		id, err := obd.ParseParameterID(name)
		if err != nil {
			return nil, fmt.Errorf("config: obd.intervals: %w", err)
		}
		if ms <= 0 {
			return nil, fmt.Errorf("config: obd.intervals: %s must be positive, got %d", id, ms)
		}
		out[id] = time.Duration(ms) * time.Millisecond
	}
	return out, nil
}

// Streamed returns the parameters pushed to WebSocket clients.
func (c *Config) Streamed() ([]obd.ParameterID, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamedLocked()
}

func (c *Config) streamedLocked() ([]obd.ParameterID, error) {
	out := make([]obd.ParameterID, 0, len(c.Server.Parameters))
	for _, name := range c.Server.Parameters {
		id, err := obd.ParseParameterID(name)
		if err != nil {
			return nil, fmt.Errorf("config: server.parameters: %w", err)
		}
		if _, ok := obd.Lookup(id); !ok {
			return nil, fmt.Errorf("config: server.parameters: %s is not pollable", id)
		}
		out = append(out, id)
	}
	return out, nil
}

// DisplaySnapshot returns the display settings under the read lock.
func (c *Config) DisplaySnapshot() DisplayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Display
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = defaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. An update that fails validation changes nothing.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	next := &Config{}
	if err := json.Unmarshal(merged, next); err != nil {
		return fmt.Errorf("unmarshal merged config: %w", err)
	}
	if err := next.validateLocked(); err != nil {
		return err
	}

	c.OBD = next.OBD
	c.Display = next.Display
	c.Logging = next.Logging
	c.Sinks = next.Sinks
	c.Server = next.Server
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
