package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shaunagostinho/obddash/internal/obd"
)

// clearEnv blanks every override so the host environment cannot leak into a
// test; t.Setenv restores the originals afterwards.
func clearEnv(t *testing.T) {
	for _, k := range []string{
		"OBD_TRANSPORT", "OBD_ADDRESS", "OBD_CHANNEL", "OBD_BAUD", "LISTEN_ADDR",
		"LOG_LEVEL", "LOG_ENABLED", "LOG_PATH", "MQTT_BROKER", "REDIS_ADDR",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := LoadConfig(path)
	if cfg.OBD.Transport != "demo" {
		t.Errorf("Expected default transport demo, got %s", cfg.OBD.Transport)
	}
	if cfg.path != path {
		t.Errorf("Expected path %s, got %s", path, cfg.path)
	}
}

func TestLoadConfigBadYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("obd: [unterminated"), 0644)

	cfg := LoadConfig(path)
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("Expected defaults after a parse error, got listen %s", cfg.Server.ListenAddr)
	}
}

func TestLoadConfigYAMLEnvAndDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlData := `
obd:
  transport: serial
  address: /dev/rfcomm0
  baud_rate: 38400
  intervals:
    RPM: 250
server:
  listen_addr: ":9090"
`
	os.WriteFile(path, []byte(yamlData), 0644)
	os.WriteFile(filepath.Join(dir, ".env"), []byte("# sinks\nREDIS_ADDR=\"localhost:6379\"\nOBD_BAUD=115200\n"), 0644)
	t.Setenv("OBD_BAUD", "9600")
	t.Setenv("OBD_ADDRESS", "/dev/ttyUSB0")

	cfg := LoadConfig(path)

	if cfg.OBD.Transport != "serial" {
		t.Errorf("Expected transport serial, got %s", cfg.OBD.Transport)
	}
	if cfg.OBD.Address != "/dev/ttyUSB0" {
		t.Errorf("Expected env address to win, got %s", cfg.OBD.Address)
	}
	if cfg.OBD.BaudRate != 9600 {
		t.Errorf("Expected real env to beat .env, got baud %d", cfg.OBD.BaudRate)
	}
	if cfg.Sinks.Redis.Addr != "localhost:6379" {
		t.Errorf("Expected redis address from .env, got %q", cfg.Sinks.Redis.Addr)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("Expected listen :9090, got %s", cfg.Server.ListenAddr)
	}
	// Untouched sections keep their defaults
	if cfg.Display.Units.Temperature != "C" {
		t.Errorf("Expected default temperature unit, got %s", cfg.Display.Units.Temperature)
	}

	intervals, err := cfg.Intervals()
	if err != nil {
		t.Fatalf("Intervals failed: %v", err)
	}
	if intervals[obd.RPM] != 250*time.Millisecond {
		t.Errorf("Expected RPM interval 250ms, got %v", intervals[obd.RPM])
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"transport", func(c *Config) { c.OBD.Transport = "can" }},
		{"channel", func(c *Config) { c.OBD.Channel = 31 }},
		{"interval name", func(c *Config) { c.OBD.Intervals = map[string]int{"BOOST": 100} }},
		{"interval value", func(c *Config) { c.OBD.Intervals = map[string]int{"RPM": 0} }},
		{"streamed pseudo parameter", func(c *Config) { c.Server.Parameters = []string{"CONNECTION"} }},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestStreamed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Parameters = []string{"rpm", "coolant-temp"}
	ids, err := cfg.Streamed()
	if err != nil {
		t.Fatalf("Streamed failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != obd.RPM || ids[1] != obd.CoolantTemp {
		t.Errorf("Expected [RPM COOLANT_TEMP], got %v", ids)
	}
}

func TestUpdateFromJSONDeepMerge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OBD.Address = "00:1D:A5:68:98:8B"

	if err := cfg.UpdateFromJSON([]byte(`{"display":{"units":{"temperature":"F"}}}`)); err != nil {
		t.Fatalf("UpdateFromJSON failed: %v", err)
	}
	if cfg.Display.Units.Temperature != "F" {
		t.Errorf("Expected temperature F, got %s", cfg.Display.Units.Temperature)
	}
	if cfg.Display.Units.Pressure != "kpa" {
		t.Errorf("Expected sibling field preserved, got %s", cfg.Display.Units.Pressure)
	}
	if cfg.OBD.Address != "00:1D:A5:68:98:8B" {
		t.Errorf("Expected address preserved, got %s", cfg.OBD.Address)
	}
}

func TestUpdateFromJSONRejectsInvalid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.UpdateFromJSON([]byte(`{"obd":{"transport":"can"},"display":{"units":{"speed":"mph"}}}`)); err == nil {
		t.Fatal("Expected invalid transport to be rejected")
	}
	if cfg.OBD.Transport != "demo" || cfg.Display.Units.Speed != "kph" {
		t.Errorf("Expected rejected update to change nothing, got transport=%s speed=%s",
			cfg.OBD.Transport, cfg.Display.Units.Speed)
	}
	if err := cfg.UpdateFromJSON([]byte(`not json`)); err == nil {
		t.Error("Expected malformed JSON to be rejected")
	}
}

func TestSaveAndReload(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.path = path
	cfg.OBD.Transport = "rfcomm"
	cfg.OBD.Address = "00:1D:A5:68:98:8B"
	cfg.OBD.Intervals = map[string]int{"SPEED": 200}

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded := LoadConfig(path)
	if loaded.OBD.Transport != "rfcomm" || loaded.OBD.Address != "00:1D:A5:68:98:8B" {
		t.Errorf("Expected saved link settings, got %+v", loaded.OBD)
	}
	if loaded.OBD.Intervals["SPEED"] != 200 {
		t.Errorf("Expected SPEED interval 200, got %v", loaded.OBD.Intervals)
	}
}

func TestLinkCopiesIntervals(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OBD.Intervals = map[string]int{"RPM": 100}
	link := cfg.Link()
	link.Intervals["RPM"] = 1
	if cfg.OBD.Intervals["RPM"] != 100 {
		t.Error("Expected Link to return an independent intervals map")
	}
}
