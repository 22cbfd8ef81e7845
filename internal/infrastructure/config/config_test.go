package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
site:
  id: "workshop"
heater:
  id: "voron-chamber"
  firmware: "stock"
  host: "panda-breath.local"
  mdns: true
  stale_after: 90
database:
  path: "/tmp/test.db"
  retention_days: 7
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  host: "0.0.0.0"
  port: 8090
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "workshop" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "workshop")
	}
	if cfg.Heater.ID != "voron-chamber" || cfg.Heater.Host != "panda-breath.local" || !cfg.Heater.MDNS {
		t.Errorf("Heater = %+v", cfg.Heater)
	}
	if cfg.Heater.Port != 80 {
		t.Errorf("Heater.Port = %d, want default 80", cfg.Heater.Port)
	}
	if got := cfg.Heater.GetStaleAfter(); got != 90*time.Second {
		t.Errorf("GetStaleAfter() = %v, want 90s", got)
	}
	if cfg.Database.RetentionDays != 7 {
		t.Errorf("Database.RetentionDays = %d, want 7", cfg.Database.RetentionDays)
	}
	if cfg.MQTT.Broker.Host != "localhost" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "localhost")
	}
}

func TestLoad_ESPHomeConfig(t *testing.T) {
	content := `
heater:
  firmware: "esphome"
  mqtt_broker: "10.0.0.5"
  mqtt_topic_prefix: "chamber"
  mqtt_username: "esp"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Heater.MQTTBroker != "10.0.0.5" || cfg.Heater.MQTTTopicPrefix != "chamber" {
		t.Errorf("Heater = %+v", cfg.Heater)
	}
	if cfg.Heater.MQTTPort != 1883 || cfg.Heater.MQTTKeepAlive != 60 {
		t.Errorf("Heater MQTT defaults = port %d keepalive %d", cfg.Heater.MQTTPort, cfg.Heater.MQTTKeepAlive)
	}
	if got := cfg.Heater.Address(); got != "10.0.0.5:1883" {
		t.Errorf("Address() = %q, want 10.0.0.5:1883", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
site:
  id: ""
heater:
  host: "panda.local"
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Error("Load() expected validation error for empty site.id, got nil")
	}
}

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Heater.Host = "panda-breath.local"
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid stock", func(*Config) {}, ""},
		{"valid esphome", func(c *Config) {
			c.Heater.Firmware = FirmwareESPHome
			c.Heater.Host = ""
			c.Heater.MQTTBroker = "broker.local"
		}, ""},
		{"missing site ID", func(c *Config) { c.Site.ID = "" }, "site.id"},
		{"missing heater ID", func(c *Config) { c.Heater.ID = "" }, "heater.id"},
		{"unknown firmware", func(c *Config) { c.Heater.Firmware = "marlin" }, "heater.firmware"},
		{"stock without host", func(c *Config) { c.Heater.Host = "" }, "heater.host"},
		{"stock bad port", func(c *Config) { c.Heater.Port = 0 }, "heater.port"},
		{"esphome without broker", func(c *Config) { c.Heater.Firmware = FirmwareESPHome }, "heater.mqtt_broker"},
		{"esphome keepalive overflow", func(c *Config) {
			c.Heater.Firmware = FirmwareESPHome
			c.Heater.MQTTBroker = "b"
			c.Heater.MQTTKeepAlive = 70000
		}, "heater.mqtt_keepalive"},
		{"negative tolerance", func(c *Config) { c.Heater.BusyTolerance = -1 }, "heater.busy_tolerance"},
		{"negative stale", func(c *Config) { c.Heater.StaleAfter = -1 }, "heater.stale_after"},
		{"missing database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"negative retention", func(c *Config) { c.Database.RetentionDays = -1 }, "database.retention_days"},
		{"invalid QoS", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"invalid port low", func(c *Config) { c.API.Port = 0 }, "api.port"},
		{"invalid port high", func(c *Config) { c.API.Port = 70000 }, "api.port"},
		{"api disabled ignores port", func(c *Config) { c.API.Enabled = false; c.API.Port = 0 }, ""},
		{"influx without url", func(c *Config) { c.InfluxDB.Enabled = true }, "influxdb.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateJoinsErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Site.ID = ""
	cfg.Database.Path = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil")
	}
	if !strings.Contains(err.Error(), "site.id is required; database.path is required") {
		t.Errorf("Validate() error = %q", err)
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
		Heater: HeaterConfig{ReconnectDelay: 5, PollInterval: 250, StaleAfter: 60},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
	if got := cfg.Heater.GetReconnectDelay(); got != 5*time.Second {
		t.Errorf("GetReconnectDelay() = %v, want 5s", got)
	}
	if got := cfg.Heater.GetPollInterval(); got != 250*time.Millisecond {
		t.Errorf("GetPollInterval() = %v, want 250ms", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("GRAYLOGIC_HEATER_FIRMWARE", "esphome")
	t.Setenv("GRAYLOGIC_HEATER_HOST", "10.1.1.9")
	t.Setenv("GRAYLOGIC_HEATER_MQTT_BROKER", "broker.lan")
	t.Setenv("GRAYLOGIC_HEATER_MQTT_USERNAME", "esp")
	t.Setenv("GRAYLOGIC_HEATER_MQTT_PASSWORD", "esp-secret")
	t.Setenv("GRAYLOGIC_DATABASE_PATH", "/custom/path.db")
	t.Setenv("GRAYLOGIC_MQTT_HOST", "mqtt.example.com")
	t.Setenv("GRAYLOGIC_MQTT_USERNAME", "testuser")
	t.Setenv("GRAYLOGIC_MQTT_PASSWORD", "testpass")
	t.Setenv("GRAYLOGIC_API_HOST", "192.168.1.1")
	t.Setenv("GRAYLOGIC_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("GRAYLOGIC_LOG_LEVEL", "debug")

	applyEnvOverrides(cfg)

	checks := []struct {
		field string
		got   string
		want  string
	}{
		{"Heater.Firmware", cfg.Heater.Firmware, "esphome"},
		{"Heater.Host", cfg.Heater.Host, "10.1.1.9"},
		{"Heater.MQTTBroker", cfg.Heater.MQTTBroker, "broker.lan"},
		{"Heater.MQTTUsername", cfg.Heater.MQTTUsername, "esp"},
		{"Heater.MQTTPassword", cfg.Heater.MQTTPassword, "esp-secret"},
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"API.Host", cfg.API.Host, "192.168.1.1"},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
		{"Logging.Level", cfg.Logging.Level, "debug"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.field, c.got, c.want)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Site.ID == "" {
		t.Error("defaultConfig should have non-empty Site.ID")
	}
	if cfg.Heater.Firmware != FirmwareStock {
		t.Errorf("defaultConfig Heater.Firmware = %q, want stock", cfg.Heater.Firmware)
	}
	if cfg.Heater.ReconnectDelay != 5 || cfg.Heater.StaleAfter != 60 || cfg.Heater.BusyTolerance != 2 {
		t.Errorf("defaultConfig heater timing = %+v", cfg.Heater)
	}
	if cfg.Database.RetentionDays != 30 {
		t.Errorf("defaultConfig Database.RetentionDays = %d, want 30", cfg.Database.RetentionDays)
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.API.Port != 8090 {
		t.Errorf("defaultConfig API.Port = %d, want 8090", cfg.API.Port)
	}

	// Defaults alone are incomplete: a stock heater needs a host.
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "heater.host") {
		t.Errorf("defaultConfig Validate() = %v, want heater.host error", err)
	}
}
