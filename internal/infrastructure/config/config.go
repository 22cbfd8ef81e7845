package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Firmware kinds accepted in heater.firmware.
const (
	FirmwareStock   = "stock"
	FirmwareESPHome = "esphome"
)

// Config is the root configuration structure for the Panda Breath bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site     SiteConfig     `yaml:"site"`
	Heater   HeaterConfig   `yaml:"heater"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	API      APIConfig      `yaml:"api"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// HeaterConfig describes the Panda Breath and how to reach it.
type HeaterConfig struct {
	// ID is the Gray Logic device id used in bus topics.
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// Firmware is "stock" (WebSocket) or "esphome" (MQTT).
	Firmware string `yaml:"firmware"`

	// Host and Port address the stock firmware's WebSocket endpoint.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// MQTT* settings address the broker ESPHome firmware publishes to.
	// This is usually not the Gray Logic bus broker.
	MQTTBroker      string `yaml:"mqtt_broker"`
	MQTTPort        int    `yaml:"mqtt_port"`
	MQTTTopicPrefix string `yaml:"mqtt_topic_prefix"`
	MQTTUsername    string `yaml:"mqtt_username"`
	MQTTPassword    string `yaml:"mqtt_password"`
	MQTTClientID    string `yaml:"mqtt_client_id"`
	MQTTKeepAlive   int    `yaml:"mqtt_keepalive"`

	// MDNS resolves *.local hosts through multicast DNS before each dial.
	MDNS bool `yaml:"mdns"`

	// ReconnectDelay is the fixed wait between connection attempts (seconds).
	ReconnectDelay int `yaml:"reconnect_delay"`

	// PollInterval is how often queued readings are applied (milliseconds).
	PollInterval int `yaml:"poll_interval"`

	// StaleAfter is how long without a reading before warning (seconds).
	StaleAfter int `yaml:"stale_after"`

	// BusyTolerance is the distance from target, in °C, that still counts as heating.
	BusyTolerance float64 `yaml:"busy_tolerance"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// RetentionDays bounds reading and command history. 0 keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

// MQTTConfig contains Gray Logic bus broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	CORS      CORSConfig       `yaml:"cors"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
}

// WebSocketConfig contains the live chamber feed settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_HEATER_HOST, GRAYLOGIC_MQTT_PASSWORD
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Gray Logic",
			Timezone: "UTC",
		},
		Heater: HeaterConfig{
			ID:              "panda-breath",
			Name:            "Chamber heater",
			Firmware:        FirmwareStock,
			Port:            80,
			MQTTPort:        1883,
			MQTTTopicPrefix: "panda-breath",
			MQTTClientID:    "panda_breath_klipper",
			MQTTKeepAlive:   60,
			ReconnectDelay:  5,
			PollInterval:    1000,
			StaleAfter:      60,
			BusyTolerance:   2,
		},
		Database: DatabaseConfig{
			Path:          "./data/pandabreath.db",
			WALMode:       true,
			BusyTimeout:   5,
			RetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-pandabreath",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			WebSocket: WebSocketConfig{
				MaxMessageSize: 8192,
				PingInterval:   30,
				PongTimeout:    10,
			},
		},
		InfluxDB: InfluxDBConfig{
			Org:           "graylogic",
			Bucket:        "pandabreath",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Heater
	if v := os.Getenv("GRAYLOGIC_HEATER_FIRMWARE"); v != "" {
		cfg.Heater.Firmware = v
	}
	if v := os.Getenv("GRAYLOGIC_HEATER_HOST"); v != "" {
		cfg.Heater.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_HEATER_MQTT_BROKER"); v != "" {
		cfg.Heater.MQTTBroker = v
	}
	if v := os.Getenv("GRAYLOGIC_HEATER_MQTT_USERNAME"); v != "" {
		cfg.Heater.MQTTUsername = v
	}
	if v := os.Getenv("GRAYLOGIC_HEATER_MQTT_PASSWORD"); v != "" {
		cfg.Heater.MQTTPassword = v
	}

	// Database
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("GRAYLOGIC_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("GRAYLOGIC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	errs = append(errs, c.Heater.validate()...)

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.RetentionDays < 0 {
		errs = append(errs, "database.retention_days must not be negative")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (h HeaterConfig) validate() []string {
	var errs []string

	if h.ID == "" {
		errs = append(errs, "heater.id is required")
	}

	switch h.Firmware {
	case FirmwareStock:
		if h.Host == "" {
			errs = append(errs, "heater.host is required for stock firmware")
		}
		if h.Port < 1 || h.Port > 65535 {
			errs = append(errs, "heater.port must be between 1 and 65535")
		}
	case FirmwareESPHome:
		if h.MQTTBroker == "" {
			errs = append(errs, "heater.mqtt_broker is required for esphome firmware")
		}
		if h.MQTTPort < 1 || h.MQTTPort > 65535 {
			errs = append(errs, "heater.mqtt_port must be between 1 and 65535")
		}
		if h.MQTTKeepAlive < 0 || h.MQTTKeepAlive > 65535 {
			errs = append(errs, "heater.mqtt_keepalive must be between 0 and 65535")
		}
	default:
		errs = append(errs, fmt.Sprintf("heater.firmware must be %q or %q, got %q", FirmwareStock, FirmwareESPHome, h.Firmware))
	}

	if h.ReconnectDelay < 0 {
		errs = append(errs, "heater.reconnect_delay must not be negative")
	}
	if h.PollInterval < 0 {
		errs = append(errs, "heater.poll_interval must not be negative")
	}
	if h.StaleAfter < 0 {
		errs = append(errs, "heater.stale_after must not be negative")
	}
	if h.BusyTolerance < 0 {
		errs = append(errs, "heater.busy_tolerance must not be negative")
	}
	return errs
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetReconnectDelay returns heater.reconnect_delay as a Duration.
func (h HeaterConfig) GetReconnectDelay() time.Duration {
	return time.Duration(h.ReconnectDelay) * time.Second
}

// GetPollInterval returns heater.poll_interval as a Duration.
func (h HeaterConfig) GetPollInterval() time.Duration {
	return time.Duration(h.PollInterval) * time.Millisecond
}

// GetStaleAfter returns heater.stale_after as a Duration.
func (h HeaterConfig) GetStaleAfter() time.Duration {
	return time.Duration(h.StaleAfter) * time.Second
}

// Address returns the endpoint the configured firmware connects to.
func (h HeaterConfig) Address() string {
	if h.Firmware == FirmwareESPHome {
		return fmt.Sprintf("%s:%d", h.MQTTBroker, h.MQTTPort)
	}
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}
