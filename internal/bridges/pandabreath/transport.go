package pandabreath

import (
	"context"
	"fmt"
	"time"
)

// Firmware kinds accepted by NewTransport.
const (
	// FirmwareStock is the OEM firmware speaking JSON over ws://host/ws.
	FirmwareStock = "stock"

	// FirmwareESPHome is ESPHome firmware reached through an MQTT broker.
	FirmwareESPHome = "esphome"
)

// Default connection parameters.
const (
	DefaultWebSocketPort   = 80
	DefaultBrokerPort      = 1883
	DefaultTopicPrefix     = "panda-breath"
	DefaultClientID        = "panda_breath_klipper"
	DefaultKeepAlive       = 60
	DefaultConnectTimeout  = 10 * time.Second
	DefaultWebSocketRead   = 45 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultReconnectDelay  = 5 * time.Second
	DefaultPingInterval    = 30 * time.Second
	defaultPingReadMargin  = 5 * time.Second
	defaultMQTTSubscribeID = 1
)

// Reading is one chamber temperature sample.
type Reading struct {
	// Value is the temperature in degrees Celsius.
	Value float64

	// At is when the worker received the sample.
	At time.Time
}

// Handlers receives transport events. Both are invoked on the transport's
// worker goroutine and must not block or call Stop. A nil handler is skipped.
type Handlers struct {
	// OnMessage is called for every decoded temperature reading.
	OnMessage func(Reading)

	// OnDisconnect is called after every lost connection or failed attempt.
	OnDisconnect func()
}

// Transport is the contract shared by the WebSocket and MQTT clients.
type Transport interface {
	// Start launches the connection worker. It may be called once.
	Start() error

	// Stop shuts the worker down and closes any open connection. It is safe
	// to call more than once and before Start.
	Stop()

	// SetTarget records the desired target and sends it if connected.
	// degrees <= 0 turns the heater off. Send failures are logged only; the
	// value is sent again after the next connect.
	SetTarget(degrees float64)

	// State returns the current connection state.
	State() State

	// Stats returns a snapshot of operational counters.
	Stats() Stats
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// HostResolver maps a configured host name to a dialable address.
// discovery.Resolver implements it for mDNS names.
type HostResolver interface {
	Resolve(ctx context.Context, host string) (string, error)
}

// TransportConfig holds everything needed to build either transport.
// Zero durations fall back to the defaults above.
type TransportConfig struct {
	// Firmware selects the transport: FirmwareStock or FirmwareESPHome.
	Firmware string

	// Host and Port address the device for the stock firmware.
	Host string
	Port int

	// Broker, BrokerPort and TopicPrefix address the ESPHome firmware.
	Broker      string
	BrokerPort  int
	TopicPrefix string

	// ClientID, KeepAlive, Username and Password go into CONNECT.
	ClientID  string
	KeepAlive uint16
	Username  string
	Password  string

	// Resolver, if set, is consulted before every dial.
	Resolver HostResolver

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ReconnectDelay time.Duration
	PingInterval   time.Duration
}

// withDefaults fills zero fields. ReadTimeout depends on the firmware:
// the WebSocket link uses it for dead-peer detection, the MQTT link sizes
// it just above the ping interval.
func (c TransportConfig) withDefaults() TransportConfig {
	if c.Port == 0 {
		c.Port = DefaultWebSocketPort
	}
	if c.BrokerPort == 0 {
		c.BrokerPort = DefaultBrokerPort
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = DefaultTopicPrefix
	}
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.ReadTimeout == 0 {
		if c.Firmware == FirmwareESPHome {
			c.ReadTimeout = c.PingInterval + defaultPingReadMargin
		} else {
			c.ReadTimeout = DefaultWebSocketRead
		}
	}
	return c
}

// NewTransport builds the transport for cfg.Firmware.
//
// Parameters:
//   - cfg: Transport configuration
//   - h: Event handlers (usually Heater.Handlers())
//   - logger: Optional logger (nil disables logging)
//
// Returns:
//   - Transport: Ready to Start
//   - error: ErrUnknownFirmware or ErrNotConfigured
func NewTransport(cfg TransportConfig, h Handlers, logger Logger) (Transport, error) {
	switch cfg.Firmware {
	case FirmwareStock, "":
		cfg.Firmware = FirmwareStock
		return NewWebSocketTransport(cfg, h, logger)
	case FirmwareESPHome:
		return NewESPHomeTransport(cfg, h, logger)
	default:
		return nil, fmt.Errorf("%w %q (use %q or %q)", ErrUnknownFirmware, cfg.Firmware, FirmwareStock, FirmwareESPHome)
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
