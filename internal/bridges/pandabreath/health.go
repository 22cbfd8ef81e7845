package pandabreath

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// defaultHealthInterval is how often health is published.
const defaultHealthInterval = 30 * time.Second

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	// PublishRetained sends a retained message at the publisher's default QoS.
	PublishRetained(topic string, payload []byte) error

	// IsConnected returns true if the publisher is connected.
	IsConnected() bool
}

// TransportMonitor exposes the transport state health depends on.
type TransportMonitor interface {
	State() State
	Stats() Stats
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	InstanceID string
	Version    string
	Firmware   string
	Address    string

	// Interval is how often to publish. Default: 30 seconds.
	Interval time.Duration

	Publisher HealthPublisher
	Transport TransportMonitor
	Heater    *Heater
	Logger    Logger
}

// HealthReporter publishes the bridge's health at regular intervals.
type HealthReporter struct {
	cfg       HealthReporterConfig
	startTime time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewHealthReporter creates a health reporter. Call Start to begin.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
	return &HealthReporter{
		cfg:       cfg,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start begins periodic reporting until ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publish(HealthStopping, "bridge stopping")
	})
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publish(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publish(status, reason)
}

// LWTPayload returns the Last Will and Testament payload for the bus client.
func (h *HealthReporter) LWTPayload() ([]byte, error) {
	return json.Marshal(NewLWTMessage(h.cfg.InstanceID))
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.cfg.Logger.Error("failed to publish initial health", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.cfg.Logger.Error("failed to publish health", "error", err)
			}
		}
	}
}

// determineStatus evaluates bus, device link and telemetry freshness.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.cfg.Transport != nil {
		if state := h.cfg.Transport.State(); state != StateStreaming {
			return HealthDegraded, "panda breath " + state.String()
		}
	}
	if h.cfg.Heater != nil && h.cfg.Heater.Status().Stale {
		return HealthDegraded, "temperature stale"
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}

	var (
		state State
		stats Stats
	)
	if h.cfg.Transport != nil {
		state = h.cfg.Transport.State()
		stats = h.cfg.Transport.Stats()
	}

	msg := NewHealthMessage(h.cfg.InstanceID, h.cfg.Version, status, state, stats, h.startTime)
	msg.Reason = reason
	msg.Connection.Firmware = h.cfg.Firmware
	msg.Connection.Address = h.cfg.Address

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.cfg.Publisher.PublishRetained(HealthTopic(), payload)
}
