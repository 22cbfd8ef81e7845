package pandabreath

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// historyTimeout bounds a single history write.
	historyTimeout = 5 * time.Second

	defaultLinkPollInterval = time.Second
)

// MQTTClient is the interface for MQTT operations on the Gray Logic bus.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// PublishRetained sends a retained message at the client's default QoS.
	// State and health go through it.
	PublishRetained(topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// Unsubscribe removes the handler for a topic.
	Unsubscribe(topic string) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// MetricsWriter records chamber telemetry as time series. The writer is
// bound to this heater and tags points itself.
// Satisfied by *influxdb.Client.
type MetricsWriter interface {
	WriteChamberTemperature(temperature, target float64, at time.Time)
	WriteLinkState(state string, at time.Time)
}

// HistoryRecorder persists readings and commands.
// Satisfied by *history.Repository.
type HistoryRecorder interface {
	RecordReading(ctx context.Context, deviceID string, value float64, at time.Time) error
	RecordCommand(ctx context.Context, deviceID string, target float64, source string, at time.Time) error
}

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	// DeviceID is the Gray Logic device id of the heater.
	DeviceID string

	// Firmware and Address describe the device link in messages.
	Firmware string
	Address  string

	// Version is reported in health messages.
	Version string

	// InstanceID identifies this process in health messages. Set it when
	// the bus Last Will must be built before the bridge. Default: random.
	InstanceID string

	// HealthInterval overrides the 30s health period.
	HealthInterval time.Duration

	// LinkPollInterval is how often the transport state is sampled for
	// link metrics. Default: 1 second.
	LinkPollInterval time.Duration

	MQTTClient MQTTClient
	Transport  TransportMonitor
	Heater     *Heater

	// Metrics and History are optional.
	Metrics MetricsWriter
	History HistoryRecorder

	Logger Logger
}

// Bridge connects the heater to the Gray Logic MQTT bus:
//   - commands from Core become heater targets
//   - heater status changes become retained state messages
//   - readings go to the time-series store and local history
//   - health is reported periodically
//
// Heater updates are handed to a bridge goroutine through a one-slot
// signal, so the heater's poll loop never waits on the bus or on storage.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	deviceID   string
	firmware   string
	address    string
	instanceID string

	mqtt      MQTTClient
	transport TransportMonitor
	heater    *Heater
	metrics   MetricsWriter
	history   HistoryRecorder
	health    *HealthReporter
	logger    Logger

	// updates holds at most one pending "status changed" signal.
	updates chan struct{}

	// Last published status for change detection. Owned by processUpdates.
	lastState     *Status
	lastRecording time.Time

	linkInterval time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewBridge creates a bridge. Call Start to subscribe and begin reporting.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, errors.New("pandabreath: MQTT client is required")
	}
	if opts.Heater == nil {
		return nil, errors.New("pandabreath: heater is required")
	}
	if opts.DeviceID == "" {
		return nil, errors.New("pandabreath: device id is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	instanceID := opts.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	linkInterval := opts.LinkPollInterval
	if linkInterval <= 0 {
		linkInterval = defaultLinkPollInterval
	}

	b := &Bridge{
		deviceID:   opts.DeviceID,
		firmware:   opts.Firmware,
		address:    opts.Address,
		instanceID: instanceID,
		mqtt:       opts.MQTTClient,
		transport:  opts.Transport,
		heater:     opts.Heater,
		metrics:    opts.Metrics,
		history:    opts.History,
		logger:     logger,

		updates:      make(chan struct{}, 1),
		linkInterval: linkInterval,
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		InstanceID: b.instanceID,
		Version:    opts.Version,
		Firmware:   opts.Firmware,
		Address:    opts.Address,
		Interval:   opts.HealthInterval,
		Publisher:  opts.MQTTClient,
		Transport:  opts.Transport,
		Heater:     opts.Heater,
		Logger:     logger,
	})
	return b, nil
}

// InstanceID returns the id this bridge process reports in health messages.
func (b *Bridge) InstanceID() string {
	return b.instanceID
}

// Health returns the bridge's health reporter.
func (b *Bridge) Health() *HealthReporter {
	return b.health
}

// Start subscribes to commands, hooks heater updates and starts health
// reporting.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	if err := b.health.PublishStarting(); err != nil {
		b.logger.Warn("failed to publish starting status", "error", err)
	}

	if err := b.mqtt.Subscribe(CommandTopic(b.deviceID), 1, b.handleMQTTMessage); err != nil {
		b.cancel()
		return fmt.Errorf("subscribing to commands: %w", err)
	}

	b.heater.OnUpdate(b.signalUpdate)
	b.wg.Add(1)
	go b.processUpdates(b.ctx)
	b.health.Start(b.ctx)

	if b.transport != nil {
		b.wg.Add(1)
		go b.watchLink(b.ctx)
	}

	b.logger.Info("panda breath bridge started",
		"device_id", b.deviceID,
		"firmware", b.firmware,
		"instance_id", b.instanceID)
	return nil
}

// Stop drops the command subscription, stops health reporting and waits
// for the bridge goroutines. Heater updates after Stop are ignored. Safe to
// call multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			if err := b.mqtt.Unsubscribe(CommandTopic(b.deviceID)); err != nil {
				b.logger.Warn("failed to unsubscribe from commands", "error", err)
			}
		}
		b.health.Stop()
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
		b.logger.Info("panda breath bridge stopped")
	})
}

// SetTarget applies a target from any source and records it in history.
func (b *Bridge) SetTarget(ctx context.Context, degrees float64, source string) error {
	if math.IsNaN(degrees) || math.IsInf(degrees, 0) {
		return errors.New("pandabreath: target must be a finite number")
	}

	b.heater.SetTarget(degrees)
	b.logger.Info("chamber target set", "device_id", b.deviceID, "target", degrees, "source", source)

	if b.history != nil {
		hctx, cancel := context.WithTimeout(ctx, historyTimeout)
		defer cancel()
		if err := b.history.RecordCommand(hctx, b.deviceID, degrees, source, time.Now()); err != nil {
			b.logger.Warn("failed to record command", "error", err)
		}
	}
	return nil
}

// handleMQTTMessage is the command topic handler.
func (b *Bridge) handleMQTTMessage(_ string, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Error("failed to parse command", "error", err)
		return
	}

	b.logger.Info("received command",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"command", cmd.Command)

	if cmd.DeviceID != "" && cmd.DeviceID != b.deviceID {
		b.publishAckError(cmd, ErrCodeNotConfigured, fmt.Sprintf("device %s not configured", cmd.DeviceID))
		return
	}
	cmd.DeviceID = b.deviceID

	degrees, code, err := commandTarget(cmd)
	if err != nil {
		b.publishAckError(cmd, code, err.Error())
		return
	}

	source := cmd.Source
	if source == "" {
		source = "mqtt"
	}
	if err := b.SetTarget(b.context(), degrees, source); err != nil {
		b.publishAckError(cmd, ErrCodeInvalidParameters, err.Error())
		return
	}
	b.publishAck(cmd, AckAccepted)
}

// commandTarget maps a command to the target it requests.
func commandTarget(cmd CommandMessage) (float64, string, error) {
	switch cmd.Command {
	case CommandOff:
		return 0, "", nil
	case CommandSetTarget:
		raw, ok := cmd.Parameters["target"]
		if !ok {
			return 0, ErrCodeInvalidParameters, errors.New("missing parameter: target")
		}
		target, ok := raw.(float64)
		if !ok {
			return 0, ErrCodeInvalidParameters, fmt.Errorf("target must be a number, got %T", raw)
		}
		return target, "", nil
	default:
		return 0, ErrCodeInvalidCommand, fmt.Errorf("unknown command: %s", cmd.Command)
	}
}

// signalUpdate is the heater observer. It runs on the heater's poll loop
// or a SetTarget caller and must not block.
func (b *Bridge) signalUpdate(Status) {
	if b.ctx.Err() != nil {
		return
	}
	select {
	case b.updates <- struct{}{}:
	default:
	}
}

// processUpdates handles signalled heater changes until ctx is cancelled.
// Signals that arrive while a change is being handled collapse into one,
// and the heater is read afresh, so the newest status always wins.
func (b *Bridge) processUpdates(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.updates:
			if ctx.Err() != nil {
				return
			}
			b.handleUpdate(ctx, b.heater.Status())
		}
	}
}

// handleUpdate publishes state on change and records new readings.
func (b *Bridge) handleUpdate(ctx context.Context, s Status) {
	changed := b.lastState == nil || !sameStatus(*b.lastState, s)
	if changed {
		snapshot := s
		b.lastState = &snapshot
	}
	newReading := s.LastReading != nil && s.LastReading.After(b.lastRecording)
	if newReading {
		b.lastRecording = *s.LastReading
	}

	if changed {
		b.publishState(s)
	}
	if !newReading {
		return
	}

	if b.metrics != nil {
		b.metrics.WriteChamberTemperature(s.Temperature, s.Target, *s.LastReading)
	}
	if b.history != nil {
		hctx, cancel := context.WithTimeout(ctx, historyTimeout)
		defer cancel()
		if err := b.history.RecordReading(hctx, b.deviceID, s.Temperature, *s.LastReading); err != nil {
			b.logger.Warn("failed to record reading", "error", err)
		}
	}
}

// watchLink logs transport state transitions and records them as metrics.
func (b *Bridge) watchLink(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.linkInterval)
	defer ticker.Stop()

	last := b.transport.State()
	b.recordLink(last)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state := b.transport.State()
			if state == last {
				continue
			}
			b.logger.Info("heater link changed", "from", last.String(), "to", state.String())
			last = state
			b.recordLink(state)
		}
	}
}

func (b *Bridge) recordLink(state State) {
	if b.metrics != nil {
		b.metrics.WriteLinkState(state.String(), time.Now())
	}
}

// sameStatus compares the fields that matter to subscribers.
func sameStatus(a, b Status) bool {
	return a.Temperature == b.Temperature &&
		a.Target == b.Target &&
		a.Busy == b.Busy &&
		a.Stale == b.Stale
}

func (b *Bridge) publishState(s Status) {
	payload, err := json.Marshal(NewStateMessage(b.deviceID, b.address, s))
	if err != nil {
		b.logger.Error("failed to marshal state", "error", err)
		return
	}
	if err := b.mqtt.PublishRetained(StateTopic(b.deviceID), payload); err != nil {
		b.logger.Error("failed to publish state", "error", err)
	}
}

func (b *Bridge) publishAck(cmd CommandMessage, status AckStatus) {
	payload, err := json.Marshal(NewAckMessage(cmd, status, b.address))
	if err != nil {
		b.logger.Error("failed to marshal ack", "error", err)
		return
	}
	if err := b.mqtt.Publish(AckTopic(b.deviceID), payload, 1, false); err != nil {
		b.logger.Error("failed to publish ack", "error", err)
	}
}

func (b *Bridge) publishAckError(cmd CommandMessage, code, message string) {
	payload, err := json.Marshal(NewAckError(cmd, b.address, code, message))
	if err != nil {
		b.logger.Error("failed to marshal ack error", "error", err)
		return
	}
	if err := b.mqtt.Publish(AckTopic(b.deviceID), payload, 1, false); err != nil {
		b.logger.Error("failed to publish ack error", "error", err)
	}
	b.logger.Warn("command failed", "command_id", cmd.ID, "code", code, "message", message)
}

// context returns the bridge context, or Background before Start.
func (b *Bridge) context() context.Context {
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}
