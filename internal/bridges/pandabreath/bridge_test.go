package pandabreath

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu           sync.Mutex
	published    []mockPublish
	handlers     map[string]func(topic string, payload []byte)
	unsubscribed []string
	connected    bool
	publishErr   error
}

// mockDefaultQoS is the QoS PublishRetained uses, as the broker config would.
const mockDefaultQoS = 1

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockMQTTClient) PublishRetained(topic string, payload []byte) error {
	return m.Publish(topic, payload, mockDefaultQoS, true)
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	m.unsubscribed = append(m.unsubscribed, topic)
	return nil
}

func (m *MockMQTTClient) unsubscribedTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.unsubscribed...)
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) setConnected(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = v
}

// SimulateMessage delivers payload to the handler registered for topic.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	handler := m.handlers[topic]
	m.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

// PublishedTo returns messages published to topic.
func (m *MockMQTTClient) PublishedTo(topic string) []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockPublish
	for _, p := range m.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// mockTransport implements TransportMonitor and TargetSetter.
type mockTransport struct {
	mu      sync.Mutex
	state   State
	stats   Stats
	targets []float64
}

func (m *mockTransport) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockTransport) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *mockTransport) SetTarget(degrees float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = append(m.targets, degrees)
}

func (m *mockTransport) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

type recordedReading struct {
	deviceID string
	value    float64
	at       time.Time
}

type recordedCommand struct {
	deviceID string
	target   float64
	source   string
}

// mockHistory implements HistoryRecorder and MetricsWriter.
type mockHistory struct {
	mu       sync.Mutex
	readings []recordedReading
	commands []recordedCommand
	points   int
	links    []string
	err      error
}

func (m *mockHistory) RecordReading(_ context.Context, deviceID string, value float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings = append(m.readings, recordedReading{deviceID, value, at})
	return m.err
}

func (m *mockHistory) RecordCommand(_ context.Context, deviceID string, target float64, source string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, recordedCommand{deviceID, target, source})
	return m.err
}

func (m *mockHistory) WriteChamberTemperature(float64, float64, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points++
}

func (m *mockHistory) WriteLinkState(state string, _ time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links = append(m.links, state)
}

func (m *mockHistory) linkStates() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.links...)
}

func (m *mockHistory) recordedReadings() []recordedReading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recordedReading(nil), m.readings...)
}

func (m *mockHistory) pointCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.points
}

// slowHistory blocks every reading write until its context ends.
type slowHistory struct {
	mockHistory
	started chan struct{}
}

func (m *slowHistory) RecordReading(ctx context.Context, deviceID string, value float64, at time.Time) error {
	select {
	case m.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return m.mockHistory.RecordReading(ctx, deviceID, value, at)
}

// waitFor polls cond until it holds or testWait passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type bridgeFixture struct {
	bridge    *Bridge
	mqtt      *MockMQTTClient
	transport *mockTransport
	heater    *Heater
	history   *mockHistory
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()

	f := &bridgeFixture{
		mqtt:      NewMockMQTTClient(),
		transport: &mockTransport{state: StateStreaming},
		heater:    NewHeater(HeaterConfig{}, nil),
		history:   &mockHistory{},
	}
	f.heater.Bind(f.transport)

	b, err := NewBridge(BridgeOptions{
		DeviceID:   "chamber-heater",
		Firmware:   FirmwareStock,
		Address:    "panda-breath.local:80",
		Version:    "test",
		MQTTClient: f.mqtt,
		Transport:  f.transport,
		Heater:     f.heater,
		Metrics:    f.history,
		History:    f.history,

		LinkPollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)
	f.bridge = b
	return f
}

func (f *bridgeFixture) command(t *testing.T, cmd CommandMessage) AckMessage {
	t.Helper()

	payload, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	f.mqtt.SimulateMessage(CommandTopic("chamber-heater"), payload)

	acks := f.mqtt.PublishedTo(AckTopic("chamber-heater"))
	if len(acks) == 0 {
		t.Fatal("no ack published")
	}
	var ack AckMessage
	if err := json.Unmarshal(acks[len(acks)-1].Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	return ack
}

func TestNewBridge_Validation(t *testing.T) {
	heater := NewHeater(HeaterConfig{}, nil)
	mqtt := NewMockMQTTClient()

	tests := []struct {
		name string
		opts BridgeOptions
	}{
		{"no mqtt", BridgeOptions{DeviceID: "d", Heater: heater}},
		{"no heater", BridgeOptions{DeviceID: "d", MQTTClient: mqtt}},
		{"no device id", BridgeOptions{MQTTClient: mqtt, Heater: heater}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBridge(tt.opts); err == nil {
				t.Error("NewBridge() error = nil, want error")
			}
		})
	}

	b, err := NewBridge(BridgeOptions{DeviceID: "d", MQTTClient: mqtt, Heater: heater})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if b.InstanceID() == "" {
		t.Error("InstanceID() is empty")
	}

	b, err = NewBridge(BridgeOptions{DeviceID: "d", MQTTClient: mqtt, Heater: heater, InstanceID: "fixed"})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if b.InstanceID() != "fixed" {
		t.Errorf("InstanceID() = %q, want fixed", b.InstanceID())
	}
	lwt, err := b.Health().LWTPayload()
	if err != nil {
		t.Fatalf("LWTPayload() error = %v", err)
	}
	if !strings.Contains(string(lwt), `"instance_id":"fixed"`) {
		t.Errorf("LWT payload = %s, want instance id fixed", lwt)
	}
}

func TestBridge_SetTargetCommand(t *testing.T) {
	f := newBridgeFixture(t)

	ack := f.command(t, CommandMessage{
		ID:         "cmd-1",
		DeviceID:   "chamber-heater",
		Command:    CommandSetTarget,
		Parameters: map[string]any{"target": 45},
		Source:     "automation",
	})

	if ack.Status != AckAccepted {
		t.Fatalf("ack status = %s, want accepted (error %+v)", ack.Status, ack.Error)
	}
	if ack.CommandID != "cmd-1" || ack.Protocol != Protocol {
		t.Errorf("ack = %+v", ack)
	}
	if got := f.transport.targets; len(got) != 1 || got[0] != 45 {
		t.Errorf("transport targets = %v, want [45]", got)
	}
	if len(f.history.commands) != 1 || f.history.commands[0].source != "automation" {
		t.Errorf("recorded commands = %+v", f.history.commands)
	}

	waitFor(t, "state after target change", func() bool {
		return len(f.mqtt.PublishedTo(StateTopic("chamber-heater"))) > 0
	})
	states := f.mqtt.PublishedTo(StateTopic("chamber-heater"))
	last := states[len(states)-1]
	if last.QoS != 1 || !last.Retained {
		t.Errorf("state published with qos %d retained %v, want 1 true", last.QoS, last.Retained)
	}
	var msg StateMessage
	if err := json.Unmarshal(last.Payload, &msg); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if msg.State.Target != 45 || !msg.State.Busy {
		t.Errorf("state = %+v, want target 45 busy", msg.State)
	}
}

func TestBridge_OffCommand(t *testing.T) {
	f := newBridgeFixture(t)

	ack := f.command(t, CommandMessage{ID: "cmd-2", Command: CommandOff})
	if ack.Status != AckAccepted {
		t.Fatalf("ack status = %s, want accepted", ack.Status)
	}
	if ack.DeviceID != "chamber-heater" {
		t.Errorf("ack device = %q, want chamber-heater", ack.DeviceID)
	}
	if got := f.transport.targets; len(got) != 1 || got[0] != 0 {
		t.Errorf("transport targets = %v, want [0]", got)
	}
	if f.history.commands[0].source != "mqtt" {
		t.Errorf("default source = %q, want mqtt", f.history.commands[0].source)
	}
}

func TestBridge_CommandErrors(t *testing.T) {
	tests := []struct {
		name     string
		cmd      CommandMessage
		wantCode string
	}{
		{
			name:     "unknown command",
			cmd:      CommandMessage{ID: "c", Command: "dim"},
			wantCode: ErrCodeInvalidCommand,
		},
		{
			name:     "missing target",
			cmd:      CommandMessage{ID: "c", Command: CommandSetTarget},
			wantCode: ErrCodeInvalidParameters,
		},
		{
			name:     "non-numeric target",
			cmd:      CommandMessage{ID: "c", Command: CommandSetTarget, Parameters: map[string]any{"target": "hot"}},
			wantCode: ErrCodeInvalidParameters,
		},
		{
			name:     "other device",
			cmd:      CommandMessage{ID: "c", DeviceID: "bed-heater", Command: CommandOff},
			wantCode: ErrCodeNotConfigured,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBridgeFixture(t)
			ack := f.command(t, tt.cmd)

			if ack.Status != AckFailed {
				t.Fatalf("ack status = %s, want failed", ack.Status)
			}
			if ack.Error == nil || ack.Error.Code != tt.wantCode {
				t.Errorf("ack error = %+v, want code %s", ack.Error, tt.wantCode)
			}
			if len(f.transport.targets) != 0 {
				t.Errorf("transport targets = %v, want none", f.transport.targets)
			}
		})
	}
}

func TestBridge_MalformedCommandIgnored(t *testing.T) {
	f := newBridgeFixture(t)
	f.mqtt.SimulateMessage(CommandTopic("chamber-heater"), []byte("{not json"))

	if acks := f.mqtt.PublishedTo(AckTopic("chamber-heater")); len(acks) != 0 {
		t.Errorf("acks = %d, want 0", len(acks))
	}
}

func TestBridge_ReadingsPublishedAndRecorded(t *testing.T) {
	f := newBridgeFixture(t)
	at := time.Now()

	f.heater.Enqueue(Reading{Value: 30.126, At: at})
	f.heater.Poll(at)

	waitFor(t, "first reading recorded", func() bool { return len(f.history.recordedReadings()) == 1 })
	states := f.mqtt.PublishedTo(StateTopic("chamber-heater"))
	if len(states) != 1 {
		t.Fatalf("state messages = %d, want 1", len(states))
	}
	var msg StateMessage
	if err := json.Unmarshal(states[0].Payload, &msg); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if msg.State.Temperature != 30.13 {
		t.Errorf("published temperature = %v, want 30.13", msg.State.Temperature)
	}
	if got := f.history.recordedReadings(); got[0].value != 30.13 || got[0].deviceID != "chamber-heater" {
		t.Errorf("recorded readings = %+v", got)
	}
	if n := f.history.pointCount(); n != 1 {
		t.Errorf("metric points = %d, want 1", n)
	}

	// Same value again: recorded, but state is unchanged so nothing is republished.
	f.heater.Enqueue(Reading{Value: 30.126, At: at.Add(time.Second)})
	f.heater.Poll(at.Add(time.Second))

	waitFor(t, "second reading recorded", func() bool { return len(f.history.recordedReadings()) == 2 })
	if n := len(f.mqtt.PublishedTo(StateTopic("chamber-heater"))); n != 1 {
		t.Errorf("state messages = %d, want 1 after identical reading", n)
	}
}

func TestBridge_SlowHistoryDoesNotBlockPoll(t *testing.T) {
	history := &slowHistory{started: make(chan struct{}, 1)}
	heater := NewHeater(HeaterConfig{}, nil)
	mqtt := NewMockMQTTClient()

	b, err := NewBridge(BridgeOptions{
		DeviceID:   "chamber-heater",
		MQTTClient: mqtt,
		Heater:     heater,
		History:    history,
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)

	heater.Enqueue(Reading{Value: 31, At: time.Now()})
	start := time.Now()
	heater.Poll(time.Now())
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Poll() took %v with a blocked history writer", elapsed)
	}

	select {
	case <-history.started:
	case <-time.After(testWait):
		t.Fatal("reading never reached the history writer")
	}

	// A second poll while the writer is still stuck must not wait either.
	heater.Enqueue(Reading{Value: 32, At: time.Now()})
	start = time.Now()
	heater.Poll(time.Now())
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("second Poll() took %v", elapsed)
	}
}

func TestBridge_StopUnsubscribesAndIgnoresUpdates(t *testing.T) {
	f := newBridgeFixture(t)

	f.bridge.Stop()

	if got := f.mqtt.unsubscribedTopics(); len(got) != 1 || got[0] != CommandTopic("chamber-heater") {
		t.Errorf("unsubscribed = %v, want [%s]", got, CommandTopic("chamber-heater"))
	}

	f.heater.Enqueue(Reading{Value: 33, At: time.Now()})
	f.heater.Poll(time.Now())
	time.Sleep(50 * time.Millisecond)

	if got := f.history.recordedReadings(); len(got) != 0 {
		t.Errorf("recorded readings after Stop = %+v, want none", got)
	}
	if n := len(f.mqtt.PublishedTo(StateTopic("chamber-heater"))); n != 0 {
		t.Errorf("state messages after Stop = %d, want 0", n)
	}
}

func TestBridge_HistoryErrorsDoNotFailCommands(t *testing.T) {
	f := newBridgeFixture(t)
	f.history.err = errors.New("disk full")

	if err := f.bridge.SetTarget(context.Background(), 40, "api"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if got := f.transport.targets; len(got) != 1 || got[0] != 40 {
		t.Errorf("transport targets = %v, want [40]", got)
	}
}

func TestBridge_SetTargetRejectsNonFinite(t *testing.T) {
	f := newBridgeFixture(t)

	err := f.bridge.SetTarget(context.Background(), math.Inf(1), "api")
	if err == nil || !strings.Contains(err.Error(), "finite") {
		t.Errorf("SetTarget(+Inf) error = %v, want finite-number error", err)
	}
	if len(f.transport.targets) != 0 {
		t.Errorf("transport targets = %v, want none", f.transport.targets)
	}
}

func TestBridge_StartPublishesStartingHealth(t *testing.T) {
	f := newBridgeFixture(t)

	health := f.mqtt.PublishedTo(HealthTopic())
	if len(health) == 0 {
		t.Fatal("no health published on start")
	}
	var msg HealthMessage
	if err := json.Unmarshal(health[0].Payload, &msg); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if msg.Status != HealthStarting {
		t.Errorf("first health status = %s, want starting", msg.Status)
	}
	if msg.InstanceID != f.bridge.InstanceID() {
		t.Errorf("health instance = %q, want %q", msg.InstanceID, f.bridge.InstanceID())
	}
}

func TestBridge_RecordsLinkTransitions(t *testing.T) {
	f := newBridgeFixture(t)

	f.transport.setState(StateBackoff)

	deadline := time.Now().Add(testWait)
	for time.Now().Before(deadline) {
		if len(f.history.linkStates()) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	got := f.history.linkStates()
	if len(got) < 2 {
		t.Fatalf("link states = %v, want initial state and one transition", got)
	}
	if got[0] != StateStreaming.String() || got[1] != StateBackoff.String() {
		t.Errorf("link states = %v, want [%s %s]", got, StateStreaming, StateBackoff)
	}
}
