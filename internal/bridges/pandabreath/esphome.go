package pandabreath

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ESPHome entity topics, relative to the configured prefix.
const (
	temperatureStateSuffix = "/chamber_temperature/state"
	temperatureStateTopic  = "/sensor" + temperatureStateSuffix
	targetSetTopic         = "/climate/chamber/target_temperature/set"
	modeSetTopic           = "/climate/chamber/mode/set"

	modeHeat = "heat"
	modeOff  = "off"
)

// TemperatureStateTopic returns the topic the ESPHome firmware publishes
// chamber temperature on.
func TemperatureStateTopic(prefix string) string {
	return prefix + temperatureStateTopic
}

// TargetSetTopic returns the topic that sets the climate target.
func TargetSetTopic(prefix string) string {
	return prefix + targetSetTopic
}

// ModeSetTopic returns the topic that sets the climate mode.
func ModeSetTopic(prefix string) string {
	return prefix + modeSetTopic
}

// ESPHomeTransport talks to ESPHome firmware through an MQTT broker using a
// minimal MQTT 3.1.1 client: QoS 0 only, one subscription, no TLS.
//
// Thread Safety: all exported methods are safe for concurrent use.
type ESPHomeTransport struct {
	*worker
	prefix  string
	connect ConnectOptions
	maxBody int
}

var _ Transport = (*ESPHomeTransport)(nil)

// NewESPHomeTransport creates an ESPHome transport. Call Start to begin
// connecting.
func NewESPHomeTransport(cfg TransportConfig, h Handlers, logger Logger) (*ESPHomeTransport, error) {
	cfg.Firmware = FirmwareESPHome
	cfg = cfg.withDefaults()
	if cfg.Broker == "" {
		return nil, fmt.Errorf("%w: broker is required for %s firmware", ErrNotConfigured, FirmwareESPHome)
	}

	t := &ESPHomeTransport{
		prefix: cfg.TopicPrefix,
		connect: ConnectOptions{
			ClientID:  cfg.ClientID,
			KeepAlive: cfg.KeepAlive,
			Username:  cfg.Username,
			Password:  cfg.Password,
		},
		maxBody: DefaultMaxPacketBody,
	}
	t.worker = newWorker("esphome", cfg.Broker, cfg.BrokerPort, cfg, h, logger)
	t.proto = t
	return t, nil
}

// handshake runs CONNECT/CONNACK then SUBSCRIBE/SUBACK.
func (t *ESPHomeTransport) handshake(l *link) error {
	connect, err := EncodeConnect(t.connect)
	if err != nil {
		return err
	}
	if err := l.write(connect); err != nil {
		return fmt.Errorf("sending CONNECT: %w", err)
	}

	connack, err := t.expect(l, PacketConnack)
	if err != nil {
		return err
	}
	if len(connack.Body) < 2 {
		return fmt.Errorf("%w: CONNACK body of %d bytes", ErrMalformedPacket, len(connack.Body))
	}
	if code := connack.Body[1]; code != 0 {
		return fmt.Errorf("%w: return code %d", ErrConnectionRefused, code)
	}

	subscribe, err := EncodeSubscribe(defaultMQTTSubscribeID, TemperatureStateTopic(t.prefix))
	if err != nil {
		return err
	}
	if err := l.write(subscribe); err != nil {
		return fmt.Errorf("sending SUBSCRIBE: %w", err)
	}
	_, err = t.expect(l, PacketSuback)
	return err
}

// expect reads one packet and fails unless it has type want.
func (t *ESPHomeTransport) expect(l *link, want byte) (Packet, error) {
	p, err := ReadPacket(l.br, t.maxBody)
	if err != nil {
		return Packet{}, fmt.Errorf("reading %s: %w", packetName(want), err)
	}
	if p.Type != want {
		return Packet{}, fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedPacket, packetName(want), packetName(p.Type))
	}
	return p, nil
}

// sendTarget publishes the target then the mode. Both packets go out in a
// single write so no ping or other command lands between them.
func (t *ESPHomeTransport) sendTarget(l *link, degrees float64) error {
	if degrees <= 0 {
		off, err := EncodePublish(ModeSetTopic(t.prefix), []byte(modeOff))
		if err != nil {
			return err
		}
		return l.write(off)
	}

	target, err := EncodePublish(TargetSetTopic(t.prefix), []byte(strconv.FormatFloat(degrees, 'f', 1, 64)))
	if err != nil {
		return err
	}
	heat, err := EncodePublish(ModeSetTopic(t.prefix), []byte(modeHeat))
	if err != nil {
		return err
	}
	return l.write(append(target, heat...))
}

// stream pings on a fixed schedule and dispatches inbound packets.
//
// A read timeout before the first byte of a packet only means the broker had
// nothing to say. Once a packet has started, every error is fatal because
// the stream position is lost.
func (t *ESPHomeTransport) stream(l *link) error {
	lastPing := time.Now()
	for {
		if now := time.Now(); now.Sub(lastPing) >= t.cfg.PingInterval {
			if err := l.write(EncodePingreq()); err != nil {
				return fmt.Errorf("sending PINGREQ: %w", err)
			}
			lastPing = now
		}

		if err := l.readDeadline(t.cfg.ReadTimeout); err != nil {
			return err
		}
		if _, err := l.br.Peek(1); err != nil {
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("reading packet: %w", err)
		}

		p, err := ReadPacket(l.br, t.maxBody)
		if err != nil {
			return fmt.Errorf("reading packet: %w", err)
		}
		t.messagesRx.Add(1)

		switch p.Type {
		case PacketPublish:
			t.handlePublish(p)
		case PacketPingresp:
		case 0:
			return fmt.Errorf("%w: packet type 0", ErrMalformedPacket)
		}
	}
}

func (t *ESPHomeTransport) goodbye() []byte {
	return EncodeDisconnect()
}

// handlePublish turns a chamber temperature PUBLISH into a reading.
func (t *ESPHomeTransport) handlePublish(p Packet) {
	topic, payload, ok := ParsePublish(p.Flags, p.Body)
	if !ok {
		t.dropped("publish", ErrMalformedPacket)
		return
	}
	if !strings.HasSuffix(topic, temperatureStateSuffix) {
		return
	}
	temp, err := parseTemperatureText(string(payload))
	if err != nil {
		t.dropped("publish", err)
		return
	}
	t.deliver(Reading{Value: temp, At: time.Now()})
}
