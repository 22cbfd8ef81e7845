package pandabreath

import (
	"fmt"
	"time"
)

// WebSocketTransport talks to the stock firmware over ws://host:port/ws.
//
// The device pushes {"settings": {...}} JSON documents; the transport pulls
// the chamber temperature out of each one and sends commands in the same
// envelope.
//
// Thread Safety: all exported methods are safe for concurrent use.
type WebSocketTransport struct {
	*worker
	maxPayload int
}

var _ Transport = (*WebSocketTransport)(nil)

// NewWebSocketTransport creates a stock firmware transport. Call Start to
// begin connecting.
func NewWebSocketTransport(cfg TransportConfig, h Handlers, logger Logger) (*WebSocketTransport, error) {
	cfg.Firmware = FirmwareStock
	cfg = cfg.withDefaults()
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: host is required for %s firmware", ErrNotConfigured, FirmwareStock)
	}

	t := &WebSocketTransport{maxPayload: DefaultMaxFramePayload}
	t.worker = newWorker("websocket", cfg.Host, cfg.Port, cfg, h, logger)
	t.proto = t
	return t, nil
}

func (t *WebSocketTransport) handshake(l *link) error {
	key, err := newWebSocketKey()
	if err != nil {
		return err
	}
	if err := l.write(buildUpgradeRequest(t.host, t.port, key)); err != nil {
		return fmt.Errorf("sending upgrade request: %w", err)
	}
	return readUpgradeResponse(l.br)
}

func (t *WebSocketTransport) sendTarget(l *link, degrees float64) error {
	frame, err := EncodeFrame(OpText, EncodeTargetCommand(degrees))
	if err != nil {
		return err
	}
	return l.write(frame)
}

func (t *WebSocketTransport) stream(l *link) error {
	for {
		if err := l.readDeadline(t.cfg.ReadTimeout); err != nil {
			return err
		}
		f, err := ReadFrame(l.br, t.maxPayload)
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		t.messagesRx.Add(1)

		switch f.Opcode {
		case OpClose:
			return ErrPeerClosed
		case OpPing:
			pong, err := EncodeFrame(OpPong, f.Payload)
			if err != nil {
				return err
			}
			if err := l.write(pong); err != nil {
				return fmt.Errorf("sending pong: %w", err)
			}
		case OpText, OpBinary:
			t.handleMessage(f.Payload)
		}
	}
}

func (t *WebSocketTransport) goodbye() []byte {
	return nil
}

// handleMessage turns one settings report into a reading. Reports without a
// usable temperature are dropped without affecting the connection.
func (t *WebSocketTransport) handleMessage(payload []byte) {
	temp, err := ParseSettingsTemperature(payload)
	if err != nil {
		t.dropped("settings", err)
		return
	}
	t.deliver(Reading{Value: temp, At: time.Now()})
}
