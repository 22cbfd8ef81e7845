package pandabreath

import "errors"

// Domain errors for the Panda Breath bridge package.
var (
	// ErrUnknownFirmware is returned when the configured firmware kind is
	// neither "stock" nor "esphome".
	ErrUnknownFirmware = errors.New("pandabreath: unknown firmware")

	// ErrAlreadyStarted is returned when Start is called twice on a transport.
	ErrAlreadyStarted = errors.New("pandabreath: transport already started")

	// ErrHandshakeFailed is returned when the WebSocket upgrade response
	// does not carry status 101.
	ErrHandshakeFailed = errors.New("pandabreath: websocket handshake failed")

	// ErrFrameTooLarge is returned when an inbound frame declares a payload
	// larger than the configured maximum.
	ErrFrameTooLarge = errors.New("pandabreath: frame too large")

	// ErrPeerClosed is returned when the device sends a close frame.
	ErrPeerClosed = errors.New("pandabreath: peer closed connection")

	// ErrConnectionRefused is returned when the broker answers CONNECT with
	// a non-zero CONNACK return code.
	ErrConnectionRefused = errors.New("pandabreath: mqtt connection refused")

	// ErrUnexpectedPacket is returned when the broker sends a packet type
	// other than the one the connect sequence expects.
	ErrUnexpectedPacket = errors.New("pandabreath: unexpected mqtt packet")

	// ErrMalformedPacket is returned when an MQTT fixed header or body
	// cannot be decoded.
	ErrMalformedPacket = errors.New("pandabreath: malformed mqtt packet")

	// ErrRemainingLength is returned when a remaining length is outside
	// the encodable range.
	ErrRemainingLength = errors.New("pandabreath: remaining length out of range")

	// ErrNoTemperature is returned when a device report carries no
	// temperature field.
	ErrNoTemperature = errors.New("pandabreath: no temperature in report")

	// ErrInvalidTemperature is returned when a temperature value cannot be
	// parsed as a finite number.
	ErrInvalidTemperature = errors.New("pandabreath: invalid temperature")

	// ErrNotConfigured is returned when a transport is missing a required
	// address.
	ErrNotConfigured = errors.New("pandabreath: transport not configured")
)
