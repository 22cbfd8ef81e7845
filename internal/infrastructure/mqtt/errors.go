package mqtt

import "errors"

// Sentinel errors. Wrapped errors keep these as their cause, so check them
// with errors.Is.
var (
	// ErrInvalidTopic rejects an empty topic before anything is sent.
	ErrInvalidTopic = errors.New("mqtt: empty topic")

	// ErrInvalidQoS rejects a QoS outside 0..2.
	ErrInvalidQoS = errors.New("mqtt: qos must be 0, 1 or 2")

	// ErrNotConnected is returned while the client is offline, including
	// while paho is reconnecting.
	ErrNotConnected = errors.New("mqtt: not connected to broker")

	// ErrConnectionFailed wraps the cause of a failed Connect.
	ErrConnectionFailed = errors.New("mqtt: broker connect failed")

	// ErrPublishFailed, ErrSubscribeFailed and ErrUnsubscribeFailed wrap a
	// rejected request, a broker error or a token that timed out.
	ErrPublishFailed     = errors.New("mqtt: publish rejected")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe rejected")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe rejected")
)
