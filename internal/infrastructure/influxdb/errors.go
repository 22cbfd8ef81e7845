package influxdb

import "errors"

// Errors returned by Connect and HealthCheck. Batch write failures are not
// returned; they go to the SetOnError callback.
var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: telemetry disabled")

	// ErrNoDevice is returned by Connect without a device id to tag points with.
	ErrNoDevice = errors.New("influxdb: chamber device id required")

	// ErrConnectionFailed wraps the ping failure seen during Connect.
	ErrConnectionFailed = errors.New("influxdb: server unreachable")

	// ErrNotConnected is returned once the client has been closed.
	ErrNotConnected = errors.New("influxdb: client closed")
)
