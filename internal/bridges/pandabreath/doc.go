// Package pandabreath connects a BIQU Panda Breath chamber heater to Gray Logic.
//
// The heater ships with two firmwares and the package speaks to both through
// one Transport contract:
//
//   - stock: the OEM firmware serves JSON over a WebSocket at ws://host/ws.
//     WebSocketTransport is a minimal RFC 6455 client (frame.go, handshake.go)
//     using the {"settings": {...}} envelope (settings.go).
//   - esphome: ESPHome firmware publishes through an MQTT broker.
//     ESPHomeTransport is a minimal MQTT 3.1.1 client (packet.go) with QoS 0
//     and one subscription.
//
// Both transports share one connection loop (worker.go):
//
//	Connecting -> Handshaking -> Streaming -> Backoff -> Connecting ...
//
// The retry delay is fixed (5s) with no attempt limit. After every connect the
// last requested target is sent again before any inbound data is handled, so
// the device always matches the controller after a drop.
//
// Telemetry crosses from the transport goroutine to host state through a
// single-producer/single-consumer Queue. Heater drains it once a second,
// keeps the newest reading and warns once per minute when readings stop.
//
// Bridge puts the heater on the Gray Logic bus:
//
//	graylogic/command/pandabreath/{device_id}  commands in (set_target, off)
//	graylogic/ack/pandabreath/{device_id}      command acknowledgments
//	graylogic/state/pandabreath/{device_id}    retained heater status
//	graylogic/health/pandabreath               retained health, every 30s
//
// Usage:
//
//	heater := pandabreath.NewHeater(pandabreath.HeaterConfig{}, log)
//	transport, err := pandabreath.NewTransport(cfg, heater.Handlers(), log)
//	if err != nil {
//	    return err
//	}
//	heater.Bind(transport)
//	transport.Start()
//	defer transport.Stop()
//	go heater.Run(ctx)
//
//	heater.SetTarget(45) // heat to 45°C
//	heater.SetTarget(0)  // off
package pandabreath
