// Package mqtt provides the Gray Logic bus connection for the Panda Breath
// bridge.
//
// This package manages:
//   - Connection to the site Mosquitto broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions, restored after every reconnect
//   - An optional Last Will so Core notices when the bridge disappears
//
// It is unrelated to the heater's own MQTT link (ESPHome firmware), which
// the pandabreath package speaks directly over a raw socket.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{
//	    Topic:   pandabreath.HealthTopic(),
//	    Payload: offlinePayload,
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("graylogic/command/pandabreath/chamber", 1,
//	    func(topic string, payload []byte) error {
//	        return handle(payload)
//	    })
package mqtt
