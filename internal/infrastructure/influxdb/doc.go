// Package influxdb writes Panda Breath chamber telemetry to InfluxDB 2.x.
//
// A Client is bound to one heater: its device id and firmware are attached
// to every point as default tags, so callers only supply the values.
//
// Two measurements are written:
//
//	chamber_temperature,device_id=chamber,firmware=stock target=40,temperature=38.5
//	heater_link,device_id=chamber,firmware=stock state="streaming"
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB, influxdb.Chamber{DeviceID: "chamber", Firmware: "stock"})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteChamberTemperature(38.5, 40, time.Now())
//
// Writes are batched and never block. Batch failures are reported through
// SetOnError; Close sends whatever is still buffered.
package influxdb
