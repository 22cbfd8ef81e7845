package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementChamber = "chamber_temperature"
	measurementLink    = "heater_link"
)

// WriteChamberTemperature records one chamber reading together with the
// target in force when it arrived (0 when off). Non-blocking.
func (c *Client) WriteChamberTemperature(temperature, target float64, at time.Time) {
	c.writePoint(write.NewPoint(
		measurementChamber,
		nil,
		map[string]interface{}{
			"temperature": temperature,
			"target":      target,
		},
		at,
	))
}

// WriteLinkState records a transport state transition (e.g. "streaming",
// "backoff") so link flaps show up next to the temperature curve.
func (c *Client) WriteLinkState(state string, at time.Time) {
	c.writePoint(write.NewPoint(
		measurementLink,
		nil,
		map[string]interface{}{"state": state},
		at,
	))
}

func (c *Client) writePoint(p *write.Point) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	c.writeAPI.WritePoint(p)
}
