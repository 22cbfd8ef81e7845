package pandabreath

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Device JSON keys. The stock firmware reports a calibrated chamber
// temperature and, on older builds, only the raw sensor value.
const (
	calibratedTempKey = "cal_warehouse_temp"
	rawTempKey        = "warehouse_temper"

	// workModeHeat is the firmware's work_mode for thermostatic heating.
	workModeHeat = 2
)

// settingsCommand is the outbound {"settings": {...}} envelope.
type settingsCommand struct {
	Settings commandSettings `json:"settings"`
}

// commandSettings fields are declared in wire order.
type commandSettings struct {
	WorkMode *int `json:"work_mode,omitempty"`
	WorkOn   bool `json:"work_on"`
	Temp     *int `json:"temp,omitempty"`
}

// settingsReport is the inbound envelope. Values are kept raw so the
// presence of a key can be told apart from its value.
type settingsReport struct {
	Settings map[string]json.RawMessage `json:"settings"`
}

// EncodeTargetCommand builds the stock firmware command for a target.
//
// degrees > 0 switches the heater on in heat mode with the target truncated
// to whole degrees:
//
//	{"settings":{"work_mode":2,"work_on":true,"temp":45}}
//
// degrees <= 0 switches it off:
//
//	{"settings":{"work_on":false}}
func EncodeTargetCommand(degrees float64) []byte {
	var cmd settingsCommand
	if degrees > 0 {
		mode := workModeHeat
		temp := int(math.Floor(degrees))
		cmd.Settings = commandSettings{WorkMode: &mode, WorkOn: true, Temp: &temp}
	}

	// Marshal cannot fail for this fixed shape.
	data, _ := json.Marshal(cmd) //nolint:errchkjson
	return data
}

// ParseSettingsTemperature extracts the chamber temperature from a device
// settings report.
//
// The calibrated key wins whenever it is present, even if its value is
// unusable; the raw key is only consulted when the calibrated key is absent.
// Numbers and numeric strings are accepted.
func ParseSettingsTemperature(payload []byte) (float64, error) {
	var report settingsReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidTemperature, err)
	}

	raw, ok := report.Settings[calibratedTempKey]
	if !ok {
		raw, ok = report.Settings[rawTempKey]
	}
	if !ok {
		return 0, ErrNoTemperature
	}
	return parseTemperatureValue(raw)
}

func parseTemperatureValue(raw json.RawMessage) (float64, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidTemperature, err)
	}

	switch t := v.(type) {
	case float64:
		return t, nil
	case string:
		return parseTemperatureText(t)
	default:
		return 0, fmt.Errorf("%w: unsupported value %s", ErrInvalidTemperature, string(raw))
	}
}

// parseTemperatureText parses a decimal temperature such as "23.5".
func parseTemperatureText(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTemperature, s)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %q is not finite", ErrInvalidTemperature, s)
	}
	return f, nil
}
