package deyeapi

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/deye-bridge/deye-bridge/internal/pkg/logging"
)

/*
 *   Known Deye measure points and their normalization into typed readings
 */

type MetricKind int

const (
	MetricPower MetricKind = iota
	MetricEnergy
	MetricVoltage
	MetricCurrent
	MetricFrequency
	MetricTemperature
	MetricBattery
)

var metricKindNames = []string{
	"power",
	"energy",
	"voltage",
	"current",
	"frequency",
	"temperature",
	"battery",
}

func (k MetricKind) String() string {
	if int(k) >= len(metricKindNames) {
		return fmt.Sprintf("unknown (kind: %d)", k)
	}

	return metricKindNames[k]
}

type pointSpec struct {
	kind MetricKind
	unit string
}

// Device measure points the bridge understands.  Anything else in a
// payload is skipped, never cached untyped.
var devicePoints = map[string]pointSpec{
	"pac":                {MetricPower, "W"},
	"dailyEnergy":        {MetricEnergy, "kWh"},
	"totalEnergy":        {MetricEnergy, "kWh"},
	"batteryPower":       {MetricPower, "W"},
	"batterySoc":         {MetricBattery, "%"},
	"batteryVoltage":     {MetricVoltage, "V"},
	"batteryCurrent":     {MetricCurrent, "A"},
	"batteryTemperature": {MetricTemperature, "°C"},
	"gridVoltage":        {MetricVoltage, "V"},
	"gridCurrent":        {MetricCurrent, "A"},
	"gridFrequency":      {MetricFrequency, "Hz"},
	"gridPower":          {MetricPower, "W"},
	"loadPower":          {MetricPower, "W"},
	"loadVoltage":        {MetricVoltage, "V"},
	"loadCurrent":        {MetricCurrent, "A"},
	"pv1Power":           {MetricPower, "W"},
	"pv1Voltage":         {MetricVoltage, "V"},
	"pv1Current":         {MetricCurrent, "A"},
	"pv2Power":           {MetricPower, "W"},
	"pv2Voltage":         {MetricVoltage, "V"},
	"pv2Current":         {MetricCurrent, "A"},
}

// Station-level measure points
var stationPoints = map[string]pointSpec{
	"todayEnergy":  {MetricEnergy, "kWh"},
	"totalEnergy":  {MetricEnergy, "kWh"},
	"currentPower": {MetricPower, "kW"},
	"gridPower":    {MetricPower, "kW"},
	"buyPower":     {MetricPower, "kW"},
	"sellPower":    {MetricPower, "kW"},
}

// pointValue tolerates the numeric-or-string values Deye tenants return
type pointValue struct {
	raw json.RawMessage
}

func (v *pointValue) UnmarshalJSON(b []byte) error {
	v.raw = append(v.raw[:0], b...)
	return nil
}

func (v pointValue) isNull() bool {
	return len(v.raw) == 0 || string(v.raw) == "null"
}

func (v pointValue) Float() (float64, bool) {
	if v.isNull() {
		return 0, false
	}

	var f float64
	if err := json.Unmarshal(v.raw, &f); err == nil {
		return f, true
	}

	var s string
	if err := json.Unmarshal(v.raw, &s); err == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, true
		}
	}

	return 0, false
}

func (v pointValue) String() (string, bool) {
	if v.isNull() {
		return "", false
	}

	var s string
	if err := json.Unmarshal(v.raw, &s); err == nil {
		return s, true
	}

	var f float64
	if err := json.Unmarshal(v.raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}

	var b bool
	if err := json.Unmarshal(v.raw, &b); err == nil {
		if b {
			return "on", true
		}
		return "off", true
	}

	return "", false
}

// normalizeDevicePoints turns a flattened key/value payload into typed
// readings and control states.  Unknown keys are skipped with a debug log.
func normalizeDevicePoints(sn string, flat map[string]pointValue, at time.Time) ([]Reading, []Control) {
	var readings []Reading
	var controls []Control

	for key, val := range flat {
		if spec, ok := devicePoints[key]; ok {
			f, ok := val.Float()
			if !ok {
				logging.Logger(nil).Debugf("device %s: non-numeric value for measure point %s, skipping", sn, key)
				continue
			}

			readings = append(readings, Reading{
				Metric:     key,
				Value:      f,
				Unit:       spec.unit,
				Kind:       spec.kind,
				ObservedAt: at,
			})
			continue
		}

		if allowed, ok := controlValues[key]; ok {
			s, ok := val.String()
			if !ok {
				logging.Logger(nil).Debugf("device %s: unreadable value for control %s, skipping", sn, key)
				continue
			}

			controls = append(controls, Control{
				Name:    key,
				Value:   s,
				Allowed: allowed,
			})
			continue
		}

		logging.Logger(nil).Debugf("device %s: ignoring unknown measure point %s", sn, key)
	}

	return readings, controls
}

func normalizeStationPoints(stationID string, flat map[string]pointValue, at time.Time) []Reading {
	var readings []Reading

	for key, val := range flat {
		spec, ok := stationPoints[key]
		if !ok {
			continue
		}

		f, ok := val.Float()
		if !ok {
			logging.Logger(nil).Debugf("station %s: non-numeric value for measure point %s, skipping", stationID, key)
			continue
		}

		readings = append(readings, Reading{
			Metric:     key,
			Value:      f,
			Unit:       spec.unit,
			Kind:       spec.kind,
			ObservedAt: at,
		})
	}

	return readings
}
