package deyeapi

/*
 *   Settable device attributes and the values Deye accepts for them
 */

const (
	ControlWorkMode          = "workMode"
	ControlEnergyPattern     = "energyPattern"
	ControlBatteryChargeMode = "batteryChargeMode"
)

const (
	WorkModeSellingFirst     = "SELLING_FIRST"
	WorkModeZeroExportToLoad = "ZERO_EXPORT_TO_LOAD"
	WorkModeZeroExportToCT   = "ZERO_EXPORT_TO_CT"

	EnergyPatternBatteryFirst = "BATTERY_FIRST"
	EnergyPatternLoadFirst    = "LOAD_FIRST"
)

var controlValues = map[string][]string{
	ControlWorkMode: {
		WorkModeSellingFirst,
		WorkModeZeroExportToLoad,
		WorkModeZeroExportToCT,
	},
	ControlEnergyPattern: {
		EnergyPatternBatteryFirst,
		EnergyPatternLoadFirst,
	},
	ControlBatteryChargeMode: {"on", "off"},
}

// AllowedValues reports the accepted values for a control name, and
// whether the control is known at all.
func AllowedValues(control string) ([]string, bool) {
	vals, ok := controlValues[control]
	return vals, ok
}
