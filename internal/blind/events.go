package blind

import "github.com/smartblinds/bt2mqtt/internal/eventbus"

// Event kinds published on a blind's event bus.
const (
	// EventUnlocked fires once the passkey handshake completes.
	EventUnlocked eventbus.ID = iota
	// EventUnlockFailed fires when the handshake attempt cap is reached.
	EventUnlockFailed
	// EventDisconnected fires when the BLE link drops or the blind is
	// disposed.
	EventDisconnected
	// EventMetricChanged fires once per decoded scalar that changed,
	// carrying a MetricChange.
	EventMetricChanged
)

// Metric names a decoded scalar mirrored by the bridge.
type Metric string

const (
	MetricAngle                 Metric = "angle"
	MetricBatteryPercentage     Metric = "battery_percentage"
	MetricBatteryVoltage        Metric = "battery_voltage"
	MetricBatteryCharge         Metric = "battery_charge"
	MetricBatteryTemperature    Metric = "battery_temperature"
	MetricInteriorTemperature   Metric = "interior_temperature"
	MetricIlluminance           Metric = "illuminance"
	MetricSolarPanelVoltage     Metric = "solar_panel_voltage"
	MetricRSSI                  Metric = "rssi"
	MetricIsReversed            Metric = "is_reversed"
	MetricIsBonding             Metric = "is_bonding"
	MetricIsCalibrated          Metric = "is_calibrated"
	MetricHasSolar              Metric = "has_solar"
	MetricIsSolarCharging       Metric = "is_solar_charging"
	MetricIsUsbCharging         Metric = "is_usb_charging"
	MetricIsTimeValid           Metric = "is_time_valid"
	MetricIsUnderVoltageLockout Metric = "is_under_voltage_lockout"
	MetricIsOverTemperature     Metric = "is_over_temperature"
	MetricTempOverride          Metric = "temp_override"
	MetricIsPasskeyValid        Metric = "is_passkey_valid"
)

// MetricChange is the payload of EventMetricChanged.
type MetricChange struct {
	Metric Metric
	Value  any
}
