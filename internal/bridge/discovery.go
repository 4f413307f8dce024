package bridge

import (
	"github.com/smartblinds/bt2mqtt/internal/blind"
)

// Entity slot names used in discovery topics and unique ids.
const (
	slotCover               = "cover"
	slotBattery             = "battery"
	slotCharging            = "charging"
	slotIlluminance         = "illuminance"
	slotInteriorTemperature = "interior_temperature"
	slotOverTemperature     = "is_over_temperature"
	slotUnderVoltageLockout = "is_under_voltage_lockout"
	slotRSSI                = "rssi"
	slotSolarPanel          = "solar_panel"
)

const (
	manufacturerName = "SmartBlinds"
	modelName        = "Smart Blind"
)

// Binary sensor payloads.
const (
	payloadOn  = "ON"
	payloadOff = "OFF"
)

// availabilityRef names one availability topic inside a discovery payload.
type availabilityRef struct {
	Topic string `json:"topic"`
}

// deviceInfo groups the per-device registry fields shared by every entity.
type deviceInfo struct {
	Connections  [][]string `json:"connections"`
	Identifiers  []string   `json:"identifiers"`
	Manufacturer string     `json:"manufacturer"`
	Model        string     `json:"model"`
	Name         string     `json:"name"`
	SwVersion    string     `json:"sw_version,omitempty"`
}

// coverDiscovery declares the cover entity.
type coverDiscovery struct {
	Availability     []availabilityRef `json:"availability"`
	Device           deviceInfo        `json:"device"`
	Name             string            `json:"name"`
	UniqueID         string            `json:"unique_id"`
	StateTopic       string            `json:"state_topic"`
	CommandTopic     string            `json:"command_topic"`
	PayloadOpen      string            `json:"payload_open"`
	PayloadClose     string            `json:"payload_close"`
	TiltStatusTopic  string            `json:"tilt_status_topic"`
	TiltCommandTopic string            `json:"tilt_command_topic"`
	TiltMin          int               `json:"tilt_min"`
	TiltMax          int               `json:"tilt_max"`
	TiltOpenedValue  int               `json:"tilt_opened_value"`
	TiltClosedValue  int               `json:"tilt_closed_value"`
}

// sensorDiscovery declares one diagnostic sensor entity.
type sensorDiscovery struct {
	Availability      []availabilityRef `json:"availability"`
	Device            deviceInfo        `json:"device"`
	Name              string            `json:"name"`
	UniqueID          string            `json:"unique_id"`
	StateTopic        string            `json:"state_topic"`
	UnitOfMeasurement string            `json:"unit_of_measurement,omitempty"`
	DeviceClass       string            `json:"device_class,omitempty"`
	StateClass        string            `json:"state_class,omitempty"`
	ValueTemplate     string            `json:"value_template,omitempty"`
	EntityCategory    string            `json:"entity_category,omitempty"`
}

// binarySensorDiscovery declares one diagnostic binary sensor entity.
type binarySensorDiscovery struct {
	Availability   []availabilityRef `json:"availability"`
	Device         deviceInfo        `json:"device"`
	Name           string            `json:"name"`
	UniqueID       string            `json:"unique_id"`
	StateTopic     string            `json:"state_topic"`
	DeviceClass    string            `json:"device_class,omitempty"`
	PayloadOn      string            `json:"payload_on"`
	PayloadOff     string            `json:"payload_off"`
	ValueTemplate  string            `json:"value_template,omitempty"`
	EntityCategory string            `json:"entity_category,omitempty"`
}

// discoveryMessage pairs a config topic with its marshalled payload.
type discoveryMessage struct {
	topic   string
	payload any
}

func discoveryTopic(prefix, component, mac, slot string) string {
	return prefix + "/" + component + "/" + SanitizeMac(mac) + "/" + slot + "/config"
}

// discoveryMessages builds every retained discovery payload for one blind.
// The device registry entry carries the name read from the blind once it
// unlocked, falling back to the configured name, and the firmware version
// when known.
func discoveryMessages(prefix string, b Blind) []discoveryMessage {
	mac := b.Mac()
	id := SanitizeMac(mac)
	avail := []availabilityRef{{Topic: AvailabilityTopic(mac)}}

	deviceName := b.DeviceName()
	if deviceName == "" {
		deviceName = b.Name()
	}
	device := deviceInfo{
		Connections:  [][]string{{"mac", mac}},
		Identifiers:  []string{id},
		Manufacturer: manufacturerName,
		Model:        modelName,
		Name:         deviceName,
		SwVersion:    b.FirmwareVersion(),
	}

	sensor := func(slot, name, unit, class, template string) discoveryMessage {
		return discoveryMessage{
			topic: discoveryTopic(prefix, "sensor", mac, slot),
			payload: sensorDiscovery{
				Availability:      avail,
				Device:            device,
				Name:              b.Name() + " " + name,
				UniqueID:          id + "_" + slot,
				StateTopic:        MetricTopic(mac, slot),
				UnitOfMeasurement: unit,
				DeviceClass:       class,
				StateClass:        "measurement",
				ValueTemplate:     template,
				EntityCategory:    "diagnostic",
			},
		}
	}
	binarySensor := func(slot, name, class, template string) discoveryMessage {
		return discoveryMessage{
			topic: discoveryTopic(prefix, "binary_sensor", mac, slot),
			payload: binarySensorDiscovery{
				Availability:   avail,
				Device:         device,
				Name:           b.Name() + " " + name,
				UniqueID:       id + "_" + slot,
				StateTopic:     MetricTopic(mac, slot),
				DeviceClass:    class,
				PayloadOn:      payloadOn,
				PayloadOff:     payloadOff,
				ValueTemplate:  template,
				EntityCategory: "diagnostic",
			},
		}
	}

	return []discoveryMessage{
		{
			topic: discoveryTopic(prefix, "cover", mac, slotCover),
			payload: coverDiscovery{
				Availability:     avail,
				Device:           device,
				Name:             b.Name(),
				UniqueID:         id + "_" + slotCover,
				StateTopic:       StateTopic(mac),
				CommandTopic:     SetTopic(mac),
				PayloadOpen:      PayloadOpen,
				PayloadClose:     PayloadClose,
				TiltStatusTopic:  TiltStateTopic(mac),
				TiltCommandTopic: TiltSetTopic(mac),
				TiltMin:          blind.MinAngle,
				TiltMax:          blind.MaxAngle,
				TiltOpenedValue:  blind.MaxAngle / 2,
				TiltClosedValue:  blind.MinAngle,
			},
		},
		sensor(slotBattery, "Battery", "%", "battery", "{{ value_json.percentage }}"),
		sensor(slotIlluminance, "Illuminance", "lx", "illuminance", "{{ value_json.lux }}"),
		sensor(slotInteriorTemperature, "Interior temperature", "°C", "temperature", "{{ value_json.celsius }}"),
		sensor(slotSolarPanel, "Solar panel voltage", "mV", "voltage", "{{ value_json.voltage_mv }}"),
		sensor(slotRSSI, "Signal strength", "dBm", "signal_strength", "{{ value_json.dbm }}"),
		binarySensor(slotCharging, "Charging", "battery_charging", "{{ value_json.state }}"),
		binarySensor(slotOverTemperature, "Over temperature", "heat", ""),
		binarySensor(slotUnderVoltageLockout, "Under-voltage lockout", "problem", ""),
	}
}
