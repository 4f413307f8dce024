package blind

import (
	"context"
	"encoding/binary"
	"strconv"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"

	"github.com/smartblinds/bt2mqtt/internal/errorkinds"
)

// sensorPayloadLength is the minimum Sensors notification size.
const sensorPayloadLength = 14

// Sensors is the decoded sensor payload.
type Sensors struct {
	// BatteryPercentage is the remaining charge, 0-100.
	BatteryPercentage uint8
	// BatteryVoltage is the pack voltage in millivolts.
	BatteryVoltage uint16
	// BatteryCharge is the raw charge counter.
	BatteryCharge uint16
	// SolarPanelVoltage is the panel voltage in millivolts.
	SolarPanelVoltage uint16
	// InteriorTemperature is the room-side temperature in degrees Celsius.
	InteriorTemperature float64
	// BatteryTemperature is the pack temperature in degrees Celsius.
	BatteryTemperature float64
	// Illuminance is the measured light level in lux.
	Illuminance float64
}

// DecodeSensors decodes a Sensors notification payload. All fields are
// little-endian; the temperature and illuminance words carry tenths.
func DecodeSensors(data []byte) (Sensors, error) {
	if len(data) < sensorPayloadLength {
		return Sensors{}, fault.Wrap(errorkinds.ErrInvalidInput,
			fctx.With(context.Background(), "length", strconv.Itoa(len(data))),
			ftag.With(ftag.InvalidArgument),
			fmsg.With("The sensor payload is too short"),
		)
	}

	return Sensors{
		BatteryPercentage:   data[0],
		BatteryVoltage:      binary.LittleEndian.Uint16(data[2:4]),
		BatteryCharge:       binary.LittleEndian.Uint16(data[4:6]),
		SolarPanelVoltage:   binary.LittleEndian.Uint16(data[6:8]),
		InteriorTemperature: float64(binary.LittleEndian.Uint16(data[8:10])) / 10,
		BatteryTemperature:  float64(binary.LittleEndian.Uint16(data[10:12])) / 10,
		Illuminance:         float64(binary.LittleEndian.Uint16(data[12:14])) / 10,
	}, nil
}
