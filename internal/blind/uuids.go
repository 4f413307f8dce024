// Package blind realizes the vendor smart-blind protocol on top of the
// bluez package: characteristic binding, notification decoding, the
// passkey unlock handshake and typed setters.
package blind

import "github.com/google/uuid"

// Slot names one of the vendor characteristics a blind exposes.
type Slot string

const (
	SlotAck         Slot = "ack"
	SlotAngle       Slot = "angle"
	SlotCalibration Slot = "calibration"
	SlotName        Slot = "name"
	SlotPasskey     Slot = "passkey"
	SlotRxTx        Slot = "rx_tx"
	SlotSchedule    Slot = "schedule"
	SlotSensors     Slot = "sensors"
	SlotStatus      Slot = "status"
	SlotTime        Slot = "time"
	SlotVersionInfo Slot = "version_info"
)

// vendorSuffix completes every vendor characteristic UUID.
const vendorSuffix = "-1212-efde-1600-785feabcd123"

var slotUUIDs = map[Slot]uuid.UUID{
	SlotAck:         uuid.MustParse("00001503" + vendorSuffix),
	SlotAngle:       uuid.MustParse("00001403" + vendorSuffix),
	SlotCalibration: uuid.MustParse("0000140a" + vendorSuffix),
	SlotName:        uuid.MustParse("00001401" + vendorSuffix),
	SlotPasskey:     uuid.MustParse("00001409" + vendorSuffix),
	SlotRxTx:        uuid.MustParse("00001407" + vendorSuffix),
	SlotSchedule:    uuid.MustParse("00001501" + vendorSuffix),
	SlotSensors:     uuid.MustParse("00001651" + vendorSuffix),
	SlotStatus:      uuid.MustParse("00001402" + vendorSuffix),
	SlotTime:        uuid.MustParse("00001405" + vendorSuffix),
	SlotVersionInfo: uuid.MustParse("00001404" + vendorSuffix),
}

// notifySlots are subscribed to on connect.
var notifySlots = []Slot{SlotAngle, SlotPasskey, SlotSensors, SlotStatus}

// requiredSlots must all be present for a binding to succeed.
var requiredSlots = []Slot{SlotAngle, SlotPasskey, SlotSensors, SlotStatus}

// SlotUUID returns the UUID bound to a slot.
func SlotUUID(slot Slot) uuid.UUID {
	return slotUUIDs[slot]
}

// SlotForUUID matches a characteristic UUID string against the known set.
func SlotForUUID(s string) (Slot, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", false
	}

	for slot, known := range slotUUIDs {
		if known == id {
			return slot, true
		}
	}

	return "", false
}
