package blind

import "encoding/binary"

// Status bitfield masks, little-endian 32-bit word.
const (
	maskIsReversed            = 0x00000001
	maskIsBonding             = 0x00000002
	maskIsCalibrated          = 0x00010000
	maskHasSolar              = 0x00020000
	maskIsSolarCharging       = 0x00040000
	maskIsUsbCharging         = 0x00080000
	maskIsTimeValid           = 0x00100000
	maskIsUnderVoltageLockout = 0x00200000
	maskIsOverTemperature     = 0x00400000
	maskTempOverride          = 0x00800000
	maskIsPasskeyValid        = 0x80000000

	// maskIsPaired        = 0x00000004
	// maskIsPasskeyInvalid = 0x40000000
)

// StatusFlags is the decoded status word.
type StatusFlags struct {
	IsReversed            bool
	IsBonding             bool
	IsCalibrated          bool
	HasSolar              bool
	IsSolarCharging       bool
	IsUsbCharging         bool
	IsTimeValid           bool
	IsUnderVoltageLockout bool
	IsOverTemperature     bool
	TempOverride          bool
	IsPasskeyValid        bool

	// IsPaired and IsPasskeyInvalid are reported as false until the
	// vendor semantics of their bit positions are confirmed.
	IsPaired         bool
	IsPasskeyInvalid bool
}

// DecodeStatusWord decodes a status word into its flags.
func DecodeStatusWord(w uint32) StatusFlags {
	return StatusFlags{
		IsReversed:            w&maskIsReversed != 0,
		IsBonding:             w&maskIsBonding != 0,
		IsCalibrated:          w&maskIsCalibrated != 0,
		HasSolar:              w&maskHasSolar != 0,
		IsSolarCharging:       w&maskIsSolarCharging != 0,
		IsUsbCharging:         w&maskIsUsbCharging != 0,
		IsTimeValid:           w&maskIsTimeValid != 0,
		IsUnderVoltageLockout: w&maskIsUnderVoltageLockout != 0,
		IsOverTemperature:     w&maskIsOverTemperature != 0,
		TempOverride:          w&maskTempOverride != 0,
		IsPasskeyValid:        w&maskIsPasskeyValid != 0,
	}
}

// DecodeStatus decodes a status notification payload. Payloads shorter
// than a full word are rejected.
func DecodeStatus(data []byte) (StatusFlags, bool) {
	if len(data) < 4 {
		return StatusFlags{}, false
	}

	return DecodeStatusWord(binary.LittleEndian.Uint32(data)), true
}

// Encode re-encodes the flags into a status word. Only the defined bit
// positions are produced.
func (s StatusFlags) Encode() uint32 {
	var w uint32
	set := func(on bool, mask uint32) {
		if on {
			w |= mask
		}
	}

	set(s.IsReversed, maskIsReversed)
	set(s.IsBonding, maskIsBonding)
	set(s.IsCalibrated, maskIsCalibrated)
	set(s.HasSolar, maskHasSolar)
	set(s.IsSolarCharging, maskIsSolarCharging)
	set(s.IsUsbCharging, maskIsUsbCharging)
	set(s.IsTimeValid, maskIsTimeValid)
	set(s.IsUnderVoltageLockout, maskIsUnderVoltageLockout)
	set(s.IsOverTemperature, maskIsOverTemperature)
	set(s.TempOverride, maskTempOverride)
	set(s.IsPasskeyValid, maskIsPasskeyValid)

	return w
}
