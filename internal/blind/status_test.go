package blind

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStatusScenario(t *testing.T) {
	// 0x80020001: reversed, solar-equipped, passkey valid.
	flags, ok := DecodeStatus([]byte{0x01, 0x00, 0x02, 0x80})
	require.True(t, ok)

	assert.True(t, flags.IsReversed)
	assert.True(t, flags.HasSolar)
	assert.True(t, flags.IsPasskeyValid)

	assert.False(t, flags.IsBonding)
	assert.False(t, flags.IsCalibrated)
	assert.False(t, flags.IsSolarCharging)
	assert.False(t, flags.IsUsbCharging)
	assert.False(t, flags.IsTimeValid)
	assert.False(t, flags.IsUnderVoltageLockout)
	assert.False(t, flags.IsOverTemperature)
	assert.False(t, flags.TempOverride)

	// These two are reported as false regardless of the word.
	assert.False(t, flags.IsPaired)
	assert.False(t, flags.IsPasskeyInvalid)
}

func TestDecodeStatusRoundTrip(t *testing.T) {
	words := []uint32{
		0x00000000,
		0x00000001,
		0x00010000,
		0x00FF0003,
		0x80000000,
		0x80FF0003,
	}

	for _, w := range words {
		decoded := DecodeStatusWord(w)
		// Only the defined positions survive the round trip.
		reencoded := decoded.Encode()
		assert.Equal(t, DecodeStatusWord(reencoded), decoded, "word %#x", w)
	}
}

func TestDecodeStatusRejectsShortPayload(t *testing.T) {
	_, ok := DecodeStatus([]byte{0x01, 0x02, 0x03})
	assert.False(t, ok)

	_, ok = DecodeStatus(nil)
	assert.False(t, ok)
}
