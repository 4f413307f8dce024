package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMac(t *testing.T) {
	// The export carries the address bytes in reverse order.
	mac, err := DecodeMac("qrvM3e7/")
	require.NoError(t, err)
	assert.Equal(t, "FF:EE:DD:CC:BB:AA", mac)
}

func TestDecodeMacErrors(t *testing.T) {
	_, err := DecodeMac("not base64!")
	assert.Error(t, err)

	// Valid base64, wrong length.
	_, err = DecodeMac("qrvM")
	assert.Error(t, err)
}

func TestEncodeMacRoundTrip(t *testing.T) {
	encoded, err := EncodeMac("FF:EE:DD:CC:BB:AA")
	require.NoError(t, err)
	assert.Equal(t, "qrvM3e7/", encoded)

	mac, err := DecodeMac(encoded)
	require.NoError(t, err)
	assert.Equal(t, "FF:EE:DD:CC:BB:AA", mac)
}

func TestEncodeMacErrors(t *testing.T) {
	_, err := EncodeMac("FF:EE:DD:CC:BB")
	assert.Error(t, err)

	_, err = EncodeMac("FF:EE:DD:CC:BB:ZZ")
	assert.Error(t, err)
}

func TestDecodePasskey(t *testing.T) {
	passkey, err := DecodePasskey("AAECAwQF")
	require.NoError(t, err)
	assert.Equal(t, "000102030405", passkey)
}

func TestEncodePasskeyRoundTrip(t *testing.T) {
	encoded, err := EncodePasskey("000102030405")
	require.NoError(t, err)
	assert.Equal(t, "AAECAwQF", encoded)

	_, err = EncodePasskey("not hex")
	assert.Error(t, err)
}
