package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"

	"github.com/smartblinds/bt2mqtt/internal/errorkinds"
)

// macLength is the number of raw bytes in a BLE device address.
const macLength = 6

// DecodeMac converts the vendor app's base64 MAC export into the canonical
// uppercase colon-separated form. The exported bytes are in reverse order.
func DecodeMac(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fault.Wrap(err,
			ftag.With(ftag.InvalidArgument),
			fmsg.With("The encoded MAC is not valid base64"),
		)
	}
	if len(raw) != macLength {
		return "", fault.Wrap(errorkinds.ErrInvalidInput,
			ftag.With(ftag.InvalidArgument),
			fmsg.With(fmt.Sprintf("The encoded MAC holds %d bytes, want %d", len(raw), macLength)),
		)
	}

	parts := make([]string, macLength)
	for i, b := range raw {
		parts[macLength-1-i] = fmt.Sprintf("%02X", b)
	}

	return strings.Join(parts, ":"), nil
}

// EncodeMac is the inverse of DecodeMac.
func EncodeMac(mac string) (string, error) {
	parts := strings.Split(mac, ":")
	if len(parts) != macLength {
		return "", fault.Wrap(errorkinds.ErrInvalidInput,
			ftag.With(ftag.InvalidArgument),
			fmsg.With("The MAC address does not hold six octets"),
		)
	}

	raw := make([]byte, macLength)
	for i, part := range parts {
		b, err := hex.DecodeString(part)
		if err != nil || len(b) != 1 {
			return "", fault.Wrap(errorkinds.ErrInvalidInput,
				ftag.With(ftag.InvalidArgument),
				fmsg.With("The MAC address holds a malformed octet"),
			)
		}
		raw[macLength-1-i] = b[0]
	}

	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePasskey converts the vendor app's base64 passkey export into an
// uppercase hex string.
func DecodePasskey(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fault.Wrap(err,
			ftag.With(ftag.InvalidArgument),
			fmsg.With("The encoded passkey is not valid base64"),
		)
	}

	return strings.ToUpper(hex.EncodeToString(raw)), nil
}

// EncodePasskey is the inverse of DecodePasskey.
func EncodePasskey(passkey string) (string, error) {
	raw, err := hex.DecodeString(passkey)
	if err != nil {
		return "", fault.Wrap(err,
			ftag.With(ftag.InvalidArgument),
			fmsg.With("The passkey is not a hex string"),
		)
	}

	return base64.StdEncoding.EncodeToString(raw), nil
}
