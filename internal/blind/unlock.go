package blind

import (
	"context"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"

	"github.com/smartblinds/bt2mqtt/internal/bluez"
	"github.com/smartblinds/bt2mqtt/internal/errorkinds"
)

// unlockRetryInterval paces handshake attempts.
const unlockRetryInterval = time.Second

// passkeyHexLength is the expected passkey length in hex characters.
const passkeyHexLength = 12

// beginUnlock transitions the handshake to Unlocking and fires the first
// attempt. Subsequent attempts are driven by a one-second timer until the
// expected echo arrives or the attempt cap is reached.
func (b *BlindDevice) beginUnlock() {
	b.mu.Lock()
	if b.disposed || b.unlock == stateUnlocking || b.unlock == stateUnlocked {
		b.mu.Unlock()
		return
	}
	b.unlock = stateUnlocking
	b.unlockAttempts = 0
	b.mu.Unlock()

	b.attemptUnlock()
}

// attemptUnlock writes the encoded passkey, then queues a read of the same
// characteristic to force an echo notification.
func (b *BlindDevice) attemptUnlock() {
	b.mu.Lock()
	if b.disposed || b.unlock != stateUnlocking {
		b.mu.Unlock()
		return
	}

	if b.opts.MaxUnlockRetries > 0 && b.unlockAttempts >= b.opts.MaxUnlockRetries {
		b.unlock = stateFailed
		b.stopUnlockTimerLocked()
		attempts := b.unlockAttempts
		b.mu.Unlock()

		b.log.Error().Int("attempts", attempts).Msg("Unlock failed, attempt cap reached")
		b.events.Publish(EventUnlockFailed, b.mac)
		return
	}

	b.unlockAttempts++
	attempt := b.unlockAttempts
	passkeyChar := b.chars[SlotPasskey]
	b.stopUnlockTimerLocked()
	b.unlockTimer = time.AfterFunc(unlockRetryInterval, b.attemptUnlock)
	b.mu.Unlock()

	if passkeyChar == nil {
		b.log.Warn().Msg("Skipping unlock attempt, passkey characteristic not bound")
		return
	}

	payload, err := b.passkeyPayload()
	if err != nil {
		b.log.Error().Err(err).Msg("Cannot encode the passkey")
		return
	}

	b.log.Debug().Int("attempt", attempt).Msg("Writing the passkey")
	// Single attempts only: the one-second timer owns unlock pacing.
	b.commander.ExecuteCommand(&bluez.Command{
		Name: "unlock " + b.mac,
		Invoke: func() error {
			return passkeyChar.WriteValue(payload, bluez.WriteRequest)
		},
	})
	b.commander.ExecuteCommand(&bluez.Command{
		Name: "unlock-echo " + b.mac,
		Invoke: func() error {
			_, err := passkeyChar.ReadValue(0)
			return err
		},
	})
}

// passkeyPayload encodes the configured passkey for the unlock write. A
// 12-character passkey gains an "01" suffix; any other length drops the
// first two hex characters before the suffix.
func (b *BlindDevice) passkeyPayload() ([]byte, error) {
	pass := strings.ToUpper(b.opts.Passkey)

	var encoded string
	if len(pass) == passkeyHexLength {
		encoded = pass + "01"
	} else {
		// This encoding path has never been observed against hardware.
		b.log.Warn().Int("length", len(pass)).Msg("Passkey is not 12 hex characters; using the untested encoding path")
		if len(pass) < 2 {
			return nil, fault.Wrap(errorkinds.ErrInvalidInput,
				fctx.With(context.Background(), "device", b.mac),
				ftag.With(ftag.InvalidArgument),
				fmsg.With("The passkey is too short to encode"),
			)
		}
		encoded = pass[2:] + "01"
	}

	return hex.DecodeString(encoded)
}

// handlePasskey consumes Passkey notifications. The handshake completes
// when the echo equals the configured passkey followed by "00".
func (b *BlindDevice) handlePasskey(data []byte) {
	echo := strings.ToUpper(hex.EncodeToString(data))
	expected := strings.ToUpper(b.opts.Passkey) + "00"

	b.mu.Lock()
	if echo == expected {
		if b.unlock == stateUnlocked || b.disposed {
			b.mu.Unlock()
			return
		}
		b.unlock = stateUnlocked
		b.unlockAttempts = 0
		b.stopUnlockTimerLocked()
		b.mu.Unlock()

		b.log.Info().Msg("Unlocked")
		b.events.Publish(EventUnlocked, b.mac)
		b.readIdentity()
		return
	}

	state := b.unlock
	b.mu.Unlock()

	if state == stateUnlocking {
		b.log.Debug().Str("echo", echo).Msg("Passkey echo mismatch, the retry timer will fire another attempt")
	}
}

func (b *BlindDevice) stopUnlockTimerLocked() {
	if b.unlockTimer != nil {
		b.unlockTimer.Stop()
		b.unlockTimer = nil
	}
}

// readIdentity queues one-shot reads of the Name and VersionInfo
// characteristics once the device accepts authenticated operations.
func (b *BlindDevice) readIdentity() {
	if c := b.characteristic(SlotName); c != nil {
		b.commander.ExecuteCommand(&bluez.Command{
			Name: "read-name " + b.mac,
			Invoke: func() error {
				data, err := c.ReadValue(0)
				if err != nil {
					return err
				}

				b.mu.Lock()
				b.deviceName = decodeText(data)
				b.mu.Unlock()
				return nil
			},
		})
	}

	if c := b.characteristic(SlotVersionInfo); c != nil {
		b.commander.ExecuteCommand(&bluez.Command{
			Name: "read-version " + b.mac,
			Invoke: func() error {
				data, err := c.ReadValue(0)
				if err != nil {
					return err
				}

				b.mu.Lock()
				b.firmware = decodeText(data)
				b.mu.Unlock()
				return nil
			},
		})
	}
}

// decodeText renders a characteristic value as text: printable payloads
// are trimmed strings, anything else is dot-joined decimal bytes.
func decodeText(data []byte) string {
	trimmed := strings.TrimRight(string(data), "\x00")
	printable := len(trimmed) > 0
	for _, r := range trimmed {
		if !unicode.IsPrint(r) {
			printable = false
			break
		}
	}
	if printable {
		return trimmed
	}

	parts := make([]string, len(data))
	for i, v := range data {
		parts[i] = strconv.Itoa(int(v))
	}

	return strings.Join(parts, ".")
}
