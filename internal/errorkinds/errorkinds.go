// Package errorkinds enumerates the error kinds shared by every component
// of the bridge. Callers test against these sentinels with errors.Is.
package errorkinds

import (
	"errors"
	"strings"

	"github.com/Southclaws/fault/ftag"
)

// Unavailable tags faults caused by an unreachable transport or broker.
// The stock ftag set carries no such kind.
const Unavailable ftag.Kind = "UNAVAILABLE"

var (
	// ErrNotInitialized indicates that an operation was invoked on a
	// component before its Initialize method completed.
	ErrNotInitialized = errors.New("the component is not initialized")

	// ErrDisposed indicates that an operation was invoked on a component
	// after it was disposed.
	ErrDisposed = errors.New("the component is disposed")

	// ErrNotConnected indicates that the underlying transport to the
	// device was lost.
	ErrNotConnected = errors.New("the device is not connected")

	// ErrCharacteristicMissing indicates an operation on a GATT
	// characteristic slot that was never bound.
	ErrCharacteristicMissing = errors.New("the characteristic is not bound")

	// ErrInvalidInput indicates an out-of-range or malformed caller input.
	ErrInvalidInput = errors.New("the provided input is invalid")

	// ErrTimeout indicates a wall-clock expiry, such as the device
	// discovery timeout.
	ErrTimeout = errors.New("the operation timed out")

	// ErrRetryable indicates a generic device error that may succeed when
	// the operation is attempted again.
	ErrRetryable = errors.New("the device returned a retryable error")

	// ErrNotFound indicates a lookup for an unknown entity.
	ErrNotFound = errors.New("the requested entity was not found")

	// ErrDeviceExists indicates a duplicate registration for a MAC address.
	ErrDeviceExists = errors.New("a device with this address already exists")
)

// bluezNotConnected is the substring BlueZ places in method-call errors
// when the remote device dropped the link mid-call.
const bluezNotConnected = "Not connected"

// IsNotConnected reports whether err represents a lost device transport,
// either as the ErrNotConnected sentinel or as a raw BlueZ call failure.
func IsNotConnected(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) {
		return true
	}

	return strings.Contains(err.Error(), bluezNotConnected)
}
