// Package bluez manages the adapter lifecycle, device discovery, per-device
// connections and the serialized command queue on top of the daemon surface
// exposed by the dbusx package.
package bluez

import (
	"strings"

	"github.com/godbus/dbus/v5"
)

const deviceIDPrefix = "dev_"

// DeviceID converts a MAC address to the daemon's device identifier,
// "dev_" followed by the address with colons replaced by underscores.
func DeviceID(mac string) string {
	return deviceIDPrefix + strings.ReplaceAll(strings.ToUpper(mac), ":", "_")
}

// MacFromDeviceID is the inverse of DeviceID. It returns an empty string
// for identifiers that do not name a device.
func MacFromDeviceID(id string) string {
	rest, ok := strings.CutPrefix(id, deviceIDPrefix)
	if !ok {
		return ""
	}

	return strings.ReplaceAll(rest, "_", ":")
}

// MacFromPath extracts the MAC address from a daemon device object path.
func MacFromPath(path dbus.ObjectPath) string {
	s := string(path)
	i := strings.LastIndexByte(s, '/')
	if i < 0 {
		return ""
	}

	return MacFromDeviceID(s[i+1:])
}

// DevicePath returns the object path of the device with the given address
// under an adapter path.
func DevicePath(adapterPath dbus.ObjectPath, mac string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapterPath) + "/" + DeviceID(mac))
}
