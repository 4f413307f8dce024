package bluez

import (
	"context"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/smartblinds/bt2mqtt/internal/dbusx"
)

// Device is a remote peripheral keyed by its MAC address. Services and
// characteristics discovered under it are owned by the device: disposing
// the device cascades to them.
type Device struct {
	bus   *dbusx.Bus
	proxy *dbusx.Proxy
	mac   string
	log   zerolog.Logger

	mu       sync.Mutex
	services []*GattService
	disposed bool
}

// NewDevice returns a handle to the device with the given address on the
// adapter.
func NewDevice(bus *dbusx.Bus, adapter *Adapter, mac string, log zerolog.Logger) *Device {
	mac = strings.ToUpper(mac)

	return &Device{
		bus:   bus,
		proxy: bus.Proxy(dbusx.DeviceInterface, DevicePath(adapter.Path(), mac)),
		mac:   mac,
		log:   log.With().Str("device", mac).Logger(),
	}
}

// Initialize binds the device proxy.
func (d *Device) Initialize() error {
	return d.proxy.Initialize()
}

// Mac returns the device address.
func (d *Device) Mac() string { return d.mac }

// Path returns the device object path.
func (d *Device) Path() dbus.ObjectPath { return d.proxy.Path() }

// Connect establishes the BLE link.
func (d *Device) Connect() error {
	_, err := d.proxy.Call("Connect")
	return err
}

// Disconnect drops the BLE link.
func (d *Device) Disconnect() error {
	_, err := d.proxy.Call("Disconnect")
	return err
}

// Pair initiates pairing with the device.
func (d *Device) Pair() error {
	_, err := d.proxy.Call("Pair")
	return err
}

// CancelPairing aborts an in-flight pairing attempt.
func (d *Device) CancelPairing() error {
	_, err := d.proxy.Call("CancelPairing")
	return err
}

// Connected reports the connection flag.
func (d *Device) Connected() (bool, error) {
	variant, err := d.proxy.Get("Connected")
	if err != nil {
		return false, err
	}
	value, _ := variant.Value().(bool)

	return value, nil
}

// Alias returns the device alias.
func (d *Device) Alias() (string, error) {
	variant, err := d.proxy.Get("Alias")
	if err != nil {
		return "", err
	}
	value, _ := variant.Value().(string)

	return value, nil
}

// Name returns the advertised device name.
func (d *Device) Name() (string, error) {
	variant, err := d.proxy.Get("Name")
	if err != nil {
		return "", err
	}
	value, _ := variant.Value().(string)

	return value, nil
}

// RSSI returns the last observed signal strength.
func (d *Device) RSSI() (int16, error) {
	variant, err := d.proxy.Get("RSSI")
	if err != nil {
		return 0, err
	}
	value, _ := variant.Value().(int16)

	return value, nil
}

// OnPropertiesChanged subscribes to device property changes.
func (d *Device) OnPropertiesChanged(fn func(changed map[string]dbus.Variant)) (func(), error) {
	return d.proxy.OnPropertiesChanged(fn)
}

// Services waits for the daemon to finish GATT service discovery, then
// enumerates the services below this device. The result is owned by the
// device and disposed with it.
func (d *Device) Services(ctx context.Context) ([]*GattService, error) {
	if _, err := d.proxy.WaitForProperty(ctx, "ServicesResolved"); err != nil {
		return nil, err
	}

	children, err := d.proxy.Children()
	if err != nil {
		return nil, err
	}

	services := make([]*GattService, 0, len(children))
	for _, child := range children {
		if !strings.HasPrefix(child, "service") {
			continue
		}

		svc := newGattService(d.bus, dbus.ObjectPath(string(d.Path())+"/"+child), d.log)
		if err := svc.initialize(); err != nil {
			return nil, err
		}
		services = append(services, svc)
	}

	d.mu.Lock()
	d.services = services
	d.mu.Unlock()

	return services, nil
}

// Dispose releases the device and cascades to its services. It is
// idempotent, and each child teardown failure is logged and suppressed so
// one failure cannot prevent the rest.
func (d *Device) Dispose() error {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return nil
	}
	d.disposed = true
	services := d.services
	d.services = nil
	d.mu.Unlock()

	for _, svc := range services {
		if err := svc.Dispose(); err != nil {
			d.log.Warn().Err(err).Msg("Service teardown failed")
		}
	}

	return d.proxy.Dispose()
}
