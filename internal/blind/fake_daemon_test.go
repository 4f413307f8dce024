package blind

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/smartblinds/bt2mqtt/internal/bluez"
	"github.com/smartblinds/bt2mqtt/internal/dbusx"
)

const (
	propertiesIface    = "org.freedesktop.DBus.Properties"
	objectManagerIface = "org.freedesktop.DBus.ObjectManager"
)

type daemonCall struct {
	Method string
	Args   []any
}

type daemonObject struct {
	path dbus.ObjectPath

	mu      sync.Mutex
	props   map[string]map[string]dbus.Variant
	replies map[string]func(args []any) ([]any, error)
	calls   []daemonCall
}

func newDaemonObject(path dbus.ObjectPath) *daemonObject {
	return &daemonObject{
		path:    path,
		props:   make(map[string]map[string]dbus.Variant),
		replies: make(map[string]func(args []any) ([]any, error)),
	}
}

func (o *daemonObject) setProp(iface, prop string, value any) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.props[iface] == nil {
		o.props[iface] = make(map[string]dbus.Variant)
	}
	o.props[iface][prop] = dbus.MakeVariant(value)
}

func (o *daemonObject) reply(method string, fn func(args []any) ([]any, error)) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.replies[method] = fn
}

func (o *daemonObject) callsTo(method string) []daemonCall {
	o.mu.Lock()
	defer o.mu.Unlock()

	var hits []daemonCall
	for _, c := range o.calls {
		if c.Method == method {
			hits = append(hits, c)
		}
	}

	return hits
}

func (o *daemonObject) Call(method string, _ dbus.Flags, args ...any) *dbus.Call {
	o.mu.Lock()
	o.calls = append(o.calls, daemonCall{Method: method, Args: args})
	handler := o.replies[method]
	o.mu.Unlock()

	switch method {
	case propertiesIface + ".Get":
		iface, _ := args[0].(string)
		prop, _ := args[1].(string)
		o.mu.Lock()
		value, ok := o.props[iface][prop]
		o.mu.Unlock()
		if !ok {
			return &dbus.Call{Err: errors.New("no such property: " + prop)}
		}
		return &dbus.Call{Body: []any{value}}

	case propertiesIface + ".Set":
		iface, _ := args[0].(string)
		prop, _ := args[1].(string)
		variant, _ := args[2].(dbus.Variant)
		o.mu.Lock()
		if o.props[iface] == nil {
			o.props[iface] = make(map[string]dbus.Variant)
		}
		o.props[iface][prop] = variant
		o.mu.Unlock()
		return &dbus.Call{}
	}

	if handler != nil {
		body, err := handler(args)
		return &dbus.Call{Body: body, Err: err}
	}

	return &dbus.Call{}
}

func (o *daemonObject) CallWithContext(_ context.Context, method string, flags dbus.Flags, args ...any) *dbus.Call {
	return o.Call(method, flags, args...)
}

func (o *daemonObject) Go(method string, flags dbus.Flags, _ chan *dbus.Call, args ...any) *dbus.Call {
	return o.Call(method, flags, args...)
}

func (o *daemonObject) GoWithContext(_ context.Context, method string, flags dbus.Flags, _ chan *dbus.Call, args ...any) *dbus.Call {
	return o.Call(method, flags, args...)
}

func (o *daemonObject) AddMatchSignal(_, _ string, _ ...dbus.MatchOption) *dbus.Call {
	return &dbus.Call{}
}

func (o *daemonObject) RemoveMatchSignal(_, _ string, _ ...dbus.MatchOption) *dbus.Call {
	return &dbus.Call{}
}

func (o *daemonObject) GetProperty(p string) (dbus.Variant, error) {
	return dbus.Variant{}, errors.New("not implemented: " + p)
}

func (o *daemonObject) StoreProperty(string, any) error { return nil }
func (o *daemonObject) SetProperty(string, any) error   { return nil }
func (o *daemonObject) Destination() string             { return dbusx.BluezBusName }
func (o *daemonObject) Path() dbus.ObjectPath           { return o.path }

// fakeDaemon is an in-memory BlueZ stand-in carrying one adapter, one
// device and the vendor characteristic tree.
type fakeDaemon struct {
	mu      sync.Mutex
	objects map[dbus.ObjectPath]*daemonObject
	ifaces  map[dbus.ObjectPath][]string
	signals chan<- *dbus.Signal
}

func newFakeDaemon() *fakeDaemon {
	d := &fakeDaemon{
		objects: make(map[dbus.ObjectPath]*daemonObject),
		ifaces:  make(map[dbus.ObjectPath][]string),
	}

	d.object("/").reply(objectManagerIface+".GetManagedObjects", func([]any) ([]any, error) {
		d.mu.Lock()
		defer d.mu.Unlock()

		objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant, len(d.ifaces))
		for path, ifaces := range d.ifaces {
			entry := make(map[string]map[string]dbus.Variant, len(ifaces))
			for _, iface := range ifaces {
				entry[iface] = map[string]dbus.Variant{}
			}
			objects[path] = entry
		}
		return []any{objects}, nil
	})

	return d
}

func (d *fakeDaemon) object(path dbus.ObjectPath) *daemonObject {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.objects[path] == nil {
		d.objects[path] = newDaemonObject(path)
	}

	return d.objects[path]
}

func (d *fakeDaemon) register(path dbus.ObjectPath, iface string) *daemonObject {
	obj := d.object(path)

	d.mu.Lock()
	d.ifaces[path] = append(d.ifaces[path], iface)
	d.mu.Unlock()

	return obj
}

func (d *fakeDaemon) Object(_ string, path dbus.ObjectPath) dbus.BusObject {
	return d.object(path)
}

func (d *fakeDaemon) Signal(ch chan<- *dbus.Signal) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.signals = ch
}

func (d *fakeDaemon) RemoveSignal(_ chan<- *dbus.Signal) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.signals = nil
}

func (d *fakeDaemon) AddMatchSignal(_ ...dbus.MatchOption) error    { return nil }
func (d *fakeDaemon) RemoveMatchSignal(_ ...dbus.MatchOption) error { return nil }
func (d *fakeDaemon) Close() error                                  { return nil }

// notify delivers a characteristic value change, the daemon's notification
// mechanism.
func (d *fakeDaemon) notify(path dbus.ObjectPath, value []byte) {
	d.emitPropertiesChanged(path, dbusx.GattCharacteristicInterface, map[string]dbus.Variant{
		"Value": dbus.MakeVariant(value),
	})
}

func (d *fakeDaemon) emitPropertiesChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) {
	d.mu.Lock()
	ch := d.signals
	d.mu.Unlock()

	if ch != nil {
		ch <- &dbus.Signal{
			Path: path,
			Name: propertiesIface + ".PropertiesChanged",
			Body: []any{iface, changed, []string{}},
		}
	}
}

// blindFixture wires a fake daemon tree for one blind: the device object,
// one GATT service and every vendor characteristic.
type blindFixture struct {
	daemon  *fakeDaemon
	bus     *dbusx.Bus
	adapter *bluez.Adapter
	device  *daemonObject

	devicePath dbus.ObjectPath
	charPaths  map[Slot]dbus.ObjectPath
	charObjs   map[Slot]*daemonObject
}

func newBlindFixture(t *testing.T, mac string) *blindFixture {
	t.Helper()

	daemon := newFakeDaemon()

	adapterPath := dbus.ObjectPath("/org/bluez/hci0")
	adapterObj := daemon.register(adapterPath, dbusx.AdapterInterface)
	adapterObj.setProp(dbusx.AdapterInterface, "Powered", true)

	devicePath := bluez.DevicePath(adapterPath, mac)
	device := daemon.register(devicePath, dbusx.DeviceInterface)
	device.setProp(dbusx.DeviceInterface, "Connected", false)
	device.setProp(dbusx.DeviceInterface, "ServicesResolved", true)
	device.reply(dbusx.DeviceInterface+".Connect", func([]any) ([]any, error) {
		device.setProp(dbusx.DeviceInterface, "Connected", true)
		return nil, nil
	})
	device.reply(dbusx.DeviceInterface+".Disconnect", func([]any) ([]any, error) {
		device.setProp(dbusx.DeviceInterface, "Connected", false)
		return nil, nil
	})

	servicePath := dbus.ObjectPath(string(devicePath) + "/service0001")
	daemon.register(servicePath, dbusx.GattServiceInterface)

	slots := []Slot{
		SlotAck, SlotAngle, SlotCalibration, SlotName, SlotPasskey,
		SlotRxTx, SlotSchedule, SlotSensors, SlotStatus, SlotTime,
		SlotVersionInfo,
	}
	charPaths := make(map[Slot]dbus.ObjectPath, len(slots))
	charObjs := make(map[Slot]*daemonObject, len(slots))
	for i, slot := range slots {
		path := dbus.ObjectPath(fmt.Sprintf("%s/char%04d", servicePath, i+2))
		obj := daemon.register(path, dbusx.GattCharacteristicInterface)
		obj.setProp(dbusx.GattCharacteristicInterface, "UUID", SlotUUID(slot).String())
		charPaths[slot] = path
		charObjs[slot] = obj
	}

	bus := dbusx.NewBus(daemon, zerolog.Nop())
	require.NoError(t, bus.Initialize())
	t.Cleanup(func() { _ = bus.Dispose() })

	adapter := bluez.NewAdapter(bus, "hci0", zerolog.Nop())
	require.NoError(t, adapter.Initialize())

	return &blindFixture{
		daemon:     daemon,
		bus:        bus,
		adapter:    adapter,
		device:     device,
		devicePath: devicePath,
		charPaths:  charPaths,
		charObjs:   charObjs,
	}
}

func (f *blindFixture) newDevice(t *testing.T, mac string) *bluez.Device {
	t.Helper()

	dev := bluez.NewDevice(f.bus, f.adapter, mac, zerolog.Nop())
	require.NoError(t, dev.Initialize())

	return dev
}
