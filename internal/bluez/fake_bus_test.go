package bluez

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/smartblinds/bt2mqtt/internal/dbusx"
)

const (
	propertiesIface    = "org.freedesktop.DBus.Properties"
	objectManagerIface = "org.freedesktop.DBus.ObjectManager"
)

type fakeCall struct {
	Method string
	Args   []any
}

// fakeObject serves one daemon object: properties from the props map,
// everything else through registered reply handlers.
type fakeObject struct {
	path dbus.ObjectPath

	mu      sync.Mutex
	props   map[string]map[string]dbus.Variant
	replies map[string]func(args []any) ([]any, error)
	calls   []fakeCall
}

func newFakeObject(path dbus.ObjectPath) *fakeObject {
	return &fakeObject{
		path:    path,
		props:   make(map[string]map[string]dbus.Variant),
		replies: make(map[string]func(args []any) ([]any, error)),
	}
}

func (o *fakeObject) setProp(iface, prop string, value any) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.props[iface] == nil {
		o.props[iface] = make(map[string]dbus.Variant)
	}
	o.props[iface][prop] = dbus.MakeVariant(value)
}

func (o *fakeObject) reply(method string, fn func(args []any) ([]any, error)) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.replies[method] = fn
}

func (o *fakeObject) recorded() []fakeCall {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]fakeCall(nil), o.calls...)
}

func (o *fakeObject) callsTo(method string) []fakeCall {
	var hits []fakeCall
	for _, c := range o.recorded() {
		if c.Method == method {
			hits = append(hits, c)
		}
	}

	return hits
}

func (o *fakeObject) Call(method string, _ dbus.Flags, args ...any) *dbus.Call {
	o.mu.Lock()
	o.calls = append(o.calls, fakeCall{Method: method, Args: args})
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

func (o *fakeObject) CallWithContext(_ context.Context, method string, flags dbus.Flags, args ...any) *dbus.Call {
	return o.Call(method, flags, args...)
}

func (o *fakeObject) Go(method string, flags dbus.Flags, _ chan *dbus.Call, args ...any) *dbus.Call {
	return o.Call(method, flags, args...)
}

func (o *fakeObject) GoWithContext(_ context.Context, method string, flags dbus.Flags, _ chan *dbus.Call, args ...any) *dbus.Call {
	return o.Call(method, flags, args...)
}

func (o *fakeObject) AddMatchSignal(_, _ string, _ ...dbus.MatchOption) *dbus.Call {
	return &dbus.Call{}
}

func (o *fakeObject) RemoveMatchSignal(_, _ string, _ ...dbus.MatchOption) *dbus.Call {
	return &dbus.Call{}
}

func (o *fakeObject) GetProperty(p string) (dbus.Variant, error) {
	return dbus.Variant{}, errors.New("not implemented: " + p)
}

func (o *fakeObject) StoreProperty(string, any) error { return nil }
func (o *fakeObject) SetProperty(string, any) error   { return nil }
func (o *fakeObject) Destination() string             { return dbusx.BluezBusName }
func (o *fakeObject) Path() dbus.ObjectPath           { return o.path }

// fakeConn is an in-memory daemon connection. Its managed-object tree is
// assembled from the registered object paths and their interfaces.
type fakeConn struct {
	mu      sync.Mutex
	objects map[dbus.ObjectPath]*fakeObject
	ifaces  map[dbus.ObjectPath][]string
	signals chan<- *dbus.Signal
}

func newFakeConn() *fakeConn {
	c := &fakeConn{
		objects: make(map[dbus.ObjectPath]*fakeObject),
		ifaces:  make(map[dbus.ObjectPath][]string),
	}

	c.object("/").reply(objectManagerIface+".GetManagedObjects", func([]any) ([]any, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant, len(c.ifaces))
		for path, ifaces := range c.ifaces {
			entry := make(map[string]map[string]dbus.Variant, len(ifaces))
			for _, iface := range ifaces {
				entry[iface] = map[string]dbus.Variant{}
			}
			objects[path] = entry
		}
		return []any{objects}, nil
	})

	return c
}

func (c *fakeConn) object(path dbus.ObjectPath) *fakeObject {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.objects[path] == nil {
		c.objects[path] = newFakeObject(path)
	}

	return c.objects[path]
}

// register adds path to the managed-object tree under iface and returns its
// object.
func (c *fakeConn) register(path dbus.ObjectPath, iface string) *fakeObject {
	obj := c.object(path)

	c.mu.Lock()
	c.ifaces[path] = append(c.ifaces[path], iface)
	c.mu.Unlock()

	return obj
}

func (c *fakeConn) unregister(path dbus.ObjectPath) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.ifaces, path)
	delete(c.objects, path)
}

func (c *fakeConn) Object(_ string, path dbus.ObjectPath) dbus.BusObject {
	return c.object(path)
}

func (c *fakeConn) Signal(ch chan<- *dbus.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.signals = ch
}

func (c *fakeConn) RemoveSignal(_ chan<- *dbus.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.signals = nil
}

func (c *fakeConn) AddMatchSignal(_ ...dbus.MatchOption) error    { return nil }
func (c *fakeConn) RemoveMatchSignal(_ ...dbus.MatchOption) error { return nil }
func (c *fakeConn) Close() error                                  { return nil }

func (c *fakeConn) emit(sig *dbus.Signal) {
	c.mu.Lock()
	ch := c.signals
	c.mu.Unlock()

	if ch != nil {
		ch <- sig
	}
}

func (c *fakeConn) emitPropertiesChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) {
	c.emit(&dbus.Signal{
		Path: path,
		Name: propertiesIface + ".PropertiesChanged",
		Body: []any{iface, changed, []string{}},
	})
}

func (c *fakeConn) emitInterfacesAdded(path dbus.ObjectPath, iface string) {
	c.emit(&dbus.Signal{
		Name: objectManagerIface + ".InterfacesAdded",
		Body: []any{path, map[string]map[string]dbus.Variant{iface: {}}},
	})
}

func (c *fakeConn) emitInterfacesRemoved(path dbus.ObjectPath, iface string) {
	c.emit(&dbus.Signal{
		Name: objectManagerIface + ".InterfacesRemoved",
		Body: []any{path, []string{iface}},
	})
}

func testLogger() zerolog.Logger { return zerolog.Nop() }

func newTestBus(t *testing.T, conn *fakeConn) *dbusx.Bus {
	t.Helper()

	bus := dbusx.NewBus(conn, zerolog.Nop())
	require.NoError(t, bus.Initialize())
	t.Cleanup(func() { _ = bus.Dispose() })

	return bus
}
