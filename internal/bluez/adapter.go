package bluez

import (
	"context"
	"strings"
	"sync"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/smartblinds/bt2mqtt/internal/dbusx"
)

// transportLE restricts discovery to Low Energy devices.
const transportLE = "le"

// Adapter is a local Bluetooth controller.
type Adapter struct {
	bus   *dbusx.Bus
	proxy *dbusx.Proxy
	name  string
	log   zerolog.Logger

	mu       sync.Mutex
	disposed bool
}

// NewAdapter returns a handle to the adapter with the given short name,
// for example "hci0".
func NewAdapter(bus *dbusx.Bus, name string, log zerolog.Logger) *Adapter {
	path := dbus.ObjectPath(string(dbusx.BluezRootPath) + "/" + name)

	return &Adapter{
		bus:   bus,
		proxy: bus.Proxy(dbusx.AdapterInterface, path),
		name:  name,
		log:   log.With().Str("adapter", name).Logger(),
	}
}

// Initialize binds the adapter proxy.
func (a *Adapter) Initialize() error {
	return a.proxy.Initialize()
}

// Name returns the adapter's short name.
func (a *Adapter) Name() string { return a.name }

// Path returns the adapter's object path.
func (a *Adapter) Path() dbus.ObjectPath { return a.proxy.Path() }

// Address returns the controller address.
func (a *Adapter) Address() (string, error) {
	return a.stringProperty("Address")
}

// AddressType returns the controller address type.
func (a *Adapter) AddressType() (string, error) {
	return a.stringProperty("AddressType")
}

// Alias returns the controller alias.
func (a *Adapter) Alias() (string, error) {
	return a.stringProperty("Alias")
}

// Powered reports whether the controller is powered on.
func (a *Adapter) Powered() (bool, error) {
	return a.boolProperty("Powered")
}

// SetPowered powers the controller on or off.
func (a *Adapter) SetPowered(on bool) error {
	return a.proxy.Set("Powered", dbusx.BooleanValue(on))
}

// Discovering reports whether a discovery session is active.
func (a *Adapter) Discovering() (bool, error) {
	return a.boolProperty("Discovering")
}

// SetDiscoveryFilter restricts discovery to the LE transport.
func (a *Adapter) SetDiscoveryFilter() error {
	filter, err := dbusx.DictValue(map[string]dbusx.Value{
		"Transport": dbusx.StringValue(transportLE),
	}).Variant()
	if err != nil {
		return err
	}

	_, err = a.proxy.Call("SetDiscoveryFilter", filter.Value())

	return err
}

// StartDiscovery begins a discovery session.
func (a *Adapter) StartDiscovery() error {
	_, err := a.proxy.Call("StartDiscovery")
	return err
}

// StopDiscovery ends the discovery session. Asking to stop when none is
// active is not an error.
func (a *Adapter) StopDiscovery() error {
	discovering, err := a.Discovering()
	if err == nil && !discovering {
		return nil
	}

	if _, err := a.proxy.Call("StopDiscovery"); err != nil {
		return fault.Wrap(err,
			fctx.With(context.Background(), "adapter", a.name),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot stop discovery"),
		)
	}

	return nil
}

// DeviceIDs returns the identifiers of every device currently present on
// the adapter.
func (a *Adapter) DeviceIDs() ([]string, error) {
	children, err := a.proxy.Children()
	if err != nil {
		return nil, err
	}

	ids := children[:0]
	for _, child := range children {
		if strings.HasPrefix(child, deviceIDPrefix) {
			ids = append(ids, child)
		}
	}

	return ids, nil
}

// Dispose releases the adapter handle. It is idempotent.
func (a *Adapter) Dispose() error {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return nil
	}
	a.disposed = true
	a.mu.Unlock()

	return a.proxy.Dispose()
}

func (a *Adapter) stringProperty(name string) (string, error) {
	variant, err := a.proxy.Get(name)
	if err != nil {
		return "", err
	}
	value, _ := variant.Value().(string)

	return value, nil
}

func (a *Adapter) boolProperty(name string) (bool, error) {
	variant, err := a.proxy.Get(name)
	if err != nil {
		return false, err
	}
	value, _ := variant.Value().(bool)

	return value, nil
}
