// Package dbusx presents the host Bluetooth daemon (BlueZ) as a typed
// surface over the system message bus. A Bus owns the connection and the
// signal dispatch loop; Proxy values address individual daemon objects.
package dbusx

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/smartblinds/bt2mqtt/internal/errorkinds"
)

// Well-known BlueZ names.
const (
	BluezBusName  = "org.bluez"
	BluezRootPath = dbus.ObjectPath("/org/bluez")

	AdapterInterface            = "org.bluez.Adapter1"
	DeviceInterface             = "org.bluez.Device1"
	GattServiceInterface        = "org.bluez.GattService1"
	GattCharacteristicInterface = "org.bluez.GattCharacteristic1"

	propertiesInterface    = "org.freedesktop.DBus.Properties"
	objectManagerInterface = "org.freedesktop.DBus.ObjectManager"

	propertiesChangedSignal = propertiesInterface + ".PropertiesChanged"
	interfacesAddedSignal   = objectManagerInterface + ".InterfacesAdded"
	interfacesRemovedSignal = objectManagerInterface + ".InterfacesRemoved"
)

// signalBuffer sizes the raw signal channel handed to the connection.
const signalBuffer = 64

// Conn is the subset of the message-bus connection the bridge uses.
// *dbus.Conn satisfies it.
type Conn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Close() error
}

// SystemBus connects to the system message bus.
func SystemBus() (Conn, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fault.Wrap(err,
			ftag.With(ftag.Internal),
			fmsg.With("Cannot connect to the system message bus"),
		)
	}

	return conn, nil
}

type propListener struct {
	iface string
	fn    func(changed map[string]dbus.Variant, invalidated []string)
}

type objectListener struct {
	iface string
	added func(path dbus.ObjectPath, props map[string]dbus.Variant)
	gone  func(path dbus.ObjectPath)
}

// Bus owns the shared connection and fans incoming signals out to
// per-object property listeners and global object-manager listeners.
type Bus struct {
	conn Conn
	log  zerolog.Logger

	signals chan *dbus.Signal

	mu         sync.Mutex
	propSubs   map[dbus.ObjectPath]map[uint64]*propListener
	objectSubs map[uint64]*objectListener
	nextID     uint64

	initialized bool
	disposed    bool
	done        chan struct{}
}

// NewBus wraps conn. Initialize must be called before any other method.
func NewBus(conn Conn, log zerolog.Logger) *Bus {
	return &Bus{
		conn:       conn,
		log:        log.With().Str("component", "bus").Logger(),
		propSubs:   make(map[dbus.ObjectPath]map[uint64]*propListener),
		objectSubs: make(map[uint64]*objectListener),
		done:       make(chan struct{}),
	}
}

// Initialize installs the signal match rules and starts the dispatch loop.
func (b *Bus) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return errorkinds.ErrDisposed
	}
	if b.initialized {
		return nil
	}

	matches := [][]dbus.MatchOption{
		{
			dbus.WithMatchInterface(propertiesInterface),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchPathNamespace(BluezRootPath),
		},
		{
			dbus.WithMatchInterface(objectManagerInterface),
			dbus.WithMatchMember("InterfacesAdded"),
			dbus.WithMatchSender(BluezBusName),
		},
		{
			dbus.WithMatchInterface(objectManagerInterface),
			dbus.WithMatchMember("InterfacesRemoved"),
			dbus.WithMatchSender(BluezBusName),
		},
	}
	for _, opts := range matches {
		if err := b.conn.AddMatchSignal(opts...); err != nil {
			return fault.Wrap(err,
				ftag.With(ftag.Internal),
				fmsg.With("Cannot install a signal match rule"),
			)
		}
	}

	b.signals = make(chan *dbus.Signal, signalBuffer)
	b.conn.Signal(b.signals)
	go b.dispatch()

	b.initialized = true

	return nil
}

// Dispose detaches all listeners, stops dispatch and closes the connection.
// It is idempotent.
func (b *Bus) Dispose() error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil
	}
	b.disposed = true
	b.propSubs = map[dbus.ObjectPath]map[uint64]*propListener{}
	b.objectSubs = map[uint64]*objectListener{}
	signals := b.signals
	b.mu.Unlock()

	if signals != nil {
		b.conn.RemoveSignal(signals)
	}
	close(b.done)

	if err := b.conn.Close(); err != nil {
		return fault.Wrap(err,
			ftag.With(ftag.Internal),
			fmsg.With("Cannot close the bus connection"),
		)
	}

	return nil
}

func (b *Bus) guard() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.disposed:
		return errorkinds.ErrDisposed
	case !b.initialized:
		return errorkinds.ErrNotInitialized
	}

	return nil
}

func (b *Bus) dispatch() {
	for {
		select {
		case <-b.done:
			return

		case sig, ok := <-b.signals:
			if !ok {
				return
			}
			b.handleSignal(sig)
		}
	}
}

func (b *Bus) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case propertiesChangedSignal:
		if len(sig.Body) < 3 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		invalidated, _ := sig.Body[2].([]string)
		b.firePropertiesChanged(sig.Path, iface, changed, invalidated)

	case interfacesAddedSignal:
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		b.fireObjectAdded(path, ifaces)

	case interfacesRemovedSignal:
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].([]string)
		b.fireObjectRemoved(path, ifaces)
	}
}

func (b *Bus) firePropertiesChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant, invalidated []string) {
	b.mu.Lock()
	listeners := make([]*propListener, 0, len(b.propSubs[path]))
	for _, l := range b.propSubs[path] {
		if l.iface == iface {
			listeners = append(listeners, l)
		}
	}
	b.mu.Unlock()

	for _, l := range listeners {
		b.fire(func() { l.fn(changed, invalidated) })
	}
}

func (b *Bus) fireObjectAdded(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) {
	b.mu.Lock()
	type hit struct {
		fn    func(dbus.ObjectPath, map[string]dbus.Variant)
		props map[string]dbus.Variant
	}
	hits := make([]hit, 0, len(b.objectSubs))
	for _, l := range b.objectSubs {
		if l.added == nil {
			continue
		}
		if props, ok := ifaces[l.iface]; ok {
			hits = append(hits, hit{fn: l.added, props: props})
		}
	}
	b.mu.Unlock()

	for _, h := range hits {
		b.fire(func() { h.fn(path, h.props) })
	}
}

func (b *Bus) fireObjectRemoved(path dbus.ObjectPath, ifaces []string) {
	b.mu.Lock()
	fns := make([]func(dbus.ObjectPath), 0, len(b.objectSubs))
	for _, l := range b.objectSubs {
		if l.gone == nil {
			continue
		}
		for _, iface := range ifaces {
			if l.iface == iface {
				fns = append(fns, l.gone)
				break
			}
		}
	}
	b.mu.Unlock()

	for _, fn := range fns {
		b.fire(func() { fn(path) })
	}
}

// fire invokes a listener, containing any panic so a faulty listener cannot
// take down the dispatch loop.
func (b *Bus) fire(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Any("panic", r).Msg("A signal listener panicked")
		}
	}()

	fn()
}

// OnObjectAdded subscribes to object-manager additions carrying iface.
// The returned function cancels the subscription.
func (b *Bus) OnObjectAdded(iface string, fn func(path dbus.ObjectPath, props map[string]dbus.Variant)) (func(), error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	return b.addObjectListener(&objectListener{iface: iface, added: fn}), nil
}

// OnObjectRemoved subscribes to object-manager removals carrying iface.
func (b *Bus) OnObjectRemoved(iface string, fn func(path dbus.ObjectPath)) (func(), error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	return b.addObjectListener(&objectListener{iface: iface, gone: fn}), nil
}

func (b *Bus) addObjectListener(l *objectListener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.objectSubs[id] = l

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.objectSubs, id)
	}
}

func (b *Bus) addPropListener(path dbus.ObjectPath, l *propListener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.propSubs[path] == nil {
		b.propSubs[path] = make(map[uint64]*propListener)
	}
	b.propSubs[path][id] = l

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.propSubs[path], id)
		if len(b.propSubs[path]) == 0 {
			delete(b.propSubs, path)
		}
	}
}

// ManagedObjects queries the daemon's object manager for the full tree.
func (b *Bus) ManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

	obj := b.conn.Object(BluezBusName, "/")
	if err := obj.Call(objectManagerInterface+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fault.Wrap(err,
			ftag.With(ftag.Internal),
			fmsg.With("Cannot enumerate the daemon object tree"),
		)
	}

	return objects, nil
}

// Children returns the immediate child object names under path, sorted.
func (b *Bus) Children(path dbus.ObjectPath) ([]string, error) {
	objects, err := b.ManagedObjects()
	if err != nil {
		return nil, fault.Wrap(err,
			fctx.With(context.Background(), "path", string(path)),
			fmsg.With("Cannot list the children of the object"),
		)
	}

	prefix := string(path) + "/"
	seen := make(map[string]struct{})
	for child := range objects {
		name, ok := strings.CutPrefix(string(child), prefix)
		if !ok {
			continue
		}
		if i := strings.IndexByte(name, '/'); i >= 0 {
			name = name[:i]
		}
		seen[name] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	return names, nil
}

// Proxy returns a handle to the daemon object at path implementing iface.
// The proxy must be initialized before use.
func (b *Bus) Proxy(iface string, path dbus.ObjectPath) *Proxy {
	return &Proxy{
		bus:   b,
		iface: iface,
		path:  path,
		log:   b.log.With().Str("path", string(path)).Logger(),
	}
}
