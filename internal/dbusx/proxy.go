package dbusx

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

	"github.com/smartblinds/bt2mqtt/internal/errorkinds"
)

// Proxy is a typed handle to one daemon object implementing one interface.
// Operations before Initialize, or after Dispose, fail with the matching
// sentinel. A call failure indicating a lost device transport disposes the
// proxy locally and re-surfaces the error.
type Proxy struct {
	bus   *Bus
	iface string
	path  dbus.ObjectPath
	obj   dbus.BusObject
	log   zerolog.Logger

	mu          sync.Mutex
	unsubs      []func()
	initialized bool
	disposed    bool
}

// Path returns the object path this proxy addresses.
func (p *Proxy) Path() dbus.ObjectPath { return p.path }

// Interface returns the daemon interface this proxy addresses.
func (p *Proxy) Interface() string { return p.iface }

// Initialize binds the proxy to the daemon object.
func (p *Proxy) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposed {
		return errorkinds.ErrDisposed
	}
	if p.initialized {
		return nil
	}

	if err := p.bus.guard(); err != nil {
		return err
	}

	p.obj = p.bus.conn.Object(BluezBusName, p.path)
	p.initialized = true

	return nil
}

// Dispose detaches every listener registered through this proxy. It is
// idempotent, and further operations fail.
func (p *Proxy) Dispose() error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil
	}
	p.disposed = true
	unsubs := p.unsubs
	p.unsubs = nil
	p.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	return nil
}

// Disposed reports whether the proxy was disposed.
func (p *Proxy) Disposed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.disposed
}

func (p *Proxy) guard() (dbus.BusObject, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.disposed:
		return nil, errorkinds.ErrDisposed
	case !p.initialized:
		return nil, errorkinds.ErrNotInitialized
	}

	return p.obj, nil
}

// surface inspects a call error: a lost device transport disposes the
// proxy locally before re-surfacing; everything else propagates unchanged.
func (p *Proxy) surface(err error, method string) error {
	if err == nil {
		return nil
	}

	if strings.Contains(err.Error(), "Not connected") {
		p.log.Debug().Str("method", method).Msg("Transport lost, disposing proxy")
		_ = p.Dispose()

		return fault.Wrap(err,
			fctx.With(context.Background(), "path", string(p.path), "method", method),
			ftag.With(errorkinds.Unavailable),
			fmsg.With("The device transport was lost"),
		)
	}

	return fault.Wrap(err,
		fctx.With(context.Background(), "path", string(p.path), "method", method),
		ftag.With(ftag.Internal),
		fmsg.With("The daemon call failed"),
	)
}

// Get reads one property of the proxied interface.
func (p *Proxy) Get(prop string) (dbus.Variant, error) {
	obj, err := p.guard()
	if err != nil {
		return dbus.Variant{}, err
	}

	var value dbus.Variant
	err = obj.Call(propertiesInterface+".Get", 0, p.iface, prop).Store(&value)

	return value, p.surface(err, "Get:"+prop)
}

// GetAll reads every property of the proxied interface.
func (p *Proxy) GetAll() (map[string]dbus.Variant, error) {
	obj, err := p.guard()
	if err != nil {
		return nil, err
	}

	var values map[string]dbus.Variant
	err = obj.Call(propertiesInterface+".GetAll", 0, p.iface).Store(&values)

	return values, p.surface(err, "GetAll")
}

// Set writes one typed property of the proxied interface.
func (p *Proxy) Set(prop string, value Value) error {
	obj, err := p.guard()
	if err != nil {
		return err
	}

	variant, err := value.Variant()
	if err != nil {
		return err
	}

	return p.surface(obj.Call(propertiesInterface+".Set", 0, p.iface, prop, variant).Err, "Set:"+prop)
}

// Call invokes method on the proxied interface and returns the reply body.
func (p *Proxy) Call(method string, args ...any) ([]any, error) {
	obj, err := p.guard()
	if err != nil {
		return nil, err
	}

	call := obj.Call(p.iface+"."+method, 0, args...)

	return call.Body, p.surface(call.Err, method)
}

// Children returns the immediate child object names relative to this path.
func (p *Proxy) Children() ([]string, error) {
	if _, err := p.guard(); err != nil {
		return nil, err
	}

	return p.bus.Children(p.path)
}

// OnPropertiesChanged subscribes to property-change signals scoped to this
// object and interface. The returned function cancels the subscription.
func (p *Proxy) OnPropertiesChanged(fn func(changed map[string]dbus.Variant)) (func(), error) {
	if _, err := p.guard(); err != nil {
		return nil, err
	}

	unsub := p.bus.addPropListener(p.path, &propListener{
		iface: p.iface,
		fn: func(changed map[string]dbus.Variant, _ []string) {
			fn(changed)
		},
	})

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		unsub()
		return nil, errorkinds.ErrDisposed
	}
	p.unsubs = append(p.unsubs, unsub)
	p.mu.Unlock()

	return unsub, nil
}

// WaitForProperty blocks until a property-change signal carrying name is
// observed on this object, or ctx expires. If the property already holds a
// value that satisfies waiting (non-zero boolean true), it returns at once.
func (p *Proxy) WaitForProperty(ctx context.Context, name string) (dbus.Variant, error) {
	if _, err := p.guard(); err != nil {
		return dbus.Variant{}, err
	}

	observed := make(chan dbus.Variant, 1)
	unsub, err := p.OnPropertiesChanged(func(changed map[string]dbus.Variant) {
		if value, ok := changed[name]; ok {
			select {
			case observed <- value:
			default:
			}
		}
	})
	if err != nil {
		return dbus.Variant{}, err
	}
	defer unsub()

	// The transition may have happened before the listener attached.
	if current, err := p.Get(name); err == nil {
		if set, ok := current.Value().(bool); ok && set {
			return current, nil
		}
	}

	select {
	case value := <-observed:
		return value, nil

	case <-ctx.Done():
		return dbus.Variant{}, fault.Wrap(errorkinds.ErrTimeout,
			fctx.With(context.Background(), "path", string(p.path), "property", name),
			ftag.With(ftag.Internal),
			fmsg.With("Timed out waiting for the property to change"),
		)
	}
}
