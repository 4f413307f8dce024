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
	"github.com/smartblinds/bt2mqtt/internal/errorkinds"
)

// WriteMode selects the GATT write procedure.
type WriteMode string

const (
	// WriteCommand is a write without response.
	WriteCommand WriteMode = "command"
	// WriteRequest is a write with response.
	WriteRequest WriteMode = "request"
	// WriteReliable is the daemon default and is sent without an explicit
	// type option.
	WriteReliable WriteMode = "reliable"
)

// GattService is a service discovered under a connected device.
type GattService struct {
	bus   *dbusx.Bus
	proxy *dbusx.Proxy
	log   zerolog.Logger

	mu       sync.Mutex
	chars    []*GattCharacteristic
	disposed bool
}

func newGattService(bus *dbusx.Bus, path dbus.ObjectPath, log zerolog.Logger) *GattService {
	return &GattService{
		bus:   bus,
		proxy: bus.Proxy(dbusx.GattServiceInterface, path),
		log:   log,
	}
}

func (s *GattService) initialize() error {
	return s.proxy.Initialize()
}

// Path returns the service object path.
func (s *GattService) Path() dbus.ObjectPath { return s.proxy.Path() }

// UUID returns the service UUID.
func (s *GattService) UUID() (string, error) {
	variant, err := s.proxy.Get("UUID")
	if err != nil {
		return "", err
	}
	value, _ := variant.Value().(string)

	return value, nil
}

// Characteristics enumerates the characteristics below this service. The
// result is owned by the service and disposed with it.
func (s *GattService) Characteristics() ([]*GattCharacteristic, error) {
	children, err := s.proxy.Children()
	if err != nil {
		return nil, err
	}

	chars := make([]*GattCharacteristic, 0, len(children))
	for _, child := range children {
		if !strings.HasPrefix(child, "char") {
			continue
		}

		c := newGattCharacteristic(s.bus, dbus.ObjectPath(string(s.Path())+"/"+child), s.log)
		if err := c.initialize(); err != nil {
			return nil, err
		}
		chars = append(chars, c)
	}

	s.mu.Lock()
	s.chars = chars
	s.mu.Unlock()

	return chars, nil
}

// Dispose releases the service and cascades to its characteristics.
func (s *GattService) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	chars := s.chars
	s.chars = nil
	s.mu.Unlock()

	for _, c := range chars {
		if err := c.Dispose(); err != nil {
			s.log.Warn().Err(err).Msg("Characteristic teardown failed")
		}
	}

	return s.proxy.Dispose()
}

// GattCharacteristic is an addressable attribute with a value, a
// capability flag set and at most one live notification subscription.
type GattCharacteristic struct {
	proxy *dbusx.Proxy
	log   zerolog.Logger

	mu        sync.Mutex
	notifying bool
	unsub     func()
	disposed  bool
}

func newGattCharacteristic(bus *dbusx.Bus, path dbus.ObjectPath, log zerolog.Logger) *GattCharacteristic {
	return &GattCharacteristic{
		proxy: bus.Proxy(dbusx.GattCharacteristicInterface, path),
		log:   log.With().Str("characteristic", string(path)).Logger(),
	}
}

func (c *GattCharacteristic) initialize() error {
	return c.proxy.Initialize()
}

// Path returns the characteristic object path.
func (c *GattCharacteristic) Path() dbus.ObjectPath { return c.proxy.Path() }

// UUID returns the characteristic UUID.
func (c *GattCharacteristic) UUID() (string, error) {
	variant, err := c.proxy.Get("UUID")
	if err != nil {
		return "", err
	}
	value, _ := variant.Value().(string)

	return value, nil
}

// Flags returns the capability flag set.
func (c *GattCharacteristic) Flags() ([]string, error) {
	variant, err := c.proxy.Get("Flags")
	if err != nil {
		return nil, err
	}
	value, _ := variant.Value().([]string)

	return value, nil
}

// ReadValue reads the characteristic value starting at offset.
func (c *GattCharacteristic) ReadValue(offset uint16) ([]byte, error) {
	options, err := dbusx.DictValue(map[string]dbusx.Value{
		"offset": dbusx.Uint16Value(offset),
	}).Variant()
	if err != nil {
		return nil, err
	}

	body, err := c.proxy.Call("ReadValue", options.Value())
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	value, _ := body[0].([]byte)

	return value, nil
}

// WriteValue writes data using the given write procedure.
func (c *GattCharacteristic) WriteValue(data []byte, mode WriteMode) error {
	entries := map[string]dbusx.Value{
		"offset": dbusx.Uint16Value(0),
	}
	if mode != WriteReliable {
		entries["type"] = dbusx.StringValue(string(mode))
	}

	options, err := dbusx.DictValue(entries).Variant()
	if err != nil {
		return err
	}

	_, err = c.proxy.Call("WriteValue", data, options.Value())

	return err
}

// StartNotify subscribes to value notifications, delivering each value to
// fn. A characteristic carries at most one live subscription.
func (c *GattCharacteristic) StartNotify(fn func(value []byte)) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return errorkinds.ErrDisposed
	}
	if c.notifying {
		c.mu.Unlock()
		return fault.Wrap(errorkinds.ErrInvalidInput,
			fctx.With(context.Background(), "path", string(c.Path())),
			ftag.With(ftag.InvalidArgument),
			fmsg.With("A notification subscription is already active"),
		)
	}
	c.notifying = true
	c.mu.Unlock()

	unsub, err := c.proxy.OnPropertiesChanged(func(changed map[string]dbus.Variant) {
		variant, ok := changed["Value"]
		if !ok {
			return
		}
		if value, ok := variant.Value().([]byte); ok {
			fn(value)
		}
	})
	if err != nil {
		c.clearNotify()
		return err
	}

	c.mu.Lock()
	c.unsub = unsub
	c.mu.Unlock()

	if _, err := c.proxy.Call("StartNotify"); err != nil {
		c.clearNotify()
		return err
	}

	return nil
}

// StopNotify cancels the live subscription, if any.
func (c *GattCharacteristic) StopNotify() error {
	c.mu.Lock()
	if !c.notifying {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	_, err := c.proxy.Call("StopNotify")
	c.clearNotify()

	return err
}

// Notifying reports whether a subscription is active.
func (c *GattCharacteristic) Notifying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.notifying
}

func (c *GattCharacteristic) clearNotify() {
	c.mu.Lock()
	unsub := c.unsub
	c.unsub = nil
	c.notifying = false
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// Dispose stops notifications best-effort and releases the handle.
func (c *GattCharacteristic) Dispose() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	c.mu.Unlock()

	if err := c.StopNotify(); err != nil {
		c.log.Warn().Err(err).Msg("Stopping notifications failed")
	}

	return c.proxy.Dispose()
}
