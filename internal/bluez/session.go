package bluez

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/godbus/dbus/v5"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/smartblinds/bt2mqtt/internal/dbusx"
	"github.com/smartblinds/bt2mqtt/internal/errorkinds"
)

// Options configures a Session.
type Options struct {
	// AdapterName selects the controller. Empty selects the first one.
	AdapterName string
	// DesiredMacs are the addresses Start waits for.
	DesiredMacs []string
	// DiscoveryInterval is how often the adapter's device list is
	// re-enumerated while waiting for the desired addresses.
	DiscoveryInterval time.Duration
	// DiscoveryTimeout bounds how long Start blocks waiting for the
	// desired addresses.
	DiscoveryTimeout time.Duration
	// MaxConnectRetries caps per-device reconnect attempts; -1 disables
	// the cap.
	MaxConnectRetries int
	// ConnectRetryInterval is the delay before a scheduled reconnect.
	ConnectRetryInterval time.Duration
}

// ManagedDevice is a high-level device registered with the session. The
// session tells it when its address appears on or vanishes from the
// adapter.
type ManagedDevice interface {
	Mac() string
	Added(dev *Device)
	Removed()
	Dispose() error
}

// Session owns the adapter, runs discovery, maintains the registry of
// managed devices and serializes all device commands through a
// single-flight queue.
type Session struct {
	bus  *dbusx.Bus
	log  zerolog.Logger
	opts Options

	adapter *Adapter
	queue   *commandQueue

	devices   *xsync.MapOf[string, ManagedDevice]
	available *xsync.MapOf[string, struct{}]
	retries   *xsync.MapOf[string, int]

	mu        sync.Mutex
	unsubs    []func()
	satisfied chan struct{}
	started   bool

	disposed atomic.Bool
}

// NewSession returns a session over bus.
func NewSession(bus *dbusx.Bus, opts Options, log zerolog.Logger) *Session {
	slog := log.With().Str("component", "session").Logger()

	return &Session{
		bus:       bus,
		log:       slog,
		opts:      opts,
		queue:     newCommandQueue(slog),
		devices:   xsync.NewMapOf[string, ManagedDevice](),
		available: xsync.NewMapOf[string, struct{}](),
		retries:   xsync.NewMapOf[string, int](),
		satisfied: make(chan struct{}),
	}
}

// Adapters enumerates the adapter names under the daemon root.
func (s *Session) Adapters() ([]string, error) {
	return s.bus.Children(dbusx.BluezRootPath)
}

// Adapter returns the selected adapter, or nil before Start.
func (s *Session) Adapter() *Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.adapter
}

// Start selects the adapter, attaches object listeners, powers the
// controller, begins LE discovery and blocks until every desired address
// is present or the discovery timeout elapses. A timeout is not an error:
// discovery keeps running and later arrivals surface through object-added
// signals.
func (s *Session) Start(ctx context.Context) error {
	if s.disposed.Load() {
		return errorkinds.ErrDisposed
	}

	adapter, err := s.selectAdapter()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.adapter = adapter
	s.started = true
	s.mu.Unlock()

	unsubAdded, err := s.bus.OnObjectAdded(dbusx.DeviceInterface, s.handleObjectAdded)
	if err != nil {
		return err
	}
	unsubRemoved, err := s.bus.OnObjectRemoved(dbusx.DeviceInterface, s.handleObjectRemoved)
	if err != nil {
		unsubAdded()
		return err
	}

	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsubAdded, unsubRemoved)
	s.mu.Unlock()

	if powered, err := adapter.Powered(); err == nil && !powered {
		s.log.Info().Str("adapter", adapter.Name()).Msg("Powering on the adapter")
		if err := adapter.SetPowered(true); err != nil {
			return fault.Wrap(err,
				fctx.With(context.Background(), "adapter", adapter.Name()),
				ftag.With(ftag.Internal),
				fmsg.With("Cannot power on the adapter"),
			)
		}
	}

	if err := adapter.SetDiscoveryFilter(); err != nil {
		return fault.Wrap(err,
			ftag.With(ftag.Internal),
			fmsg.With("Cannot restrict discovery to the LE transport"),
		)
	}

	if discovering, err := adapter.Discovering(); err == nil && !discovering {
		if err := adapter.StartDiscovery(); err != nil {
			return fault.Wrap(err,
				ftag.With(ftag.Internal),
				fmsg.With("Cannot start discovery"),
			)
		}
	}

	// Devices already present never emit object-added; synthesize the
	// notification so callers observe uniform semantics.
	if ids, err := adapter.DeviceIDs(); err == nil {
		for _, id := range ids {
			if mac := MacFromDeviceID(id); mac != "" {
				s.deviceAppeared(mac)
			}
		}
	}

	return s.awaitDesired(ctx)
}

func (s *Session) selectAdapter() (*Adapter, error) {
	names, err := s.Adapters()
	if err != nil {
		return nil, err
	}

	name := s.opts.AdapterName
	if name == "" {
		if len(names) == 0 {
			return nil, fault.Wrap(errorkinds.ErrNotFound,
				ftag.With(ftag.NotFound),
				fmsg.With("No Bluetooth adapters are available"),
			)
		}
		name = names[0]
	} else {
		found := false
		for _, n := range names {
			if n == name {
				found = true
				break
			}
		}
		if !found {
			return nil, fault.Wrap(errorkinds.ErrNotFound,
				fctx.With(context.Background(), "adapter", name),
				ftag.With(ftag.NotFound),
				fmsg.With("The configured adapter is not available"),
			)
		}
	}

	adapter := NewAdapter(s.bus, name, s.log)
	if err := adapter.Initialize(); err != nil {
		return nil, err
	}

	return adapter, nil
}

func (s *Session) awaitDesired(ctx context.Context) error {
	if s.desiredSatisfied() {
		return nil
	}

	timeout := s.opts.DiscoveryTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	interval := s.opts.DiscoveryInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	// Some daemon versions miss object-added signals for devices that were
	// cached before discovery started, so the device list is polled too.
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for {
		select {
		case <-s.satisfied:
			return nil

		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			s.pollDevices()
			if s.desiredSatisfied() {
				return nil
			}

		case <-deadline:
			s.log.Warn().Dur("timeout", timeout).Msg("Discovery timed out; missing devices will be picked up as they appear")
			return nil
		}
	}
}

// pollDevices re-enumerates the adapter's device list and synthesizes an
// appearance for every address not seen yet.
func (s *Session) pollDevices() {
	adapter := s.Adapter()
	if adapter == nil {
		return
	}

	ids, err := adapter.DeviceIDs()
	if err != nil {
		return
	}
	for _, id := range ids {
		mac := MacFromDeviceID(id)
		if mac == "" {
			continue
		}
		if _, ok := s.available.Load(mac); !ok {
			s.deviceAppeared(mac)
		}
	}
}

func (s *Session) desiredSatisfied() bool {
	for _, mac := range s.opts.DesiredMacs {
		if _, ok := s.available.Load(strings.ToUpper(mac)); !ok {
			return false
		}
	}

	return true
}

func (s *Session) handleObjectAdded(path dbus.ObjectPath, _ map[string]dbus.Variant) {
	adapter := s.Adapter()
	if adapter == nil || !strings.HasPrefix(string(path), string(adapter.Path())+"/") {
		return
	}
	if mac := MacFromPath(path); mac != "" {
		s.deviceAppeared(mac)
	}
}

func (s *Session) handleObjectRemoved(path dbus.ObjectPath) {
	adapter := s.Adapter()
	if adapter == nil || !strings.HasPrefix(string(path), string(adapter.Path())+"/") {
		return
	}

	mac := MacFromPath(path)
	if mac == "" {
		return
	}

	s.available.Delete(mac)
	if handler, ok := s.devices.Load(mac); ok {
		s.log.Info().Str("device", mac).Msg("Device removed from the adapter")
		handler.Removed()
	}
}

// deviceAppeared records the address as available and dispatches to the
// registered handler, if any.
func (s *Session) deviceAppeared(mac string) {
	if s.disposed.Load() {
		return
	}

	mac = strings.ToUpper(mac)
	s.available.Store(mac, struct{}{})

	s.mu.Lock()
	if s.satisfied != nil && s.desiredSatisfied() {
		select {
		case <-s.satisfied:
		default:
			close(s.satisfied)
		}
	}
	s.mu.Unlock()

	handler, ok := s.devices.Load(mac)
	if !ok {
		return
	}

	adapter := s.Adapter()
	if adapter == nil {
		return
	}

	dev := NewDevice(s.bus, adapter, mac, s.log)
	if err := dev.Initialize(); err != nil {
		s.log.Error().Err(err).Str("device", mac).Msg("Cannot bind the device proxy")
		return
	}

	s.log.Debug().Str("device", mac).Msg("Device available")
	handler.Added(dev)
}

// AddDevice registers a high-level device. Duplicate registrations are
// ignored with a warning.
func (s *Session) AddDevice(d ManagedDevice) {
	mac := strings.ToUpper(d.Mac())
	if _, loaded := s.devices.LoadOrStore(mac, d); loaded {
		s.log.Warn().Str("device", mac).Msg("Ignoring duplicate device registration")
		return
	}

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	if started {
		if _, ok := s.available.Load(mac); ok {
			s.deviceAppeared(mac)
		}
	}
}

// RemoveDevice unregisters a device and clears its reconnect counter.
func (s *Session) RemoveDevice(d ManagedDevice) {
	mac := strings.ToUpper(d.Mac())
	if _, ok := s.devices.LoadAndDelete(mac); !ok {
		s.log.Warn().Str("device", mac).Msg("Ignoring removal of an unregistered device")
		return
	}

	s.retries.Delete(mac)
	if err := d.Dispose(); err != nil {
		s.log.Warn().Err(err).Str("device", mac).Msg("Device teardown failed")
	}
}

// ExecuteCommand enqueues a command behind the single-flight queue.
func (s *Session) ExecuteCommand(cmd *Command) {
	if s.disposed.Load() {
		s.log.Debug().Str("command", cmd.Name).Msg("Dropping command, session disposed")
		return
	}

	s.queue.enqueue(cmd)
}

// QueueDepth reports the number of commands waiting behind the pump.
func (s *Session) QueueDepth() int {
	return s.queue.depth()
}

// ReconnectDevice schedules a reconnect attempt for the address. The
// per-address counter is deliberately never reset on a successful connect:
// resetting it tended to yield infinite retries when spurious post-connect
// errors occurred. It is cleared only by RemoveDevice.
func (s *Session) ReconnectDevice(mac string) {
	if s.disposed.Load() {
		return
	}

	mac = strings.ToUpper(mac)
	count, _ := s.retries.Load(mac)
	count++
	s.retries.Store(mac, count)

	if s.opts.MaxConnectRetries != -1 && count > s.opts.MaxConnectRetries {
		s.log.Error().Str("device", mac).Int("attempts", count-1).Msg("Giving up on the device, retry cap reached")
		return
	}

	interval := s.opts.ConnectRetryInterval
	if interval <= 0 {
		interval = time.Second
	}

	s.log.Info().Str("device", mac).Int("attempt", count).Msg("Scheduling a reconnect")
	time.AfterFunc(interval, func() {
		if s.disposed.Load() {
			return
		}

		if _, ok := s.available.Load(mac); ok {
			s.deviceAppeared(mac)
			return
		}

		adapter := s.Adapter()
		if adapter == nil {
			return
		}
		if discovering, err := adapter.Discovering(); err == nil && !discovering {
			if err := adapter.StartDiscovery(); err != nil {
				s.log.Warn().Err(err).Msg("Cannot restart discovery for the reconnect")
			}
		}
	})
}

// StopDiscovery ends the discovery session. It is idempotent.
func (s *Session) StopDiscovery() error {
	adapter := s.Adapter()
	if adapter == nil {
		return nil
	}

	return adapter.StopDiscovery()
}

// Dispose stops discovery, waits out the in-flight command, disposes every
// registered device and the adapter, and disconnects the bus. Each child
// teardown is wrapped independently so one failure cannot prevent the
// rest. It is idempotent.
func (s *Session) Dispose() error {
	if !s.disposed.CompareAndSwap(false, true) {
		return nil
	}

	if err := s.StopDiscovery(); err != nil {
		s.log.Warn().Err(err).Msg("Stopping discovery failed")
	}

	s.queue.dispose()

	s.devices.Range(func(mac string, d ManagedDevice) bool {
		if err := d.Dispose(); err != nil {
			s.log.Warn().Err(err).Str("device", mac).Msg("Device teardown failed")
		}
		s.devices.Delete(mac)
		return true
	})

	if adapter := s.Adapter(); adapter != nil {
		if err := adapter.Dispose(); err != nil {
			s.log.Warn().Err(err).Msg("Adapter teardown failed")
		}
	}

	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}

	return s.bus.Dispose()
}
