package blind

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/smartblinds/bt2mqtt/internal/bluez"
	"github.com/smartblinds/bt2mqtt/internal/errorkinds"
	"github.com/smartblinds/bt2mqtt/internal/eventbus"
)

// Angle bounds of the vendor protocol.
const (
	MinAngle = 0
	MaxAngle = 200
)

// servicesTimeout bounds the wait for GATT service discovery.
const servicesTimeout = 30 * time.Second

// defaultCommandRetries caps queued setter writes.
const defaultCommandRetries = 3

// Commander executes queued device commands and schedules reconnects.
// *bluez.Session satisfies it.
type Commander interface {
	ExecuteCommand(cmd *bluez.Command)
	ReconnectDevice(mac string)
}

// Options configures a BlindDevice.
type Options struct {
	// Name is the operator-facing blind name.
	Name string
	// Mac is the canonical device address.
	Mac string
	// Passkey is the shared secret as an uppercase hex string.
	Passkey string
	// MaxUnlockRetries caps handshake attempts.
	MaxUnlockRetries int
	// CommandRetries caps queued write retries. Zero selects the default.
	CommandRetries int
}

type unlockState uint8

const (
	stateLocked unlockState = iota
	stateUnlocking
	stateUnlocked
	stateFailed
)

// BlindDevice drives the vendor protocol for one blind. It is registered
// with a bluez.Session, which reports the device's appearance on the
// adapter through Added and Removed.
type BlindDevice struct {
	opts      Options
	mac       string
	commander Commander
	log       zerolog.Logger
	events    *eventbus.Bus

	mu       sync.Mutex
	dev      *bluez.Device
	chars    map[Slot]*bluez.GattCharacteristic
	devUnsub func()

	angle       int
	haveAngle   bool
	sensors     Sensors
	haveSensors bool
	status      StatusFlags
	haveStatus  bool
	rssi        int16
	haveRSSI    bool

	deviceName string
	firmware   string

	unlock         unlockState
	unlockAttempts int
	unlockTimer    *time.Timer

	disposed bool
}

// New returns a blind bound to commander. Options carry the canonical MAC
// and the uppercase hex passkey.
func New(opts Options, commander Commander, log zerolog.Logger) *BlindDevice {
	mac := strings.ToUpper(opts.Mac)
	if opts.CommandRetries <= 0 {
		opts.CommandRetries = defaultCommandRetries
	}

	return &BlindDevice{
		opts:      opts,
		mac:       mac,
		commander: commander,
		log:       log.With().Str("blind", opts.Name).Str("device", mac).Logger(),
		events:    eventbus.New(),
	}
}

// Mac returns the device address.
func (b *BlindDevice) Mac() string { return b.mac }

// Name returns the configured blind name.
func (b *BlindDevice) Name() string { return b.opts.Name }

// Events returns the blind's event bus.
func (b *BlindDevice) Events() *eventbus.Bus { return b.events }

// IsUnlocked reports whether the passkey handshake completed.
func (b *BlindDevice) IsUnlocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.unlock == stateUnlocked
}

// Angle returns the last reported angle, if any was observed.
func (b *BlindDevice) Angle() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.angle, b.haveAngle
}

// CurrentSensors returns the last decoded sensor payload.
func (b *BlindDevice) CurrentSensors() (Sensors, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.sensors, b.haveSensors
}

// CurrentStatus returns the last decoded status flags.
func (b *BlindDevice) CurrentStatus() (StatusFlags, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.status, b.haveStatus
}

// RSSI returns the last observed signal strength.
func (b *BlindDevice) RSSI() (int16, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.rssi, b.haveRSSI
}

// DeviceName returns the name read from the Name characteristic.
func (b *BlindDevice) DeviceName() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.deviceName
}

// FirmwareVersion returns the value read from the VersionInfo
// characteristic.
func (b *BlindDevice) FirmwareVersion() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.firmware
}

// Added attaches the freshly materialized device and queues the connect.
func (b *BlindDevice) Added(dev *bluez.Device) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		_ = dev.Dispose()
		return
	}
	if b.dev != nil {
		b.mu.Unlock()
		b.log.Debug().Msg("Ignoring device addition, already attached")
		_ = dev.Dispose()
		return
	}
	b.dev = dev
	b.mu.Unlock()

	// A failed connect is not retried in place; reconnect scheduling owns
	// the retry policy.
	b.commander.ExecuteCommand(&bluez.Command{
		Name: "connect " + b.mac,
		Invoke: func() error {
			if err := b.connectAndBind(dev); err != nil {
				b.log.Warn().Err(err).Msg("Connecting the blind failed")
				b.detach(false)
				b.commander.ReconnectDevice(b.mac)
				return err
			}
			return nil
		},
	})
}

// Removed reacts to the device identifier vanishing from the adapter.
func (b *BlindDevice) Removed() {
	b.handleDisconnect()
}

// connectAndBind establishes the link, matches every characteristic
// against the known set and subscribes to notifications. Any failure
// disconnects the device so no partial bindings are retained.
func (b *BlindDevice) connectAndBind(dev *bluez.Device) error {
	if connected, err := dev.Connected(); err != nil || !connected {
		if err := dev.Connect(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), servicesTimeout)
	defer cancel()

	abort := func(err error) error {
		if derr := dev.Disconnect(); derr != nil {
			b.log.Debug().Err(derr).Msg("Disconnect after failed binding errored")
		}
		return err
	}

	services, err := dev.Services(ctx)
	if err != nil {
		return abort(err)
	}

	chars := make(map[Slot]*bluez.GattCharacteristic)
	for _, svc := range services {
		cs, err := svc.Characteristics()
		if err != nil {
			return abort(err)
		}
		for _, c := range cs {
			u, err := c.UUID()
			if err != nil {
				return abort(err)
			}
			if slot, ok := SlotForUUID(u); ok {
				chars[slot] = c
			}
		}
	}

	for _, slot := range requiredSlots {
		if chars[slot] == nil {
			return abort(fault.Wrap(errorkinds.ErrCharacteristicMissing,
				fctx.With(context.Background(), "device", b.mac, "slot", string(slot)),
				ftag.With(ftag.NotFound),
				fmsg.With("A required characteristic was not advertised"),
			))
		}
	}

	handlers := map[Slot]func([]byte){
		SlotAngle:   b.handleAngle,
		SlotPasskey: b.handlePasskey,
		SlotSensors: b.handleSensors,
		SlotStatus:  b.handleStatus,
	}
	for _, slot := range notifySlots {
		if err := chars[slot].StartNotify(handlers[slot]); err != nil {
			return abort(err)
		}
	}

	unsub, err := dev.OnPropertiesChanged(b.handleDeviceProperties)
	if err != nil {
		return abort(err)
	}

	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		unsub()
		return abort(errorkinds.ErrDisposed)
	}
	b.chars = chars
	b.devUnsub = unsub
	b.mu.Unlock()

	b.log.Info().Msg("Connected, characteristics bound")
	b.beginUnlock()

	return nil
}

func (b *BlindDevice) handleDeviceProperties(changed map[string]dbus.Variant) {
	if variant, ok := changed["Connected"]; ok {
		if connected, ok := variant.Value().(bool); ok && !connected {
			b.log.Info().Msg("Link dropped")
			b.handleDisconnect()
			return
		}
	}

	if variant, ok := changed["RSSI"]; ok {
		if rssi, ok := variant.Value().(int16); ok {
			b.updateRSSI(rssi)
		}
	}
}

func (b *BlindDevice) updateRSSI(rssi int16) {
	b.mu.Lock()
	var emits []func()
	if !b.haveRSSI || b.rssi != rssi {
		emits = append(emits, b.emitMetric(MetricRSSI, rssi))
	}
	b.rssi = rssi
	b.haveRSSI = true
	b.mu.Unlock()

	for _, emit := range emits {
		emit()
	}
}

// handleDisconnect tears down the attachment, returns the handshake to its
// initial state and schedules a reconnect.
func (b *BlindDevice) handleDisconnect() {
	disposed := b.detach(true)
	if !disposed {
		b.commander.ReconnectDevice(b.mac)
	}
}

// detach drops the device attachment and resets the handshake. It returns
// whether the blind is disposed.
func (b *BlindDevice) detach(emit bool) bool {
	b.mu.Lock()
	disposed := b.disposed
	dev := b.dev
	unsub := b.devUnsub
	b.dev = nil
	b.devUnsub = nil
	b.chars = nil
	b.unlock = stateLocked
	b.unlockAttempts = 0
	b.stopUnlockTimerLocked()
	b.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if dev != nil {
		if err := dev.Dispose(); err != nil {
			b.log.Warn().Err(err).Msg("Device teardown failed")
		}
	}
	if emit && dev != nil {
		b.events.Publish(EventDisconnected, b.mac)
	}

	return disposed
}

func (b *BlindDevice) handleAngle(data []byte) {
	if len(data) < 1 {
		return
	}
	value := int(data[0])

	b.mu.Lock()
	var emits []func()
	if !b.haveAngle || b.angle != value {
		emits = append(emits, b.emitMetric(MetricAngle, value))
	}
	b.angle = value
	b.haveAngle = true
	b.mu.Unlock()

	for _, emit := range emits {
		emit()
	}
}

// handleSensors records the change emissions for every differing scalar
// first, then updates the stored payload, then fires. Observers never see
// partially updated state.
func (b *BlindDevice) handleSensors(data []byte) {
	decoded, err := DecodeSensors(data)
	if err != nil {
		b.log.Warn().Err(err).Msg("Discarding a malformed sensor payload")
		return
	}

	b.mu.Lock()
	var emits []func()
	record := func(metric Metric, changed bool, value any) {
		if !b.haveSensors || changed {
			emits = append(emits, b.emitMetric(metric, value))
		}
	}
	prev := b.sensors
	record(MetricBatteryPercentage, prev.BatteryPercentage != decoded.BatteryPercentage, decoded.BatteryPercentage)
	record(MetricBatteryVoltage, prev.BatteryVoltage != decoded.BatteryVoltage, decoded.BatteryVoltage)
	record(MetricBatteryCharge, prev.BatteryCharge != decoded.BatteryCharge, decoded.BatteryCharge)
	record(MetricSolarPanelVoltage, prev.SolarPanelVoltage != decoded.SolarPanelVoltage, decoded.SolarPanelVoltage)
	record(MetricInteriorTemperature, prev.InteriorTemperature != decoded.InteriorTemperature, decoded.InteriorTemperature)
	record(MetricBatteryTemperature, prev.BatteryTemperature != decoded.BatteryTemperature, decoded.BatteryTemperature)
	record(MetricIlluminance, prev.Illuminance != decoded.Illuminance, decoded.Illuminance)
	b.sensors = decoded
	b.haveSensors = true
	b.mu.Unlock()

	for _, emit := range emits {
		emit()
	}
}

func (b *BlindDevice) handleStatus(data []byte) {
	decoded, ok := DecodeStatus(data)
	if !ok {
		b.log.Warn().Int("length", len(data)).Msg("Discarding a short status payload")
		return
	}

	b.mu.Lock()
	var emits []func()
	record := func(metric Metric, changed bool, value bool) {
		if !b.haveStatus || changed {
			emits = append(emits, b.emitMetric(metric, value))
		}
	}
	prev := b.status
	record(MetricIsReversed, prev.IsReversed != decoded.IsReversed, decoded.IsReversed)
	record(MetricIsBonding, prev.IsBonding != decoded.IsBonding, decoded.IsBonding)
	record(MetricIsCalibrated, prev.IsCalibrated != decoded.IsCalibrated, decoded.IsCalibrated)
	record(MetricHasSolar, prev.HasSolar != decoded.HasSolar, decoded.HasSolar)
	record(MetricIsSolarCharging, prev.IsSolarCharging != decoded.IsSolarCharging, decoded.IsSolarCharging)
	record(MetricIsUsbCharging, prev.IsUsbCharging != decoded.IsUsbCharging, decoded.IsUsbCharging)
	record(MetricIsTimeValid, prev.IsTimeValid != decoded.IsTimeValid, decoded.IsTimeValid)
	record(MetricIsUnderVoltageLockout, prev.IsUnderVoltageLockout != decoded.IsUnderVoltageLockout, decoded.IsUnderVoltageLockout)
	record(MetricIsOverTemperature, prev.IsOverTemperature != decoded.IsOverTemperature, decoded.IsOverTemperature)
	record(MetricTempOverride, prev.TempOverride != decoded.TempOverride, decoded.TempOverride)
	record(MetricIsPasskeyValid, prev.IsPasskeyValid != decoded.IsPasskeyValid, decoded.IsPasskeyValid)
	b.status = decoded
	b.haveStatus = true
	b.mu.Unlock()

	for _, emit := range emits {
		emit()
	}
}

func (b *BlindDevice) emitMetric(metric Metric, value any) func() {
	return func() {
		b.events.Publish(EventMetricChanged, MetricChange{Metric: metric, Value: value})
	}
}

func (b *BlindDevice) characteristic(slot Slot) *bluez.GattCharacteristic {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.chars[slot]
}

// SetAngle validates the angle and queues a one-byte request-mode write.
func (b *BlindDevice) SetAngle(value int) error {
	if value < MinAngle || value > MaxAngle {
		return fault.Wrap(errorkinds.ErrInvalidInput,
			fctx.With(context.Background(), "device", b.mac, "angle", fmt.Sprint(value)),
			ftag.With(ftag.InvalidArgument),
			fmsg.With("The angle is outside the supported range"),
		)
	}

	c := b.characteristic(SlotAngle)
	if c == nil {
		b.log.Warn().Int("angle", value).Msg("Skipping angle write, characteristic not bound")
		return fault.Wrap(errorkinds.ErrCharacteristicMissing,
			fctx.With(context.Background(), "device", b.mac),
			ftag.With(ftag.NotFound),
			fmsg.With("The angle characteristic is not bound"),
		)
	}

	b.commander.ExecuteCommand(&bluez.Command{
		Name:       fmt.Sprintf("set-angle %s %d", b.mac, value),
		MaxRetries: b.opts.CommandRetries,
		Invoke: func() error {
			return c.WriteValue([]byte{byte(value)}, bluez.WriteRequest)
		},
	})

	return nil
}

// Dispose stops notifications best-effort, detaches from the device and
// shuts the event bus. It is idempotent.
func (b *BlindDevice) Dispose() error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil
	}
	b.disposed = true
	chars := b.chars
	b.mu.Unlock()

	for slot, c := range chars {
		if err := c.StopNotify(); err != nil {
			b.log.Warn().Err(err).Str("slot", string(slot)).Msg("Stopping notifications failed")
		}
	}

	b.detach(true)
	b.events.Shutdown()

	return nil
}
