package bridge

import (
	"context"
	"math"
	"sync"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/rs/zerolog"

	"github.com/smartblinds/bt2mqtt/internal/blind"
	"github.com/smartblinds/bt2mqtt/internal/config"
	"github.com/smartblinds/bt2mqtt/internal/errorkinds"
	"github.com/smartblinds/bt2mqtt/internal/eventbus"
	"github.com/smartblinds/bt2mqtt/internal/serde"
)

// Blind is the device surface the bridge mirrors. *blind.BlindDevice
// satisfies it.
type Blind interface {
	Mac() string
	Name() string
	Events() *eventbus.Bus
	SetAngle(value int) error
	CurrentSensors() (blind.Sensors, bool)
	CurrentStatus() (blind.StatusFlags, bool)
	DeviceName() string
	FirmwareVersion() string
}

// Bridge mirrors blind state onto MQTT topics and routes inbound command
// messages to the device's queued writes.
type Bridge struct {
	pub              Publisher
	log              zerolog.Logger
	discoveryEnabled bool
	discoveryPrefix  string

	mu       sync.Mutex
	blinds   map[string]Blind
	disposed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New returns a bridge publishing through pub.
func New(cfg config.HomeAssistantConfig, pub Publisher, log zerolog.Logger) *Bridge {
	return &Bridge{
		pub:              pub,
		log:              log.With().Str("component", "bridge").Logger(),
		discoveryEnabled: cfg.DiscoveryEnabled,
		discoveryPrefix:  cfg.DiscoveryPrefix,
		blinds:           make(map[string]Blind),
		done:             make(chan struct{}),
	}
}

// Register announces the blind's entities, marks it unavailable until it
// unlocks, subscribes its command topics and starts mirroring its events.
func (br *Bridge) Register(b Blind) error {
	mac := b.Mac()

	br.mu.Lock()
	if br.disposed {
		br.mu.Unlock()
		return fault.Wrap(errorkinds.ErrDisposed,
			ftag.With(ftag.Internal),
			fmsg.With("The bridge is disposed"),
		)
	}
	if _, ok := br.blinds[mac]; ok {
		br.mu.Unlock()
		return fault.Wrap(errorkinds.ErrDeviceExists,
			fctx.With(context.Background(), "device", mac),
			ftag.With(ftag.AlreadyExists),
			fmsg.With("The blind is already registered"),
		)
	}
	br.blinds[mac] = b
	br.mu.Unlock()

	br.publishDiscovery(b)
	br.publishAvailability(b, PayloadOffline)

	if err := br.pub.Subscribe(SetTopic(mac), 0, func(_ string, payload []byte) {
		br.handleSet(b, payload)
	}); err != nil {
		return err
	}
	if err := br.pub.Subscribe(TiltSetTopic(mac), 0, func(_ string, payload []byte) {
		br.handleTiltSet(b, payload)
	}); err != nil {
		return err
	}

	sub := b.Events().Subscribe(
		blind.EventUnlocked,
		blind.EventUnlockFailed,
		blind.EventDisconnected,
		blind.EventMetricChanged,
	)
	br.wg.Add(1)
	go br.mirror(b, sub)

	return nil
}

// mirror consumes one blind's events until the bridge shuts down or the
// blind's bus closes.
func (br *Bridge) mirror(b Blind, sub *eventbus.Subscription) {
	defer br.wg.Done()
	defer sub.Unsubscribe()

	log := br.log.With().Str("device", b.Mac()).Logger()

	for {
		select {
		case <-br.done:
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}

			switch ev.ID {
			case blind.EventUnlocked:
				log.Info().Msg("Blind unlocked, marking it available")
				// The device name and firmware version are read right
				// after the unlock, so the registry entry is refreshed.
				br.publishDiscovery(b)
				br.publishAvailability(b, PayloadOnline)
			case blind.EventUnlockFailed:
				log.Warn().Msg("Blind failed to unlock, it stays unavailable")
			case blind.EventDisconnected:
				log.Info().Msg("Blind disconnected, marking it unavailable")
				br.publishAvailability(b, PayloadOffline)
			case blind.EventMetricChanged:
				if change, ok := ev.Data.(blind.MetricChange); ok {
					br.publishMetric(b, change)
				}
			}
		}
	}
}

func (br *Bridge) publishAvailability(b Blind, state string) {
	if err := br.pub.Publish(AvailabilityTopic(b.Mac()), 0, true, []byte(state)); err != nil {
		br.log.Warn().Err(err).Str("device", b.Mac()).Msg("Publishing availability failed")
	}
}

func (br *Bridge) publishDiscovery(b Blind) {
	if !br.discoveryEnabled {
		return
	}

	for _, msg := range discoveryMessages(br.discoveryPrefix, b) {
		data, err := serde.MarshalJson(msg.payload)
		if err != nil {
			br.log.Error().Err(err).Str("topic", msg.topic).Msg("Encoding a discovery payload failed")
			continue
		}
		if err := br.pub.Publish(msg.topic, 0, true, data); err != nil {
			br.log.Warn().Err(err).Str("topic", msg.topic).Msg("Publishing a discovery payload failed")
		}
	}
}

// JSON state objects mirrored to the diagnostic sensor topics.
type batteryState struct {
	Percentage   uint8   `json:"percentage"`
	VoltageMv    uint16  `json:"voltage_mv"`
	Charge       uint16  `json:"charge"`
	TemperatureC float64 `json:"temperature_c"`
}

type chargingState struct {
	State string `json:"state"`
	Solar string `json:"solar"`
	Usb   string `json:"usb"`
}

type illuminanceState struct {
	Lux float64 `json:"lux"`
}

type temperatureState struct {
	Celsius float64 `json:"celsius"`
}

type voltageState struct {
	VoltageMv uint16 `json:"voltage_mv"`
}

type signalState struct {
	Dbm int16 `json:"dbm"`
}

// publishMetric maps one changed scalar to its topic and payload. Metrics
// without a dedicated entity are dropped here.
func (br *Bridge) publishMetric(b Blind, change blind.MetricChange) {
	mac := b.Mac()

	switch change.Metric {
	case blind.MetricAngle:
		angle, ok := change.Value.(int)
		if !ok {
			return
		}
		br.publishJSON(TiltStateTopic(mac), SnapAngle(angle))
		br.publishText(StateTopic(mac), CoverState(angle))

	case blind.MetricBatteryPercentage, blind.MetricBatteryVoltage,
		blind.MetricBatteryCharge, blind.MetricBatteryTemperature:
		if sensors, ok := b.CurrentSensors(); ok {
			br.publishJSON(MetricTopic(mac, slotBattery), batteryState{
				Percentage:   sensors.BatteryPercentage,
				VoltageMv:    sensors.BatteryVoltage,
				Charge:       sensors.BatteryCharge,
				TemperatureC: sensors.BatteryTemperature,
			})
		}

	case blind.MetricIsSolarCharging, blind.MetricIsUsbCharging:
		if status, ok := b.CurrentStatus(); ok {
			br.publishJSON(MetricTopic(mac, slotCharging), chargingState{
				State: onOff(status.IsSolarCharging || status.IsUsbCharging),
				Solar: onOff(status.IsSolarCharging),
				Usb:   onOff(status.IsUsbCharging),
			})
		}

	case blind.MetricIlluminance:
		if lux, ok := change.Value.(float64); ok {
			br.publishJSON(MetricTopic(mac, slotIlluminance), illuminanceState{Lux: lux})
		}

	case blind.MetricInteriorTemperature:
		if celsius, ok := change.Value.(float64); ok {
			br.publishJSON(MetricTopic(mac, slotInteriorTemperature), temperatureState{Celsius: celsius})
		}

	case blind.MetricSolarPanelVoltage:
		if mv, ok := change.Value.(uint16); ok {
			br.publishJSON(MetricTopic(mac, slotSolarPanel), voltageState{VoltageMv: mv})
		}

	case blind.MetricRSSI:
		if dbm, ok := change.Value.(int16); ok {
			br.publishJSON(MetricTopic(mac, slotRSSI), signalState{Dbm: dbm})
		}

	case blind.MetricIsOverTemperature:
		if v, ok := change.Value.(bool); ok {
			br.publishText(MetricTopic(mac, slotOverTemperature), onOff(v))
		}

	case blind.MetricIsUnderVoltageLockout:
		if v, ok := change.Value.(bool); ok {
			br.publishText(MetricTopic(mac, slotUnderVoltageLockout), onOff(v))
		}
	}
}

func (br *Bridge) publishJSON(topic string, v any) {
	data, err := serde.MarshalJson(v)
	if err != nil {
		br.log.Error().Err(err).Str("topic", topic).Msg("Encoding a state payload failed")
		return
	}
	br.publishText(topic, string(data))
}

func (br *Bridge) publishText(topic, payload string) {
	if err := br.pub.Publish(topic, 0, false, []byte(payload)); err != nil {
		br.log.Warn().Err(err).Str("topic", topic).Msg("Publishing state failed")
	}
}

// handleSet routes an OPEN/CLOSE command. Payloads are matched exactly;
// anything else is ignored with a warning.
func (br *Bridge) handleSet(b Blind, payload []byte) {
	log := br.log.With().Str("device", b.Mac()).Logger()

	var angle int
	switch string(payload) {
	case PayloadOpen:
		angle = blind.MaxAngle / 2
	case PayloadClose:
		angle = blind.MinAngle
	default:
		log.Warn().Str("payload", string(payload)).Msg("Ignoring an unknown cover command")
		return
	}

	if err := b.SetAngle(angle); err != nil {
		log.Warn().Err(err).Int("angle", angle).Msg("Cover command rejected")
	}
}

// handleTiltSet routes a numeric tilt command. The payload must be a JSON
// integer; range validation happens in SetAngle.
func (br *Bridge) handleTiltSet(b Blind, payload []byte) {
	log := br.log.With().Str("device", b.Mac()).Logger()

	var value float64
	if err := serde.UnmarshalJson(payload, &value); err != nil {
		log.Warn().Err(err).Str("payload", string(payload)).Msg("Ignoring a malformed tilt command")
		return
	}
	if value != math.Trunc(value) {
		log.Warn().Float64("value", value).Msg("Ignoring a non-integer tilt command")
		return
	}

	if err := b.SetAngle(int(value)); err != nil {
		log.Warn().Err(err).Float64("value", value).Msg("Tilt command rejected")
	}
}

// Dispose stops the event mirrors and publishes retained "offline" for
// every registered blind. It runs before the session manager is disposed so
// the availability transition is observed before the command queue drains.
func (br *Bridge) Dispose() error {
	br.mu.Lock()
	if br.disposed {
		br.mu.Unlock()
		return nil
	}
	br.disposed = true
	blinds := make([]Blind, 0, len(br.blinds))
	for _, b := range br.blinds {
		blinds = append(blinds, b)
	}
	br.mu.Unlock()

	close(br.done)
	br.wg.Wait()

	for _, b := range blinds {
		br.publishAvailability(b, PayloadOffline)
	}

	return nil
}

func onOff(v bool) string {
	if v {
		return payloadOn
	}
	return payloadOff
}
