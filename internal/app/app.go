// Package app assembles the service: the system bus, the BLE session, the
// configured blinds and the MQTT bridge, plus signal-driven shutdown.
package app

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/smartblinds/bt2mqtt/internal/blind"
	"github.com/smartblinds/bt2mqtt/internal/bluez"
	"github.com/smartblinds/bt2mqtt/internal/bridge"
	"github.com/smartblinds/bt2mqtt/internal/config"
	"github.com/smartblinds/bt2mqtt/internal/dbusx"
)

// disconnectQuiesceMs is handed to the MQTT client on shutdown so queued
// publications can flush.
const disconnectQuiesceMs = 250

// App owns the service's components in construction order.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	bus     *dbusx.Bus
	session *bluez.Session
	pub     bridge.Publisher
	bridge  *bridge.Bridge

	shutdownOnce sync.Once
}

// New assembles the service from cfg. On error everything constructed so
// far is torn down.
func New(cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}

	conn, err := dbusx.SystemBus()
	if err != nil {
		return nil, err
	}
	a.bus = dbusx.NewBus(conn, log)
	if err := a.bus.Initialize(); err != nil {
		_ = a.bus.Dispose()
		return nil, err
	}

	macs := make([]string, 0, len(cfg.SmartBlinds.Blinds))
	for _, bc := range cfg.SmartBlinds.Blinds {
		macs = append(macs, bc.Mac)
	}
	a.session = bluez.NewSession(a.bus, bluez.Options{
		AdapterName:          cfg.Adapter.Name,
		DesiredMacs:          macs,
		DiscoveryInterval:    time.Duration(cfg.Bluetooth.DeviceDiscoveryInterval) * time.Second,
		DiscoveryTimeout:     time.Duration(cfg.Bluetooth.DeviceDiscoveryTimeout) * time.Second,
		MaxConnectRetries:    cfg.SmartBlinds.MaxConnectRetries,
		ConnectRetryInterval: time.Duration(cfg.SmartBlinds.ConnectRetryInterval) * time.Second,
	}, log)

	a.pub, err = bridge.Dial(cfg.Mqtt, log)
	if err != nil {
		_ = a.session.Dispose()
		return nil, err
	}
	a.bridge = bridge.New(cfg.HomeAssistant, a.pub, log)

	return a, nil
}

// Run registers every configured blind, starts the session and blocks until
// a termination signal arrives or startup fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, bc := range a.cfg.SmartBlinds.Blinds {
		b := blind.New(blind.Options{
			Name:             bc.Name,
			Mac:              bc.Mac,
			Passkey:          bc.Passkey,
			MaxUnlockRetries: a.cfg.SmartBlinds.MaxUnlockRetries,
		}, a.session, a.log)

		if err := a.bridge.Register(b); err != nil {
			a.shutdown()
			return err
		}
		a.session.AddDevice(b)
	}

	if err := a.session.Start(ctx); err != nil {
		a.shutdown()
		return err
	}
	a.log.Info().Int("blinds", len(a.cfg.SmartBlinds.Blinds)).Msg("Bridge running")

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(signals)

	select {
	case sig := <-signals:
		a.log.Info().Str("signal", sig.String()).Msg("Shutting down")
		// A second signal during teardown forces an immediate exit.
		go func() {
			<-signals
			a.log.Error().Msg("Forced exit")
			os.Exit(1)
		}()
	case <-ctx.Done():
	}

	a.shutdown()

	return nil
}

// shutdown tears the components down in inverse construction order: the
// bridge first so every blind's retained "offline" is published while the
// broker connection and the command queue are still alive.
func (a *App) shutdown() {
	a.shutdownOnce.Do(func() {
		if err := a.bridge.Dispose(); err != nil {
			a.log.Warn().Err(err).Msg("Bridge teardown failed")
		}
		a.pub.Disconnect(disconnectQuiesceMs)
		if err := a.session.Dispose(); err != nil {
			a.log.Warn().Err(err).Msg("Session teardown failed")
		}
	})
}

// ListAdapters prints the available Bluetooth controllers to stdout.
func ListAdapters(log zerolog.Logger) error {
	conn, err := dbusx.SystemBus()
	if err != nil {
		return err
	}
	bus := dbusx.NewBus(conn, log)
	if err := bus.Initialize(); err != nil {
		_ = bus.Dispose()
		return err
	}
	defer func() {
		if err := bus.Dispose(); err != nil {
			log.Warn().Err(err).Msg("Bus teardown failed")
		}
	}()

	session := bluez.NewSession(bus, bluez.Options{}, log)
	names, err := session.Adapters()
	if err != nil {
		return err
	}

	if len(names) == 0 {
		os.Stdout.WriteString("no adapters found\n")
		return nil
	}

	for _, name := range names {
		adapter := bluez.NewAdapter(bus, name, log)
		if err := adapter.Initialize(); err != nil {
			log.Warn().Err(err).Str("adapter", name).Msg("Cannot bind the adapter proxy")
			continue
		}

		address, err := adapter.Address()
		if err != nil {
			address = "?"
		}
		powered := "off"
		if on, err := adapter.Powered(); err == nil && on {
			powered = "on"
		}

		os.Stdout.WriteString(name + "\t" + address + "\tpowered=" + powered + "\n")

		if err := adapter.Dispose(); err != nil {
			log.Warn().Err(err).Str("adapter", name).Msg("Adapter teardown failed")
		}
	}

	return nil
}
