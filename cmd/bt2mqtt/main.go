// Command bt2mqtt bridges vendor smart blinds, reached over BlueZ on the
// system D-Bus, to an MQTT broker with Home Assistant auto-discovery.
//
// Usage:
//
//	bt2mqtt list-adapters
//	bt2mqtt start --config <path> [--debug] [--verbose]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/smartblinds/bt2mqtt/internal/app"
	"github.com/smartblinds/bt2mqtt/internal/config"
	"github.com/smartblinds/bt2mqtt/internal/logging"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <list-adapters|start> [flags]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\n  list-adapters  print the available Bluetooth adapters\n")
	fmt.Fprintf(os.Stderr, "  start          run the bridge: --config <path> [--debug] [--verbose]\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "list-adapters":
		log := logging.New(false, false)
		if err := app.ListAdapters(log); err != nil {
			log.Error().Err(err).Msg("Cannot list adapters")
			os.Exit(1)
		}

	case "start":
		flags := flag.NewFlagSet("start", flag.ExitOnError)
		configPath := flags.String("config", "", "path to the YAML configuration file")
		debug := flags.Bool("debug", false, "enable debug logging")
		verbose := flags.Bool("verbose", false, "enable trace logging")
		_ = flags.Parse(os.Args[2:])

		log := logging.New(*debug, *verbose)

		if *configPath == "" {
			log.Error().Msg("--config is required")
			os.Exit(2)
		}

		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Error().Err(err).Msg("Cannot load the configuration")
			os.Exit(1)
		}

		a, err := app.New(cfg, log)
		if err != nil {
			log.Error().Err(err).Msg("Cannot assemble the service")
			os.Exit(1)
		}
		if err := a.Run(context.Background()); err != nil {
			log.Error().Err(err).Msg("The service failed")
			os.Exit(1)
		}

	default:
		usage()
		os.Exit(2)
	}
}
