// Package config loads the bridge configuration from a YAML file, applies
// BT2MQTT_* environment overrides and resolves base64-encoded device
// credentials into their canonical forms.
package config

import (
	"context"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"gopkg.in/yaml.v3"

	"github.com/smartblinds/bt2mqtt/internal/errorkinds"
)

// EnvPrefix is prepended to every environment override variable.
const EnvPrefix = "BT2MQTT"

// Defaults applied before the file and environment are consulted.
const (
	DefaultDiscoveryInterval = 2
	DefaultDiscoveryTimeout  = 60
	DefaultMqttPort          = 1883
	DefaultDiscoveryPrefix   = "homeassistant"
	DefaultConnectRetries    = 5
	DefaultRetryInterval     = 5
	DefaultUnlockRetries     = 5
)

var macPattern = regexp.MustCompile(`^([0-9A-F]{2}:){5}[0-9A-F]{2}$`)

// Config is the root configuration.
type Config struct {
	Adapter       AdapterConfig       `yaml:"adapter"`
	Bluetooth     BluetoothConfig     `yaml:"bluetooth"`
	Mqtt          MqttConfig          `yaml:"mqtt"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	SmartBlinds   SmartBlindsConfig   `yaml:"smart_blinds"`
}

// AdapterConfig selects the local Bluetooth controller.
type AdapterConfig struct {
	// Name of the adapter, for example "hci0". Empty selects the first
	// available adapter.
	Name string `yaml:"name"`
}

// BluetoothConfig holds discovery timings, in seconds.
type BluetoothConfig struct {
	DeviceDiscoveryInterval int `yaml:"device_discovery_interval"`
	DeviceDiscoveryTimeout  int `yaml:"device_discovery_timeout"`
}

// MqttConfig holds broker connection settings.
type MqttConfig struct {
	ClientID string `yaml:"client_id"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// HomeAssistantConfig controls auto-discovery publication.
type HomeAssistantConfig struct {
	DiscoveryEnabled bool   `yaml:"discovery_enabled"`
	DiscoveryPrefix  string `yaml:"discovery_prefix"`
}

// SmartBlindsConfig holds the retry policy and the device list.
type SmartBlindsConfig struct {
	// MaxConnectRetries caps per-device reconnect attempts. -1 disables
	// the cap entirely.
	MaxConnectRetries    int           `yaml:"max_connect_retries"`
	ConnectRetryInterval int           `yaml:"connect_retry_interval"`
	MaxUnlockRetries     int           `yaml:"max_unlock_retries"`
	Blinds               []BlindConfig `yaml:"blinds"`
}

// BlindConfig describes one blind. Either Mac and Passkey are given
// directly, or EncodedMac and EncodedPasskey carry the vendor app's
// base64 export of the same values.
type BlindConfig struct {
	Name           string `yaml:"name"`
	Mac            string `yaml:"mac"`
	Passkey        string `yaml:"passkey"`
	EncodedMac     string `yaml:"encoded_mac"`
	EncodedPasskey string `yaml:"encoded_passkey"`
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	return &Config{
		Bluetooth: BluetoothConfig{
			DeviceDiscoveryInterval: DefaultDiscoveryInterval,
			DeviceDiscoveryTimeout:  DefaultDiscoveryTimeout,
		},
		Mqtt: MqttConfig{
			Port: DefaultMqttPort,
		},
		HomeAssistant: HomeAssistantConfig{
			DiscoveryEnabled: true,
			DiscoveryPrefix:  DefaultDiscoveryPrefix,
		},
		SmartBlinds: SmartBlindsConfig{
			MaxConnectRetries:    DefaultConnectRetries,
			ConnectRetryInterval: DefaultRetryInterval,
			MaxUnlockRetries:     DefaultUnlockRetries,
		},
	}
}

// Load reads and parses the YAML file at path, applies environment
// overrides and resolves encoded credentials.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(err,
			fctx.With(context.Background(), "config_path", path),
			ftag.With(ftag.NotFound),
			fmsg.With("Cannot read configuration file"),
		)
	}

	return Parse(data, os.LookupEnv)
}

// Parse decodes cfg data, applying overrides through lookup.
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fault.Wrap(err,
			ftag.With(ftag.InvalidArgument),
			fmsg.With("Cannot parse configuration file"),
		)
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.resolveBlinds(); err != nil {
		return nil, err
	}

	return cfg, cfg.validate()
}

// applyEnv overrides each scalar setting from BT2MQTT_<SECTION>_<KEY>.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}

	strs := map[string]*string{
		"ADAPTER_NAME":                   &c.Adapter.Name,
		"MQTT_CLIENT_ID":                 &c.Mqtt.ClientID,
		"MQTT_HOST":                      &c.Mqtt.Host,
		"MQTT_USERNAME":                  &c.Mqtt.Username,
		"MQTT_PASSWORD":                  &c.Mqtt.Password,
		"HOMEASSISTANT_DISCOVERY_PREFIX": &c.HomeAssistant.DiscoveryPrefix,
	}
	ints := map[string]*int{
		"BLUETOOTH_DEVICE_DISCOVERY_INTERVAL": &c.Bluetooth.DeviceDiscoveryInterval,
		"BLUETOOTH_DEVICE_DISCOVERY_TIMEOUT":  &c.Bluetooth.DeviceDiscoveryTimeout,
		"MQTT_PORT":                           &c.Mqtt.Port,
		"SMART_BLINDS_MAX_CONNECT_RETRIES":    &c.SmartBlinds.MaxConnectRetries,
		"SMART_BLINDS_CONNECT_RETRY_INTERVAL": &c.SmartBlinds.ConnectRetryInterval,
		"SMART_BLINDS_MAX_UNLOCK_RETRIES":     &c.SmartBlinds.MaxUnlockRetries,
	}
	bools := map[string]*bool{
		"HOMEASSISTANT_DISCOVERY_ENABLED": &c.HomeAssistant.DiscoveryEnabled,
	}

	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + "_" + key); ok {
			*dst = v
		}
	}
	for key, dst := range ints {
		v, ok := lookup(EnvPrefix + "_" + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fault.Wrap(errorkinds.ErrInvalidInput,
				fctx.With(context.Background(), "variable", EnvPrefix+"_"+key, "value", v),
				ftag.With(ftag.InvalidArgument),
				fmsg.With("Environment override is not an integer"),
			)
		}
		*dst = n
	}
	for key, dst := range bools {
		v, ok := lookup(EnvPrefix + "_" + key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fault.Wrap(errorkinds.ErrInvalidInput,
				fctx.With(context.Background(), "variable", EnvPrefix+"_"+key, "value", v),
				ftag.With(ftag.InvalidArgument),
				fmsg.With("Environment override is not a boolean"),
			)
		}
		*dst = b
	}

	return nil
}

// resolveBlinds fills Mac and Passkey from their encoded forms where only
// those were given.
func (c *Config) resolveBlinds() error {
	for i := range c.SmartBlinds.Blinds {
		blind := &c.SmartBlinds.Blinds[i]

		if blind.Mac == "" && blind.EncodedMac != "" {
			mac, err := DecodeMac(blind.EncodedMac)
			if err != nil {
				return fault.Wrap(err,
					fctx.With(context.Background(), "blind", blind.Name),
					ftag.With(ftag.InvalidArgument),
					fmsg.With("Cannot decode the encoded MAC address"),
				)
			}
			blind.Mac = mac
		}
		if blind.Passkey == "" && blind.EncodedPasskey != "" {
			passkey, err := DecodePasskey(blind.EncodedPasskey)
			if err != nil {
				return fault.Wrap(err,
					fctx.With(context.Background(), "blind", blind.Name),
					ftag.With(ftag.InvalidArgument),
					fmsg.With("Cannot decode the encoded passkey"),
				)
			}
			blind.Passkey = passkey
		}

		blind.Mac = strings.ToUpper(blind.Mac)
		blind.Passkey = strings.ToUpper(blind.Passkey)
	}

	return nil
}

func (c *Config) validate() error {
	if c.Mqtt.Host == "" {
		return fault.Wrap(errorkinds.ErrInvalidInput,
			ftag.With(ftag.InvalidArgument),
			fmsg.With("mqtt.host must be set"),
		)
	}

	for _, blind := range c.SmartBlinds.Blinds {
		if blind.Name == "" {
			return fault.Wrap(errorkinds.ErrInvalidInput,
				ftag.With(ftag.InvalidArgument),
				fmsg.With("Every blind needs a name"),
			)
		}
		if !macPattern.MatchString(blind.Mac) {
			return fault.Wrap(errorkinds.ErrInvalidInput,
				fctx.With(context.Background(), "blind", blind.Name, "mac", blind.Mac),
				ftag.With(ftag.InvalidArgument),
				fmsg.With("The blind MAC address is malformed"),
			)
		}
		if blind.Passkey == "" {
			return fault.Wrap(errorkinds.ErrInvalidInput,
				fctx.With(context.Background(), "blind", blind.Name),
				ftag.With(ftag.InvalidArgument),
				fmsg.With("The blind has no passkey"),
			)
		}
	}

	return nil
}
