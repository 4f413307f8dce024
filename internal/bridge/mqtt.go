package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/smartblinds/bt2mqtt/internal/config"
	"github.com/smartblinds/bt2mqtt/internal/errorkinds"
)

// defaultClientID is used when the configuration leaves client_id empty.
const defaultClientID = "bt2mqtt"

// connectTimeout bounds the initial broker handshake.
const connectTimeout = 30 * time.Second

// Publisher is the broker surface the bridge needs. The paho client
// satisfies it through pahoPublisher; tests substitute a recorder.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	Disconnect(quiesceMs uint)
}

type pahoPublisher struct {
	client mqtt.Client
	log    zerolog.Logger
}

// Dial connects to the broker described by cfg. The broker keeps
// BridgeStatusTopic as a retained last will so subscribers observe an
// unclean exit.
func Dial(cfg config.MqttConfig, log zerolog.Logger) (Publisher, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = defaultClientID
	}
	broker := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetWill(BridgeStatusTopic, PayloadOffline, 0, true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Info().Str("broker", broker).Msg("Connected to the MQTT broker")
		if token := c.Publish(BridgeStatusTopic, 0, true, PayloadOnline); token.Wait() && token.Error() != nil {
			log.Warn().Err(token.Error()).Msg("Publishing the bridge status failed")
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("Lost the MQTT broker connection")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fault.Wrap(token.Error(),
			fctx.With(context.Background(), "broker", broker),
			ftag.With(errorkinds.Unavailable),
			fmsg.With("Cannot connect to the MQTT broker"),
		)
	}

	return &pahoPublisher{client: client, log: log}, nil
}

func (p *pahoPublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := p.client.Publish(topic, qos, retained, payload)
	if token.Wait() && token.Error() != nil {
		return fault.Wrap(token.Error(),
			fctx.With(context.Background(), "topic", topic),
			ftag.With(errorkinds.Unavailable),
			fmsg.With("Publishing failed"),
		)
	}

	return nil
}

func (p *pahoPublisher) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	token := p.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fault.Wrap(token.Error(),
			fctx.With(context.Background(), "topic", topic),
			ftag.With(errorkinds.Unavailable),
			fmsg.With("Subscribing failed"),
		)
	}

	return nil
}

func (p *pahoPublisher) Disconnect(quiesceMs uint) {
	if token := p.client.Publish(BridgeStatusTopic, 0, true, PayloadOffline); token.Wait() && token.Error() != nil {
		p.log.Debug().Err(token.Error()).Msg("Publishing the final bridge status failed")
	}
	p.client.Disconnect(quiesceMs)
}
