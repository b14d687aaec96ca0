package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Deliverer accepts raw transport messages. Loop implements it.
type Deliverer interface {
	Deliver(topic string, payload []byte)
}

type MQTTOptions struct {
	Broker       string
	Username     string
	Password     string
	ClientPrefix string
	QoS          byte
}

// MQTTSubscriber feeds RSSI readings from an MQTT broker into a Deliverer.
// Reconnection and resubscription are handled by the client library.
type MQTTSubscriber struct {
	client mqtt.Client
	filter string
	qos    byte
	out    Deliverer
	log    *slog.Logger
}

// ClientID returns prefix followed by eight random hex digits.
func ClientID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func NewMQTTSubscriber(opts MQTTOptions, scheme TopicScheme, out Deliverer, logger *slog.Logger) *MQTTSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MQTTSubscriber{
		filter: scheme.WithSep("/").Subscription(),
		qos:    opts.QoS,
		out:    out,
		log:    logger.With("component", "mqtt"),
	}

	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(ClientID(opts.ClientPrefix)).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetMaxReconnectInterval(time.Second).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.log.Warn("connection lost", "error", err)
		}).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			s.log.Info("reconnecting", "broker", opts.Broker)
		})
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	s.client = mqtt.NewClient(co)
	return s
}

// Connect waits until the first connection succeeds or ctx is done.
func (s *MQTTSubscriber) Connect(ctx context.Context) error {
	tok := s.client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MQTTSubscriber) onConnect(c mqtt.Client) {
	s.log.Info("connected", "filter", s.filter)
	tok := c.Subscribe(s.filter, s.qos, s.onMessage)
	go func() {
		tok.Wait()
		if err := tok.Error(); err != nil {
			s.log.Error("subscribe failed", "filter", s.filter, "error", err)
		}
	}()
}

func (s *MQTTSubscriber) onMessage(_ mqtt.Client, m mqtt.Message) {
	s.out.Deliver(m.Topic(), m.Payload())
}

func (s *MQTTSubscriber) Close() {
	s.client.Disconnect(250)
}
