// Package mqtt feeds notification events published by external systems
// (lab results, appointment reminders) into the dispatcher.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/villagehealth/portal/internal/core/ports"
)

const (
	// DefaultTopic matches one sub-topic per recipient.
	DefaultTopic = "portal/notifications/+"

	enqueueTimeout    = 5 * time.Second
	disconnectQuiesce = 250
)

// Config holds the broker settings.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// Enqueuer is the part of the dispatcher the bridge needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, in ports.NotificationInput) error
}

type eventPayload struct {
	RecipientID string `json:"recipientId"`
	Kind        string `json:"kind"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
}

// Bridge subscribes to the broker and forwards each event.
type Bridge struct {
	cfg    Config
	client paho.Client
	sink   Enqueuer
	log    zerolog.Logger
}

func NewBridge(cfg Config, sink Enqueuer, log zerolog.Logger) *Bridge {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	b := &Bridge{cfg: cfg, sink: sink, log: log.With().Str("component", "mqtt_bridge").Logger()}
	opts.SetOnConnectHandler(func(c paho.Client) {
		// Resubscribe after every (re)connect since the session is clean.
		if token := c.Subscribe(b.cfg.Topic, b.cfg.QoS, b.onMessage); token.Wait() && token.Error() != nil {
			b.log.Error().Err(token.Error()).Str("topic", b.cfg.Topic).Msg("subscribe failed")
			return
		}
		b.log.Info().Str("topic", b.cfg.Topic).Msg("subscribed")
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		b.log.Warn().Err(err).Msg("broker connection lost")
	})
	b.client = paho.NewClient(opts)
	return b
}

// Run connects and forwards events until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to mqtt broker: %w", token.Error())
	}
	<-ctx.Done()
	b.client.Disconnect(disconnectQuiesce)
	return nil
}

func (b *Bridge) onMessage(_ paho.Client, msg paho.Message) {
	if err := b.handle(msg.Topic(), msg.Payload()); err != nil {
		b.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("dropping mqtt event")
	}
}

// handle decodes one event. The recipient defaults to the topic's last
// segment when the payload omits it.
func (b *Bridge) handle(topic string, payload []byte) error {
	var ev eventPayload
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if ev.RecipientID == "" {
		if i := strings.LastIndexByte(topic, '/'); i >= 0 && i < len(topic)-1 {
			ev.RecipientID = topic[i+1:]
		}
	}
	if ev.RecipientID == "" {
		return fmt.Errorf("event on %q has no recipient", topic)
	}

	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	return b.sink.Enqueue(ctx, ports.NotificationInput{
		RecipientID: ev.RecipientID,
		Kind:        ev.Kind,
		Severity:    ev.Severity,
		Message:     ev.Message,
	})
}
