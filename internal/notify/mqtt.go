package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/schaermu/appdeployd/internal/config"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 10 * time.Second
)

// MQTT publishes deploy events to an MQTT broker. Events are published
// retained at QoS 1 so late subscribers see the last deploy.
type MQTT struct {
	client pahomqtt.Client
	topic  string
	logger *slog.Logger
}

// NewMQTT connects to the configured broker and returns a notifier
func NewMQTT(cfg config.NotifyConfig, logger *slog.Logger) (*MQTT, error) {
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(connectTimeout).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, err)
	}

	return &MQTT{
		client: client,
		topic:  cfg.Topic,
		logger: logger.With("component", "notify"),
	}, nil
}

// DeployCompleted publishes the deploy event to the configured topic
func (m *MQTT) DeployCompleted(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode deploy event: %w", err)
	}

	token := m.client.Publish(m.topic, 1, true, payload)

	// Honor ctx cancellation while waiting for the broker ack.
	done := make(chan struct{})
	go func() {
		token.WaitTimeout(publishTimeout)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish deploy event to %s: %w", m.topic, err)
	}

	m.logger.Debug("deploy event published", "topic", m.topic)
	return nil
}

// Close disconnects from the broker, allowing in-flight messages to drain
func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
