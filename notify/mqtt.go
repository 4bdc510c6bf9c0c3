package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nedpals/davi-cma-agent/cma"
	"github.com/nedpals/davi-cma-agent/config"
)

const (
	mqttConnectTimeout    = 10 * time.Second
	mqttPublishTimeout    = 5 * time.Second
	mqttDisconnectQuiesce = 1000 // milliseconds
	mqttKeepAlive         = 60 * time.Second
)

// MQTT publishes every notification as JSON to <prefix>/<type>.
type MQTT struct {
	client pahomqtt.Client
	prefix string
	qos    byte
	logger *slog.Logger
}

// ConnectMQTT dials the broker in cfg.
func ConnectMQTT(cfg config.MQTTConfig, logger *slog.Logger) (*MQTT, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetKeepAlive(mqttKeepAlive)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetWill(Topic(cfg.TopicPrefix, "status"), `{"status":"offline"}`, 1, true)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect: timeout after %v", mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	m := NewMQTT(client, cfg.TopicPrefix, byte(cfg.QoS), logger)
	client.Publish(Topic(cfg.TopicPrefix, "status"), m.qos, true, `{"status":"online"}`)
	return m, nil
}

// NewMQTT wraps an already connected client.
func NewMQTT(client pahomqtt.Client, prefix string, qos byte, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTT{
		client: client,
		prefix: prefix,
		qos:    qos,
		logger: logger.With("component", "mqtt"),
	}
}

// Topic joins prefix and name, tolerating a trailing slash on prefix.
func Topic(prefix, name string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func (m *MQTT) Notify(n cma.Notification) {
	if err := m.Publish(n); err != nil {
		m.logger.Warn("Failed to publish notification", "type", n.Type, "error", err)
	}
}

// Publish sends n without waiting for the broker acknowledgement.
func (m *MQTT) Publish(n cma.Notification) error {
	if !m.client.IsConnected() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	topic := Topic(m.prefix, string(n.Type))
	token := m.client.Publish(topic, m.qos, false, payload)
	go func() {
		if !token.WaitTimeout(mqttPublishTimeout) {
			m.logger.Warn("Publish timed out", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			m.logger.Warn("Publish failed", "topic", topic, "error", err)
		}
	}()
	return nil
}

func (m *MQTT) Close() error {
	if m.client.IsConnected() {
		token := m.client.Publish(Topic(m.prefix, "status"), m.qos, true, `{"status":"offline"}`)
		token.WaitTimeout(mqttPublishTimeout)
	}
	m.client.Disconnect(mqttDisconnectQuiesce)
	return nil
}
