package notify

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	DefaultTopic     = "burstscan"
	DefaultQueueSize = 64

	publishTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

// Config configures the MQTT connection
type Config struct {
	Broker    string `yaml:"broker"` // e.g. tcp://mqtt.example.com:1883
	Topic     string `yaml:"topic"`  // events go to <topic>/captures and <topic>/faults
	ClientID  string `yaml:"clientId"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	QoS       byte   `yaml:"qos"`
	Retained  bool   `yaml:"retained"`
	QueueSize int    `yaml:"queueSize"`
}

func (c *Config) Validate() error {
	if c.Broker == "" {
		return errors.New("mqtt broker is required")
	}
	if c.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2: %d given", c.QoS)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("mqtt queue size must not be negative: %d", c.QueueSize)
	}
	return nil
}

// MQTTPublisher publishes payloads to an MQTT broker
type MQTTPublisher struct {
	client   mqtt.Client
	qos      byte
	retained bool
}

func generateClientID() string {
	p := make([]byte, 8)
	_, _ = rand.Read(p)
	return "burstscan_" + hex.EncodeToString(p)
}

// DialMQTT connects to the broker. The client reconnects on its own once
// connected.
func DialMQTT(config Config, logger *slog.Logger) (*MQTTPublisher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	clientID := config.ClientID
	if clientID == "" {
		clientID = generateClientID()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(clientID)

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", slog.String("broker", config.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", slog.String("error", err.Error()))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connecting to mqtt broker %s: timeout", config.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to mqtt broker %s: %w", config.Broker, err)
	}

	return &MQTTPublisher{client: client, qos: config.QoS, retained: config.Retained}, nil
}

func (p *MQTTPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, p.retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publishing to %s: timeout", topic)
	}
	return token.Error()
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(disconnectQuiesce)
	return nil
}
