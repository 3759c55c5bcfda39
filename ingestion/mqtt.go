package ingestion

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"ev-demand-analytics-engine/config"
	"ev-demand-analytics-engine/logging"
)

const defaultConnectTimeout = 10 * time.Second

// JSONIngester accepts one JSON event payload
type JSONIngester interface {
	IngestJSON(data []byte) error
}

// MQTTSubscriber feeds JSON event payloads published on a broker topic into
// the stream processor. Each message carries one event.
type MQTTSubscriber struct {
	cfg    config.MQTTConfig
	sink   JSONIngester
	client mqtt.Client
	logger logrus.FieldLogger
}

// NewMQTTSubscriber creates a subscriber; Connect starts it
func NewMQTTSubscriber(cfg config.MQTTConfig, sink JSONIngester, logger logrus.FieldLogger) *MQTTSubscriber {
	return &MQTTSubscriber{
		cfg:    cfg,
		sink:   sink,
		logger: logging.OrDefault(logger).WithField("source", MQTTSource),
	}
}

// Connect dials the broker. The topic is (re)subscribed on every connect.
func (s *MQTTSubscriber) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.OnConnect = func(client mqtt.Client) {
		token := client.Subscribe(s.cfg.Topic, s.cfg.QoS, s.handleMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			s.logger.WithError(err).WithField("topic", s.cfg.Topic).Error("mqtt subscribe failed")
			return
		}
		s.logger.WithField("topic", s.cfg.Topic).Info("mqtt subscribed")
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		s.logger.WithError(err).Warn("mqtt connection lost")
	}

	timeout := s.cfg.ConnectTimeout.Duration
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		// stops the background connect retry loop
		client.Disconnect(0)
		return fmt.Errorf("timed out connecting to %s", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("failed to connect to %s: %w", s.cfg.Broker, err)
	}
	s.client = client
	return nil
}

func (s *MQTTSubscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	s.HandlePayload(msg.Topic(), msg.Payload())
}

// HandlePayload ingests one message body
func (s *MQTTSubscriber) HandlePayload(topic string, payload []byte) {
	if err := s.sink.IngestJSON(payload); err != nil {
		s.logger.WithError(err).WithField("topic", topic).Warn("dropped mqtt event")
	}
}

// Close disconnects from the broker, also while a reconnect is pending
func (s *MQTTSubscriber) Close() {
	if s.client != nil {
		s.client.Disconnect(250)
		s.client = nil
	}
}
