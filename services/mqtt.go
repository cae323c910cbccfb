package services

import (
	"context"
	"fmt"
	"time"

	"dhtlogger/config"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const sourceMQTT = "mqtt"

// MQTTSource subscribes to a broker topic and feeds every message payload
// into the same parse/store pipeline as the TCP listener.
type MQTTSource struct {
	config  *config.Config
	handler PayloadHandler
	logger  *zap.Logger
}

func NewMQTTSource(cfg *config.Config, handler PayloadHandler, logger *zap.Logger) *MQTTSource {
	return &MQTTSource{
		config:  cfg,
		handler: handler,
		logger:  logger,
	}
}

func (s *MQTTSource) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.config.MQTTBroker)
	opts.SetClientID(s.config.MQTTClientID)
	opts.SetUsername(s.config.MQTTUser)
	opts.SetPassword(s.config.MQTTPass)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("MQTT connection lost", zap.Error(err))
	})
	return opts
}

// Start connects, subscribes and blocks until ctx is done.
func (s *MQTTSource) Start(ctx context.Context) error {
	opts := s.clientOptions()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	maxRetries := 5

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			s.logger.Warn("Failed to connect to MQTT broker",
				zap.String("broker", s.config.MQTTBroker),
				zap.Error(token.Error()))
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries-1)), ctx))
	if err != nil {
		return fmt.Errorf("could not establish MQTT connection after retries: %w", err)
	}
	defer client.Disconnect(250)

	token := client.Subscribe(s.config.MQTTTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		s.handleMessage(ctx, msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", s.config.MQTTTopic, token.Error())
	}

	s.logger.Info("Subscribed to MQTT topic",
		zap.String("broker", s.config.MQTTBroker),
		zap.String("topic", s.config.MQTTTopic))

	<-ctx.Done()

	client.Unsubscribe(s.config.MQTTTopic).Wait()
	s.logger.Info("MQTT source stopped")
	return nil
}

func (s *MQTTSource) handleMessage(ctx context.Context, payload []byte) {
	// Copy: paho may reuse the payload buffer after the callback returns.
	data := make([]byte, len(payload))
	copy(data, payload)
	s.handler.HandlePayload(ctx, data, sourceMQTT)
}
