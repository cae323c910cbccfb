package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"dhtlogger/config"
	"dhtlogger/models"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// MeasurementEvent is the JSON body published for each stored measurement.
type MeasurementEvent struct {
	DeviceID    string    `json:"device_id"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
}

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQPublisher publishes measurement events to a topic exchange.
type RabbitMQPublisher struct {
	config    *config.Config
	logger    *zap.Logger
	mu        sync.Mutex
	conn      *amqp.Connection
	channel   amqpChannel
	isClosing bool
}

// NewRabbitMQPublisher connects to the broker and declares the exchange.
func NewRabbitMQPublisher(cfg *config.Config, logger *zap.Logger) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{
		config: cfg,
		logger: logger,
	}

	if err := p.connect(); err != nil {
		return nil, err
	}

	return p, nil
}

// connect dials the broker with retry and declares the exchange
func (p *RabbitMQPublisher) connect() error {
	p.logger.Info("Connecting to RabbitMQ", zap.String("exchange", p.config.RabbitMQExchange))

	maxRetries := 5
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	var conn *amqp.Connection
	err := backoff.Retry(func() error {
		var dialErr error
		conn, dialErr = amqp.Dial(p.config.RabbitMQURL)
		if dialErr != nil {
			p.logger.Warn("Failed to connect to RabbitMQ", zap.Error(dialErr))
		}
		return dialErr
	}, backoff.WithMaxRetries(bo, uint64(maxRetries-1)))
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		p.config.RabbitMQExchange, // name
		"topic",                   // type
		true,                      // durable
		false,                     // auto-deleted
		false,                     // internal
		false,                     // no-wait
		nil,                       // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.channel = channel
	p.mu.Unlock()

	p.logger.Info("Connected to RabbitMQ",
		zap.String("exchange", p.config.RabbitMQExchange),
		zap.String("routing_key", p.config.RabbitMQRoutingKey))

	go p.handleReconnect(conn)

	return nil
}

// handleReconnect redials when the connection drops
func (p *RabbitMQPublisher) handleReconnect(conn *amqp.Connection) {
	closeErr := <-conn.NotifyClose(make(chan *amqp.Error, 1))

	p.mu.Lock()
	closing := p.isClosing
	p.mu.Unlock()
	if closing {
		p.logger.Info("RabbitMQ connection closed gracefully")
		return
	}

	p.logger.Error("RabbitMQ connection lost", zap.Error(closeErr))

	for {
		p.mu.Lock()
		closing := p.isClosing
		p.mu.Unlock()
		if closing {
			return
		}

		p.logger.Info("Attempting to reconnect to RabbitMQ...")
		err := p.connect()
		if err == nil {
			p.logger.Info("Successfully reconnected to RabbitMQ")
			return
		}

		p.logger.Error("Failed to reconnect", zap.Error(err))
		time.Sleep(5 * time.Second)
	}
}

func (p *RabbitMQPublisher) Name() string { return "rabbitmq" }

// WriteBatch publishes one persistent message per measurement.
func (p *RabbitMQPublisher) WriteBatch(ctx context.Context, batch []*models.Measurement) error {
	p.mu.Lock()
	channel := p.channel
	p.mu.Unlock()
	if channel == nil {
		return fmt.Errorf("rabbitmq channel not available")
	}

	for _, m := range batch {
		body, err := json.Marshal(MeasurementEvent{
			DeviceID:    m.DeviceID,
			Timestamp:   m.Timestamp,
			Temperature: m.Temperature,
			Humidity:    m.Humidity,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal measurement: %w", err)
		}

		err = channel.PublishWithContext(ctx,
			p.config.RabbitMQExchange,   // exchange
			p.config.RabbitMQRoutingKey, // routing key
			false,                       // mandatory
			false,                       // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				Body:         body,
				DeliveryMode: amqp.Persistent,
				Timestamp:    m.Timestamp,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to publish measurement: %w", err)
		}
	}

	p.logger.Debug("Published measurements to RabbitMQ", zap.Int("count", len(batch)))
	return nil
}

// Close gracefully closes the RabbitMQ connection
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	p.isClosing = true
	channel, conn := p.channel, p.conn
	p.mu.Unlock()

	p.logger.Info("Closing RabbitMQ connection")

	if channel != nil {
		if err := channel.Close(); err != nil {
			p.logger.Error("Error closing channel", zap.Error(err))
		}
	}

	if conn != nil {
		if err := conn.Close(); err != nil {
			p.logger.Error("Error closing connection", zap.Error(err))
			return err
		}
	}

	p.logger.Info("RabbitMQ connection closed")
	return nil
}
