package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"dhtlogger/config"
	"dhtlogger/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeAMQPChannel struct {
	published []publishedMessage
	err       error
	closed    bool
}

func (f *fakeAMQPChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishedMessage{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeAMQPChannel) Close() error {
	f.closed = true
	return nil
}

func newTestPublisher(ch amqpChannel) *RabbitMQPublisher {
	return &RabbitMQPublisher{config: config.Defaults(), logger: zap.NewNop(), channel: ch}
}

func TestRabbitMQPublisherWriteBatch(t *testing.T) {
	ch := &fakeAMQPChannel{}
	p := newTestPublisher(ch)
	at := time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC)
	batch := []*models.Measurement{
		{DeviceID: "KITCHEN", Timestamp: at, Temperature: 21.5, Humidity: 45},
		{DeviceID: "CELLAR", Timestamp: at.Add(time.Second), Temperature: 12, Humidity: 80},
	}

	if err := p.WriteBatch(context.Background(), batch); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if len(ch.published) != 2 {
		t.Fatalf("expected one message per measurement, got %d", len(ch.published))
	}

	first := ch.published[0]
	if first.exchange != "measurements" || first.key != "measurement.ingested" {
		t.Fatalf("unexpected exchange/key %s/%s", first.exchange, first.key)
	}
	if first.msg.DeliveryMode != amqp.Persistent || first.msg.ContentType != "application/json" {
		t.Fatalf("unexpected delivery properties %+v", first.msg)
	}
	if !first.msg.Timestamp.Equal(at) {
		t.Fatalf("message timestamp should be the measurement time, got %s", first.msg.Timestamp)
	}

	var event MeasurementEvent
	if err := json.Unmarshal(first.msg.Body, &event); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if event.DeviceID != "KITCHEN" || event.Temperature != 21.5 || event.Humidity != 45 || !event.Timestamp.Equal(at) {
		t.Fatalf("unexpected event %+v", event)
	}
	var raw map[string]interface{}
	_ = json.Unmarshal(ch.published[1].msg.Body, &raw)
	for _, field := range []string{"device_id", "timestamp", "temperature", "humidity"} {
		if _, ok := raw[field]; !ok {
			t.Fatalf("event body missing %q: %s", field, ch.published[1].msg.Body)
		}
	}
}

func TestRabbitMQPublisherWithoutChannel(t *testing.T) {
	p := newTestPublisher(nil)
	err := p.WriteBatch(context.Background(), []*models.Measurement{{DeviceID: "X"}})
	if err == nil {
		t.Fatalf("expected an error without a channel")
	}
}

func TestRabbitMQPublisherPublishError(t *testing.T) {
	p := newTestPublisher(&fakeAMQPChannel{err: errors.New("channel closed")})
	err := p.WriteBatch(context.Background(), []*models.Measurement{{DeviceID: "X"}})
	if err == nil {
		t.Fatalf("expected publish error")
	}
}

func TestRabbitMQPublisherClose(t *testing.T) {
	ch := &fakeAMQPChannel{}
	p := newTestPublisher(ch)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !ch.closed {
		t.Fatalf("channel should be closed")
	}
}
