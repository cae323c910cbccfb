package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var (
	mode       = flag.String("mode", "tcp", "Transport: tcp or mqtt")
	rps        = flag.Int("rps", 1, "Messages per second")
	deviceID   = flag.String("device", "DHT_SIM_001", "Device ID for simulated readings")
	anomaly    = flag.Float64("anomaly", 0.1, "Probability of an out-of-range reading (0.0-1.0)")
	serverAddr = flag.String("server", "localhost:10000", "Ingestion listener address (tcp mode)")
	mqttBroker = flag.String("broker", "localhost:1883", "MQTT broker address (host:port)")
	mqttUser   = flag.String("user", "", "MQTT username")
	mqttPass   = flag.String("pass", "", "MQTT password")
	mqttTopic  = flag.String("topic", "dht/measurements", "MQTT topic to publish to")
)

type sender interface {
	Send(ctx context.Context, payload string) error
	Close()
}

// tcpSender opens one connection per payload, like the real devices.
type tcpSender struct {
	addr string
}

func (s *tcpSender) Send(ctx context.Context, payload string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.addr, err)
	}
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte(payload)); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

func (s *tcpSender) Close() {}

type mqttSender struct {
	client mqtt.Client
	topic  string
}

func newMQTTSender(logger *zap.Logger) (*mqttSender, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", *mqttBroker))
	opts.SetClientID(fmt.Sprintf("%s-sim", *deviceID))
	opts.SetUsername(*mqttUser)
	opts.SetPassword(*mqttPass)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetAutoReconnect(true)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", *mqttBroker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Error("MQTT connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return &mqttSender{client: client, topic: *mqttTopic}, nil
}

func (s *mqttSender) Send(_ context.Context, payload string) error {
	token := s.client.Publish(s.topic, 1, false, payload)
	token.Wait()
	return token.Error()
}

func (s *mqttSender) Close() {
	s.client.Disconnect(250)
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if *rps <= 0 {
		logger.Fatal("rps must be positive", zap.Int("rps", *rps))
	}

	var out sender
	switch *mode {
	case "tcp":
		out = &tcpSender{addr: *serverAddr}
	case "mqtt":
		s, err := newMQTTSender(logger)
		if err != nil {
			logger.Fatal("Failed to connect to MQTT broker", zap.Error(err))
		}
		out = s
	default:
		logger.Fatal("Unknown mode", zap.String("mode", *mode))
	}
	defer out.Close()

	logger.Info("Device simulator started",
		zap.String("mode", *mode),
		zap.String("device_id", *deviceID),
		zap.Int("rps", *rps),
		zap.Float64("anomaly_probability", *anomaly))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gen := NewGenerator(*deviceID, *anomaly, time.Now().UnixNano())
	ticker := time.NewTicker(time.Second / time.Duration(*rps))
	defer ticker.Stop()

	sent, failed, anomalies := 0, 0, 0
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Simulator stopped",
				zap.Int("sent", sent),
				zap.Int("failed", failed),
				zap.Int("anomalies", anomalies),
				zap.Duration("uptime", time.Since(startTime)))
			return

		case <-ticker.C:
			payload, isAnomaly := gen.Next()
			if err := out.Send(ctx, payload); err != nil {
				failed++
				logger.Error("Failed to send payload", zap.Error(err))
				continue
			}
			sent++
			if isAnomaly {
				anomalies++
			}
			logger.Debug("Payload sent",
				zap.String("payload", payload),
				zap.Bool("is_anomaly", isAnomaly))

			if sent%100 == 0 {
				logger.Info("Payloads sent",
					zap.Int("count", sent),
					zap.Int("anomalies", anomalies),
					zap.Float64("rate", float64(sent)/time.Since(startTime).Seconds()))
			}
		}
	}
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: devicesim [flags]\n\nEmits DHT wire payloads over TCP or MQTT.\n\n")
		flag.PrintDefaults()
	}
}
