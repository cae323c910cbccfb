package services

import (
	"context"
	"fmt"

	"dhtlogger/config"
	"dhtlogger/models"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

const influxMeasurement = "environment"

// InfluxSink writes measurement batches as points into an InfluxDB bucket.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	logger   *zap.Logger
}

func NewInfluxSink(cfg *config.Config, logger *zap.Logger) (*InfluxSink, error) {
	if cfg.InfluxURL == "" || cfg.InfluxToken == "" || cfg.InfluxOrg == "" || cfg.InfluxBucket == "" {
		return nil, fmt.Errorf("influx config incomplete")
	}

	client := influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
	logger.Info("InfluxDB sink configured",
		zap.String("url", cfg.InfluxURL),
		zap.String("bucket", cfg.InfluxBucket))

	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket),
		logger:   logger,
	}, nil
}

func (s *InfluxSink) Name() string { return "influx" }

func (s *InfluxSink) WriteBatch(ctx context.Context, batch []*models.Measurement) error {
	points := make([]*write.Point, 0, len(batch))
	for _, m := range batch {
		points = append(points, measurementPoint(m))
	}
	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

func (s *InfluxSink) Close() {
	s.client.Close()
}

func measurementPoint(m *models.Measurement) *write.Point {
	return influxdb2.NewPoint(influxMeasurement,
		map[string]string{"device_id": m.DeviceID},
		map[string]interface{}{
			"temperature": m.Temperature,
			"humidity":    m.Humidity,
		},
		m.Timestamp)
}
