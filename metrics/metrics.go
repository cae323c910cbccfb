package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricPrefix = "dhtlogger_"

var (
	registerOnce sync.Once

	ingestTotal   *prometheus.CounterVec
	ingestLatency *prometheus.HistogramVec
	storeFailures *prometheus.CounterVec

	forwardTotal *prometheus.CounterVec

	alertCycles *prometheus.CounterVec

	retentionOps *prometheus.CounterVec

	eventsDropped *prometheus.CounterVec
	eventFlushes  *prometheus.CounterVec

	reconcileMissing *prometheus.GaugeVec
)

// Init registers service metrics with the default registry. Helpers are
// no-ops until Init runs, so packages can be tested without it.
func Init() {
	registerOnce.Do(func() {
		ingestTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_total",
				Help: "Ingested payloads by source and result",
			},
			[]string{"source", "result"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Time from payload receipt to stored measurement",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		)
		storeFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "store_failures_total",
				Help: "Measurement store failures by stage",
			},
			[]string{"stage"},
		)
		forwardTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "forward_total",
				Help: "Home automation pushes by metric and result",
			},
			[]string{"metric", "result"},
		)
		alertCycles = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_cycles_total",
				Help: "Alert monitor cycles by outcome",
			},
			[]string{"outcome"},
		)
		retentionOps = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "retention_operations_total",
				Help: "Snapshot and expiry operations by result",
			},
			[]string{"op", "result"},
		)
		eventsDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_dropped_total",
				Help: "Measurements dropped by an event sink",
			},
			[]string{"sink"},
		)
		eventFlushes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "event_flushes_total",
				Help: "Event batch flushes by sink and result",
			},
			[]string{"sink", "result"},
		)
		reconcileMissing = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "reconcile_missing",
				Help: "Measurements found in only one sink during the last reconciliation",
			},
			[]string{"missing_in"},
		)

		prometheus.MustRegister(
			ingestTotal,
			ingestLatency,
			storeFailures,
			forwardTotal,
			alertCycles,
			retentionOps,
			eventsDropped,
			eventFlushes,
			reconcileMissing,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveIngest records one payload outcome and, for stored payloads, its latency.
func ObserveIngest(source, result string, duration time.Duration) {
	if source == "" {
		source = "unknown"
	}
	if ingestTotal != nil {
		ingestTotal.WithLabelValues(source, result).Inc()
	}
	if ingestLatency != nil && result == "stored" {
		ingestLatency.WithLabelValues(source).Observe(duration.Seconds())
	}
}

func IncStoreFailure(stage string) {
	if storeFailures != nil {
		storeFailures.WithLabelValues(stage).Inc()
	}
}

func IncForward(metric, result string) {
	if forwardTotal != nil {
		forwardTotal.WithLabelValues(metric, result).Inc()
	}
}

func IncAlertCycle(outcome string) {
	if alertCycles != nil {
		alertCycles.WithLabelValues(outcome).Inc()
	}
}

func IncRetention(op, result string) {
	if retentionOps != nil {
		retentionOps.WithLabelValues(op, result).Inc()
	}
}

func IncEventDropped(sink string) {
	if eventsDropped != nil {
		eventsDropped.WithLabelValues(sink).Inc()
	}
}

func IncEventFlush(sink, result string) {
	if eventFlushes != nil {
		eventFlushes.WithLabelValues(sink, result).Inc()
	}
}

// SetReconcileMissing publishes the counts of the last reconciliation.
func SetReconcileMissing(inMirror, inPrimary int) {
	if reconcileMissing != nil {
		reconcileMissing.WithLabelValues("mirror").Set(float64(inMirror))
		reconcileMissing.WithLabelValues("primary").Set(float64(inPrimary))
	}
}
