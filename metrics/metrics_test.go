package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHelpersAreSafeBeforeInit(t *testing.T) {
	ObserveIngest("tcp", "stored", time.Millisecond)
	IncStoreFailure("mirror")
	IncForward("temperature", "ok")
	IncAlertCycle("suppressed")
	IncRetention("snapshot", "ok")
	IncEventDropped("rabbitmq")
	IncEventFlush("influx", "ok")
	SetReconcileMissing(1, 2)
}

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	Init()
	Init()
	ObserveIngest("tcp", "stored", 10*time.Millisecond)
	IncAlertCycle("dispatched")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`dhtlogger_ingest_total{result="stored",source="tcp"}`,
		`dhtlogger_alert_cycles_total{outcome="dispatched"}`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s in metrics output", want)
		}
	}
}
