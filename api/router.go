// Package api serves the collaborator-facing HTTP surface: measurement
// queries and injection, exports, alert status, settings and the live feed.
package api

import (
	"net/http"
	"time"

	"dhtlogger/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/data", h.ListAll)
	r.Get("/ws", h.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/measurements", h.ListMeasurements)
		r.Post("/measurements", h.InjectMeasurement)
		r.Get("/measurements/latest", h.LatestMeasurement)
		r.Get("/devices/{id}/export", h.ExportDevice)
		r.Get("/check_alert", h.CheckAlert)
		r.Get("/thresholds", h.GetThresholds)
		r.Put("/thresholds", h.PutThresholds)
		r.Get("/automation", h.GetAutomation)
		r.Put("/automation", h.PutAutomation)
	})

	return r
}

// requestLogger is middleware.Logger with zap fields.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("HTTP request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.String("remote_addr", r.RemoteAddr),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Duration("elapsed", time.Since(start)))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
