package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Счётчики приложения. Регистрируются в default-реестре при импорте;
// /metrics отдаёт promhttp.Handler.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echohub_http_requests_total",
			Help: "Total number of inbound HTTP requests",
		},
		[]string{"method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "echohub_http_request_duration_seconds",
			Help:    "Inbound HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// outcome: ok | upstream_error | transport_error | denied
	AppCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echohub_app_calls_total",
			Help: "Outbound calls to registered apps",
		},
		[]string{"app", "outcome"},
	)

	AppCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "echohub_app_call_duration_seconds",
			Help:    "Outbound app call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"app"},
	)

	// 1=online, 0=offline, 0.5=degraded
	AppStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "echohub_app_status",
			Help: "Last known status per app (1 online, 0.5 degraded, 0 offline)",
		},
		[]string{"app"},
	)
)

// Handler — эндпоинт /metrics.
func Handler() http.Handler { return promhttp.Handler() }

// SetAppStatus переводит строковый статус в значение gauge.
func SetAppStatus(app, status string) {
	v := 0.0
	switch status {
	case "online":
		v = 1
	case "degraded":
		v = 0.5
	}
	AppStatus.WithLabelValues(app).Set(v)
}
