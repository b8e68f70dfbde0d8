package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the service's Prometheus registry. A dedicated registry,
// rather than the global one, keeps test routers from fighting over
// collector registration.
type Metrics struct {
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	requestErrors   *prometheus.CounterVec

	redemptions   *prometheus.CounterVec
	validations   *prometheus.CounterVec
	webhookEvents *prometheus.CounterVec
	tokensMinted  prometheus.Counter
	notifications *prometheus.CounterVec
}

// NewMetrics builds and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "paycheck",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration observed at the API layer.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route", "status"},
		),
		requestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paycheck",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled by the API.",
			},
			[]string{"method", "route", "status"},
		),
		requestErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paycheck",
				Subsystem: "http",
				Name:      "request_errors_total",
				Help:      "Total number of HTTP errors surfaced to clients.",
			},
			[]string{"method", "route", "status_class"},
		),

		redemptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paycheck",
				Name:      "redemptions_total",
				Help:      "Activation attempts by outcome.",
			},
			[]string{"outcome"},
		),
		validations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paycheck",
				Name:      "validations_total",
				Help:      "Token validation pings by result.",
			},
			[]string{"result"},
		),
		webhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paycheck",
				Name:      "webhook_events_total",
				Help:      "Payment provider webhook deliveries by outcome.",
			},
			[]string{"provider", "outcome"},
		),
		tokensMinted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "paycheck",
				Name:      "tokens_minted_total",
				Help:      "License tokens signed and issued.",
			},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paycheck",
				Name:      "notifications_total",
				Help:      "Activation code deliveries by resolved mode.",
			},
			[]string{"mode"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestDuration,
		m.requestTotal,
		m.requestErrors,
		m.redemptions,
		m.validations,
		m.webhookEvents,
		m.tokensMinted,
		m.notifications,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest observes one completed HTTP request.
func (m *Metrics) RecordRequest(method, route string, status int, elapsed time.Duration) {
	statusCode := strconv.Itoa(status)

	m.requestDuration.WithLabelValues(method, route, statusCode).Observe(elapsed.Seconds())
	m.requestTotal.WithLabelValues(method, route, statusCode).Inc()

	if status >= 400 {
		m.requestErrors.WithLabelValues(method, route, classifyStatus(status)).Inc()
	}
}

// RecordRedemption counts an activation attempt. Outcomes: activated,
// device_limit, activation_limit, invalid_code, invalid_key, rejected.
func (m *Metrics) RecordRedemption(outcome string) {
	m.redemptions.WithLabelValues(outcome).Inc()
}

// RecordValidation counts a validation ping.
func (m *Metrics) RecordValidation(valid bool) {
	result := "invalid"
	if valid {
		result = "valid"
	}
	m.validations.WithLabelValues(result).Inc()
}

// RecordWebhook counts a provider webhook delivery. Outcomes: processed,
// duplicate, ignored, rejected, error.
func (m *Metrics) RecordWebhook(provider, outcome string) {
	m.webhookEvents.WithLabelValues(provider, outcome).Inc()
}

// RecordTokenMinted counts a signed license token.
func (m *Metrics) RecordTokenMinted() {
	m.tokensMinted.Inc()
}

// RecordNotification counts an activation-code delivery by resolved mode.
func (m *Metrics) RecordNotification(mode string) {
	m.notifications.WithLabelValues(mode).Inc()
}

func classifyStatus(status int) string {
	switch {
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	default:
		return "none"
	}
}
