package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsPublished   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_events_published_total", Help: "Events published on the bus"}, []string{"namespace"})
	HandlerFailures   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_handler_failures_total", Help: "Subscriber errors and panics"}, []string{"subscriber"})
	JobTransitions    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_job_transitions_total", Help: "Persisted job status changes"}, []string{"job_type", "status"})
	WebhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_webhook_deliveries_total", Help: "Tenant webhook delivery attempts by outcome"}, []string{"outcome"})
	WebhookAbandoned  = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_webhook_abandoned_total", Help: "Tenant webhook messages that exhausted their attempts"})
	RetryThrottled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_webhook_throttled_total", Help: "Retries deferred by the per-tenant rate limiter"})
	ScheduledRetries  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_webhook_scheduled", Help: "Webhook retries waiting in the schedule"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsPublished,
			HandlerFailures,
			JobTransitions,
			WebhookDeliveries,
			WebhookAbandoned,
			RetryThrottled,
			ScheduledRetries,
		)
	})
	return promhttp.Handler()
}
