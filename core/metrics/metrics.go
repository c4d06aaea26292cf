package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	transitionsTotal    *prometheus.CounterVec
	storeConflictsTotal prometheus.Counter
	dispatchDuration    *prometheus.HistogramVec
	eventsPublished     *prometheus.CounterVec
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anonymization_task_transitions_total",
				Help: "Committed task state transitions by target status",
			},
			[]string{"status"},
		),
		storeConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "anonymization_store_conflicts_total",
				Help: "Optimistic concurrency conflicts observed on task writes",
			},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "anonymization_dispatch_duration_seconds",
				Help:    "Time spent in modality strategies",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"image_type", "outcome"},
		),
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anonymization_events_published_total",
				Help: "Outbound event publish attempts by type and result",
			},
			[]string{"type", "result"},
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anonymization_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "anonymization_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.transitionsTotal,
			m.storeConflictsTotal,
			m.dispatchDuration,
			m.eventsPublished,
			m.requestsTotal,
			m.requestDuration,
		)
	}

	return m
}

// Handler exposes the collectors registered on gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.storeConflictsTotal.Inc()
}

func (m *Metrics) ObserveDispatch(imageType string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.dispatchDuration.WithLabelValues(imageType, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordPublish(eventType string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.eventsPublished.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) ObserveRequest(method, path string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
