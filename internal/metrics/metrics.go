// Package metrics exposes prometheus counters for the intake engine and its transports.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the counters and histograms recorded by IntakePipe. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	eventsTotal       *prometheus.CounterVec
	eventLatency      *prometheus.HistogramVec
	routesTotal       *prometheus.CounterVec
	validationTotal   *prometheus.CounterVec
	lookupsTotal      *prometheus.CounterVec
	recordsTotal      *prometheus.CounterVec
	sendsTotal        *prometheus.CounterVec
	expiredTotal      prometheus.Counter
	duplicateInbounds prometheus.Counter
}

// New creates the metrics and registers them with reg (the default registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intakepipe",
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Inbound events handled by the intake engine",
		}, []string{"kind", "status"}),
		eventLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "intakepipe",
			Subsystem: "engine",
			Name:      "event_latency_seconds",
			Help:      "Time spent handling one inbound event",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		routesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intakepipe",
			Subsystem: "engine",
			Name:      "routes_started_total",
			Help:      "Routes opened by contacts",
		}, []string{"route"}),
		validationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intakepipe",
			Subsystem: "engine",
			Name:      "validation_failures_total",
			Help:      "Answers rejected by field validation",
		}, []string{"field"}),
		lookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intakepipe",
			Subsystem: "engine",
			Name:      "postal_lookups_total",
			Help:      "Postal code lookups by result",
		}, []string{"result"}),
		recordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intakepipe",
			Subsystem: "engine",
			Name:      "records_total",
			Help:      "Finalized intake records by service type and persistence status",
		}, []string{"service_type", "status"}),
		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intakepipe",
			Subsystem: "messaging",
			Name:      "outbound_total",
			Help:      "Outbound sends by message kind and status",
		}, []string{"kind", "status"}),
		expiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "intakepipe",
			Subsystem: "engine",
			Name:      "sessions_expired_total",
			Help:      "Sessions replaced after idling past the TTL",
		}),
		duplicateInbounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "intakepipe",
			Subsystem: "messaging",
			Name:      "duplicate_inbound_total",
			Help:      "Inbound messages dropped as duplicates",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.eventsTotal, m.eventLatency, m.routesTotal, m.validationTotal, m.lookupsTotal,
		m.recordsTotal, m.sendsTotal, m.expiredTotal, m.duplicateInbounds)
	return m
}

func (m *Metrics) ObserveEvent(kind, status string, seconds float64) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(kind, status).Inc()
	m.eventLatency.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) ObserveRoute(route string) {
	if m == nil {
		return
	}
	m.routesTotal.WithLabelValues(route).Inc()
}

func (m *Metrics) ObserveValidationFailure(field string) {
	if m == nil {
		return
	}
	m.validationTotal.WithLabelValues(field).Inc()
}

func (m *Metrics) ObserveLookup(result string) {
	if m == nil {
		return
	}
	m.lookupsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRecord(serviceType, status string) {
	if m == nil {
		return
	}
	m.recordsTotal.WithLabelValues(serviceType, status).Inc()
}

func (m *Metrics) ObserveSend(kind, status string) {
	if m == nil {
		return
	}
	m.sendsTotal.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) ObserveExpiry() {
	if m == nil {
		return
	}
	m.expiredTotal.Inc()
}

func (m *Metrics) ObserveDuplicateInbound() {
	if m == nil {
		return
	}
	m.duplicateInbounds.Inc()
}
