package outbox

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks relay throughput and backlog.
type Metrics struct {
	PublishedTotal *prometheus.CounterVec
	FailedTotal    *prometheus.CounterVec
	RequeuedTotal  prometheus.Counter
	LagSeconds     prometheus.Gauge
}

// NewMetrics registers relay metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "outbox_published_total", Help: "Published outbox events."},
			[]string{"routing_key"},
		),
		FailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "outbox_failed_total", Help: "Failed outbox publish attempts."},
			[]string{"routing_key"},
		),
		RequeuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "outbox_requeued_total", Help: "Stuck outbox rows returned to pending."},
		),
		LagSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "outbox_lag_seconds", Help: "Age in seconds of the oldest pending outbox event."},
		),
	}
	reg.MustRegister(m.PublishedTotal, m.FailedTotal, m.RequeuedTotal, m.LagSeconds)
	return m
}

func (m *Metrics) published(key string) {
	if m != nil {
		m.PublishedTotal.WithLabelValues(key).Inc()
	}
}

func (m *Metrics) failed(key string) {
	if m != nil {
		m.FailedTotal.WithLabelValues(key).Inc()
	}
}

func (m *Metrics) requeued(n int64) {
	if m != nil && n > 0 {
		m.RequeuedTotal.Add(float64(n))
	}
}

func (m *Metrics) lag(seconds float64) {
	if m != nil {
		m.LagSeconds.Set(seconds)
	}
}
