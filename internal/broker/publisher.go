package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/config"
)

// ErrUnavailable is returned by Publish while no broker connection is usable.
// Publishers fail fast instead of queuing.
var ErrUnavailable = errors.New("broker unavailable")

// Publisher delivers a serialized event to the topic exchange under routingKey.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
}

// ManagedPublisher is a Publisher whose connection lifecycle is owned by the caller.
type ManagedPublisher interface {
	Publisher
	Start(ctx context.Context) error
	Stop() error
}

// New builds the publisher selected by cfg.Driver.
func New(cfg config.BrokerConfig, logger *zap.Logger, metrics *Metrics) (ManagedPublisher, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "amqp", "rabbitmq":
		return NewAMQPPublisher(AMQPConfig{
			URL:            cfg.URL,
			Exchange:       cfg.Exchange,
			BackoffStep:    cfg.ReconnectStep,
			MaxBackoff:     cfg.ReconnectMax,
			PublishTimeout: cfg.PublishTimeout,
		}, logger, metrics), nil
	case "kafka":
		return NewKafkaPublisher(KafkaConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.Exchange,
			ClientID:     cfg.ClientID,
			WriteTimeout: cfg.PublishTimeout,
		}, logger, metrics), nil
	case "memory":
		return NewMemoryExchange(), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}

// ReconnectDelay is the linear backoff used between connection attempts:
// attempt*step, capped at max.
func ReconnectDelay(attempt int, step, max time.Duration) time.Duration {
	if attempt < 1 {
		return 0
	}
	if step <= 0 {
		step = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	d := time.Duration(attempt) * step
	if d > max || d <= 0 {
		return max
	}
	return d
}

// Metrics tracks connection health and publish outcomes.
type Metrics struct {
	Connected       prometheus.Gauge
	Reconnects      prometheus.Counter
	PublishFailures *prometheus.CounterVec
}

// NewMetrics registers broker metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_connected",
			Help: "1 while the broker connection is usable.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_reconnect_attempts_total",
			Help: "Connection attempts made by the reconnect loop.",
		}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_publish_failures_total",
			Help: "Failed publish calls.",
		}, []string{"routing_key"}),
	}
	reg.MustRegister(m.Connected, m.Reconnects, m.PublishFailures)
	return m
}

func (m *Metrics) setConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.Connected.Set(1)
		return
	}
	m.Connected.Set(0)
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) publishFailed(routingKey string) {
	if m == nil {
		return
	}
	m.PublishFailures.WithLabelValues(routingKey).Inc()
}
