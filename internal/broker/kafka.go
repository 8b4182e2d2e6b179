package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig configures the log-based alternative to the AMQP exchange.
// Routing keys become message keys so per-key ordering is kept by partition.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	ClientID     string
	WriteTimeout time.Duration
}

// KafkaPublisher writes events to a single topic.
type KafkaPublisher struct {
	cfg     KafkaConfig
	logger  *zap.Logger
	metrics *Metrics

	mu        sync.Mutex
	w         *kafka.Writer
	lastReset time.Time
}

// NewKafkaPublisher prepares a publisher; the writer is created on Start.
func NewKafkaPublisher(cfg KafkaConfig, logger *zap.Logger, metrics *Metrics) *KafkaPublisher {
	if cfg.Topic == "" {
		cfg.Topic = "tickets"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{cfg: cfg, logger: logger.With(zap.String("component", "kafka_publisher")), metrics: metrics}
}

func newWriter(cfg KafkaConfig) *kafka.Writer {
	tr := &kafka.Transport{
		ClientID:    cfg.ClientID,
		MetadataTTL: 10 * time.Second,
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Transport:    tr,
	}
}

func (p *KafkaPublisher) Start(context.Context) error {
	if len(p.cfg.Brokers) == 0 {
		return fmt.Errorf("kafka publisher: no brokers configured")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		p.w = newWriter(p.cfg)
		p.metrics.setConnected(true)
	}
	return nil
}

func (p *KafkaPublisher) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		return nil
	}
	err := p.w.Close()
	p.w = nil
	p.metrics.setConnected(false)
	return err
}

// Publish writes one message keyed by routingKey. Network failures recreate the
// writer once, rate limited, so stale metadata heals without a restart.
func (p *KafkaPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	msg := kafka.Message{
		Key:     []byte(routingKey),
		Value:   payload,
		Headers: []kafka.Header{{Key: "routing_key", Value: []byte(routingKey)}},
	}
	write := func() error {
		p.mu.Lock()
		w := p.w
		p.mu.Unlock()
		if w == nil {
			return ErrUnavailable
		}
		cctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
		defer cancel()
		return w.WriteMessages(cctx, msg)
	}

	err := write()
	if err != nil && shouldReset(err) {
		p.resetOnce()
		err = write()
	}
	if err != nil {
		p.metrics.publishFailed(routingKey)
		if err == ErrUnavailable {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func shouldReset(err error) bool {
	s := strings.ToLower(err.Error())
	for _, sub := range []string{
		"dial tcp",
		"connection refused",
		"i/o timeout",
		"eof",
		"broken pipe",
		"not leader",
		"unknown broker",
	} {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (p *KafkaPublisher) resetOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil || time.Since(p.lastReset) < 2*time.Second {
		return
	}
	p.metrics.reconnectAttempt()
	_ = p.w.Close()
	p.w = newWriter(p.cfg)
	p.lastReset = time.Now()
	p.logger.Warn("kafka writer reset")
}
