package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPConfig configures the RabbitMQ topic-exchange publisher.
type AMQPConfig struct {
	URL            string
	Exchange       string
	BackoffStep    time.Duration
	MaxBackoff     time.Duration
	PublishTimeout time.Duration
}

// session is one live connection plus channel. NotifyClose fires when either
// of them closes.
type session interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
	NotifyClose() <-chan *amqp.Error
	Close() error
}

type dialFunc func(cfg AMQPConfig) (session, error)

// AMQPPublisher owns the process-wide broker connection. Start launches the
// reconnect loop; Publish never waits for it.
type AMQPPublisher struct {
	cfg     AMQPConfig
	logger  *zap.Logger
	metrics *Metrics
	dial    dialFunc
	after   func(time.Duration) <-chan time.Time

	mu   sync.RWMutex
	sess session

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewAMQPPublisher prepares a publisher. No connection is made until Start.
func NewAMQPPublisher(cfg AMQPConfig, logger *zap.Logger, metrics *Metrics) *AMQPPublisher {
	if cfg.Exchange == "" {
		cfg.Exchange = "tickets"
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AMQPPublisher{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "amqp_publisher")),
		metrics: metrics,
		dial:    dialAMQP,
		after:   time.After,
	}
}

// Start launches the background connection loop.
func (p *AMQPPublisher) Start(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if p.cancel != nil {
		return errors.New("amqp publisher already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(loopCtx, p.done)
	return nil
}

// Stop terminates the reconnect loop and closes the active connection.
func (p *AMQPPublisher) Stop() error {
	p.lifecycle.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.lifecycle.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Connected reports whether a session is currently usable.
func (p *AMQPPublisher) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sess != nil
}

// Publish sends payload to the exchange. It fails fast with ErrUnavailable while
// disconnected and does not wait for broker confirms.
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	p.mu.RLock()
	sess := p.sess
	p.mu.RUnlock()
	if sess == nil {
		p.metrics.publishFailed(routingKey)
		return ErrUnavailable
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()
	err := sess.Publish(pubCtx, p.cfg.Exchange, routingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	if err != nil {
		p.metrics.publishFailed(routingKey)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (p *AMQPPublisher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	attempt := 0
	for {
		if attempt > 0 {
			delay := ReconnectDelay(attempt, p.cfg.BackoffStep, p.cfg.MaxBackoff)
			select {
			case <-ctx.Done():
				return
			case <-p.after(delay):
			}
		}

		p.metrics.reconnectAttempt()
		sess, err := p.dial(p.cfg)
		if err != nil {
			attempt++
			p.logger.Warn("broker connection failed",
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", ReconnectDelay(attempt, p.cfg.BackoffStep, p.cfg.MaxBackoff)),
				zap.Error(err))
			continue
		}

		closed := sess.NotifyClose()
		p.setSession(sess)
		p.logger.Info("broker connected", zap.String("exchange", p.cfg.Exchange))

		select {
		case <-ctx.Done():
			p.setSession(nil)
			if err := sess.Close(); err != nil {
				p.logger.Warn("broker close failed", zap.Error(err))
			}
			return
		case amqpErr := <-closed:
			p.setSession(nil)
			if amqpErr != nil {
				p.logger.Warn("broker session lost", zap.String("reason", amqpErr.Reason), zap.Int("code", amqpErr.Code))
			} else {
				p.logger.Warn("broker session closed")
			}
			// a channel exception leaves the connection open
			_ = sess.Close()
			attempt = 1
		}
	}
}

func (p *AMQPPublisher) setSession(sess session) {
	p.mu.Lock()
	p.sess = sess
	p.mu.Unlock()
	p.metrics.setConnected(sess != nil)
}

type amqpSession struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func dialAMQP(cfg AMQPConfig) (session, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &amqpSession{conn: conn, ch: ch}, nil
}

func (s *amqpSession) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	return s.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
}

func (s *amqpSession) NotifyClose() <-chan *amqp.Error {
	return mergeClose(
		s.conn.NotifyClose(make(chan *amqp.Error, 1)),
		s.ch.NotifyClose(make(chan *amqp.Error, 1)),
	)
}

func (s *amqpSession) Close() error {
	if s.conn.IsClosed() {
		return nil
	}
	return s.conn.Close()
}

// mergeClose delivers the first close notification from either source.
func mergeClose(conn, ch <-chan *amqp.Error) <-chan *amqp.Error {
	out := make(chan *amqp.Error, 1)
	go func() {
		var err *amqp.Error
		select {
		case err = <-conn:
		case err = <-ch:
		}
		out <- err
	}()
	return out
}
