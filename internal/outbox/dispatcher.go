package outbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/broker"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
)

// Config tunes a Dispatcher.
type Config struct {
	BatchSize         int
	PollInterval      time.Duration
	ProcessingTimeout time.Duration
	RetryBase         time.Duration
	RetryMax          time.Duration
}

// Dispatcher drains pending outbox rows to the broker. Delivery is at-least-once:
// a row is marked sent only after Publish returns nil.
type Dispatcher struct {
	repo    repository.OutboxRepository
	pub     broker.Publisher
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time
	wake    chan struct{}
}

// NewDispatcher wires a dispatcher. metrics may be nil.
func NewDispatcher(repo repository.OutboxRepository, pub broker.Publisher, cfg Config, logger *zap.Logger, metrics *Metrics) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 30 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		repo:    repo,
		pub:     pub,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "outbox_dispatcher")),
		metrics: metrics,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
}

// SetClock overrides the time source used to schedule retries.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Notify asks the running loop to drain now instead of waiting for the next tick.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drains the outbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("outbox dispatcher started",
		zap.Int("batch_size", d.cfg.BatchSize),
		zap.Duration("poll_interval", d.cfg.PollInterval))
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopped")
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
		if _, err := d.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("outbox drain failed", zap.Error(err))
		}
	}
}

// DrainOnce requeues stuck rows, then claims and publishes one batch in creation
// order. On the first publish failure the rest of the batch is released so later
// events never overtake an earlier one. It returns the number of events sent.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	n, err := d.repo.RequeueStuck(ctx, d.cfg.ProcessingTimeout)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.metrics.requeued(n)
		d.logger.Warn("requeued stuck outbox events", zap.Int64("count", n))
	}

	batch, err := d.repo.ClaimPending(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for i, ev := range batch {
		if err := d.pub.Publish(ctx, ev.RoutingKey, ev.Payload); err != nil {
			d.metrics.failed(ev.RoutingKey)
			next := d.now().Add(RetryDelay(ev.Attempts+1, d.cfg.RetryBase, d.cfg.RetryMax))
			d.logger.Warn("outbox publish failed",
				zap.String("event_id", ev.ID),
				zap.String("routing_key", ev.RoutingKey),
				zap.Int("attempts", ev.Attempts+1),
				zap.Time("next_attempt_at", next),
				zap.Error(err))
			if markErr := d.repo.MarkFailed(ctx, ev.ID, next, err.Error()); markErr != nil {
				return sent, markErr
			}
			for _, rest := range batch[i+1:] {
				if relErr := d.repo.Release(ctx, rest.ID); relErr != nil {
					d.logger.Error("outbox release failed", zap.String("event_id", rest.ID), zap.Error(relErr))
				}
			}
			break
		}
		if err := d.repo.MarkSent(ctx, ev.ID); err != nil {
			d.logger.Error("outbox mark sent failed", zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}
		d.metrics.published(ev.RoutingKey)
		sent++
	}

	if lag, err := d.repo.LagSeconds(ctx); err == nil {
		d.metrics.lag(lag)
	}
	return sent, nil
}

// RetryDelay grows exponentially from base, capped at max.
func RetryDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
