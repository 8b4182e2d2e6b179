package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/broker"
	"github.com/spec-kit/ticket-lifecycle/internal/config"
	"github.com/spec-kit/ticket-lifecycle/internal/observability"
	"github.com/spec-kit/ticket-lifecycle/internal/outbox"
	"github.com/spec-kit/ticket-lifecycle/internal/persistence"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	once := pflag.Bool("once", false, "drain a single batch and exit")
	batchSize := pflag.Int("batch-size", cfg.Outbox.BatchSize, "events claimed per drain")
	pollInterval := pflag.Duration("poll-interval", cfg.Outbox.PollInterval, "delay between drains")
	connectWait := pflag.Duration("connect-wait", 10*time.Second, "how long --once waits for the broker connection")
	pflag.Parse()

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()
	pool := pg.PoolHandle()
	if pool == nil {
		logger.Fatal("the relay needs POSTGRES_DSN; the in-memory store is process local")
	}

	metrics := observability.NewMetrics()
	publisher, err := broker.New(cfg.Broker, logger, broker.NewMetrics(metrics.Registry))
	if err != nil {
		logger.Fatal("failed to build publisher", zap.Error(err))
	}
	if err := publisher.Start(ctx); err != nil {
		logger.Fatal("failed to start publisher", zap.Error(err))
	}
	defer publisher.Stop() //nolint:errcheck

	dispatcher := outbox.NewDispatcher(repository.NewOutboxRepository(pool), publisher, outbox.Config{
		BatchSize:         *batchSize,
		PollInterval:      *pollInterval,
		ProcessingTimeout: cfg.Outbox.ProcessingTimeout,
		RetryBase:         cfg.Outbox.RetryBase,
		RetryMax:          cfg.Outbox.RetryMax,
	}, logger, outbox.NewMetrics(metrics.Registry))

	if *once {
		waitConnected(ctx, publisher, *connectWait)
		sent, err := dispatcher.DrainOnce(ctx)
		if err != nil {
			logger.Fatal("drain failed", zap.Error(err))
		}
		logger.Info("drained outbox", zap.Int("sent", sent))
		return
	}

	if err := dispatcher.Run(ctx); err != nil {
		logger.Error("relay stopped", zap.Error(err))
	}
}

// waitConnected gives an asynchronously connecting publisher a chance to come up.
func waitConnected(ctx context.Context, publisher broker.Publisher, max time.Duration) {
	conn, ok := publisher.(interface{ Connected() bool })
	if !ok {
		return
	}
	deadline := time.Now().Add(max)
	for !conn.Connected() && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}
