package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	httptransport "github.com/spec-kit/ticket-lifecycle/internal/api/http"
	"github.com/spec-kit/ticket-lifecycle/internal/api/http/handlers"
	"github.com/spec-kit/ticket-lifecycle/internal/auth"
	"github.com/spec-kit/ticket-lifecycle/internal/broker"
	"github.com/spec-kit/ticket-lifecycle/internal/config"
	"github.com/spec-kit/ticket-lifecycle/internal/directory"
	"github.com/spec-kit/ticket-lifecycle/internal/observability"
	"github.com/spec-kit/ticket-lifecycle/internal/outbox"
	"github.com/spec-kit/ticket-lifecycle/internal/persistence"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
	"github.com/spec-kit/ticket-lifecycle/internal/service"
	"github.com/spec-kit/ticket-lifecycle/internal/worker"
)

type stores struct {
	tickets repository.TicketStore
	audit   repository.AuditRepository
	outbox  repository.OutboxRepository
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(pg.PoolHandle(), logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(cfg.Redis, logger)
	defer redis.Close()

	st := buildStores(pg, logger)
	cache := repository.NewRedisTicketCache(redis.Handle(), cfg.Redis.CacheTTL)

	publisher, err := broker.New(cfg.Broker, logger, broker.NewMetrics(metrics.Registry))
	if err != nil {
		logger.Fatal("failed to build publisher", zap.Error(err))
	}
	if err := publisher.Start(ctx); err != nil {
		logger.Fatal("failed to start publisher", zap.Error(err))
	}

	dispatcher := outbox.NewDispatcher(st.outbox, publisher, outbox.Config{
		BatchSize:         cfg.Outbox.BatchSize,
		PollInterval:      cfg.Outbox.PollInterval,
		ProcessingTimeout: cfg.Outbox.ProcessingTimeout,
		RetryBase:         cfg.Outbox.RetryBase,
		RetryMax:          cfg.Outbox.RetryMax,
	}, logger, outbox.NewMetrics(metrics.Registry))

	var (
		notifier service.Notifier
		relay    worker.Runner
	)
	if cfg.Outbox.Enabled {
		notifier, relay = dispatcher, dispatcher
	} else {
		logger.Info("in-process outbox relay disabled; run cmd/outbox-relay")
	}
	outboxWorker := worker.StartOutboxWorker(ctx, relay, logger)

	lifecycle := service.NewLifecycleService(service.LifecycleDependencies{
		Store:     st.tickets,
		Directory: directory.NewHTTPClient(cfg.Directory, cfg.Auth.ServiceToken),
		Cache:     cache,
		Notifier:  notifier,
		Metrics:   metrics,
		Logger:    logger,
	})
	audits := service.NewAuditService(st.audit, lifecycle)
	chat := service.NewChatAccessService(st.tickets, cache, logger)

	authMiddleware := auth.NewMiddleware(
		auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, 0),
		auth.NewServiceAuthenticator(serviceTokenHash(cfg.Auth, logger), cfg.Auth.AllowedServices),
	)

	app := fiber.New(fiber.Config{AppName: cfg.App.Name, DisableStartupMessage: true})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, readinessProbes(pg, redis, publisher)),
		Tickets:        handlers.NewTicketsHandler(lifecycle, audits),
		Audit:          handlers.NewAuditHandler(audits),
		Internal:       handlers.NewInternalHandler(lifecycle, chat),
		AuthMiddleware: authMiddleware,
		Gatherer:       metrics.Registry,
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()
	logger.Info("ticket lifecycle service started", zap.String("addr", cfg.App.Addr()), zap.String("broker", cfg.Broker.Driver))

	waitForShutdown(logger)

	if err := app.Shutdown(); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	outboxWorker.Stop()
	if err := publisher.Stop(); err != nil {
		logger.Warn("publisher stop", zap.Error(err))
	}
}

func buildStores(pg *persistence.Postgres, logger *zap.Logger) stores {
	if pool := pg.PoolHandle(); pool != nil {
		return stores{
			tickets: repository.NewTicketRepository(pool),
			audit:   repository.NewAuditRepository(pool),
			outbox:  repository.NewOutboxRepository(pool),
		}
	}
	logger.Warn("using in-memory ticket store; data is lost on restart")
	mem := repository.NewMemoryStore()
	return stores{tickets: mem, audit: mem, outbox: mem}
}

// serviceTokenHash falls back to hashing SERVICE_TOKEN when no hash is configured.
func serviceTokenHash(cfg config.AuthConfig, logger *zap.Logger) string {
	if cfg.ServiceTokenHash != "" || cfg.ServiceToken == "" {
		return cfg.ServiceTokenHash
	}
	hash, err := auth.HashToken(cfg.ServiceToken, bcrypt.DefaultCost)
	if err != nil {
		logger.Fatal("hash service token", zap.Error(err))
	}
	logger.Warn("SERVICE_TOKEN_HASH not set; hashing SERVICE_TOKEN at startup")
	return hash
}

func readinessProbes(pg *persistence.Postgres, redis *persistence.Redis, publisher broker.Publisher) map[string]handlers.Pinger {
	probes := map[string]handlers.Pinger{}
	if pg.PoolHandle() != nil {
		probes["postgres"] = pg
	}
	if redis.Handle() != nil {
		probes["redis"] = redis
	}
	if conn, ok := publisher.(interface{ Connected() bool }); ok {
		probes["broker"] = handlers.PingFunc(func(context.Context) error {
			if !conn.Connected() {
				return errors.New("broker disconnected")
			}
			return nil
		})
	}
	return probes
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
