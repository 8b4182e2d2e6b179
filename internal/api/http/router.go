package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spec-kit/ticket-lifecycle/internal/api/http/handlers"
	"github.com/spec-kit/ticket-lifecycle/internal/auth"
	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Tickets        *handlers.TicketsHandler
	Audit          *handlers.AuditHandler
	Internal       *handlers.InternalHandler
	AuthMiddleware *auth.Middleware
	Gatherer       prometheus.Gatherer
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	tickets := app.Group("/tickets", cfg.AuthMiddleware.Handle)
	tickets.Post("/", cfg.Tickets.CreateTicket)
	tickets.Get("/:id", cfg.Tickets.GetTicket)
	tickets.Get("/:id/history", cfg.Tickets.History)
	tickets.Post("/:id/comments", cfg.Tickets.AddComment)
	tickets.Put("/:id/status", cfg.Tickets.ChangeStatus)
	tickets.Put("/:id/assign", auth.RequireRole(domain.RoleInternalAdmin), cfg.Tickets.Assign)
	tickets.Put("/:id/delegate", auth.RequireRole(domain.RoleSupport), cfg.Tickets.Delegate)
	tickets.Put("/:id/priority", cfg.Tickets.ChangePriority)

	app.Get("/audit", cfg.AuthMiddleware.Handle, cfg.Audit.List)

	internal := app.Group("/internal", cfg.AuthMiddleware.HandleService, auth.RequireService())
	internal.Patch("/tickets/:id/classification", cfg.Internal.Classify)
	internal.Put("/tickets/:id/auto-assign", cfg.Internal.AutoAssign)
	internal.Get("/tickets/:id/chat-access", cfg.Internal.ChatAccess)
}
