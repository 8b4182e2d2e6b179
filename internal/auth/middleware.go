package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

const (
	actorKey          = "auth_actor"
	ServiceNameHeader = "X-Service-Name"
)

// Middleware authenticates user tokens and service credentials.
type Middleware struct {
	tokens   *TokenManager
	services *ServiceAuthenticator
}

// NewMiddleware constructs middleware.
func NewMiddleware(tokens *TokenManager, services *ServiceAuthenticator) *Middleware {
	return &Middleware{tokens: tokens, services: services}
}

// Handle enforces a valid user bearer token.
func (m *Middleware) Handle(c *fiber.Ctx) error {
	raw, err := bearerToken(c)
	if err != nil {
		return err
	}
	claims, err := m.tokens.ParseToken(raw)
	if err != nil {
		return apperrors.NewUnauthorized("invalid token")
	}
	actor, err := claims.Actor()
	if err != nil {
		return apperrors.NewUnauthorized("invalid token claims")
	}
	c.Locals(actorKey, actor)
	return c.Next()
}

// HandleService enforces the shared service credential plus X-Service-Name.
func (m *Middleware) HandleService(c *fiber.Ctx) error {
	raw, err := bearerToken(c)
	if err != nil {
		return err
	}
	actor, err := m.services.Authenticate(c.Get(ServiceNameHeader), raw)
	if err != nil {
		return apperrors.NewUnauthorized("invalid service credential")
	}
	c.Locals(actorKey, actor)
	return c.Next()
}

// ActorFromContext retrieves the authenticated caller.
func ActorFromContext(c *fiber.Ctx) (domain.Actor, bool) {
	actor, ok := c.Locals(actorKey).(domain.Actor)
	return actor, ok
}

func bearerToken(c *fiber.Ctx) (string, error) {
	authHeader := c.Get(fiber.HeaderAuthorization)
	if authHeader == "" {
		return "", apperrors.NewUnauthorized("missing authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", apperrors.NewUnauthorized("invalid authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}
