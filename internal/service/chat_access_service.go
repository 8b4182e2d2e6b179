package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-lifecycle/internal/chatgate"
	"github.com/spec-kit/ticket-lifecycle/internal/repository"
	apperrors "github.com/spec-kit/ticket-lifecycle/pkg/util/errorutil"
)

// ChatAccessService answers the chat collaborator's "may this user talk here" question.
type ChatAccessService struct {
	store  repository.TicketStore
	cache  repository.TicketCache
	logger *zap.Logger
}

// NewChatAccessService builds the service. cache may be nil.
func NewChatAccessService(store repository.TicketStore, cache repository.TicketCache, logger *zap.Logger) *ChatAccessService {
	if cache == nil {
		cache = repository.NewRedisTicketCache(nil, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatAccessService{store: store, cache: cache, logger: logger.With(zap.String("component", "chat_access"))}
}

// Check evaluates the gate against the freshest snapshot available. Cache
// failures fall through to the store.
func (s *ChatAccessService) Check(ctx context.Context, ticketID, userID string) (chatgate.Decision, error) {
	ticketID = strings.TrimSpace(ticketID)
	if _, err := uuid.Parse(ticketID); err != nil {
		return chatgate.Decision{}, apperrors.NewValidationError("invalid ticket id", map[string]any{"ticket_id": ticketID})
	}
	if strings.TrimSpace(userID) == "" {
		return chatgate.Decision{}, apperrors.NewValidationError("user id is required", map[string]any{"field": "userId"})
	}

	ticket, hit, err := s.cache.Get(ctx, ticketID)
	if err != nil {
		s.logger.Warn("ticket cache read failed", zap.String("ticket_id", ticketID), zap.Error(err))
	}
	if !hit {
		ticket, err = s.store.GetByID(ctx, ticketID)
		if err != nil {
			return chatgate.Decision{}, storeError(err, ticketID)
		}
		if err := s.cache.Set(ctx, ticket); err != nil {
			s.logger.Warn("ticket cache write failed", zap.String("ticket_id", ticketID), zap.Error(err))
		}
	}
	return chatgate.Allowed(ticket, userID), nil
}
