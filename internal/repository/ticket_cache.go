package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

// TicketCache keeps short-lived participant snapshots for the chat access gate.
// Set never replaces a cached snapshot with an older version.
type TicketCache interface {
	Get(ctx context.Context, id string) (*domain.Ticket, bool, error)
	Set(ctx context.Context, ticket *domain.Ticket) error
	Invalidate(ctx context.Context, id string) error
}

// setIfNewer writes ARGV[1] unless the cached document carries a version >= ARGV[2].
var setIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local ok, doc = pcall(cjson.decode, cur)
	if ok and type(doc) == 'table' and tonumber(doc.version) and tonumber(doc.version) >= tonumber(ARGV[2]) then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

type cachedTicket struct {
	ID              string             `json:"id"`
	TenantID        string             `json:"tenantId"`
	State           domain.TicketState `json:"state"`
	CreatorID       string             `json:"creatorId"`
	AssignedAgentID *string            `json:"assignedAgentId,omitempty"`
	TutorID         *string            `json:"tutorId,omitempty"`
	Version         int64              `json:"version"`
}

type redisTicketCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTicketCache returns a cache backed by Redis. A nil client yields a no-op cache.
func NewRedisTicketCache(client *redis.Client, ttl time.Duration) TicketCache {
	if client == nil {
		return noopTicketCache{}
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &redisTicketCache{client: client, ttl: ttl}
}

func ticketCacheKey(id string) string {
	return "ticket:gate:" + id
}

func (c *redisTicketCache) Get(ctx context.Context, id string) (*domain.Ticket, bool, error) {
	raw, err := c.client.Get(ctx, ticketCacheKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var snap cachedTicket
	if err := json.Unmarshal(raw, &snap); err != nil {
		_ = c.client.Del(ctx, ticketCacheKey(id)).Err()
		return nil, false, nil
	}
	if !snap.State.Valid() {
		return nil, false, nil
	}
	return &domain.Ticket{
		ID:              snap.ID,
		TenantID:        snap.TenantID,
		State:           snap.State,
		CreatorID:       snap.CreatorID,
		AssignedAgentID: snap.AssignedAgentID,
		TutorID:         snap.TutorID,
		Version:         snap.Version,
	}, true, nil
}

func (c *redisTicketCache) Set(ctx context.Context, t *domain.Ticket) error {
	raw, err := json.Marshal(cachedTicket{
		ID:              t.ID,
		TenantID:        t.TenantID,
		State:           t.State,
		CreatorID:       t.CreatorID,
		AssignedAgentID: t.AssignedAgentID,
		TutorID:         t.TutorID,
		Version:         t.Version,
	})
	if err != nil {
		return err
	}
	return setIfNewer.Run(ctx, c.client, []string{ticketCacheKey(t.ID)}, raw, t.Version, c.ttl.Milliseconds()).Err()
}

func (c *redisTicketCache) Invalidate(ctx context.Context, id string) error {
	return c.client.Del(ctx, ticketCacheKey(id)).Err()
}

type noopTicketCache struct{}

func (noopTicketCache) Get(context.Context, string) (*domain.Ticket, bool, error) { return nil, false, nil }
func (noopTicketCache) Set(context.Context, *domain.Ticket) error                 { return nil }
func (noopTicketCache) Invalidate(context.Context, string) error                  { return nil }
