package domain

import (
	"encoding/json"
	"time"
)

// OutboxStatus tracks delivery of a persisted event.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxSent       OutboxStatus = "sent"
)

// OutboxEvent is an event persisted in the same transaction as the ticket
// change it describes, waiting to be relayed to the broker.
type OutboxEvent struct {
	ID                  string
	AggregateID         string
	RoutingKey          string
	Payload             json.RawMessage
	Status              OutboxStatus
	Attempts            int
	LastError           *string
	CreatedAt           time.Time
	NextAttemptAt       time.Time
	ProcessingStartedAt *time.Time
	SentAt              *time.Time
}
