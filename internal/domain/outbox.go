package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxStatus captures the delivery state of an outbox row.
type OutboxStatus string

// Outbox status values. PUBLISHED is terminal.
const (
	OutboxNew       OutboxStatus = "NEW"
	OutboxClaimed   OutboxStatus = "CLAIMED"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// OutboxRow is one transactionally enqueued outbound envelope.
// A row is visible for claim iff status is NEW or FAILED and next_at is
// unset or in the past.
type OutboxRow struct {
	// ID uniquely identifies the row.
	ID uuid.UUID
	// Category mirrors the envelope category.
	Category EnvelopeCategory
	// Topic is the transport destination.
	Topic string
	// Key is the partitioning key (usually the business key).
	Key string
	// Type is the short message name.
	Type string
	// Payload is the opaque JSON body.
	Payload json.RawMessage
	// Headers carries the envelope headers.
	Headers map[string]string
	// Status is the current delivery state.
	Status OutboxStatus
	// Attempts counts publish attempts.
	Attempts int
	// NextAt delays claim visibility after a reschedule.
	NextAt *time.Time
	// ClaimedBy identifies the dispatcher host holding the claim.
	ClaimedBy string
	// CreatedAt is the enqueue instant; claim batches are FIFO by it.
	CreatedAt time.Time
	// PublishedAt is stamped on successful publish.
	PublishedAt *time.Time
	// LastError is the most recent publish failure.
	LastError string
}

// InboxKey is the dedup record for at-most-once reply processing.
// A successful conditional insert signals "not seen before".
type InboxKey struct {
	MessageID   uuid.UUID
	Handler     string
	ProcessedAt time.Time
}
