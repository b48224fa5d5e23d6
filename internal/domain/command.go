package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CommandStatus captures the lifecycle state of a command row.
type CommandStatus string

// Command status values. SUCCEEDED, FAILED, and TIMED_OUT are terminal.
const (
	CommandPending   CommandStatus = "PENDING"
	CommandRunning   CommandStatus = "RUNNING"
	CommandSucceeded CommandStatus = "SUCCEEDED"
	CommandFailed    CommandStatus = "FAILED"
	CommandTimedOut  CommandStatus = "TIMED_OUT"
)

// Terminal reports whether the status admits no further transitions.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandSucceeded, CommandFailed, CommandTimedOut:
		return true
	}
	return false
}

// Command is a tracked request row in the command registry.
// At most one PENDING command may exist per idempotency key; the unique
// constraint on command.idempotency_key is the single source of truth.
type Command struct {
	// ID uniquely identifies the command.
	ID uuid.UUID
	// Name is the command name (e.g. ReserveFundsCommand).
	Name string
	// BusinessKey is the business identifier the command acts on.
	BusinessKey string
	// Payload is the opaque JSON body submitted to the worker.
	Payload json.RawMessage
	// IdempotencyKey is unique among PENDING commands; a retried step
	// reuses the key of its earlier, now terminal, command.
	IdempotencyKey string
	// Status is the current lifecycle state.
	Status CommandStatus
	// RequestedAt is the submission instant.
	RequestedAt time.Time
	// UpdatedAt is the last transition instant.
	UpdatedAt time.Time
	// Retries counts processing attempts.
	Retries int
	// ProcessingLeaseUntil bounds the consumer's claim; expired leases are
	// transitioned to TIMED_OUT by the recovery loop.
	ProcessingLeaseUntil *time.Time
	// LastError is the most recent failure message.
	LastError string
	// Reply carries reply-routing hints as JSON.
	Reply json.RawMessage
}

// ReplyHints is the routing metadata stored in Command.Reply. The recovery
// loop uses it to synthesize timeout replies for expired leases.
type ReplyHints struct {
	CorrelationID  string `json:"correlationId"`
	ReplyTo        string `json:"replyTo"`
	ParallelBranch string `json:"parallelBranch,omitempty"`
}

// DlqEntry is a parked permanently-failed command for operator review.
// Rows are append-only.
type DlqEntry struct {
	ID           uuid.UUID
	CommandID    uuid.UUID
	CommandName  string
	BusinessKey  string
	Payload      json.RawMessage
	FailedStatus CommandStatus
	ErrorClass   string
	ErrorMessage string
	Attempts     int
	ParkedBy     string
	ParkedAt     time.Time
}
