package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Repositories (ports)

// ProcessRepository persists process instances and their append-only log.
// Log appends must share the caller's unit-of-work transaction so that event
// inserts are atomic with the instance update.
type ProcessRepository interface {
	// Insert stores a new instance.
	Insert(ctx Context, p ProcessInstance) error
	// Update stores a modified instance snapshot.
	Update(ctx Context, p ProcessInstance) error
	// FindByID loads an instance by process id.
	FindByID(ctx Context, id uuid.UUID) (ProcessInstance, error)
	// FindByBusinessKey loads instances sharing a business key.
	FindByBusinessKey(ctx Context, key string) ([]ProcessInstance, error)
	// FindByStatus loads instances in a given status.
	FindByStatus(ctx Context, status ProcessStatus) ([]ProcessInstance, error)
	// FindByTypeAndStatus loads instances of a type in a given status.
	FindByTypeAndStatus(ctx Context, processType string, status ProcessStatus) ([]ProcessInstance, error)
	// Log appends one event to the instance's log.
	Log(ctx Context, processID uuid.UUID, event ProcessEvent) error
	// LogEntries loads the full log ordered by sequence.
	LogEntries(ctx Context, processID uuid.UUID) ([]ProcessLogEntry, error)
}

// CommandRepository tracks command rows from PENDING to a terminal status.
type CommandRepository interface {
	// Insert stores a PENDING command. A duplicate idempotency key yields
	// a PermanentError wrapping ErrConflict.
	Insert(ctx Context, c Command) error
	// FindByID loads a command.
	FindByID(ctx Context, id uuid.UUID) (Command, error)
	// FindByIdempotencyKey loads a command by its idempotency key.
	FindByIdempotencyKey(ctx Context, key string) (Command, error)
	// MarkRunning transitions PENDING to RUNNING and records the lease.
	MarkRunning(ctx Context, id uuid.UUID, leaseUntil time.Time) error
	// MarkTerminal transitions a command to a terminal status.
	MarkTerminal(ctx Context, id uuid.UUID, status CommandStatus, lastError string) error
	// ExpireLeases transitions RUNNING commands whose lease passed to
	// TIMED_OUT and returns them for reply synthesis.
	ExpireLeases(ctx Context, now time.Time) ([]Command, error)
}

// OutboxRepository is the transactional queue of outbound envelopes.
type OutboxRepository interface {
	// Append enqueues a row inside the caller's unit-of-work.
	Append(ctx Context, row OutboxRow) error
	// ClaimIfNew atomically transitions NEW to CLAIMED for one row.
	// The boolean reports whether the transition happened.
	ClaimIfNew(ctx Context, id uuid.UUID, claimer string) (OutboxRow, bool, error)
	// Sweep claims up to max visible rows for claimer with skip-locked
	// semantics and returns them ordered by created_at ascending.
	Sweep(ctx Context, max int, claimer string) ([]OutboxRow, error)
	// MarkPublished records a successful publish.
	MarkPublished(ctx Context, id uuid.UUID) error
	// Reschedule defers the row by backoff and increments attempts.
	Reschedule(ctx Context, id uuid.UUID, backoff time.Duration, lastError string) error
	// MarkFailed records a permanent publish failure, retryable at nextAttempt.
	MarkFailed(ctx Context, id uuid.UUID, lastError string, nextAttempt time.Time) error
	// RecoverStuck resets CLAIMED rows older than olderThan back to NEW
	// and returns the number of rows reset.
	RecoverStuck(ctx Context, olderThan time.Duration) (int64, error)
}

// InboxRepository deduplicates message deliveries per handler.
type InboxRepository interface {
	// MarkIfAbsent inserts (messageID, handler) if absent and reports
	// whether the insert happened. False means "seen before: drop".
	MarkIfAbsent(ctx Context, messageID uuid.UUID, handler string) (bool, error)
}

// DLQRepository parks permanently-failed commands for operator review.
type DLQRepository interface {
	// Park appends a DLQ entry.
	Park(ctx Context, e DlqEntry) error
	// List returns a page of entries newest first.
	List(ctx Context, offset, limit int) ([]DlqEntry, error)
	// Count returns the total number of parked entries.
	Count(ctx Context) (int64, error)
}

// CommandBus (port)

// CommandBus submits a command as an atomic pair of command-registry and
// outbox inserts. It must be called from within a unit-of-work so the outbox
// row is co-committed with business state.
type CommandBus interface {
	// Accept registers the command and enqueues its envelope, returning
	// the command id. An idempotency-key collision surfaces as a
	// PermanentError.
	Accept(ctx Context, name, idempotencyKey, businessKey string, payload json.RawMessage, headers map[string]string) (uuid.UUID, error)
}

// Publisher (port)

// Publisher delivers a claimed outbox row to the message transport.
// Implementations must not be invoked inside a unit-of-work.
type Publisher interface {
	Publish(ctx Context, row OutboxRow) error
}

// UnitOfWork (port)

// UnitOfWork scopes fn to one database transaction with guaranteed commit on
// nil return and rollback on error or panic. Nested calls join the existing
// transaction; there are no nested commits.
type UnitOfWork interface {
	Do(ctx Context, fn func(ctx Context) error) error
}

// ReplyHandler consumes decoded reply envelopes after the inbox dedup check.
type ReplyHandler interface {
	HandleReply(ctx Context, correlationID, commandID uuid.UUID, reply Reply) error
}

// Reply is the decoded payload of a reply envelope.
type Reply struct {
	// Status is the reply type (CommandCompleted, CommandFailed, CommandTimedOut).
	Status string
	// Data is the result object merged into the process data on completion.
	Data map[string]any
	// Error carries the failure message for failed/timed-out replies.
	Error string
}

// ParallelBranch returns the branch echo carried in the reply data, if any.
func (r Reply) ParallelBranch() string {
	if v, ok := r.Data[HeaderParallelBranch].(string); ok {
		return v
	}
	return ""
}
