package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/FreeSideNomad/messaging-platform/internal/domain"
	"github.com/FreeSideNomad/messaging-platform/internal/errclass"
)

// uniqueViolation is the SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

// CommandRepo tracks command rows from PENDING to a terminal status. The
// partial unique index on idempotency_key over PENDING rows is the single
// source of truth for "this command already exists"; it is never emulated
// with read-then-write.
type CommandRepo struct{ Pool DB }

// NewCommandRepo constructs a CommandRepo with the given pool.
func NewCommandRepo(p DB) *CommandRepo { return &CommandRepo{Pool: p} }

var _ domain.CommandRepository = (*CommandRepo)(nil)

const commandColumns = `id, name, business_key, payload, idempotency_key, status, requested_at, updated_at, retries, processing_lease_until, COALESCE(last_error,''), reply`

// Insert stores a PENDING command. An idempotency-key collision surfaces as
// a PermanentError wrapping ErrConflict.
func (r *CommandRepo) Insert(ctx domain.Context, c domain.Command) error {
	tracer := otel.Tracer("repo.command")
	ctx, span := tracer.Start(ctx, "command.Insert")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "command"))

	q := `INSERT INTO command (id, name, business_key, payload, idempotency_key, status, requested_at, updated_at, retries, reply)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := dbFrom(ctx, r.Pool).Exec(ctx, q,
		c.ID, c.Name, c.BusinessKey, c.Payload, c.IdempotencyKey, c.Status, c.RequestedAt, c.UpdatedAt, c.Retries, c.Reply)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.Permanent(fmt.Errorf("op=command.insert: idempotency key %q: %w", c.IdempotencyKey, domain.ErrConflict))
		}
		return fmt.Errorf("op=command.insert: %w", errclass.Wrap(err))
	}
	return nil
}

// FindByID loads a command.
func (r *CommandRepo) FindByID(ctx domain.Context, id uuid.UUID) (domain.Command, error) {
	q := `SELECT ` + commandColumns + ` FROM command WHERE id=$1`
	row := dbFrom(ctx, r.Pool).QueryRow(ctx, q, id)
	c, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Command{}, fmt.Errorf("op=command.find: %w", domain.ErrNotFound)
		}
		return domain.Command{}, fmt.Errorf("op=command.find: %w", errclass.Wrap(err))
	}
	return c, nil
}

// FindByIdempotencyKey loads the most recent command for a key.
func (r *CommandRepo) FindByIdempotencyKey(ctx domain.Context, key string) (domain.Command, error) {
	q := `SELECT ` + commandColumns + ` FROM command WHERE idempotency_key=$1 ORDER BY requested_at DESC LIMIT 1`
	row := dbFrom(ctx, r.Pool).QueryRow(ctx, q, key)
	c, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Command{}, fmt.Errorf("op=command.find_idem: %w", domain.ErrNotFound)
		}
		return domain.Command{}, fmt.Errorf("op=command.find_idem: %w", errclass.Wrap(err))
	}
	return c, nil
}

// MarkRunning transitions PENDING to RUNNING, grants the processing lease,
// and counts the attempt.
func (r *CommandRepo) MarkRunning(ctx domain.Context, id uuid.UUID, leaseUntil time.Time) error {
	q := `UPDATE command SET status=$2, processing_lease_until=$3, retries=retries+1, updated_at=now() WHERE id=$1 AND status=$4`
	tag, err := dbFrom(ctx, r.Pool).Exec(ctx, q, id, domain.CommandRunning, leaseUntil, domain.CommandPending)
	if err != nil {
		return fmt.Errorf("op=command.mark_running: %w", errclass.Wrap(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=command.mark_running: %w", domain.ErrConflict)
	}
	return nil
}

// MarkTerminal transitions a command to a terminal status and clears the
// lease. Re-marking an already-terminal command is a no-op so redelivered
// replies stay idempotent.
func (r *CommandRepo) MarkTerminal(ctx domain.Context, id uuid.UUID, status domain.CommandStatus, lastError string) error {
	tracer := otel.Tracer("repo.command")
	ctx, span := tracer.Start(ctx, "command.MarkTerminal")
	defer span.End()

	if !status.Terminal() {
		return fmt.Errorf("op=command.mark_terminal: %q is not terminal: %w", status, domain.ErrInvalidArgument)
	}
	q := `UPDATE command SET status=$2, last_error=$3, processing_lease_until=NULL, updated_at=now()
	      WHERE id=$1 AND status IN ($4,$5)`
	tag, err := dbFrom(ctx, r.Pool).Exec(ctx, q, id, status, lastError, domain.CommandPending, domain.CommandRunning)
	if err != nil {
		return fmt.Errorf("op=command.mark_terminal: %w", errclass.Wrap(err))
	}
	if tag.RowsAffected() == 0 {
		// Already terminal, or unknown id. Distinguish for the caller.
		var exists bool
		if err := dbFrom(ctx, r.Pool).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM command WHERE id=$1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("op=command.mark_terminal_check: %w", errclass.Wrap(err))
		}
		if !exists {
			return fmt.Errorf("op=command.mark_terminal: %w", domain.ErrNotFound)
		}
	}
	return nil
}

// ExpireLeases transitions RUNNING commands whose lease passed to TIMED_OUT
// and returns them so the recovery loop can synthesize timeout replies.
func (r *CommandRepo) ExpireLeases(ctx domain.Context, now time.Time) ([]domain.Command, error) {
	tracer := otel.Tracer("repo.command")
	ctx, span := tracer.Start(ctx, "command.ExpireLeases")
	defer span.End()

	q := `UPDATE command SET status=$1, last_error=$2, updated_at=now()
	      WHERE status=$3 AND processing_lease_until IS NOT NULL AND processing_lease_until < $4
	      RETURNING ` + commandColumns
	rows, err := dbFrom(ctx, r.Pool).Query(ctx, q, domain.CommandTimedOut, "Lease expired", domain.CommandRunning, now)
	if err != nil {
		return nil, fmt.Errorf("op=command.expire_leases: %w", errclass.Wrap(err))
	}
	defer rows.Close()
	var out []domain.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("op=command.expire_leases_scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=command.expire_leases_rows: %w", errclass.Wrap(err))
	}
	return out, nil
}

func scanCommand(row pgx.Row) (domain.Command, error) {
	var c domain.Command
	if err := row.Scan(&c.ID, &c.Name, &c.BusinessKey, &c.Payload, &c.IdempotencyKey, &c.Status, &c.RequestedAt, &c.UpdatedAt, &c.Retries, &c.ProcessingLeaseUntil, &c.LastError, &c.Reply); err != nil {
		return domain.Command{}, err
	}
	return c, nil
}
