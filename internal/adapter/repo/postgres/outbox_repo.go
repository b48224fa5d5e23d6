package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/FreeSideNomad/messaging-platform/internal/domain"
	"github.com/FreeSideNomad/messaging-platform/internal/errclass"
)

// DefaultClaimTimeout is how long a CLAIMED row may sit before it becomes
// eligible for re-claim.
const DefaultClaimTimeout = 5 * time.Minute

// OutboxRepo is the transactional queue of outbound envelopes.
type OutboxRepo struct {
	Pool DB
	// ClaimTimeout overrides DefaultClaimTimeout when positive.
	ClaimTimeout time.Duration
}

// NewOutboxRepo constructs an OutboxRepo with the given pool.
func NewOutboxRepo(p DB) *OutboxRepo { return &OutboxRepo{Pool: p} }

var _ domain.OutboxRepository = (*OutboxRepo)(nil)

const outboxColumns = `id, category, topic, key, type, payload, headers, status, attempts, next_at, COALESCE(claimed_by,''), created_at, published_at, COALESCE(last_error,'')`

func (r *OutboxRepo) claimTimeout() time.Duration {
	if r.ClaimTimeout > 0 {
		return r.ClaimTimeout
	}
	return DefaultClaimTimeout
}

// Append enqueues a row. Called inside a unit-of-work, the row becomes
// visible to sweepers only after the surrounding transaction commits.
func (r *OutboxRepo) Append(ctx domain.Context, row domain.OutboxRow) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Append")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "outbox"))

	headers, err := json.Marshal(row.Headers)
	if err != nil {
		return fmt.Errorf("op=outbox.append_marshal: %w", err)
	}
	q := `INSERT INTO outbox (id, category, topic, key, type, payload, headers, status, attempts, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err = dbFrom(ctx, r.Pool).Exec(ctx, q,
		row.ID, row.Category, row.Topic, row.Key, row.Type, row.Payload, headers, domain.OutboxNew, 0, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("op=outbox.append: %w", errclass.Wrap(err))
	}
	return nil
}

// ClaimIfNew atomically transitions NEW to CLAIMED for one row. The boolean
// reports whether this caller won the transition.
func (r *OutboxRepo) ClaimIfNew(ctx domain.Context, id uuid.UUID, claimer string) (domain.OutboxRow, bool, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.ClaimIfNew")
	defer span.End()

	q := `UPDATE outbox SET status=$3, claimed_by=$2 WHERE id=$1 AND status=$4 RETURNING ` + outboxColumns
	row := dbFrom(ctx, r.Pool).QueryRow(ctx, q, id, claimer, domain.OutboxClaimed, domain.OutboxNew)
	out, err := scanOutbox(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OutboxRow{}, false, nil
		}
		return domain.OutboxRow{}, false, fmt.Errorf("op=outbox.claim: %w", errclass.Wrap(err))
	}
	return out, true, nil
}

// Sweep claims up to max visible rows in one statement with skip-locked
// semantics, so concurrent sweepers pick disjoint sets. Rows claimed longer
// than the claim timeout are re-claimed. Results are FIFO by created_at.
func (r *OutboxRepo) Sweep(ctx domain.Context, max int, claimer string) ([]domain.OutboxRow, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Sweep")
	defer span.End()
	span.SetAttributes(attribute.Int("outbox.sweep.max", max))

	q := `WITH picked AS (
	        SELECT id FROM outbox
	        WHERE (status IN ($3,$4) AND (next_at IS NULL OR next_at <= now()))
	           OR (status = $5 AND created_at < now() - make_interval(secs => $6))
	        ORDER BY created_at ASC
	        LIMIT $1
	        FOR UPDATE SKIP LOCKED
	      )
	      UPDATE outbox o SET status=$5, claimed_by=$2
	      FROM picked WHERE o.id = picked.id
	      RETURNING ` + outboxPrefixed("o")
	rows, err := dbFrom(ctx, r.Pool).Query(ctx, q,
		max, claimer, domain.OutboxNew, domain.OutboxFailed, domain.OutboxClaimed, r.claimTimeout().Seconds())
	if err != nil {
		return nil, fmt.Errorf("op=outbox.sweep: %w", errclass.Wrap(err))
	}
	defer rows.Close()
	var out []domain.OutboxRow
	for rows.Next() {
		o, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("op=outbox.sweep_scan: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=outbox.sweep_rows: %w", errclass.Wrap(err))
	}
	// RETURNING has no defined order; restore FIFO here.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MarkPublished records a successful publish; PUBLISHED is terminal.
func (r *OutboxRepo) MarkPublished(ctx domain.Context, id uuid.UUID) error {
	q := `UPDATE outbox SET status=$2, published_at=now() WHERE id=$1`
	tag, err := dbFrom(ctx, r.Pool).Exec(ctx, q, id, domain.OutboxPublished)
	if err != nil {
		return fmt.Errorf("op=outbox.mark_published: %w", errclass.Wrap(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=outbox.mark_published: %w", domain.ErrNotFound)
	}
	return nil
}

// Reschedule defers the row after a transient publish failure. The row
// returns to NEW, attempts is incremented here (the claim path does not).
func (r *OutboxRepo) Reschedule(ctx domain.Context, id uuid.UUID, backoff time.Duration, lastError string) error {
	q := `UPDATE outbox SET status=$2, claimed_by=NULL, next_at=now() + make_interval(secs => $3), attempts=attempts+1, last_error=$4 WHERE id=$1`
	tag, err := dbFrom(ctx, r.Pool).Exec(ctx, q, id, domain.OutboxNew, backoff.Seconds(), lastError)
	if err != nil {
		return fmt.Errorf("op=outbox.reschedule: %w", errclass.Wrap(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=outbox.reschedule: %w", domain.ErrNotFound)
	}
	return nil
}

// MarkFailed records a permanent publish failure; the sweeper retries the
// row at nextAttempt.
func (r *OutboxRepo) MarkFailed(ctx domain.Context, id uuid.UUID, lastError string, nextAttempt time.Time) error {
	q := `UPDATE outbox SET status=$2, claimed_by=NULL, next_at=$3, attempts=attempts+1, last_error=$4 WHERE id=$1`
	tag, err := dbFrom(ctx, r.Pool).Exec(ctx, q, id, domain.OutboxFailed, nextAttempt, lastError)
	if err != nil {
		return fmt.Errorf("op=outbox.mark_failed: %w", errclass.Wrap(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=outbox.mark_failed: %w", domain.ErrNotFound)
	}
	return nil
}

// RecoverStuck resets CLAIMED rows older than olderThan back to NEW.
func (r *OutboxRepo) RecoverStuck(ctx domain.Context, olderThan time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.RecoverStuck")
	defer span.End()

	q := `UPDATE outbox SET status=$1, claimed_by=NULL, next_at=NULL
	      WHERE status=$2 AND created_at < now() - make_interval(secs => $3)`
	tag, err := dbFrom(ctx, r.Pool).Exec(ctx, q, domain.OutboxNew, domain.OutboxClaimed, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("op=outbox.recover_stuck: %w", errclass.Wrap(err))
	}
	return tag.RowsAffected(), nil
}

func outboxPrefixed(alias string) string {
	return alias + `.id, ` + alias + `.category, ` + alias + `.topic, ` + alias + `.key, ` + alias + `.type, ` + alias + `.payload, ` + alias + `.headers, ` + alias + `.status, ` + alias + `.attempts, ` + alias + `.next_at, COALESCE(` + alias + `.claimed_by,''), ` + alias + `.created_at, ` + alias + `.published_at, COALESCE(` + alias + `.last_error,'')`
}

func scanOutbox(row pgx.Row) (domain.OutboxRow, error) {
	var o domain.OutboxRow
	var headers []byte
	if err := row.Scan(&o.ID, &o.Category, &o.Topic, &o.Key, &o.Type, &o.Payload, &headers, &o.Status, &o.Attempts, &o.NextAt, &o.ClaimedBy, &o.CreatedAt, &o.PublishedAt, &o.LastError); err != nil {
		return domain.OutboxRow{}, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &o.Headers); err != nil {
			return domain.OutboxRow{}, fmt.Errorf("headers unmarshal: %w", err)
		}
	}
	return o, nil
}
