package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/FreeSideNomad/messaging-platform/internal/domain"
	"github.com/FreeSideNomad/messaging-platform/internal/errclass"
)

// DLQRepo parks permanently-failed commands for operator review. Rows are
// append-only.
type DLQRepo struct{ Pool DB }

// NewDLQRepo constructs a DLQRepo with the given pool.
func NewDLQRepo(p DB) *DLQRepo { return &DLQRepo{Pool: p} }

var _ domain.DLQRepository = (*DLQRepo)(nil)

const dlqColumns = `id, command_id, command_name, business_key, payload, failed_status, error_class, error_message, attempts, parked_by, parked_at`

// Park appends a DLQ entry.
func (r *DLQRepo) Park(ctx domain.Context, e domain.DlqEntry) error {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Park")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "command_dlq"))

	q := `INSERT INTO command_dlq (` + dlqColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := dbFrom(ctx, r.Pool).Exec(ctx, q,
		e.ID, e.CommandID, e.CommandName, e.BusinessKey, e.Payload, e.FailedStatus, e.ErrorClass, e.ErrorMessage, e.Attempts, e.ParkedBy, e.ParkedAt)
	if err != nil {
		return fmt.Errorf("op=dlq.park: %w", errclass.Wrap(err))
	}
	return nil
}

// List returns a page of entries newest first.
func (r *DLQRepo) List(ctx domain.Context, offset, limit int) ([]domain.DlqEntry, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.List")
	defer span.End()

	q := `SELECT ` + dlqColumns + ` FROM command_dlq ORDER BY parked_at DESC LIMIT $1 OFFSET $2`
	rows, err := dbFrom(ctx, r.Pool).Query(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=dlq.list: %w", errclass.Wrap(err))
	}
	defer rows.Close()
	var out []domain.DlqEntry
	for rows.Next() {
		var e domain.DlqEntry
		if err := rows.Scan(&e.ID, &e.CommandID, &e.CommandName, &e.BusinessKey, &e.Payload, &e.FailedStatus, &e.ErrorClass, &e.ErrorMessage, &e.Attempts, &e.ParkedBy, &e.ParkedAt); err != nil {
			return nil, fmt.Errorf("op=dlq.list_scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=dlq.list_rows: %w", errclass.Wrap(err))
	}
	return out, nil
}

// Count returns the total number of parked entries.
func (r *DLQRepo) Count(ctx domain.Context) (int64, error) {
	q := `SELECT COUNT(*) FROM command_dlq`
	var count int64
	if err := dbFrom(ctx, r.Pool).QueryRow(ctx, q).Scan(&count); err != nil {
		return 0, fmt.Errorf("op=dlq.count: %w", errclass.Wrap(err))
	}
	return count, nil
}
