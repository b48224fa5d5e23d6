package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/FreeSideNomad/messaging-platform/internal/domain"
	"github.com/FreeSideNomad/messaging-platform/internal/errclass"
)

// ProcessRepo persists process instances and their append-only event log.
type ProcessRepo struct{ Pool DB }

// NewProcessRepo constructs a ProcessRepo with the given pool.
func NewProcessRepo(p DB) *ProcessRepo { return &ProcessRepo{Pool: p} }

var _ domain.ProcessRepository = (*ProcessRepo)(nil)

const processColumns = `id, process_type, business_key, status, current_step, data, retries, created_at, updated_at`

// Insert stores a new instance.
func (r *ProcessRepo) Insert(ctx domain.Context, p domain.ProcessInstance) error {
	tracer := otel.Tracer("repo.process")
	ctx, span := tracer.Start(ctx, "process.Insert")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "process"))

	data, err := json.Marshal(p.Data)
	if err != nil {
		return fmt.Errorf("op=process.insert_marshal: %w", err)
	}
	q := `INSERT INTO process (` + processColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err = dbFrom(ctx, r.Pool).Exec(ctx, q,
		p.ProcessID, p.ProcessType, p.BusinessKey, p.Status, p.CurrentStep, data, p.Retries, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("op=process.insert: %w", errclass.Wrap(err))
	}
	return nil
}

// Update stores a modified instance snapshot.
func (r *ProcessRepo) Update(ctx domain.Context, p domain.ProcessInstance) error {
	tracer := otel.Tracer("repo.process")
	ctx, span := tracer.Start(ctx, "process.Update")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "process"))

	data, err := json.Marshal(p.Data)
	if err != nil {
		return fmt.Errorf("op=process.update_marshal: %w", err)
	}
	q := `UPDATE process SET status=$2, current_step=$3, data=$4, retries=$5, updated_at=$6 WHERE id=$1`
	tag, err := dbFrom(ctx, r.Pool).Exec(ctx, q,
		p.ProcessID, p.Status, p.CurrentStep, data, p.Retries, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("op=process.update: %w", errclass.Wrap(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=process.update: %w", domain.ErrNotFound)
	}
	return nil
}

// FindByID loads an instance by process id.
func (r *ProcessRepo) FindByID(ctx domain.Context, id uuid.UUID) (domain.ProcessInstance, error) {
	tracer := otel.Tracer("repo.process")
	ctx, span := tracer.Start(ctx, "process.FindByID")
	defer span.End()

	q := `SELECT ` + processColumns + ` FROM process WHERE id=$1`
	row := dbFrom(ctx, r.Pool).QueryRow(ctx, q, id)
	p, err := scanProcess(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ProcessInstance{}, fmt.Errorf("op=process.find: %w", domain.ErrNotFound)
		}
		return domain.ProcessInstance{}, fmt.Errorf("op=process.find: %w", errclass.Wrap(err))
	}
	return p, nil
}

// FindByBusinessKey loads instances sharing a business key.
func (r *ProcessRepo) FindByBusinessKey(ctx domain.Context, key string) ([]domain.ProcessInstance, error) {
	q := `SELECT ` + processColumns + ` FROM process WHERE business_key=$1 ORDER BY created_at ASC`
	return r.query(ctx, "process.FindByBusinessKey", q, key)
}

// FindByStatus loads instances in a given status.
func (r *ProcessRepo) FindByStatus(ctx domain.Context, status domain.ProcessStatus) ([]domain.ProcessInstance, error) {
	q := `SELECT ` + processColumns + ` FROM process WHERE status=$1 ORDER BY created_at ASC`
	return r.query(ctx, "process.FindByStatus", q, status)
}

// FindByTypeAndStatus loads instances of a type in a given status.
func (r *ProcessRepo) FindByTypeAndStatus(ctx domain.Context, processType string, status domain.ProcessStatus) ([]domain.ProcessInstance, error) {
	q := `SELECT ` + processColumns + ` FROM process WHERE process_type=$1 AND status=$2 ORDER BY created_at ASC`
	return r.query(ctx, "process.FindByTypeAndStatus", q, processType, status)
}

func (r *ProcessRepo) query(ctx domain.Context, op, q string, args ...any) ([]domain.ProcessInstance, error) {
	tracer := otel.Tracer("repo.process")
	ctx, span := tracer.Start(ctx, op)
	defer span.End()

	rows, err := dbFrom(ctx, r.Pool).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, errclass.Wrap(err))
	}
	defer rows.Close()
	var out []domain.ProcessInstance
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("op=%s_scan: %w", op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=%s_rows: %w", op, errclass.Wrap(err))
	}
	return out, nil
}

func scanProcess(row pgx.Row) (domain.ProcessInstance, error) {
	var p domain.ProcessInstance
	var data []byte
	if err := row.Scan(&p.ProcessID, &p.ProcessType, &p.BusinessKey, &p.Status, &p.CurrentStep, &data, &p.Retries, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.ProcessInstance{}, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p.Data); err != nil {
			return domain.ProcessInstance{}, fmt.Errorf("data unmarshal: %w", err)
		}
	}
	return p, nil
}

// Log appends one event to the instance's log. It runs on the caller's
// executor so the append is atomic with the instance update.
func (r *ProcessRepo) Log(ctx domain.Context, processID uuid.UUID, event domain.ProcessEvent) error {
	tracer := otel.Tracer("repo.process")
	ctx, span := tracer.Start(ctx, "process.Log")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "process_log"))

	var details []byte
	if event.Details != nil {
		b, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("op=process.log_marshal: %w", err)
		}
		details = b
	}
	q := `INSERT INTO process_log (process_id, event_type, step, command_id, error, retryable, details, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := dbFrom(ctx, r.Pool).Exec(ctx, q,
		processID, event.Type, event.Step, event.CommandID, event.Error, event.Retryable, details, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=process.log: %w", errclass.Wrap(err))
	}
	return nil
}

// LogEntries loads the full event log ordered by sequence.
func (r *ProcessRepo) LogEntries(ctx domain.Context, processID uuid.UUID) ([]domain.ProcessLogEntry, error) {
	tracer := otel.Tracer("repo.process")
	ctx, span := tracer.Start(ctx, "process.LogEntries")
	defer span.End()

	q := `SELECT id, process_id, event_type, step, command_id, error, retryable, details, created_at
	      FROM process_log WHERE process_id=$1 ORDER BY id ASC`
	rows, err := dbFrom(ctx, r.Pool).Query(ctx, q, processID)
	if err != nil {
		return nil, fmt.Errorf("op=process.log_entries: %w", errclass.Wrap(err))
	}
	defer rows.Close()
	var out []domain.ProcessLogEntry
	for rows.Next() {
		var e domain.ProcessLogEntry
		var details []byte
		if err := rows.Scan(&e.Sequence, &e.ProcessID, &e.Event.Type, &e.Event.Step, &e.Event.CommandID, &e.Event.Error, &e.Event.Retryable, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("op=process.log_entries_scan: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Event.Details); err != nil {
				return nil, fmt.Errorf("op=process.log_entries_details: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=process.log_entries_rows: %w", errclass.Wrap(err))
	}
	return out, nil
}
