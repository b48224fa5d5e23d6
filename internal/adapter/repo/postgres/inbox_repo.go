package postgres

import (
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/FreeSideNomad/messaging-platform/internal/domain"
	"github.com/FreeSideNomad/messaging-platform/internal/errclass"
)

// InboxRepo deduplicates message deliveries per handler via a conditional
// insert on the (message_id, handler) primary key.
type InboxRepo struct{ Pool DB }

// NewInboxRepo constructs an InboxRepo with the given pool.
func NewInboxRepo(p DB) *InboxRepo { return &InboxRepo{Pool: p} }

var _ domain.InboxRepository = (*InboxRepo)(nil)

// MarkIfAbsent inserts (messageID, handler, now) if absent. True means the
// caller sees this message first; false means it was processed before.
func (r *InboxRepo) MarkIfAbsent(ctx domain.Context, messageID uuid.UUID, handler string) (bool, error) {
	tracer := otel.Tracer("repo.inbox")
	ctx, span := tracer.Start(ctx, "inbox.MarkIfAbsent")
	defer span.End()

	q := `INSERT INTO inbox (message_id, handler, processed_at) VALUES ($1,$2,now())
	      ON CONFLICT (message_id, handler) DO NOTHING`
	tag, err := dbFrom(ctx, r.Pool).Exec(ctx, q, messageID, handler)
	if err != nil {
		return false, fmt.Errorf("op=inbox.mark: %w", errclass.Wrap(err))
	}
	return tag.RowsAffected() == 1, nil
}
