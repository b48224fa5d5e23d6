// Package bus implements the transactional command bus: accepting a command
// is an atomic pair of command-registry and outbox inserts sharing the
// caller's unit-of-work.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/FreeSideNomad/messaging-platform/internal/config"
	"github.com/FreeSideNomad/messaging-platform/internal/domain"
)

// TransactionalBus co-commits a command row and its outbound envelope.
// Callers must invoke Accept from inside a unit-of-work; the outbox row
// becomes visible to dispatchers only after that transaction commits.
type TransactionalBus struct {
	Commands domain.CommandRepository
	Outbox   domain.OutboxRepository
	Naming   config.QueueNaming
}

// NewTransactionalBus constructs a TransactionalBus.
func NewTransactionalBus(commands domain.CommandRepository, outbox domain.OutboxRepository, naming config.QueueNaming) *TransactionalBus {
	return &TransactionalBus{Commands: commands, Outbox: outbox, Naming: naming}
}

var _ domain.CommandBus = (*TransactionalBus)(nil)

// Accept registers a PENDING command and appends its envelope to the
// outbox, returning the command id. An idempotency-key collision surfaces
// as a PermanentError from the command insert.
func (b *TransactionalBus) Accept(ctx domain.Context, name, idempotencyKey, businessKey string, payload json.RawMessage, headers map[string]string) (uuid.UUID, error) {
	tr := otel.Tracer("bus.command")
	ctx, span := tr.Start(ctx, "CommandBus.Accept")
	defer span.End()

	now := time.Now().UTC()
	cmdID := uuid.New()

	hints, err := json.Marshal(domain.ReplyHints{
		CorrelationID:  headers[domain.HeaderCorrelationID],
		ReplyTo:        b.Naming.ReplyQueue,
		ParallelBranch: headers[domain.HeaderParallelBranch],
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("op=bus.accept_hints: %w", err)
	}

	cmd := domain.Command{
		ID:             cmdID,
		Name:           name,
		BusinessKey:    businessKey,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
		Status:         domain.CommandPending,
		RequestedAt:    now,
		UpdatedAt:      now,
		Reply:          hints,
	}
	if err := b.Commands.Insert(ctx, cmd); err != nil {
		return uuid.Nil, err
	}

	h := make(map[string]string, len(headers)+4)
	for k, v := range headers {
		h[k] = v
	}
	h[domain.HeaderCommandID] = cmdID.String()
	h[domain.HeaderCommandName] = name
	h[domain.HeaderBusinessKey] = businessKey
	h[domain.HeaderReplyTo] = b.Naming.ReplyQueue

	// The outbox row carries the envelope verbatim; its id doubles as the
	// envelope message id, so publish retries stay deduplicable downstream.
	env := domain.NewEnvelope(domain.CategoryCommand, name, businessKey, h, payload)
	row := domain.OutboxRow{
		ID:        env.MessageID,
		Category:  env.Category,
		Topic:     b.Naming.CommandTopic(name),
		Key:       env.BusinessKey,
		Type:      env.Type,
		Payload:   env.Payload,
		Headers:   env.Headers,
		Status:    domain.OutboxNew,
		CreatedAt: env.CreatedAt,
	}
	if err := b.Outbox.Append(ctx, row); err != nil {
		return uuid.Nil, err
	}

	slog.Debug("command accepted",
		slog.String("command_id", cmdID.String()),
		slog.String("command_name", name),
		slog.String("topic", row.Topic),
		slog.String("idempotency_key", idempotencyKey))
	return cmdID, nil
}
