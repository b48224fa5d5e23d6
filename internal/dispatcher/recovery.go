package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/FreeSideNomad/messaging-platform/internal/domain"
	"github.com/FreeSideNomad/messaging-platform/internal/observability"
)

// DefaultStuckAfter is how old a CLAIMED outbox row must be before the
// recovery loop resets it.
const DefaultStuckAfter = 5 * time.Minute

// leaseExpiredError is the message stamped on commands timed out by lease
// expiry; it flows to the process manager through the reply pipeline.
const leaseExpiredError = "Lease expired"

// Recovery periodically resets stuck outbox claims and expires command
// leases, synthesizing CommandTimedOut replies for the latter.
type Recovery struct {
	Outbox     domain.OutboxRepository
	Commands   domain.CommandRepository
	Handler    domain.ReplyHandler
	Interval   time.Duration
	StuckAfter time.Duration
}

// NewRecovery constructs a Recovery ticking every interval.
func NewRecovery(outbox domain.OutboxRepository, commands domain.CommandRepository, handler domain.ReplyHandler, interval time.Duration) *Recovery {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Recovery{Outbox: outbox, Commands: commands, Handler: handler, Interval: interval, StuckAfter: DefaultStuckAfter}
}

// Run ticks until ctx is cancelled.
func (r *Recovery) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Recovery) tick(ctx context.Context) {
	n, err := r.Outbox.RecoverStuck(ctx, r.StuckAfter)
	if err != nil {
		slog.Error("outbox stuck recovery failed", slog.Any("error", err))
	} else if n > 0 {
		observability.OutboxRecoveredTotal.Add(float64(n))
		slog.Info("stuck outbox claims reset", slog.Int64("count", n))
	}

	cmds, err := r.Commands.ExpireLeases(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("command lease expiry failed", slog.Any("error", err))
		return
	}
	for _, cmd := range cmds {
		observability.CommandLeasesExpiredTotal.Inc()
		r.synthesizeTimeout(ctx, cmd)
	}
}

// synthesizeTimeout routes an expired command through the normal reply
// pipeline so the process manager sees a CommandTimedOut.
func (r *Recovery) synthesizeTimeout(ctx context.Context, cmd domain.Command) {
	var hints domain.ReplyHints
	if len(cmd.Reply) > 0 {
		if err := json.Unmarshal(cmd.Reply, &hints); err != nil {
			slog.Warn("expired command with malformed reply hints",
				slog.String("command_id", cmd.ID.String()),
				slog.Any("error", err))
			return
		}
	}
	correlationID, err := uuid.Parse(hints.CorrelationID)
	if err != nil {
		slog.Warn("expired command without correlation id",
			slog.String("command_id", cmd.ID.String()),
			slog.String("command_name", cmd.Name))
		return
	}

	reply := domain.Reply{Status: domain.TypeCommandTimedOut, Error: leaseExpiredError}
	if hints.ParallelBranch != "" {
		reply.Data = map[string]any{domain.HeaderParallelBranch: hints.ParallelBranch}
	}
	slog.Info("command lease expired, synthesizing timeout reply",
		slog.String("command_id", cmd.ID.String()),
		slog.String("command_name", cmd.Name),
		slog.String("correlation_id", hints.CorrelationID))
	if err := r.Handler.HandleReply(ctx, correlationID, cmd.ID, reply); err != nil {
		slog.Error("timeout reply handling failed",
			slog.String("command_id", cmd.ID.String()),
			slog.Any("error", err))
	}
}
