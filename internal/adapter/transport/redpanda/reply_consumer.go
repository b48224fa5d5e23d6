package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/FreeSideNomad/messaging-platform/internal/domain"
	"github.com/FreeSideNomad/messaging-platform/internal/observability"
)

// ReplyHandlerName keys the inbox dedup rows written by this consumer.
const ReplyHandlerName = "process-manager"

// ReplyConsumer consumes reply envelopes from the reply queue, deduplicates
// them through the inbox, and feeds the process manager. The inbox mark and
// the reply handling share one unit-of-work, so a crash between them cannot
// lose a reply.
type ReplyConsumer struct {
	client  *kgo.Client
	uow     domain.UnitOfWork
	inbox   domain.InboxRepository
	handler domain.ReplyHandler
	topic   string
}

// NewReplyConsumer constructs a ReplyConsumer joining groupID on topic.
func NewReplyConsumer(brokers []string, topic, groupID string, uow domain.UnitOfWork, inbox domain.InboxRepository, handler domain.ReplyHandler) (*ReplyConsumer, error) {
	slog.Info("creating reply consumer",
		slog.Any("brokers", brokers),
		slog.String("topic", topic),
		slog.String("group_id", groupID))
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumerGroup(groupID),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}
	return &ReplyConsumer{client: client, uow: uow, inbox: inbox, handler: handler, topic: topic}, nil
}

// Run polls and processes replies until ctx is cancelled. Records whose
// handling fails are not committed, so the transport redelivers them;
// malformed records are logged and committed to avoid a poison loop.
func (c *ReplyConsumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("reply fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})

		var processed []*kgo.Record
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				if err := c.processRecord(ctx, rec); err != nil {
					// Stop this partition at the first failure so the
					// uncommitted record is redelivered in order.
					slog.Error("reply processing failed; leaving for redelivery",
						slog.String("topic", rec.Topic),
						slog.Int64("offset", rec.Offset),
						slog.Any("error", err))
					return
				}
				processed = append(processed, rec)
			}
		})
		if len(processed) > 0 {
			if err := c.client.CommitRecords(ctx, processed...); err != nil {
				slog.Error("reply commit failed", slog.Any("error", err))
			}
		}
	}
}

func (c *ReplyConsumer) processRecord(ctx context.Context, rec *kgo.Record) error {
	var env wireEnvelope
	if err := json.Unmarshal(rec.Value, &env); err != nil {
		slog.Warn("malformed reply record dropped",
			slog.String("topic", rec.Topic),
			slog.Int64("offset", rec.Offset),
			slog.Any("error", err))
		return nil
	}
	messageID, err := uuid.Parse(env.MessageID)
	if err != nil {
		slog.Warn("reply without message id dropped", slog.String("message_id", env.MessageID))
		return nil
	}
	correlationID, err := uuid.Parse(firstNonEmpty(env.CorrelationID, env.Headers[domain.HeaderCorrelationID]))
	if err != nil {
		slog.Warn("reply without correlation id dropped", slog.String("message_id", env.MessageID))
		return nil
	}
	// A missing command id is tolerated; the manager handles uuid.Nil.
	commandID, _ := uuid.Parse(firstNonEmpty(env.CommandID, env.Headers[domain.HeaderCommandID]))

	var payload wireReplyPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			slog.Warn("malformed reply payload dropped", slog.String("message_id", env.MessageID))
			return nil
		}
	}
	reply := domain.Reply{
		Status: firstNonEmpty(env.Type, payload.Status),
		Data:   payload.Data,
		Error:  payload.Error,
	}

	return c.uow.Do(ctx, func(ctx domain.Context) error {
		fresh, err := c.inbox.MarkIfAbsent(ctx, messageID, ReplyHandlerName)
		if err != nil {
			return err
		}
		if !fresh {
			observability.RepliesDeduplicatedTotal.Inc()
			slog.Debug("duplicate reply dropped", slog.String("message_id", messageID.String()))
			return nil
		}
		return c.handler.HandleReply(ctx, correlationID, commandID, reply)
	})
}

// Close closes the consumer after committing nothing further.
func (c *ReplyConsumer) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
