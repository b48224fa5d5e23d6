package redpanda

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/FreeSideNomad/messaging-platform/internal/domain"
)

// Publisher delivers claimed outbox rows to Redpanda/Kafka. It is invoked
// by dispatcher workers only, never from inside a unit-of-work.
type Publisher struct {
	client *kgo.Client
}

// NewPublisher constructs a Publisher over the given brokers.
func NewPublisher(brokers []string) (*Publisher, error) {
	slog.Info("creating redpanda publisher", slog.Any("brokers", brokers))
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}
	return &Publisher{client: client}, nil
}

var _ domain.Publisher = (*Publisher)(nil)

// Publish sends one outbox row as an envelope record. The outbox row id is
// the envelope message id, so consumer-side dedup spans publish retries.
func (p *Publisher) Publish(ctx domain.Context, row domain.OutboxRow) error {
	env := wireEnvelope{
		MessageID:     row.ID.String(),
		Category:      string(row.Category),
		Type:          row.Type,
		CommandID:     row.Headers[domain.HeaderCommandID],
		CorrelationID: row.Headers[domain.HeaderCorrelationID],
		CreatedAt:     row.CreatedAt,
		BusinessKey:   row.Key,
		Headers:       row.Headers,
		Payload:       row.Payload,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return domain.Permanent(fmt.Errorf("op=publish.marshal: %w", err))
	}

	record := &kgo.Record{
		Topic: row.Topic,
		Key:   []byte(row.Key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "messageId", Value: []byte(env.MessageID)},
			{Key: "category", Value: []byte(env.Category)},
			{Key: "type", Value: []byte(env.Type)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=publish.produce: %w", err)
	}
	return nil
}

// Client exposes the underlying client for topic administration.
func (p *Publisher) Client() *kgo.Client { return p.client }

// Close closes the publisher.
func (p *Publisher) Close() {
	if p.client != nil {
		p.client.Close()
	}
}
