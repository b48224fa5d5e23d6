package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/FreeSideNomad/messaging-platform/internal/domain"
)

type passthroughUoW struct{}

func (passthroughUoW) Do(ctx domain.Context, fn func(ctx domain.Context) error) error {
	return fn(ctx)
}

type memInbox struct{ seen map[string]bool }

func newMemInbox() *memInbox { return &memInbox{seen: make(map[string]bool)} }

func (m *memInbox) MarkIfAbsent(_ domain.Context, messageID uuid.UUID, handler string) (bool, error) {
	key := messageID.String() + "/" + handler
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

type capturedReply struct {
	correlationID uuid.UUID
	commandID     uuid.UUID
	reply         domain.Reply
}

type captureHandler struct {
	replies []capturedReply
	err     error
}

func (h *captureHandler) HandleReply(_ domain.Context, correlationID, commandID uuid.UUID, reply domain.Reply) error {
	if h.err != nil {
		return h.err
	}
	h.replies = append(h.replies, capturedReply{correlationID, commandID, reply})
	return nil
}

func replyRecord(t *testing.T, messageID, correlationID, commandID uuid.UUID, replyType string, data map[string]any, replyErr string) *kgo.Record {
	t.Helper()
	payload, err := json.Marshal(wireReplyPayload{Status: replyType, Data: data, Error: replyErr})
	require.NoError(t, err)
	env := wireEnvelope{
		MessageID:     messageID.String(),
		Category:      string(domain.CategoryReply),
		Type:          replyType,
		CommandID:     commandID.String(),
		CorrelationID: correlationID.String(),
		CreatedAt:     time.Now().UTC(),
		Payload:       payload,
	}
	value, err := json.Marshal(env)
	require.NoError(t, err)
	return &kgo.Record{Topic: "APP.CMD.REPLY.Q", Value: value}
}

func newTestConsumer(inbox domain.InboxRepository, handler domain.ReplyHandler) *ReplyConsumer {
	return &ReplyConsumer{uow: passthroughUoW{}, inbox: inbox, handler: handler, topic: "APP.CMD.REPLY.Q"}
}

func TestProcessRecord_DeliversReply(t *testing.T) {
	t.Parallel()
	handler := &captureHandler{}
	c := newTestConsumer(newMemInbox(), handler)

	correlationID, commandID := uuid.New(), uuid.New()
	rec := replyRecord(t, uuid.New(), correlationID, commandID, domain.TypeCommandCompleted,
		map[string]any{"x": float64(1)}, "")

	require.NoError(t, c.processRecord(context.Background(), rec))
	require.Len(t, handler.replies, 1)
	got := handler.replies[0]
	assert.Equal(t, correlationID, got.correlationID)
	assert.Equal(t, commandID, got.commandID)
	assert.Equal(t, domain.TypeCommandCompleted, got.reply.Status)
	assert.Equal(t, float64(1), got.reply.Data["x"])
}

func TestProcessRecord_DuplicateDropped(t *testing.T) {
	t.Parallel()
	handler := &captureHandler{}
	c := newTestConsumer(newMemInbox(), handler)

	messageID := uuid.New()
	rec := replyRecord(t, messageID, uuid.New(), uuid.New(), domain.TypeCommandCompleted, nil, "")

	require.NoError(t, c.processRecord(context.Background(), rec))
	// Identical redelivery: the inbox has seen this message id.
	require.NoError(t, c.processRecord(context.Background(), rec))
	assert.Len(t, handler.replies, 1)
}

func TestProcessRecord_MalformedDropped(t *testing.T) {
	t.Parallel()
	handler := &captureHandler{}
	c := newTestConsumer(newMemInbox(), handler)

	require.NoError(t, c.processRecord(context.Background(), &kgo.Record{Value: []byte("{not json")}))
	require.NoError(t, c.processRecord(context.Background(), &kgo.Record{Value: []byte(`{"messageId":"nope"}`)}))
	assert.Empty(t, handler.replies)
}

func TestProcessRecord_HandlerErrorPropagatesForRedelivery(t *testing.T) {
	t.Parallel()
	handler := &captureHandler{err: errors.New("db down")}
	inbox := newMemInbox()
	c := newTestConsumer(inbox, handler)

	rec := replyRecord(t, uuid.New(), uuid.New(), uuid.New(), domain.TypeCommandFailed, nil, "boom")
	err := c.processRecord(context.Background(), rec)
	require.Error(t, err)
}

func TestProcessRecord_FailedReplyCarriesError(t *testing.T) {
	t.Parallel()
	handler := &captureHandler{}
	c := newTestConsumer(newMemInbox(), handler)

	rec := replyRecord(t, uuid.New(), uuid.New(), uuid.New(), domain.TypeCommandFailed,
		map[string]any{domain.HeaderParallelBranch: "B2"}, "perm")
	require.NoError(t, c.processRecord(context.Background(), rec))
	require.Len(t, handler.replies, 1)
	assert.Equal(t, domain.TypeCommandFailed, handler.replies[0].reply.Status)
	assert.Equal(t, "perm", handler.replies[0].reply.Error)
	assert.Equal(t, "B2", handler.replies[0].reply.ParallelBranch())
}
