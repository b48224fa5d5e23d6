package domain_test

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FreeSideNomad/messaging-platform/internal/domain"
)

func TestNewEnvelope(t *testing.T) {
	t.Parallel()
	headers := map[string]string{domain.HeaderReplyTo: "APP.CMD.REPLY.Q"}
	env := domain.NewEnvelope(domain.CategoryCommand, "ReserveFundsCommand", "bk-1", headers, json.RawMessage(`{"amount":1}`))

	require.NotEqual(t, uuid.Nil, env.MessageID)
	assert.Equal(t, domain.CategoryCommand, env.Category)
	assert.Equal(t, "bk-1", env.BusinessKey)
	assert.False(t, env.CreatedAt.IsZero())

	// The header map is copied, not aliased.
	headers[domain.HeaderReplyTo] = "mutated"
	assert.Equal(t, "APP.CMD.REPLY.Q", env.Header(domain.HeaderReplyTo))
}

func TestEnvelope_ReplyQueueFallback(t *testing.T) {
	t.Parallel()
	env := domain.NewEnvelope(domain.CategoryReply, domain.TypeCommandCompleted, "bk", nil, nil)
	assert.Equal(t, "APP.CMD.REPLY.Q", env.ReplyQueue("APP.CMD.REPLY.Q"))

	env = domain.NewEnvelope(domain.CategoryReply, domain.TypeCommandCompleted, "bk", map[string]string{
		domain.HeaderReplyTo: "CUSTOM.REPLY.Q",
	}, nil)
	assert.Equal(t, "CUSTOM.REPLY.Q", env.ReplyQueue("APP.CMD.REPLY.Q"))
}

func TestReply_ParallelBranch(t *testing.T) {
	t.Parallel()
	r := domain.Reply{Data: map[string]any{domain.HeaderParallelBranch: "B2"}}
	assert.Equal(t, "B2", r.ParallelBranch())

	assert.Empty(t, domain.Reply{}.ParallelBranch())
	assert.Empty(t, domain.Reply{Data: map[string]any{domain.HeaderParallelBranch: 7}}.ParallelBranch())
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()
	assert.True(t, domain.ProcessSucceeded.Terminal())
	assert.True(t, domain.ProcessFailed.Terminal())
	assert.True(t, domain.ProcessCompensated.Terminal())
	assert.False(t, domain.ProcessRunning.Terminal())
	assert.False(t, domain.ProcessCompensating.Terminal())
	assert.False(t, domain.ProcessPaused.Terminal())

	assert.True(t, domain.CommandSucceeded.Terminal())
	assert.True(t, domain.CommandTimedOut.Terminal())
	assert.False(t, domain.CommandRunning.Terminal())
}
