package postgres_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FreeSideNomad/messaging-platform/internal/adapter/repo/postgres"
	"github.com/FreeSideNomad/messaging-platform/internal/domain"
)

func TestOutboxClaimIfNew_LostRace(t *testing.T) {
	t.Parallel()
	// The row was not NEW: the conditional update matches nothing.
	repo := postgres.NewOutboxRepo(&poolStub{
		row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }},
	})
	_, claimed, err := repo.ClaimIfNew(t.Context(), uuid.New(), "host-a")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestOutboxMarkPublished_UnknownRow(t *testing.T) {
	t.Parallel()
	repo := postgres.NewOutboxRepo(&poolStub{execTag: pgconn.NewCommandTag("UPDATE 0")})
	err := repo.MarkPublished(t.Context(), uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOutboxReschedule_OK(t *testing.T) {
	t.Parallel()
	repo := postgres.NewOutboxRepo(&poolStub{execTag: pgconn.NewCommandTag("UPDATE 1")})
	require.NoError(t, repo.Reschedule(t.Context(), uuid.New(), 2*time.Second, "connection refused"))
}

func TestOutboxRecoverStuck_ReturnsCount(t *testing.T) {
	t.Parallel()
	repo := postgres.NewOutboxRepo(&poolStub{execTag: pgconn.NewCommandTag("UPDATE 3")})
	n, err := repo.RecoverStuck(t.Context(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestOutboxAppend_MarshalsHeaders(t *testing.T) {
	t.Parallel()
	repo := postgres.NewOutboxRepo(&poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")})
	row := domain.OutboxRow{
		ID:        uuid.New(),
		Category:  domain.CategoryCommand,
		Topic:     "APP.CMD.SETTLE.Q",
		Key:       "bk-1",
		Type:      "SettleCommand",
		Headers:   map[string]string{domain.HeaderCorrelationID: uuid.New().String()},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Append(t.Context(), row))
}

func TestOutboxClaimTimeoutDefault(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 5*time.Minute, postgres.DefaultClaimTimeout)
}
