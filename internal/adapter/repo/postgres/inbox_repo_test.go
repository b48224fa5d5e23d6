package postgres_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FreeSideNomad/messaging-platform/internal/adapter/repo/postgres"
)

func TestInboxMarkIfAbsent_FirstDelivery(t *testing.T) {
	t.Parallel()
	repo := postgres.NewInboxRepo(&poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")})
	fresh, err := repo.MarkIfAbsent(t.Context(), uuid.New(), "process-manager")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestInboxMarkIfAbsent_Duplicate(t *testing.T) {
	t.Parallel()
	// ON CONFLICT DO NOTHING affects zero rows on a duplicate.
	repo := postgres.NewInboxRepo(&poolStub{execTag: pgconn.NewCommandTag("INSERT 0 0")})
	fresh, err := repo.MarkIfAbsent(t.Context(), uuid.New(), "process-manager")
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestInboxMarkIfAbsent_Error(t *testing.T) {
	t.Parallel()
	repo := postgres.NewInboxRepo(&poolStub{execErr: errors.New("connection refused")})
	_, err := repo.MarkIfAbsent(t.Context(), uuid.New(), "process-manager")
	require.Error(t, err)
}
