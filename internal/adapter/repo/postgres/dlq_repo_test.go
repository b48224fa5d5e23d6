package postgres_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FreeSideNomad/messaging-platform/internal/adapter/repo/postgres"
	"github.com/FreeSideNomad/messaging-platform/internal/domain"
)

func TestDLQPark_OK(t *testing.T) {
	t.Parallel()
	repo := postgres.NewDLQRepo(&poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")})
	require.NoError(t, repo.Park(t.Context(), domain.DlqEntry{
		ID:           uuid.New(),
		CommandID:    uuid.New(),
		CommandName:  "ReserveFundsCommand",
		BusinessKey:  "bk-1",
		FailedStatus: domain.CommandFailed,
		ErrorClass:   "permanent",
		ErrorMessage: "invalid account",
		Attempts:     3,
		ParkedBy:     "host-a",
		ParkedAt:     time.Now().UTC(),
	}))
}

func TestDLQCount(t *testing.T) {
	t.Parallel()
	repo := postgres.NewDLQRepo(&poolStub{
		row: rowStub{scan: func(dest ...any) error {
			*(dest[0].(*int64)) = 7
			return nil
		}},
	})
	n, err := repo.Count(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}
