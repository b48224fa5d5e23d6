package postgres_test

import (
	"errors"
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

func pendingCommand() domain.Command {
	now := time.Now().UTC()
	return domain.Command{
		ID:             uuid.New(),
		Name:           "ReserveFundsCommand",
		BusinessKey:    "bk-1",
		IdempotencyKey: "pid:ReserveFunds",
		Status:         domain.CommandPending,
		RequestedAt:    now,
		UpdatedAt:      now,
	}
}

func TestCommandInsert_OK(t *testing.T) {
	t.Parallel()
	repo := postgres.NewCommandRepo(&poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")})
	require.NoError(t, repo.Insert(t.Context(), pendingCommand()))
}

func TestCommandInsert_UniqueViolationIsPermanentConflict(t *testing.T) {
	t.Parallel()
	repo := postgres.NewCommandRepo(&poolStub{execErr: &pgconn.PgError{Code: "23505"}})
	err := repo.Insert(t.Context(), pendingCommand())
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestCommandInsert_OtherErrorsClassified(t *testing.T) {
	t.Parallel()
	repo := postgres.NewCommandRepo(&poolStub{execErr: errors.New("connection refused")})
	err := repo.Insert(t.Context(), pendingCommand())
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}

func TestCommandFindByID_NoRows(t *testing.T) {
	t.Parallel()
	repo := postgres.NewCommandRepo(&poolStub{
		row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }},
	})
	_, err := repo.FindByID(t.Context(), uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCommandMarkRunning_ConflictWhenNotPending(t *testing.T) {
	t.Parallel()
	repo := postgres.NewCommandRepo(&poolStub{execTag: pgconn.NewCommandTag("UPDATE 0")})
	err := repo.MarkRunning(t.Context(), uuid.New(), time.Now().Add(time.Minute))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestCommandMarkTerminal_RejectsNonTerminalStatus(t *testing.T) {
	t.Parallel()
	repo := postgres.NewCommandRepo(&poolStub{})
	err := repo.MarkTerminal(t.Context(), uuid.New(), domain.CommandRunning, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
