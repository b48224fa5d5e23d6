package errclass_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/FreeSideNomad/messaging-platform/internal/domain"
	"github.com/FreeSideNomad/messaging-platform/internal/errclass"
)

func TestClassify_SQLStates(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		code string
		want errclass.Kind
	}{
		{"connection exception", "08006", errclass.KindTransient},
		{"serialization failure", "40001", errclass.KindTransient},
		{"deadlock detected", "40P01", errclass.KindTransient},
		{"cannot connect now", "57P03", errclass.KindTransient},
		{"lock not available", "55P03", errclass.KindTransient},
		{"too many connections", "53300", errclass.KindTransient},
		{"unique violation", "23505", errclass.KindPermanent},
		{"foreign key violation", "23503", errclass.KindPermanent},
		{"undefined table", "42P01", errclass.KindPermanent},
		{"syntax error", "42601", errclass.KindPermanent},
		{"data exception", "22001", errclass.KindPermanent},
		{"invalid catalog", "3D000", errclass.KindPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := &pgconn.PgError{Code: tc.code, Message: tc.name}
			assert.Equal(t, tc.want, errclass.Classify(err))
		})
	}
}

func TestClassify_Messages(t *testing.T) {
	t.Parallel()
	cases := []struct {
		msg  string
		want errclass.Kind
	}{
		{"dial tcp: CONNECTION REFUSED", errclass.KindTransient},
		{"Deadlock detected while locking", errclass.KindTransient},
		{"pool exhausted", errclass.KindTransient},
		{"i/o timeout", errclass.KindTransient},
		{"relation \"outbox\" does not exist", errclass.KindPermanent},
		{"duplicate key value violates unique constraint", errclass.KindPermanent},
		{"Syntax Error at or near SELECT", errclass.KindPermanent},
		{"something nobody has seen before", errclass.KindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, errclass.Classify(errors.New(tc.msg)))
		})
	}
}

func TestClassify_NilAndContext(t *testing.T) {
	t.Parallel()
	// Nil and empty states are tolerated; unknown defaults to transient.
	assert.Equal(t, errclass.KindTransient, errclass.Classify(nil))
	assert.Equal(t, errclass.KindTransient, errclass.Classify(&pgconn.PgError{}))
	assert.Equal(t, errclass.KindTransient, errclass.Classify(context.DeadlineExceeded))
	assert.Equal(t, errclass.KindTransient, errclass.Classify(context.Canceled))
}

func TestClassify_RespectsExistingWrappers(t *testing.T) {
	t.Parallel()
	assert.Equal(t, errclass.KindPermanent, errclass.Classify(domain.Permanent(errors.New("timeout"))))
	assert.Equal(t, errclass.KindTransient, errclass.Classify(domain.Transient(errors.New("does not exist"))))
	assert.Equal(t, errclass.KindTransient, errclass.Classify(domain.RetryableBusiness(errors.New("insufficient funds"))))
}

func TestWrap(t *testing.T) {
	t.Parallel()
	assert.NoError(t, errclass.Wrap(nil))

	err := errclass.Wrap(&pgconn.PgError{Code: "23505"})
	assert.True(t, domain.IsPermanent(err))

	err = errclass.Wrap(fmt.Errorf("op=x: %w", errors.New("connection refused")))
	assert.True(t, domain.IsTransient(err))
	assert.False(t, domain.IsPermanent(err))
}
