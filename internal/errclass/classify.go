// Package errclass maps low-level storage and transport errors onto the
// platform's three-valued error taxonomy.
package errclass

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/FreeSideNomad/messaging-platform/internal/domain"
)

// Kind is the classification result.
type Kind string

// Classification kinds. Unknown errors default to Transient so the caller
// errs on the side of retrying.
const (
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
)

// SQLSTATE class prefixes considered transient: connection exceptions,
// transaction rollbacks (serialization, deadlock), server shutdown, lock not
// available, and insufficient resources.
var transientSQLStates = []string{"08", "40", "57P03", "55P03", "53"}

// SQLSTATE class prefixes considered permanent: data exceptions, integrity
// violations, syntax/access errors, and missing database/schema.
var permanentSQLStates = []string{"22", "23", "42", "3D", "3F"}

var transientMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"lock timeout",
	"deadlock",
	"pool exhausted",
	"too many connections",
	"temporarily unavailable",
	"timeout",
	"deadline exceeded",
	"leader not available",
	"not enough replicas",
}

var permanentMessages = []string{
	"does not exist",
	"unique violation",
	"duplicate key",
	"violates unique constraint",
	"violates foreign key constraint",
	"syntax error",
	"invalid input syntax",
	"cannot cast",
	"unknown topic",
	"message too large",
}

// Classify maps err to a Kind. Classification is case-insensitive on
// messages and tolerates nil errors and empty SQL states.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}
	// Taxonomy wrappers win if already applied upstream.
	if domain.IsPermanent(err) {
		return KindPermanent
	}
	if domain.IsTransient(err) {
		return KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if k, ok := classifySQLState(pgErr.Code); ok {
			return k
		}
	}

	msg := strings.ToLower(err.Error())
	for _, s := range permanentMessages {
		if strings.Contains(msg, s) {
			return KindPermanent
		}
	}
	for _, s := range transientMessages {
		if strings.Contains(msg, s) {
			return KindTransient
		}
	}
	return KindTransient
}

// Wrap applies the taxonomy wrapper matching Classify's verdict.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if Classify(err) == KindPermanent {
		return domain.Permanent(err)
	}
	return domain.Transient(err)
}

func classifySQLState(code string) (Kind, bool) {
	if code == "" {
		return "", false
	}
	upper := strings.ToUpper(code)
	for _, p := range permanentSQLStates {
		if strings.HasPrefix(upper, p) {
			return KindPermanent, true
		}
	}
	for _, p := range transientSQLStates {
		if strings.HasPrefix(upper, p) {
			return KindTransient, true
		}
	}
	return "", false
}
