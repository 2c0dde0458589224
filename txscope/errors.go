package txscope

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrScopeOrder marks scopes or boundaries released out of LIFO order.
	ErrScopeOrder = errors.New("txscope: scope order violation")
	// ErrCoordinatorUnavailable marks a transaction that needed a second
	// physical connection but could not be promoted.
	ErrCoordinatorUnavailable = errors.New("txscope: transaction coordinator unavailable")
	// ErrCommitFailed marks a root boundary whose commit or rollback failed.
	ErrCommitFailed = errors.New("txscope: commit failed")
	// ErrHandleClosed is returned by statements issued over a released handle.
	ErrHandleClosed = errors.New("txscope: connection handle closed")
)

// ConnectionError reports that a physical connection could not be opened or
// could not start its transaction.
type ConnectionError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("txscope: %s connection to %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransactionCoordinationError reports a second physical connection enlisted
// in one logical transaction without a coordinator able to promote it. The
// message text is stable: callers match on
// "transaction coordinator on server '.*' is unavailable".
type TransactionCoordinationError struct {
	Endpoint   string
	BoundaryID uuid.UUID
	Enlisted   int
}

func (e *TransactionCoordinationError) Error() string {
	return fmt.Sprintf("transaction coordinator on server '%s' is unavailable (boundary %s already holds %d connection(s); use a shared connection scope)",
		e.Endpoint, e.BoundaryID, e.Enlisted)
}

func (e *TransactionCoordinationError) Is(target error) bool {
	return target == ErrCoordinatorUnavailable
}

// ScopeOrderError reports a frame or boundary released while it was not the
// innermost live one of its execution context.
type ScopeOrderError struct {
	Kind   string // "scope" or "boundary"
	Reason string
}

func (e *ScopeOrderError) Error() string {
	return fmt.Sprintf("txscope: %s released out of order: %s", e.Kind, e.Reason)
}

func (e *ScopeOrderError) Is(target error) bool {
	return target == ErrScopeOrder
}

// CommitError reports a failed commit or rollback of a root boundary. The
// final state of the unit of work is indeterminate unless Indeterminate is
// false; it is never retried by this package.
type CommitError struct {
	BoundaryID    uuid.UUID
	Phase         string // "commit" or "rollback"
	SQLState      string
	Retryable     bool
	Indeterminate bool
	Err           error
}

func (e *CommitError) Error() string {
	msg := fmt.Sprintf("txscope: %s boundary %s", e.Phase, e.BoundaryID)
	if e.SQLState != "" {
		msg += " sqlstate=" + e.SQLState
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

func (e *CommitError) Is(target error) bool {
	return target == ErrCommitFailed
}

func newCommitError(id uuid.UUID, phase string, err error) *CommitError {
	retryable, sqlState := classifyPgError(err)
	return &CommitError{
		BoundaryID:    id,
		Phase:         phase,
		SQLState:      sqlState,
		Retryable:     retryable,
		Indeterminate: true,
		Err:           err,
	}
}

// classifyPgError inspects pg errors and reports whether re-running the whole
// unit of work makes sense.
func classifyPgError(err error) (retryable bool, sqlState string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		sqlState = pgErr.SQLState()
		switch sqlState {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return true, sqlState
		default:
			return false, sqlState
		}
	}
	return false, ""
}

// IsRetryable reports whether err ended a unit of work with a serialization,
// deadlock or lock timeout failure. The caller decides whether to run the
// unit of work again; commits themselves are never replayed.
func IsRetryable(err error) bool {
	var commitErr *CommitError
	if errors.As(err, &commitErr) {
		return commitErr.Retryable
	}
	retryable, _ := classifyPgError(err)
	return retryable
}
