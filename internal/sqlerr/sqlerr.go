// Package sqlerr defines the error taxonomy shared by the wire protocol, the
// connection pool and the public API. Every error carries a kind, and when the
// server produced it, the SQL state and vendor code from the ERR packet.
package sqlerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error the way SQL state classes do.
type Kind int

const (
	// KindUnknown covers errors with no recognised SQL state class.
	KindUnknown Kind = iota
	// KindInvalidAuthorization covers SQL state class 28.
	KindInvalidAuthorization
	// KindTransientConnection covers SQL state class 08: connection refused,
	// reset, and the circuit breaker failing fast.
	KindTransientConnection
	// KindData covers SQL state class 22: truncation, invalid datetime.
	KindData
	// KindIntegrityConstraintViolation covers SQL state class 23.
	KindIntegrityConstraintViolation
	// KindTransactionRollback covers SQL state class 40: deadlock,
	// lock-wait timeout.
	KindTransactionRollback
	// KindFeatureNotSupported covers SQL state class 0A.
	KindFeatureNotSupported
	// KindSyntax covers SQL state class 42.
	KindSyntax
	// KindBatchUpdate marks a batch failure carrying per-statement counts.
	KindBatchUpdate
	// KindProtocolViolation marks an unexpected wire frame. The connection
	// that produced it is poisoned and never returns to the pool.
	KindProtocolViolation
	// KindTimeout marks an elapsed read, validation or acquisition deadline.
	KindTimeout
	// KindMisuse marks API misuse: savepoint with autocommit on, unset
	// parameter, and similar caller mistakes.
	KindMisuse
	// KindConfiguration marks invalid configuration detected before any
	// socket work.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindInvalidAuthorization:
		return "invalid authorization"
	case KindTransientConnection:
		return "transient connection"
	case KindData:
		return "data"
	case KindIntegrityConstraintViolation:
		return "integrity constraint violation"
	case KindTransactionRollback:
		return "transaction rollback"
	case KindFeatureNotSupported:
		return "feature not supported"
	case KindSyntax:
		return "syntax"
	case KindBatchUpdate:
		return "batch update"
	case KindProtocolViolation:
		return "protocol violation"
	case KindTimeout:
		return "timeout"
	case KindMisuse:
		return "misuse"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// TimeoutScope distinguishes which deadline elapsed.
type TimeoutScope int

const (
	TimeoutNone TimeoutScope = iota
	// TimeoutRead is a socket read deadline.
	TimeoutRead
	// TimeoutValidation is an isValid probe deadline.
	TimeoutValidation
	// TimeoutAcquire is a pool acquisition deadline.
	TimeoutAcquire
)

// BatchAborted is the update count reported for statements that never ran
// because an earlier statement in the batch failed.
const BatchAborted int64 = -3

// Error is the one error type this module returns for anything beyond plain
// wrapping. Zero-value fields are simply absent.
type Error struct {
	Kind     Kind
	Code     uint16 // vendor error code from the ERR packet
	SQLState string
	Message  string
	// SQL is the statement text that triggered the error, when known.
	SQL string
	// Params holds the rendered parameter table for prepared statements.
	Params []string
	// UpdateCounts carries per-statement affected rows for batch errors,
	// with BatchAborted for statements abandoned after the failure.
	UpdateCounts []int64
	// Scope narrows timeout errors to the deadline that fired.
	Scope TimeoutScope

	cause error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Code != 0 {
		fmt.Fprintf(&b, " (%d)", e.Code)
	}
	if e.SQLState != "" {
		fmt.Fprintf(&b, " [%s]", e.SQLState)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithSQL attaches statement text to the error and returns it.
func (e *Error) WithSQL(sql string) *Error {
	e.SQL = sql
	return e
}

// WithParams attaches a rendered parameter table and returns the error.
func (e *Error) WithParams(params []string) *Error {
	e.Params = params
	return e
}

// New builds an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error of the given kind around a cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Timeout builds a timeout error for the given scope.
func Timeout(scope TimeoutScope, format string, args ...any) *Error {
	return &Error{Kind: KindTimeout, Scope: scope, Message: fmt.Sprintf(format, args...)}
}

// Batch builds a batch-update error carrying per-statement counts.
func Batch(cause error, counts []int64) *Error {
	return &Error{Kind: KindBatchUpdate, Message: "batch aborted", UpdateCounts: counts, cause: cause}
}

// FromServer maps an ERR packet to an error, classified by the SQL state
// class the server reported.
func FromServer(code uint16, sqlState, message string) *Error {
	return &Error{
		Kind:     kindForState(sqlState),
		Code:     code,
		SQLState: sqlState,
		Message:  message,
	}
}

func kindForState(state string) Kind {
	if len(state) < 2 {
		return KindUnknown
	}
	switch state[:2] {
	case "28":
		return KindInvalidAuthorization
	case "08":
		return KindTransientConnection
	case "22":
		return KindData
	case "23":
		return KindIntegrityConstraintViolation
	case "40":
		return KindTransactionRollback
	case "0A":
		return KindFeatureNotSupported
	case "42":
		return KindSyntax
	default:
		return KindUnknown
	}
}

// KindOf extracts the kind from err, or KindUnknown when err is not one of
// ours.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err is a module error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
