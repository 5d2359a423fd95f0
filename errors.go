package myriad

import (
	"github.com/myriadb/myriad/internal/sqlerr"
)

// Error is the typed error every operation in this module returns. Match it
// with errors.As and switch on Kind, or use the Is helper.
type Error = sqlerr.Error

// ErrorKind classifies an Error by SQL state class.
type ErrorKind = sqlerr.Kind

// TimeoutScope narrows KindTimeout errors to the deadline that fired.
type TimeoutScope = sqlerr.TimeoutScope

const (
	KindUnknown                      = sqlerr.KindUnknown
	KindInvalidAuthorization         = sqlerr.KindInvalidAuthorization
	KindTransientConnection          = sqlerr.KindTransientConnection
	KindData                         = sqlerr.KindData
	KindIntegrityConstraintViolation = sqlerr.KindIntegrityConstraintViolation
	KindTransactionRollback          = sqlerr.KindTransactionRollback
	KindFeatureNotSupported          = sqlerr.KindFeatureNotSupported
	KindSyntax                       = sqlerr.KindSyntax
	KindBatchUpdate                  = sqlerr.KindBatchUpdate
	KindProtocolViolation            = sqlerr.KindProtocolViolation
	KindTimeout                      = sqlerr.KindTimeout
	KindMisuse                       = sqlerr.KindMisuse
	KindConfiguration                = sqlerr.KindConfiguration
)

const (
	TimeoutRead       = sqlerr.TimeoutRead
	TimeoutValidation = sqlerr.TimeoutValidation
	TimeoutAcquire    = sqlerr.TimeoutAcquire
)

// BatchAborted is the update count recorded for batch statements abandoned
// after an earlier failure.
const BatchAborted = sqlerr.BatchAborted

// IsKind reports whether err is a module error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return sqlerr.Is(err, kind)
}

// KindOf extracts the kind from err, or KindUnknown for foreign errors.
func KindOf(err error) ErrorKind {
	return sqlerr.KindOf(err)
}
