package plc

import (
	"errors"
	"fmt"
)

// Reason names why an operation was rejected. Rejections are deterministic:
// the same operation against the same tip is always rejected the same way.
type Reason string

const (
	ReasonUnsupportedType    Reason = "UnsupportedType"
	ReasonStaleOrForkedPrev  Reason = "StaleOrForkedPrev"
	ReasonInvalidGenesis     Reason = "InvalidGenesis"
	ReasonNoRotationKeys     Reason = "NoRotationKeys"
	ReasonUnknownKeyType     Reason = "UnknownKeyType"
	ReasonGenesisDIDMismatch Reason = "GenesisDIDMismatch"
	ReasonInvalidSignature   Reason = "InvalidSignature"
)

// ErrNotFound is returned by BuildDocument when there is no tip to render.
var ErrNotFound = errors.New("plc: no operations for did")

// RejectedError is a validation failure of a candidate operation.
type RejectedError struct {
	Reason Reason
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("operation rejected: %s", e.Reason)
	}
	return fmt.Sprintf("operation rejected: %s: %s", e.Reason, e.Detail)
}

func reject(reason Reason, format string, args ...any) error {
	return &RejectedError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// IsRejected reports whether err is a RejectedError carrying reason.
func IsRejected(err error, reason Reason) bool {
	var rej *RejectedError
	return errors.As(err, &rej) && rej.Reason == reason
}

// EncodingError means the operation content cannot be decoded or
// canonicalized. It is a client input error and never worth retrying.
type EncodingError struct {
	Field string
	Err   error
}

func (e *EncodingError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed operation: %v", e.Err)
	}
	return fmt.Sprintf("malformed operation field %q: %v", e.Field, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }
