package ome

import "fmt"

// ErrorKind classifies an OME failure the way spec §7 enumerates them.
type ErrorKind string

const (
	ErrInvalidLane       ErrorKind = "InvalidLane"
	ErrBlobCountMismatch ErrorKind = "BlobCountMismatch"
	ErrUnwhitelistedBlob ErrorKind = "UnwhitelistedBlob"
	ErrInvalidAction     ErrorKind = "InvalidAction"
	ErrDuplicateOrderId  ErrorKind = "DuplicateOrderId"
	ErrNotFound          ErrorKind = "NotFound"
	ErrNotOwner          ErrorKind = "NotOwner"
	ErrInsufficientBal   ErrorKind = "InsufficientBalance"
	ErrDepositQuarantine ErrorKind = "DepositQuarantine"
	ErrNoLiquidity       ErrorKind = "NoLiquidity"
	ErrPriceZero         ErrorKind = "PriceZero"
)

// Error is the typed error the engine returns. It satisfies errors.Is
// against the sentinel ErrorKind values via Is, and carries enough context
// for FailedTx reporting.
type Error struct {
	Kind    ErrorKind
	Context string
}

func (e *Error) Error() string {
	if e.Context == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Context)
}

// Is lets callers test with errors.Is(err, &ome.Error{Kind: ome.ErrNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newErr(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Context: fmt.Sprintf(format, args...)}
}
