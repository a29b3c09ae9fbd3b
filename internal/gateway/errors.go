package gateway

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorKind string

const (
	KindUnauthenticated ErrorKind = "unauthenticated"
	KindValidation      ErrorKind = "validation"
	KindNotFound        ErrorKind = "not_found"
	KindPersistence     ErrorKind = "persistence"
	KindPartialBatch    ErrorKind = "partial_batch"
)

// Error is the outcome of a failed gateway operation. Message is safe to
// show to the user; Err keeps the underlying cause for logs.
type Error struct {
	Kind      ErrorKind
	Message   string
	FailedIDs []string
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if len(e.FailedIDs) > 0 {
		return fmt.Sprintf("%s: %s (failed: %s)", e.Kind, e.Message, strings.Join(e.FailedIDs, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a gateway error, or KindPersistence for any
// other non-nil error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return KindPersistence
}

// MessageOf returns the user-facing message of err.
func MessageOf(err error) string {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func IsUnauthenticated(err error) bool {
	return KindOf(err) == KindUnauthenticated
}

func unauthenticated() *Error {
	return &Error{Kind: KindUnauthenticated, Message: "Not authenticated"}
}

func validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

func notFound(message string, err error) *Error {
	return &Error{Kind: KindNotFound, Message: message, Err: err}
}

func persistence(message string, err error) *Error {
	return &Error{Kind: KindPersistence, Message: message, Err: err}
}
