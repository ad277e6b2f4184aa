package shared

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures so callers can map them to a
// recovery strategy (fix input, fix workflow ordering, or fix the reference).
type ErrorKind string

const (
	KindValidation ErrorKind = "VALIDATION"
	KindState      ErrorKind = "STATE"
	KindNotFound   ErrorKind = "NOT_FOUND"
)

// DomainError carries a kind plus a message with enough context
// (ids, amounts, dates) to diagnose without re-deriving state.
type DomainError struct {
	Kind    ErrorKind
	Message string
}

func (e *DomainError) Error() string { return e.Message }

// Validationf builds a VALIDATION error.
func Validationf(format string, args ...any) error {
	return &DomainError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Statef builds a STATE error.
func Statef(format string, args ...any) error {
	return &DomainError{Kind: KindState, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a NOT_FOUND error.
func NotFoundf(format string, args ...any) error {
	return &DomainError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the classification of err, or "" for plain errors.
func KindOf(err error) ErrorKind {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsValidation reports whether err is a VALIDATION error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsState reports whether err is a STATE error.
func IsState(err error) bool { return KindOf(err) == KindState }

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }
