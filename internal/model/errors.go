package model

import (
	"context"
	"errors"
	"strings"
)

// Error kinds. Match them with errors.Is.
var (
	ErrSourceNotFound        = errors.New("source not found")
	ErrSourceProtocol        = errors.New("source protocol error")
	ErrSourceRateLimited     = errors.New("source rate limited")
	ErrSourceUnavailable     = errors.New("source unavailable")
	ErrOracleResponseInvalid = errors.New("oracle response invalid")
	ErrOracleUnavailable     = errors.New("oracle unavailable")
	ErrStoreWriteFailed      = errors.New("store write failed")
)

// Error attaches the operation and the community or post it concerned to
// an error kind and its cause.
type Error struct {
	Op         string
	Kind       error
	Community  string
	ExternalID string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("error")
	}
	if e.Community != "" {
		b.WriteString(" community=")
		b.WriteString(e.Community)
	}
	if e.ExternalID != "" {
		b.WriteString(" post=")
		b.WriteString(e.ExternalID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Retryable reports whether repeating the operation later may succeed.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrSourceRateLimited),
		errors.Is(err, ErrSourceUnavailable),
		errors.Is(err, ErrOracleUnavailable),
		errors.Is(err, ErrStoreWriteFailed),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}
