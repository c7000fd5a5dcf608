// internal/apperr/apperr.go
// Package apperr defines the error kinds shared by the retrieval, provider and
// HTTP layers, and how each kind maps to a retry decision and a status code.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error by how a caller should react to it.
type Kind string

const (
	KindInternal          Kind = "internal"
	KindInvalidInput      Kind = "invalid_input"
	KindNotFound          Kind = "not_found"
	KindIndexEmpty        Kind = "index_empty"
	KindRemoteUnavailable Kind = "remote_unavailable"
	KindRemoteRejected    Kind = "remote_rejected"
	KindTimeout           Kind = "timeout"
)

// Error is an error tagged with a Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(string(e.Kind))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, apperr.ErrIndexEmpty)
// works for any wrapped index-empty error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrIndexEmpty        = &Error{Kind: KindIndexEmpty}
	ErrRemoteUnavailable = &Error{Kind: KindRemoteUnavailable}
	ErrRemoteRejected    = &Error{Kind: KindRemoteRejected}
	ErrTimeout           = &Error{Kind: KindTimeout}
)

// New builds an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// InvalidInput is shorthand for New(KindInvalidInput, ...).
func InvalidInput(op, format string, args ...any) *Error {
	return New(KindInvalidInput, op, format, args...)
}

// KindOf reports the kind of the outermost *Error in err's chain. Context
// deadline errors count as timeouts even when untagged.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Retryable reports whether another attempt could succeed.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindRemoteUnavailable, KindTimeout:
		return true
	}
	return false
}

// FromStatus maps a remote HTTP status to a kind.
func FromStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests, code >= 500:
		return KindRemoteUnavailable
	case code == http.StatusRequestTimeout:
		return KindTimeout
	case code >= 400:
		return KindRemoteRejected
	}
	return KindInternal
}

// HTTPStatus is the status the API answers with for a kind.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindIndexEmpty:
		return http.StatusConflict
	case KindRemoteRejected:
		return http.StatusBadGateway
	case KindRemoteUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
