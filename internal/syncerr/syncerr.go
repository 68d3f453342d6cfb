// Package syncerr defines the error kinds shared by the sync engines and the
// transport shim. Engines return these; the shim is the single place that
// maps a kind to an HTTP status and response body.
package syncerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for failure classification.
// Use errors.Is(err, syncerr.ErrBusy) to check.
var (
	// ErrAuthRequired answers discovery probes (empty session key and body)
	// and any other request that carries an empty session key.
	// Clients show their credential dialog on this; it is not a failure.
	ErrAuthRequired = errors.New("sync: auth expected")

	// ErrUnauthorized covers malformed or unknown session keys and rejected
	// credentials.
	ErrUnauthorized = errors.New("sync: unauthorized")

	// ErrSchemaLock means incremental sync is impossible (scm mismatch or
	// unsupported schema version); the client must full-sync.
	ErrSchemaLock = errors.New("sync: schema lock")

	// ErrConflict is a post-merge sanity mismatch; the staged transaction
	// has been discarded.
	ErrConflict = errors.New("sync: sanity check failed")

	// ErrBusy means another sync for the same user holds the lock.
	ErrBusy = errors.New("sync: user busy")

	// ErrBadRequest covers malformed bodies, wrong compression, and
	// operations invalid for the current sync state.
	ErrBadRequest = errors.New("sync: bad request")

	// ErrTemporary means a dependency (identity gateway) is unavailable;
	// the client may retry without invalidating anything.
	ErrTemporary = errors.New("sync: temporarily unavailable")

	// ErrInternal covers I/O failures and corrupt state. Details are
	// logged server-side, never sent to the client.
	ErrInternal = errors.New("sync: internal error")
)

// Error wraps a sentinel with a client-visible message and an underlying
// cause. The message is safe to return in a response body; the cause is not.
type Error struct {
	Kind    error // sentinel, for errors.Is()
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// New builds an Error with the given kind and client-visible message.
func New(kind error, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf is New with formatting.
func Newf(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an underlying cause. The cause is logged, not serialized.
func Wrap(kind error, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Internal wraps an unexpected failure. The client sees only a generic
// message; the wrapped error goes to the log.
func Internal(err error) *Error {
	return &Error{Kind: ErrInternal, Message: "internal server error", Err: err}
}

// MessageFor returns the client-visible message for err, or a generic one
// when err carries no Error wrapper.
func MessageFor(err error) string {
	var se *Error
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}

	return "internal server error"
}
