// Package errs defines the typed error variants the orchestration core
// surfaces, so callers can distinguish failure handling with errors.As
// instead of matching on strings.
package errs

import "fmt"

// Kind discriminates the handling policy for an error: whether it is
// retryable, and by whom.
type Kind string

const (
	KindValidation  Kind = "ValidationError"
	KindAuth        Kind = "AuthError"
	KindForbidden   Kind = "ForbiddenError"
	KindNotFound    Kind = "NotFoundError"
	KindConcurrency Kind = "ConcurrencyExceeded"
	KindConflict    Kind = "ConflictError"
	KindProvTimeout Kind = "ProvisioningTimeout"
	KindProvFailed  Kind = "ProvisioningFailed"
	KindTransient   Kind = "Transient"
	KindFatal       Kind = "Fatal"
)

// Error is the common shape every typed variant below implements.
type Error struct {
	kind      Kind
	Message   string
	SessionID string
	ProjectID string
	Reason    string
	Cause     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.kind, e.Message)
	if e.SessionID != "" {
		msg += fmt.Sprintf(" (session=%s)", e.SessionID)
	}
	if e.ProjectID != "" {
		msg += fmt.Sprintf(" (project=%s)", e.ProjectID)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Kind returns the error's handling category.
func (e *Error) Kind() Kind { return e.kind }

func new_(kind Kind, msg string) *Error {
	return &Error{kind: kind, Message: msg}
}

// Validation wraps a non-retryable malformed-input error.
func Validation(msg string) *Error { return new_(KindValidation, msg) }

// Auth wraps a non-retryable-by-the-same-credential auth failure: an
// unknown or inactive credential (HTTP 401, §6).
func Auth(msg string) *Error { return new_(KindAuth, msg) }

// Forbidden wraps a valid credential attempting to act outside its own
// scope — a project/session mismatch (HTTP 403, §6) — as distinct from
// Auth's "credential itself is bad" (401).
func Forbidden(msg string) *Error { return new_(KindForbidden, msg) }

// NotFound wraps a reference to a record that does not exist (HTTP 404,
// §6), as distinct from Validation's "the request itself is malformed".
func NotFound(msg string) *Error { return new_(KindNotFound, msg) }

// ConcurrencyExceeded wraps an admission rejection due to a project's
// concurrency cap.
func ConcurrencyExceeded(projectID string) *Error {
	e := new_(KindConcurrency, "project concurrency limit reached")
	e.ProjectID = projectID
	return e
}

// Conflict wraps an optimistic-concurrency loss on a conditional write.
func Conflict(sessionID string, msg string) *Error {
	e := new_(KindConflict, msg)
	e.SessionID = sessionID
	return e
}

// ProvisioningTimeout wraps a bounded-wait expiry during session creation.
func ProvisioningTimeout(sessionID string) *Error {
	e := new_(KindProvTimeout, "provisioning deadline exceeded")
	e.SessionID = sessionID
	return e
}

// ProvisioningFailed wraps a terminal provisioning failure with a reason.
func ProvisioningFailed(sessionID, reason string) *Error {
	e := new_(KindProvFailed, "provisioning failed")
	e.SessionID = sessionID
	e.Reason = reason
	return e
}

// Transient wraps an upstream error that is safe to retry locally with
// backoff (store throttling, bus delivery failures).
func Transient(cause error) *Error {
	e := new_(KindTransient, "transient upstream failure")
	e.Cause = cause
	return e
}

// FatalErr wraps an unexpected invariant violation. Callers should log and
// fail the current handler invocation, not crash the process.
func FatalErr(msg string, cause error) *Error {
	e := new_(KindFatal, msg)
	e.Cause = cause
	return e
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.kind == kind
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
