package fhir

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the typed condition raised by the core components. It carries
// everything the router needs to answer: the HTTP status, the
// OperationOutcome issue code, and a human-readable diagnostics line.
// Components return *Error (possibly wrapped with %w for context); the
// router's error handler converts whatever reaches it into an
// OperationOutcome response.
type Error struct {
	Status      int
	Code        string
	Diagnostics string
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Diagnostics, e.cause)
	}
	return e.Diagnostics
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause attaches an underlying error without changing what the client sees.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// Outcome renders the error as an OperationOutcome body.
func (e *Error) Outcome() *OperationOutcome {
	severity := IssueSeverityError
	if e.Status >= http.StatusInternalServerError {
		severity = IssueSeverityFatal
	}
	return NewOperationOutcome(severity, e.Code, e.Diagnostics)
}

// AsError unwraps err to a *Error if one is anywhere in its chain.
func AsError(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

func newError(status int, code, format string, args ...interface{}) *Error {
	return &Error{Status: status, Code: code, Diagnostics: fmt.Sprintf(format, args...)}
}

// InvalidError reports malformed input: bad URLs, bad UUIDs, bad search
// values, unparseable bodies. 400 invalid.
func InvalidError(format string, args ...interface{}) *Error {
	return newError(http.StatusBadRequest, IssueTypeInvalid, format, args...)
}

// RequiredError reports missing required input. 400 required.
func RequiredError(format string, args ...interface{}) *Error {
	return newError(http.StatusBadRequest, IssueTypeRequired, format, args...)
}

// NotFoundError reports a missing resource, tenant, or operation. 404 not-found.
func NotFoundError(format string, args ...interface{}) *Error {
	return newError(http.StatusNotFound, IssueTypeNotFound, format, args...)
}

// ResourceNotFoundError is the canonical not-found for a Type/id pair.
func ResourceNotFoundError(resourceType, id string) *Error {
	return NotFoundError("%s/%s not found", resourceType, id)
}

// ForbiddenError reports a disabled tenant. 403 forbidden.
func ForbiddenError(format string, args ...interface{}) *Error {
	return newError(http.StatusForbidden, IssueTypeForbidden, format, args...)
}

// InteractionDisabledError reports an interaction switched off in the
// resource configuration. 405 not-supported.
func InteractionDisabledError(format string, args ...interface{}) *Error {
	return newError(http.StatusMethodNotAllowed, IssueTypeNotSupported, format, args...)
}

// VersionNotSupportedError reports a (type, version) pair the configuration
// does not allow. 400 not-supported.
func VersionNotSupportedError(format string, args ...interface{}) *Error {
	return newError(http.StatusBadRequest, IssueTypeNotSupported, format, args...)
}

// NotSupportedError reports a disallowed search parameter or an unknown
// extended operation routed nowhere. Status varies by caller.
func NotSupportedError(status int, format string, args ...interface{}) *Error {
	return newError(status, IssueTypeNotSupported, format, args...)
}

// ConflictError reports an optimistic-concurrency failure. 409 conflict.
func ConflictError(format string, args ...interface{}) *Error {
	return newError(http.StatusConflict, IssueTypeConflict, format, args...)
}

// DeletedError reports a read of a soft-deleted resource. 410 deleted.
func DeletedError(resourceType, id string) *Error {
	return newError(http.StatusGone, IssueTypeDeleted, "%s/%s has been deleted", resourceType, id)
}

// UnprocessableError reports a strict-mode validation failure. 422 invalid.
func UnprocessableError(format string, args ...interface{}) *Error {
	return newError(http.StatusUnprocessableEntity, IssueTypeInvalid, format, args...)
}

// BusinessRuleError reports a plugin-raised business-rule failure. 422.
func BusinessRuleError(format string, args ...interface{}) *Error {
	return newError(http.StatusUnprocessableEntity, IssueTypeBusinessRule, format, args...)
}

// NotAcceptableError reports an unsatisfiable Accept header. 406.
func NotAcceptableError(format string, args ...interface{}) *Error {
	return newError(http.StatusNotAcceptable, IssueTypeNotSupported, format, args...)
}

// UnsupportedMediaTypeError reports an unusable request Content-Type. 415.
func UnsupportedMediaTypeError(format string, args ...interface{}) *Error {
	return newError(http.StatusUnsupportedMediaType, IssueTypeNotSupported, format, args...)
}

// TooCostlyError reports a request body over the size cap. 413 too-costly.
func TooCostlyError(format string, args ...interface{}) *Error {
	return newError(http.StatusRequestEntityTooLarge, IssueTypeTooCostly, format, args...)
}

// ThrottledError reports a rate-limited request. 429 throttled.
func ThrottledError(format string, args ...interface{}) *Error {
	return newError(http.StatusTooManyRequests, IssueTypeThrottled, format, args...)
}

// TimeoutError reports a request that exceeded its processing deadline. 504.
func TimeoutError(format string, args ...interface{}) *Error {
	return newError(http.StatusGatewayTimeout, IssueTypeTimeout, format, args...)
}

// InternalError wraps an unexpected failure. 500 exception.
func InternalError(err error) *Error {
	e := newError(http.StatusInternalServerError, IssueTypeException, "internal server error")
	e.cause = err
	return e
}
