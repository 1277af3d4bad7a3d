package relay

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies a relay failure. Codes are stable identifiers that
// travel to subscribers over the wire and map onto HTTP statuses for the
// REST surface.
type ErrorCode string

const (
	// ErrCodeInvalidFormat indicates the supplied user ID is not a snowflake.
	ErrCodeInvalidFormat ErrorCode = "INVALID_FORMAT"

	// ErrCodeUserOptedOut indicates the subject opted out of tracking.
	ErrCodeUserOptedOut ErrorCode = "USER_OPTED_OUT"

	// ErrCodeInvalidUpdateTypes indicates an unrecognized change filter.
	ErrCodeInvalidUpdateTypes ErrorCode = "INVALID_UPDATE_TYPES"

	// ErrCodeInvalidActivityFilter indicates an unusable activity filter.
	ErrCodeInvalidActivityFilter ErrorCode = "INVALID_ACTIVITY_FILTER"

	// ErrCodeUserNotFound indicates the subject is not visible upstream.
	ErrCodeUserNotFound ErrorCode = "USER_NOT_FOUND"

	// ErrCodeValidation indicates a malformed request.
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	// ErrCodeFetch indicates the upstream lookup failed transiently.
	ErrCodeFetch ErrorCode = "FETCH_ERROR"

	// ErrCodeNotReady indicates the upstream session is not connected yet.
	ErrCodeNotReady ErrorCode = "NOT_READY"
)

// Error is a structured relay error carrying a wire-stable code, a
// human-readable message, and the subject it concerns.
type Error struct {
	// Code categorizes the error for subscribers and monitoring.
	Code ErrorCode

	// Message provides a human-readable description.
	Message string

	// SubjectID is the watched user the error concerns, when known.
	SubjectID string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error, allowing errors.Is and errors.As to work.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithSubject attaches the watched user ID to the error.
func (e *Error) WithSubject(userID string) *Error {
	e.SubjectID = userID
	return e
}

// Common error constructors for convenience

// ErrInvalidFormat reports a malformed user ID.
func ErrInvalidFormat(userID string) *Error {
	return NewError(ErrCodeInvalidFormat, "user ID must be a 17-19 digit snowflake", nil).WithSubject(userID)
}

// ErrUserOptedOut reports a subject that opted out of tracking.
func ErrUserOptedOut(userID string) *Error {
	return NewError(ErrCodeUserOptedOut, "user has opted out of presence tracking", nil).WithSubject(userID)
}

// ErrInvalidUpdateTypes reports an unrecognized change filter entry.
func ErrInvalidUpdateTypes(message string) *Error {
	return NewError(ErrCodeInvalidUpdateTypes, message, nil)
}

// ErrInvalidActivityFilter reports an unusable activity filter.
func ErrInvalidActivityFilter(message string) *Error {
	return NewError(ErrCodeInvalidActivityFilter, message, nil)
}

// ErrUserNotFound reports a subject not visible in any shared guild.
func ErrUserNotFound(userID string) *Error {
	return NewError(ErrCodeUserNotFound, "user not found in any shared guild", nil).WithSubject(userID)
}

// ErrValidation reports a malformed request.
func ErrValidation(message string, err error) *Error {
	return NewError(ErrCodeValidation, message, err)
}

// ErrFetch reports a transient upstream lookup failure.
func ErrFetch(userID string, err error) *Error {
	return NewError(ErrCodeFetch, "failed to fetch user state", err).WithSubject(userID)
}

// ErrNotReady reports that the upstream session is not connected.
func ErrNotReady() *Error {
	return NewError(ErrCodeNotReady, "upstream session not ready", nil)
}

// ErrorPayload is the wire form of an Error pushed to subscribers.
type ErrorPayload struct {
	Message string    `json:"message"`
	Code    ErrorCode `json:"code"`
	UserID  string    `json:"userId,omitempty"`
}

// Payload converts the error to its wire form.
func (e *Error) Payload() ErrorPayload {
	return ErrorPayload{Message: e.Message, Code: e.Code, UserID: e.SubjectID}
}

// AsPayload converts any error to a wire payload. Non-relay errors become a
// generic fetch failure so internals never leak to subscribers.
func AsPayload(err error) ErrorPayload {
	var rErr *Error
	if errors.As(err, &rErr) {
		return rErr.Payload()
	}
	return ErrorPayload{Message: "failed to fetch user state", Code: ErrCodeFetch}
}

// GetErrorCode extracts the ErrorCode from an error if it is a relay Error,
// otherwise returns ErrCodeFetch.
func GetErrorCode(err error) ErrorCode {
	var rErr *Error
	if errors.As(err, &rErr) {
		return rErr.Code
	}
	return ErrCodeFetch
}

// HTTPStatus maps an error code onto the REST status the pull surface
// returns for it.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidFormat, ErrCodeInvalidUpdateTypes, ErrCodeInvalidActivityFilter, ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeUserOptedOut:
		return http.StatusForbidden
	case ErrCodeUserNotFound:
		return http.StatusNotFound
	case ErrCodeNotReady:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
