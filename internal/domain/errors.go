package domain

import "errors"

var (
	ErrInvalidIdentity    = errors.New("invalid identity")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrEmptyMessage       = errors.New("message body is empty")
	ErrPersistenceFailure = errors.New("message persistence failed")
	ErrForbidden          = errors.New("forbidden")
	ErrUnknownConnection  = errors.New("unknown connection")
	ErrUnknownMessage     = errors.New("unknown message")
	ErrUnknownEvent       = errors.New("unknown event type")
	ErrInvalidPayload     = errors.New("invalid event payload")
	ErrRateLimited        = errors.New("too many events")
	ErrNotFound           = errors.New("not found")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidIdentity, "invalid_identity"},
	{ErrUnauthenticated, "unauthenticated"},
	{ErrEmptyMessage, "empty_message"},
	{ErrPersistenceFailure, "persistence_failure"},
	{ErrForbidden, "forbidden"},
	{ErrUnknownConnection, "unknown_connection"},
	{ErrUnknownMessage, "unknown_message"},
	{ErrUnknownEvent, "unknown_event"},
	{ErrInvalidPayload, "invalid_payload"},
	{ErrRateLimited, "rate_limited"},
	{ErrNotFound, "not_found"},
}

// ErrorCode maps err onto the stable code sent in error frames.
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
