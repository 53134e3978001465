// Package httperr carries the error taxonomy shared by every HTTP surface:
// a status code plus a user-visible message, serialized as
// {"error":{"status":...,"message":...}} with no stack traces.
package httperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error is an HTTP-mapped failure. Message is safe to expose to callers.
type Error struct {
	Status  int    `json:"status"`
	Message string `json:"message"`

	cause error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the underlying failure for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// Validation reports a missing or invalid required input, naming the field.
func Validation(name string) *Error {
	return &Error{Status: http.StatusBadRequest, Message: name + " not supplied"}
}

// NotFound reports an unknown path shape, app or function.
func NotFound(detail string) *Error {
	msg := "Not Found"
	if detail != "" {
		msg = "Not Found: " + detail
	}
	return &Error{Status: http.StatusNotFound, Message: msg}
}

// MethodNotAllowed reports a write-only entry point called with a read method.
func MethodNotAllowed() *Error {
	return &Error{Status: http.StatusMethodNotAllowed, Message: "Method Not Allowed"}
}

// Unauthorized reports an absent credential.
func Unauthorized(message string) *Error {
	return &Error{Status: http.StatusUnauthorized, Message: message}
}

// Forbidden reports a rejected credential.
func Forbidden(message string) *Error {
	return &Error{Status: http.StatusForbidden, Message: message}
}

// ErrCacheMiss marks errors built by CacheMiss so callers can branch on the
// miss with errors.Is instead of matching message text.
var ErrCacheMiss = errors.New("cache miss")

// CacheMiss reports an artifact absent from both cache tiers. Fatal for the
// request, never retried.
func CacheMiss(cachePath string) *Error {
	return &Error{
		Status:  http.StatusInternalServerError,
		Message: "File not found in cache: " + cachePath,
		cause:   ErrCacheMiss,
	}
}

// Upstream wraps a provider failure, embedding the upstream message.
func Upstream(provider string, err error) *Error {
	return &Error{
		Status:  http.StatusInternalServerError,
		Message: fmt.Sprintf("Error in request to %s: %v", provider, err),
		cause:   err,
	}
}

// StatusOf maps any error to its response status, defaulting to 500.
func StatusOf(err error) int {
	var herr *Error
	if errors.As(err, &herr) {
		return herr.Status
	}
	return http.StatusInternalServerError
}

type envelope struct {
	Error Error `json:"error"`
}

// Write serializes err as the JSON error envelope. Non-Error values become a
// 500 with their message exposed, matching the deploy surface's behavior of
// surfacing upstream messages.
func Write(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: Error{Status: status, Message: err.Error()}})
}
