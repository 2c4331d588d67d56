// Package apierr defines the typed error taxonomy the pipeline maps onto
// HTTP responses.
package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind tags an Error with the taxonomy category it belongs to; each Kind
// maps to exactly one HTTP status.
type Kind string

const (
	KindConfig          Kind = "config"
	KindAuth            Kind = "auth"
	KindAuthorization   Kind = "authorization"
	KindNotFound        Kind = "not_found"
	KindOrigin          Kind = "origin"
	KindTooManyRequests Kind = "too_many_requests"
	KindSaturated       Kind = "saturated"
	KindInternal        Kind = "internal"
)

// statusByKind is the taxonomy's kind-to-HTTP-status mapping. TooManyRequests
// and Saturated carry distinct statuses (429 vs 503) and metrics, so they
// are separate Kinds rather than disambiguated by a side channel.
var statusByKind = map[Kind]int{
	KindConfig:          http.StatusInternalServerError,
	KindAuth:            http.StatusUnauthorized,
	KindAuthorization:   http.StatusForbidden,
	KindNotFound:        http.StatusNotFound,
	KindOrigin:          http.StatusBadGateway,
	KindTooManyRequests: http.StatusTooManyRequests,
	KindSaturated:       http.StatusServiceUnavailable,
	KindInternal:        http.StatusInternalServerError,
}

// Error is the taxonomy's concrete error type: a Kind plus a message and
// the request ID it occurred under, for correlation with logs.
type Error struct {
	Kind      Kind
	Message   string
	RequestID string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// StatusCode returns the HTTP status this error's Kind maps to.
func (e *Error) StatusCode() int {
	if status, ok := statusByKind[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// body is the wire shape of an error response: {error, message, status,
// request_id}.
type body struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON writes err as the taxonomy's JSON error body, with its mapped
// status code, and sets Retry-After when the kind is rate/admission-related.
func WriteJSON(w http.ResponseWriter, err *Error) {
	status := err.StatusCode()
	if err.Kind == KindTooManyRequests || err.Kind == KindSaturated {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body{
		Error:     string(err.Kind),
		Message:   err.Message,
		Status:    status,
		RequestID: err.RequestID,
	})
}
