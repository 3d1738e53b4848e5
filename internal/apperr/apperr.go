// Package apperr defines the error taxonomy shared by the graph, session and
// admin layers, and how each kind is rendered over HTTP.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind classifies an error for callers and for the HTTP layer.
type Kind string

const (
	KindNotFound   Kind = "not_found"
	KindBadRequest Kind = "bad_request"
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindInternal   Kind = "internal"
)

// FieldError names one offending field, or one offending node for graph checks.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the application error carried through every layer.
type Error struct {
	Kind    Kind
	Message string
	Fields  []FieldError
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if len(e.Fields) > 0 {
		parts := make([]string, 0, len(e.Fields))
		for _, f := range e.Fields {
			parts = append(parts, f.Field+": "+f.Message)
		}
		msg += " (" + strings.Join(parts, "; ") + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NotFound reports a missing entity.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// BadRequest reports an operation that is invalid in the entity's current state.
func BadRequest(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Validation reports malformed input. Every offending field is listed.
func Validation(message string, fields ...FieldError) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

// Conflict reports a uniqueness violation or a lost concurrent update.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps a store or encoding failure. The cause is never shown to clients.
func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// KindOf returns the kind of err, treating unclassified errors as internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsNotFound(err error) bool   { return Is(err, KindNotFound) }
func IsBadRequest(err error) bool { return Is(err, KindBadRequest) }
func IsValidation(err error) bool { return Is(err, KindValidation) }
func IsConflict(err error) bool   { return Is(err, KindConflict) }

// Status maps a kind to its HTTP status code.
func Status(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest:
		return http.StatusBadRequest
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type body struct {
	Error     bodyError `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

type bodyError struct {
	Type    Kind         `json:"type"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
}

// Write renders err as a JSON error body with the matching status code.
func Write(w http.ResponseWriter, err error) {
	b := body{Timestamp: time.Now().UTC()}
	var e *Error
	if errors.As(err, &e) {
		b.Error = bodyError{Type: e.Kind, Message: e.Message, Fields: e.Fields}
	} else {
		b.Error = bodyError{Type: KindInternal, Message: "internal error"}
	}
	if b.Error.Type == KindInternal {
		b.Error.Message = "internal error"
		b.Error.Fields = nil
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(Status(b.Error.Type))
	json.NewEncoder(w).Encode(b)
}
