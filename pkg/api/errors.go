package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Kind int

const (
	Unexpected Kind = iota
	// AuthorizationExpired is a 401 whose caller stopped waiting before the refresh it joined finished.
	AuthorizationExpired
	AuthorizationDenied
	ValidationFailed
	NotFound
	TransportFailure
)

func (k Kind) String() string {
	switch k {
	case AuthorizationExpired:
		return "authorization expired"
	case AuthorizationDenied:
		return "authorization denied"
	case ValidationFailed:
		return "validation failed"
	case NotFound:
		return "not found"
	case TransportFailure:
		return "transport failure"
	default:
		return "unexpected"
	}
}

// Error is the typed failure returned by every client call. StatusCode is zero when no response was received.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func IsKind(err error, kind Kind) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

func NewTransportError(err error) *Error {
	return &Error{Kind: TransportFailure, Message: fmt.Sprintf("request failed: %s", err), Err: err}
}

func NewValidationError(format string, args ...any) *Error {
	return &Error{Kind: ValidationFailed, Message: fmt.Sprintf(format, args...)}
}

// KindForStatus classifies a non-2xx status code. A 401 that reaches a caller has already been through the refresh
// flow so it is treated as a denial.
func KindForStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return AuthorizationDenied
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusConflict:
		return ValidationFailed
	case http.StatusNotFound:
		return NotFound
	default:
		return Unexpected
	}
}

// ErrorFromResponse builds the typed error for a failed response, using fallback when the body carries no message.
func ErrorFromResponse(resp *Response, fallback string) *Error {
	msg := ""
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &payload); err == nil {
		for _, key := range []string{"detail", "message", "error"} {
			if raw, ok := payload[key]; ok {
				if msg = NormalizeMessage(raw); msg != "" {
					break
				}
			}
		}
	} else if json.Valid(resp.Body) {
		msg = NormalizeMessage(resp.Body)
	} else if text := strings.TrimSpace(string(resp.Body)); text != "" && len(text) < 512 {
		msg = text
	}
	if msg == "" {
		msg = fallback
	}
	return &Error{Kind: KindForStatus(resp.StatusCode), StatusCode: resp.StatusCode, Message: msg}
}

// NormalizeMessage flattens an error message field that may be a string, a list of per-field validation messages or
// an arbitrary object into a single readable string.
func NormalizeMessage(raw json.RawMessage) string {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return strings.TrimSpace(asString)
	}

	var asList []json.RawMessage
	if err := json.Unmarshal(raw, &asList); err == nil {
		parts := make([]string, 0, len(asList))
		for _, item := range asList {
			if m := NormalizeMessage(item); m != "" {
				parts = append(parts, m)
			}
		}
		return strings.Join(parts, "; ")
	}

	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asObject); err == nil {
		for _, key := range []string{"msg", "message", "detail"} {
			if inner, ok := asObject[key]; ok {
				if m := NormalizeMessage(inner); m != "" {
					return m
				}
			}
		}
		if len(asObject) == 0 {
			return ""
		}
	}

	if string(raw) == "null" {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
