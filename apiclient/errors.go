package apiclient

import (
	"encoding/json"
	"fmt"
	"net/http"

	errs "github.com/jrsteele09/go-edu-client/internal/errors"
	"github.com/jrsteele09/go-edu-client/internal/utils"
	"github.com/jrsteele09/go-edu-client/token/refresh"
)

var (
	// ErrUnauthorized is returned when a 401 could not be resolved by a refresh and retry.
	ErrUnauthorized = errs.ErrUnauthorized
	// ErrTransport matches every *TransportError.
	ErrTransport = errs.ErrTransport
	// ErrForeignURL rejects absolute URLs pointing anywhere but the base URL's origin.
	ErrForeignURL = errs.ErrForeignURL

	ErrNoRefreshToken = refresh.ErrNoRefreshToken
	ErrRefreshFailed  = refresh.ErrRefreshFailed
	ErrSessionChanged = refresh.ErrSessionChanged
)

// HTTPError is a non-2xx response. Body holds the parsed JSON error body (nil
// if the backend sent none) so callers can inspect field-level validation errors.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   json.RawMessage
}

func (e *HTTPError) Error() string {
	msg := e.Message()
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("[%s %s] status %d: %s", e.Method, e.Path, e.Status, msg)
}

// Unwrap lets a 401 match ErrUnauthorized.
func (e *HTTPError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// Message returns the human readable part of the error body, looking at the
// "detail", "message" and "error" fields in that order.
func (e *HTTPError) Message() string {
	var body map[string]any
	if err := json.Unmarshal(e.Body, &body); err != nil {
		return ""
	}
	return utils.FirstString(body, "detail", "message", "error")
}

// FieldErrors decodes a validation error body of the form {"field": ["msg", ...]}.
// Non-list values are skipped.
func (e *HTTPError) FieldErrors() map[string][]string {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(e.Body, &body); err != nil {
		return nil
	}
	fields := make(map[string][]string)
	for k, v := range body {
		var msgs []string
		if err := json.Unmarshal(v, &msgs); err == nil && len(msgs) > 0 {
			fields[k] = msgs
		}
	}
	return fields
}

// TransportError is a failure to get any HTTP response: DNS, refused
// connection, timeout.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("[%s %s] transport: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}
