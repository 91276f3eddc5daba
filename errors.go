package main

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies every failure the HTTP boundary can report.
type ErrorKind string

const (
	KindInputValidation  ErrorKind = "INPUT_VALIDATION"
	KindRateLimit        ErrorKind = "RATE_LIMIT"
	KindServerBusy       ErrorKind = "SERVER_BUSY"
	KindPayloadTooLarge  ErrorKind = "PAYLOAD_TOO_LARGE"
	KindConversionFailed ErrorKind = "CONVERSION_FAILED"
	KindFileNotFound     ErrorKind = "FILE_NOT_FOUND"
	KindAccessDenied     ErrorKind = "ACCESS_DENIED"
	KindInternal         ErrorKind = "INTERNAL_ERROR"
)

// Status maps the kind to its HTTP status code.
func (k ErrorKind) Status() int {
	switch k {
	case KindInputValidation:
		return http.StatusBadRequest
	case KindAccessDenied:
		return http.StatusForbidden
	case KindFileNotFound:
		return http.StatusNotFound
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindServerBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// APIError is the error type every handler reports through writeError.
type APIError struct {
	Kind       ErrorKind
	Message    string
	Suggestion string
	// Fields are merged into the error envelope.
	Fields map[string]any
	Err    error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

func newAPIError(kind ErrorKind, message string) *APIError {
	return &APIError{Kind: kind, Message: message}
}

func (e *APIError) withSuggestion(s string) *APIError {
	e.Suggestion = s
	return e
}

func (e *APIError) withField(key string, value any) *APIError {
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	e.Fields[key] = value
	return e
}

func (e *APIError) wrap(err error) *APIError {
	e.Err = err
	return e
}

// asAPIError classifies arbitrary errors; anything unknown is internal.
func asAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return newAPIError(KindInternal, "internal server error").wrap(err)
}
