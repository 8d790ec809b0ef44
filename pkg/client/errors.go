package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Sternrassler/resilient-pager/pkg/retry"
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses and locally blocked requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassDecode represents malformed response bodies.
	ErrorClassDecode ErrorClass = "decode"

	// ErrorClassNetwork represents transport failures that are not loss of connectivity.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassConnectivity represents loss of connectivity (retried on reconnect).
	ErrorClassConnectivity ErrorClass = "connectivity"

	// ErrorClassCircuitOpen represents requests rejected by the circuit breaker.
	ErrorClassCircuitOpen ErrorClass = "circuit_open"
)

// APIError is an application-level failure. It is never retried on reconnect.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("API %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("API %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// ClassOf returns the classification of err, or "" for nil and context errors.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorClass
	}
	if retry.IsConnectionLost(err) {
		return ErrorClassConnectivity
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ""
	}
	return ErrorClassNetwork
}

// classifyStatus maps an HTTP error status to its class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// classifyTransport wraps a transport error so that loss of connectivity
// matches retry.ErrConnectionLost and everything else is an APIError.
func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// A connection closed before the response completed is a dropped connection.
	if retry.IsConnectionLost(err) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", retry.ErrConnectionLost, err)
	}
	return &APIError{
		ErrorClass: ErrorClassNetwork,
		Message:    "transport failure",
		Err:        err,
	}
}
