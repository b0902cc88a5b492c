package chatclient

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrWriteDenied        = errors.New("write denied")
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrConflict           = errors.New("conflict")
	ErrRateLimited        = errors.New("rate limited")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrServer             = errors.New("server error")
)

// APIError is a non-2xx response decoded from the server's error body.
// It unwraps to the sentinel matching its code.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chat api: status %d (%s)", e.Status, e.Code)
	}
	return fmt.Sprintf("chat api: status %d (%s): %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "unauthorized":
		return ErrUnauthorized
	case "forbidden":
		return ErrForbidden
	case "write_denied":
		return ErrWriteDenied
	case "not_found":
		return ErrNotFound
	case "invalid_input":
		return ErrInvalidInput
	case "conflict":
		return ErrConflict
	case "rate_limited":
		return ErrRateLimited
	case "storage_unavailable":
		return ErrStorageUnavailable
	}

	switch {
	case e.Status == 401:
		return ErrUnauthorized
	case e.Status == 403:
		return ErrForbidden
	case e.Status == 404:
		return ErrNotFound
	case e.Status == 429:
		return ErrRateLimited
	case e.Status >= 400 && e.Status < 500:
		return ErrInvalidInput
	default:
		return ErrServer
	}
}

// TransportError means the request never produced an HTTP response:
// the network was unreachable, the connection was reset, or the
// request timed out.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("chat api %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying later. Transport
// failures qualify, as do gateway errors that carry no API error code
// (a proxy answered, the chat server did not). Everything else is final.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var transport *TransportError
	if errors.As(err, &transport) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == "" && apiErr.Status >= 502 && apiErr.Status <= 504
	}
	return false
}
