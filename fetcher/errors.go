package fetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/aluiziolira/go-source-aggregator/models"
)

// ErrTimeout indicates a timeout while issuing a request.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string { return fmt.Sprintf("timeout: %v", e.Err) }
func (e ErrTimeout) Unwrap() error { return e.Err }
func (e ErrTimeout) Kind() string  { return models.KindNetwork }

// ErrConnection indicates a network connectivity failure.
type ErrConnection struct {
	Err error
}

func (e ErrConnection) Error() string { return fmt.Sprintf("connection: %v", e.Err) }
func (e ErrConnection) Unwrap() error { return e.Err }
func (e ErrConnection) Kind() string  { return models.KindNetwork }

// ErrForbidden indicates a forbidden response (HTTP 401 or 403).
type ErrForbidden struct {
	Err error
}

func (e ErrForbidden) Error() string { return fmt.Sprintf("forbidden: %v", e.Err) }
func (e ErrForbidden) Unwrap() error { return e.Err }
func (e ErrForbidden) Kind() string  { return models.KindNetwork }

// ErrNotFound indicates a missing resource (HTTP 404).
type ErrNotFound struct {
	Err error
}

func (e ErrNotFound) Error() string { return fmt.Sprintf("not_found: %v", e.Err) }
func (e ErrNotFound) Unwrap() error { return e.Err }
func (e ErrNotFound) Kind() string  { return models.KindNetwork }

// ErrRateLimited indicates the target rate-limited the request.
type ErrRateLimited struct {
	Err error
}

func (e ErrRateLimited) Error() string { return fmt.Sprintf("rate_limited: %v", e.Err) }
func (e ErrRateLimited) Unwrap() error { return e.Err }
func (e ErrRateLimited) Kind() string  { return models.KindNetwork }

// ErrHTTPStatus is any other non-2xx response.
type ErrHTTPStatus struct {
	StatusCode int
	Err        error
}

func (e ErrHTTPStatus) Error() string { return fmt.Sprintf("http_status %d: %v", e.StatusCode, e.Err) }
func (e ErrHTTPStatus) Unwrap() error { return e.Err }
func (e ErrHTTPStatus) Kind() string  { return models.KindNetwork }

// ErrNetwork is a transport failure that fits no narrower class.
type ErrNetwork struct {
	Err error
}

func (e ErrNetwork) Error() string { return fmt.Sprintf("network: %v", e.Err) }
func (e ErrNetwork) Unwrap() error { return e.Err }
func (e ErrNetwork) Kind() string  { return models.KindNetwork }

// ErrBodyTooLarge indicates a response body larger than the configured limit.
type ErrBodyTooLarge struct {
	Limit int
}

func (e ErrBodyTooLarge) Error() string {
	return fmt.Sprintf("body_too_large: response exceeds %d bytes", e.Limit)
}
func (e ErrBodyTooLarge) Kind() string { return models.KindNetwork }

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return "connection"
	}
	var forbidden ErrForbidden
	if errors.As(err, &forbidden) {
		return "forbidden"
	}
	var notFound ErrNotFound
	if errors.As(err, &notFound) {
		return "not_found"
	}
	var rateLimited ErrRateLimited
	if errors.As(err, &rateLimited) {
		return "rate_limited"
	}
	var status ErrHTTPStatus
	if errors.As(err, &status) {
		return "http_status"
	}
	var tooLarge ErrBodyTooLarge
	if errors.As(err, &tooLarge) {
		return "body_too_large"
	}
	if models.KindOf(err) == models.KindCircuit {
		return "circuit_open"
	}
	if models.KindOf(err) == models.KindCancelled {
		return "cancelled"
	}
	return "other"
}

// classifyError maps a transport error or status code to a typed error. A
// nil error with a 2xx status yields nil.
func classifyError(err error, statusCode int) error {
	if err == nil && (statusCode == 0 || (statusCode >= 200 && statusCode < 300)) {
		return nil
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout{Err: err}
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ErrTimeout{Err: err}
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return ErrConnection{Err: err}
		}
		if statusCode == 0 {
			return ErrNetwork{Err: err}
		}
	}

	wrapped := err
	if wrapped == nil {
		wrapped = errors.Newf("http status %d", statusCode)
	}
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrForbidden{Err: wrapped}
	case http.StatusNotFound:
		return ErrNotFound{Err: wrapped}
	case http.StatusTooManyRequests:
		return ErrRateLimited{Err: wrapped}
	}
	return ErrHTTPStatus{StatusCode: statusCode, Err: wrapped}
}
