package cloud

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// The dispatcher discriminates on exactly these error kinds; everything else
// it treats as terminal for the task.

// TransportError is an I/O failure talking to the cloud, including timeouts.
type TransportError struct {
	Err     error
	Timeout bool
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("cloud request timed out: %v", e.Err)
	}
	return fmt.Sprintf("cloud transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx HTTP response.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string { return fmt.Sprintf("cloud returned HTTP %d", e.Status) }

// ParseError is a response which could not be decoded.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parsing cloud response: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// ServerError is a GraphQL-level error returned in the response envelope.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return fmt.Sprintf("cloud error: %s", e.Message) }

// ErrUnauthorized is surfaced after a 401 response which a one-shot token
// refresh did not cure. The orchestrator transitions to logged-out on it.
var ErrUnauthorized = errors.New("cloud session is not authorized")

// IsTimeout reports whether the error is a connect or read timeout. Only
// timed-out ADDs are eligible for retry-time reconciliation.
func IsTimeout(err error) bool {
	var transport *TransportError
	if errors.As(err, &transport) && transport.Timeout {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable reports whether a mutating operation may be retried: timeouts,
// transport errors, 5xx, and 429. 4xx (other than 429), parse, and server
// errors are terminal.
func IsRetryable(err error) bool {
	var transport *TransportError
	if errors.As(err, &transport) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 500 || httpErr.Status == 429
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
