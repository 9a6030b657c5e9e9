package backend

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/kalambet/parley/internal/ollama"
)

// ErrCircuitOpen is returned when the circuit breaker short-circuits a call
// without attempting the backend.
var ErrCircuitOpen = errors.New("backend circuit open")

// ErrUnavailable is returned when the health prober has marked the backend
// down and a call is attempted anyway.
var ErrUnavailable = errors.New("backend unavailable")

// IsTransient reports whether an error is worth retrying: timeouts,
// connection failures, and server-side (5xx) responses. Client-side
// failures (malformed request, auth, missing model) are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var se *ollama.StatusError
	if errors.As(err, &se) {
		return se.Status >= http.StatusInternalServerError ||
			se.Status == http.StatusTooManyRequests
	}
	// Unwrapped transport errors (connection refused etc.) arrive as
	// *url.Error which implements net.Error, so anything left that isn't
	// a status error is treated as permanent.
	return false
}

// IsRateLimited reports whether the backend pushed back with HTTP 429.
func IsRateLimited(err error) bool {
	var se *ollama.StatusError
	return errors.As(err, &se) && se.Status == http.StatusTooManyRequests
}
