// Package retry implements the worker's exact backoff formula and the
// transient/terminal error classification the processor uses to decide
// between retry-with-backoff, ACK-and-fail, and no-ACK-let-redelivery-heal.
package retry

import (
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/swiftgrid/worker/internal/pkg/httpx"
)

// Transient marks an error as infrastructure-level: the processor must not
// ACK the queue entry, letting consumer-group redelivery (and the scheduler's
// stale-batch recovery) heal it instead of burning a retry attempt.
type Transient interface {
	Transient() bool
}

// Backoff computes the delay before retry attempt n (0-indexed), per the
// formula 2^n * 1000ms + U[0, 500)ms.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := time.Duration(1) << uint(attempt) * time.Second
	jitter := time.Duration(rand.Intn(500)) * time.Millisecond
	return base + jitter
}

// IsRetryableHTTPStatus reports whether an HTTP status should be retried:
// 408, 429, and any 5xx.
func IsRetryableHTTPStatus(code int) bool { return httpx.IsRetryableHTTPStatus(code) }

// IsTransient reports whether err represents infrastructure failure (DB pool
// timeout, queue disconnect, DNS/network blip) rather than a node-level
// failure the workflow author should see surfaced.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var t Transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() || netErr.Temporary()
	}
	return false
}

// IsRetryableRemote reports whether err represents a remote call (HTTP node,
// LLM node) that should be retried with backoff rather than failed terminally.
func IsRetryableRemote(err error) bool { return httpx.IsRetryableError(err) }

// ExceededMaxRetries reports whether a job has exhausted its retry budget.
func ExceededMaxRetries(retryCount, maxRetries int) bool { return retryCount >= maxRetries }
