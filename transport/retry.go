package transport

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"time"
)

// retryPolicy computes how long to wait before the attempt'th retry
// (attempt is 0 for the first retry, following a failed initial try).
// The default reproduces spec §4.5's client reconnection behavior:
// capped exponential backoff with jitter, modeled directly on the
// teacher's streamableClientConn backoff (initial 1s, doubling, capped
// at 30s, jitter up to half the current backoff) but expressed as the
// single formula the spec names: min(1000*2^attempt, 8000) + rand[0,3000)ms.
type retryPolicy func(attempt int) time.Duration

func defaultRetryPolicy(attempt int) time.Duration {
	backoff := 1000 * (1 << uint(attempt))
	if backoff > 8000 {
		backoff = 8000
	}
	jitter := rand.Intn(3000)
	return time.Duration(backoff+jitter) * time.Millisecond
}

// sleepOrDone waits for d or ctx's cancellation, whichever comes first,
// reporting which happened.
func sleepOrDone(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// httpStatusError reports a non-2xx HTTP response to a client request,
// carrying enough information for isRetryableStatus to classify it.
type httpStatusError struct {
	StatusCode int
	Status     string
}

func (e *httpStatusError) Error() string {
	return "gqlsse: unexpected HTTP status: " + e.Status
}

// isRetryable reports whether err represents a transport-level failure
// a client should reconnect after, as opposed to a protocol-level or
// GraphQL-level failure that a retry cannot fix (spec §4.5: "only
// network/transport failures are retried; GraphQL errors delivered
// in-band are terminal for that operation").
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return isRetryableStatus(statusErr.StatusCode)
	}
	// Anything else reaching here is a network-level failure (connection
	// reset, DNS failure, timeout not wrapping a context error, ...).
	return true
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusRequestTimeout,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return code >= 500
	}
}
