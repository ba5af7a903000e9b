package transport

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// tokenHeader is the header name carrying a single-connection stream
// token on POST submissions, GET attaches, and DELETE cancellations.
const tokenHeader = "X-GraphQL-Event-Stream-Token"

// RateLimitConfig bounds how often a single reservation may accept new
// operation submissions. It supplements spec §1's non-goal ("queueing
// of results ... beyond a bounded memory window") with a concrete,
// configurable bound on submission rate rather than leaving it
// unenforced.
type RateLimitConfig struct {
	// Limit is the steady-state rate of accepted submissions per second.
	Limit rate.Limit
	// Burst is the maximum number of submissions accepted instantaneously.
	Burst int
}

// HandlerOptions configures a Handler. All fields are optional; the
// zero value reproduces the defaults described in spec §4.4 and §6.
type HandlerOptions struct {
	// Schema resolves the schema to execute against. When nil,
	// ExecArgs.Schema is left nil and passed to the Engine as such.
	Schema SchemaFunc
	// Context derives the GraphQL execution context value.
	Context ContextFunc

	OnSubscribe OnSubscribeFunc
	OnOperation OnOperationFunc
	OnNext      OnNextFunc
	OnComplete  OnCompleteFunc

	// Authenticate runs before routing. A nil Authenticate reproduces
	// the spec's default: a random token is generated for PUT, and the
	// X-GraphQL-Event-Stream-Token header is required for single-conn
	// operations.
	Authenticate AuthenticateFunc

	// RequireLoopbackForAnonymous restricts requests to loopback callers
	// whenever no Authenticate hook is configured, so a handler exposed
	// without an authentication policy does not accidentally accept
	// reservations from the network by default. Ignored when Authenticate
	// is set; that hook is solely responsible for the decision then.
	RequireLoopbackForAnonymous bool

	// KeepAliveInterval is the cadence of SSE comment keep-alives on an
	// open stream. Default 12s (spec §4.4).
	KeepAliveInterval time.Duration

	// IdleTimeout bounds how long an unattached reservation is kept
	// before eviction. Default 10s (spec §9's Open Question default).
	// Negative disables eviction.
	IdleTimeout time.Duration

	// RateLimit, if set, is applied per reservation to POST submissions.
	RateLimit *RateLimitConfig

	// Logger receives internal-failure diagnostics. Defaults to
	// slog.Default(). Request bodies and GraphQL variables are never
	// logged (spec §7).
	Logger *slog.Logger
}

func (o *HandlerOptions) keepAlive() time.Duration {
	if o == nil || o.KeepAliveInterval <= 0 {
		return 12 * time.Second
	}
	return o.KeepAliveInterval
}

func (o *HandlerOptions) idleTimeout() time.Duration {
	if o == nil {
		return 10 * time.Second
	}
	if o.IdleTimeout < 0 {
		return 0
	}
	if o.IdleTimeout == 0 {
		return 10 * time.Second
	}
	return o.IdleTimeout
}

func (o *HandlerOptions) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o *HandlerOptions) newLimiter() *rate.Limiter {
	if o == nil || o.RateLimit == nil {
		return nil
	}
	return rate.NewLimiter(o.RateLimit.Limit, o.RateLimit.Burst)
}
