package transport

import "net/http"

// ResponseOverride lets a hook bypass the engine's own response handling
// and send an arbitrary HTTP response verbatim — the "response-override"
// half of the tagged sum described in spec §9.
type ResponseOverride struct {
	Status     int
	StatusText string
	Headers    map[string]string
	Body       []byte
}

func (o *ResponseOverride) write(w http.ResponseWriter) {
	h := w.Header()
	for k, v := range o.Headers {
		h.Set(k, v)
	}
	status := o.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.WriteHeader(status)
	if len(o.Body) > 0 {
		w.Write(o.Body)
	}
}

// AuthResult is returned by an Authenticate hook: either a token to
// carry forward (possibly empty, meaning "no token required" per spec
// §9's open question), or a response override rejecting the request.
type AuthResult struct {
	Token    string
	Override *ResponseOverride
}

// HookOutcome is returned by an OnSubscribe hook. Exactly one of Args or
// Override should be set; if both are nil, the engine resolves
// execution arguments itself from the Handler's Schema/Context options.
type HookOutcome struct {
	Args     *ExecArgs
	Override *ResponseOverride
}

// AuthenticateFunc authenticates an incoming request before routing.
// The default (nil) behavior is implemented by Handler itself: generate
// a random token for PUT requests, and require the
// X-GraphQL-Event-Stream-Token header for single-connection operations.
type AuthenticateFunc func(req *http.Request) AuthResult

// OnSubscribeFunc is invoked once per accepted operation submission,
// before execution. It may resolve execution arguments itself (e.g. to
// support persisted queries, see package persisted), override the
// response entirely, or defer to the Handler's default resolution by
// returning the zero HookOutcome.
type OnSubscribeFunc func(req *http.Request, params OperationRequest) (HookOutcome, error)

// OnOperationFunc is invoked after a query or mutation has executed. A
// non-nil return overrides the result delivered to the sink. It is not
// invoked for subscriptions; see OnNextFunc.
type OnOperationFunc func(req *http.Request, args ExecArgs, result ExecutionResult) *ExecutionResult

// OnNextFunc is invoked for every value a subscription yields.
type OnNextFunc func(req *http.Request, args ExecArgs, result ExecutionResult) *ExecutionResult

// OnCompleteFunc is invoked once an operation has terminated, after its
// final event has been queued for delivery.
type OnCompleteFunc func(req *http.Request, args ExecArgs)

// SchemaFunc resolves the schema to execute against. A handler that
// only ever serves one schema can ignore both arguments and return a
// constant; a handler that multiplexes schemas per request can inspect
// req (e.g. a tenant header) to pick one.
type SchemaFunc func(req *http.Request, args ExecArgs) (any, error)

// ContextFunc derives the GraphQL execution context value from the
// incoming request.
type ContextFunc func(req *http.Request, args ExecArgs) any
