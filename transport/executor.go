package transport

import "context"

// OperationKind classifies a parsed GraphQL operation.
type OperationKind int

const (
	OperationQuery OperationKind = iota
	OperationMutation
	OperationSubscription
)

func (k OperationKind) String() string {
	switch k {
	case OperationQuery:
		return "query"
	case OperationMutation:
		return "mutation"
	case OperationSubscription:
		return "subscription"
	default:
		return "unknown"
	}
}

// Document is an engine-specific parsed representation of a GraphQL
// operation. The transport never inspects it; it is threaded back into
// Engine.Validate, Engine.Kind, and ExecArgs.Document verbatim.
type Document any

// ExecArgs bundles everything an Engine needs to execute or subscribe
// to one operation. It is the Go shape of the execution-args half of
// spec §4.4's OnSubscribe hook tagged sum.
type ExecArgs struct {
	Schema        any
	Document      Document
	OperationName string
	Variables     []byte
	ContextValue  any
	RootValue     any
}

// Subscription is the Go mapping of spec §9's "asynchronous producer":
// a finite or error-terminated lazy sequence of execution results.
// Implementations must make Close safe to call concurrently with a
// blocked Next, causing Next to return promptly.
type Subscription interface {
	// Next blocks until the next result is available, the subscription
	// completes normally (ok=false, err=nil), or ctx is done.
	Next(ctx context.Context) (result ExecutionResult, ok bool, err error)
	// Close runs the producer's cleanup path. Safe to call more than once.
	Close() error
}

// Engine is the external GraphQL collaborator this transport drives: a
// standard GraphQL engine exposing parse, validate, execute, and
// subscribe, assumed to be provided by the host application (spec §1
// "Deliberately out of scope"). See package gqlparseradapter for a
// concrete implementation over vektah/gqlparser/v2.
type Engine interface {
	// Parse parses query into an engine-specific Document.
	Parse(query string) (Document, error)
	// Validate validates doc against schema, returning any errors found.
	Validate(schema any, doc Document) []GraphQLError
	// Kind reports whether the named operation (or the sole operation,
	// if operationName is empty) in doc is a query, mutation, or
	// subscription.
	Kind(doc Document, operationName string) (OperationKind, error)
	// Execute runs a query or mutation to completion and returns its
	// single result.
	Execute(ctx context.Context, args ExecArgs) ExecutionResult
	// Subscribe begins a subscription, returning a Subscription that
	// yields one ExecutionResult per published value.
	Subscribe(ctx context.Context, args ExecArgs) (Subscription, error)
}
