package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/graphql-sse/gqlsse/internal/wire"
)

// fakeEngine is a minimal Engine stub for the tests in this package. It
// does not parse real GraphQL: operation kind and shape are derived from
// substrings of the raw query text, which keeps these tests independent
// of any particular GraphQL implementation (that is what package
// gqlparseradapter is for, and it cannot be imported here without an
// import cycle).
type fakeEngine struct{}

func (fakeEngine) Parse(query string) (Document, error) {
	if query == "" {
		return nil, fmt.Errorf("fakeEngine: empty query")
	}
	return query, nil
}

func (fakeEngine) Validate(_ any, doc Document) []GraphQLError {
	q, _ := doc.(string)
	if strings.Contains(q, "invalid") {
		return []GraphQLError{{Message: "fakeEngine: query marked invalid"}}
	}
	return nil
}

func (fakeEngine) Kind(doc Document, _ string) (OperationKind, error) {
	q, _ := doc.(string)
	switch {
	case strings.Contains(q, "subscription"):
		return OperationSubscription, nil
	case strings.Contains(q, "mutation"):
		return OperationMutation, nil
	default:
		return OperationQuery, nil
	}
}

func (fakeEngine) Execute(_ context.Context, args ExecArgs) ExecutionResult {
	q, _ := args.Document.(string)
	data, _ := wire.Marshal(map[string]any{"echo": q})
	return ExecutionResult{Data: data}
}

func (fakeEngine) Subscribe(_ context.Context, args ExecArgs) (Subscription, error) {
	q, _ := args.Document.(string)
	if strings.Contains(q, "fail") {
		return nil, fmt.Errorf("fakeEngine: subscribe refused")
	}
	if strings.Contains(q, "empty") {
		return &fakeSubscription{remaining: 0}, nil
	}
	if strings.Contains(q, "endless") {
		return &endlessSubscription{}, nil
	}
	return &fakeSubscription{remaining: 3}, nil
}

// endlessSubscription yields one value and then blocks until ctx is
// done, so it is still in flight when a test cancels it.
type endlessSubscription struct {
	sent bool
}

func (s *endlessSubscription) Next(ctx context.Context) (ExecutionResult, bool, error) {
	if !s.sent {
		s.sent = true
		data, _ := wire.Marshal(map[string]any{"count": 0})
		return ExecutionResult{Data: data}, true, nil
	}
	<-ctx.Done()
	return ExecutionResult{}, false, ctx.Err()
}

func (s *endlessSubscription) Close() error { return nil }

// fakeSubscription counts down from remaining to 0 with no delay between
// values, so handler and client tests run fast and deterministically.
type fakeSubscription struct {
	mu        sync.Mutex
	remaining int
	closed    bool
}

func (s *fakeSubscription) Next(_ context.Context) (ExecutionResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remaining <= 0 {
		return ExecutionResult{}, false, nil
	}
	s.remaining--
	data, _ := wire.Marshal(map[string]any{"count": s.remaining})
	return ExecutionResult{Data: data}, true, nil
}

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
