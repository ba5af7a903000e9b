package transport

import (
	"github.com/graphql-sse/gqlsse/internal/wire"
)

// OperationRequest is the input accepted by either engine: the body of a
// distinct-mode POST/GET, or of a single-connection POST submission.
type OperationRequest struct {
	Query         string          `json:"query"`
	OperationName string          `json:"operationName,omitempty"`
	Variables     wire.RawMessage `json:"variables,omitempty"`
	Extensions    wire.RawMessage `json:"extensions,omitempty"`
}

// operationExtensions is the subset of Extensions this package itself
// reads. Unknown keys are preserved verbatim in OperationRequest.Extensions
// and passed through to onSubscribe.
type operationExtensions struct {
	OperationID     string          `json:"operationId,omitempty"`
	PersistedQuery  wire.RawMessage `json:"persistedQuery,omitempty"`
}

func parseExtensions(raw wire.RawMessage) (operationExtensions, error) {
	var ext operationExtensions
	if len(raw) == 0 {
		return ext, nil
	}
	if err := wire.Unmarshal(raw, &ext); err != nil {
		return operationExtensions{}, err
	}
	return ext, nil
}

// ExecutionResult is the shape emitted by the GraphQL engine for a
// single value. It is opaque to the transport: every field is decoded
// and re-encoded as raw JSON so that no information is lost or coerced
// in transit (spec: "MUST preserve them bit-exactly").
type ExecutionResult struct {
	Data       wire.RawMessage `json:"data,omitempty"`
	Errors     wire.RawMessage `json:"errors,omitempty"`
	Extensions wire.RawMessage `json:"extensions,omitempty"`
	HasNext    *bool           `json:"hasNext,omitempty"`
}

// GraphQLError is a convenience shape for constructing Errors payloads;
// callers may also build wire.RawMessage directly.
type GraphQLError struct {
	Message string          `json:"message"`
	Path    []any           `json:"path,omitempty"`
	Extensions wire.RawMessage `json:"extensions,omitempty"`
}

func errorsPayload(errs ...GraphQLError) wire.RawMessage {
	b, err := wire.Marshal(errs)
	if err != nil {
		// GraphQLError always marshals; this would indicate a bug.
		panic(err)
	}
	return b
}

// nextPayload is the `data:` body of a `next` SSE event.
type nextPayload struct {
	ID      string          `json:"id,omitempty"`
	Payload ExecutionResult `json:"payload"`
}

// completePayload is the `data:` body of a `complete` SSE event.
type completePayload struct {
	ID string `json:"id,omitempty"`
}

func encodeNext(id string, result ExecutionResult) ([]byte, error) {
	return wire.Marshal(nextPayload{ID: id, Payload: result})
}

func encodeComplete(id string) ([]byte, error) {
	return wire.Marshal(completePayload{ID: id})
}

func decodeNext(data []byte) (nextPayload, error) {
	var p nextPayload
	err := wire.Unmarshal(data, &p)
	return p, err
}

func decodeComplete(data []byte) (completePayload, error) {
	var p completePayload
	err := wire.Unmarshal(data, &p)
	return p, err
}

const (
	eventNext     = "next"
	eventComplete = "complete"
)
