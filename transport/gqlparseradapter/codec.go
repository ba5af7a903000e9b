package gqlparseradapter

import (
	"github.com/graphql-sse/gqlsse/internal/wire"
	"github.com/graphql-sse/gqlsse/transport"
)

func encode(v any) (wire.RawMessage, error) {
	return wire.Marshal(v)
}

func decodeVariables(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := wire.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func errorsToPayload(errs []transport.GraphQLError) wire.RawMessage {
	b, err := wire.Marshal(errs)
	if err != nil {
		panic(err)
	}
	return b
}
