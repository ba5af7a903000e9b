// Package persisted implements persisted-query support for the server
// engine (spec §8 Scenario 6): a manifest mapping operationId to stored
// query text, loaded once at startup and validated structurally with
// google/jsonschema-go before being served.
package persisted

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/graphql-sse/gqlsse/internal/wire"
	"github.com/graphql-sse/gqlsse/transport"
)

// manifestSchema describes the shape every persisted-query manifest
// must have: a flat JSON object from operation id to query text.
var manifestSchema = &jsonschema.Schema{
	Type:                 "object",
	AdditionalProperties: &jsonschema.Schema{Type: "string"},
}

// Store holds the loaded persisted-query manifest.
type Store struct {
	byID map[string]string
}

// Load parses manifest (the raw bytes of a JSON manifest document),
// validates it against manifestSchema, and returns a Store.
func Load(manifest []byte) (*Store, error) {
	var raw any
	if err := json.Unmarshal(manifest, &raw); err != nil {
		return nil, fmt.Errorf("persisted: invalid manifest JSON: %w", err)
	}
	resolved, err := manifestSchema.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		return nil, fmt.Errorf("persisted: invalid manifest schema: %w", err)
	}
	if err := resolved.Validate(raw); err != nil {
		return nil, fmt.Errorf("persisted: manifest failed validation: %w", err)
	}

	var byID map[string]string
	if err := wire.Unmarshal(manifest, &byID); err != nil {
		return nil, fmt.Errorf("persisted: decode manifest: %w", err)
	}
	return &Store{byID: byID}, nil
}

// Lookup returns the stored query text for id, if any.
func (s *Store) Lookup(id string) (string, bool) {
	q, ok := s.byID[id]
	return q, ok
}

// Middleware wraps next, resolving extensions.persistedQuery to a
// stored query from store before falling through to next for every
// other request (full query text, or no match for the persisted-query
// extension at all). extensions.persistedQuery is a bare string: the
// manifest id itself, not a wrapping object.
//
// The stored query reaches only next, in its params.Query. The Handler
// keeps its own copy of the request, so when next is nil, or returns the
// zero HookOutcome, the Handler parses the request's original query text
// and the stored query is not executed.
func Middleware(store *Store, next transport.OnSubscribeFunc) transport.OnSubscribeFunc {
	return func(req *http.Request, params transport.OperationRequest) (transport.HookOutcome, error) {
		if len(params.Extensions) > 0 {
			var ext struct {
				PersistedQuery wire.RawMessage `json:"persistedQuery"`
			}
			if err := wire.Unmarshal(params.Extensions, &ext); err == nil && len(ext.PersistedQuery) > 0 {
				var id string
				if err := wire.Unmarshal(ext.PersistedQuery, &id); err == nil {
					query, ok := store.Lookup(id)
					if !ok {
						return transport.HookOutcome{
							Override: &transport.ResponseOverride{
								Status: http.StatusNotFound,
								Body:   []byte(fmt.Sprintf("unknown persisted query id %q", id)),
							},
						}, nil
					}
					params.Query = query
				}
			}
		}
		if next != nil {
			return next(req, params)
		}
		return transport.HookOutcome{}, nil
	}
}
