// Package wire provides the JSON encode/decode primitives shared by the
// transport's message codec and framer.
//
// It wraps segmentio/encoding/json rather than encoding/json: the
// transport passes variables, extensions, and execution results through
// verbatim (spec: "MUST NOT coerce types"), and segmentio's drop-in
// Marshaler/Unmarshaler gives that for free while avoiding the
// reflection overhead of the stdlib encoder on the hot path of every
// streamed event.
package wire

import (
	"github.com/segmentio/encoding/json"
)

// Marshal encodes v using the same semantics as encoding/json.Marshal.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes data into v using the same semantics as
// encoding/json.Unmarshal.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// RawMessage is an alias of json.RawMessage so callers outside this
// package never need to import segmentio/encoding/json directly.
type RawMessage = json.RawMessage
