package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	type nested struct {
		Field string `json:"field"`
	}
	type target struct {
		Name   string  `json:"name"`
		Nested *nested `json:"nested,omitempty"`
	}

	tests := []struct {
		name string
		in   target
	}{
		{"plain", target{Name: "gopher"}},
		{"with nested", target{Name: "gopher", Nested: &nested{Field: "value"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.in)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			var got target
			if err := Unmarshal(data, &got); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if diff := cmp.Diff(tt.in, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRawMessagePassesThroughVerbatim(t *testing.T) {
	type holder struct {
		Payload RawMessage `json:"payload"`
	}
	raw := `{"payload":{"a":1,"b":[true,null,"x"]}}`
	var h holder
	if err := Unmarshal([]byte(raw), &h); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if string(h.Payload) != `{"a":1,"b":[true,null,"x"]}` {
		t.Errorf("Payload = %s, want the nested object preserved verbatim", h.Payload)
	}

	out, err := Marshal(h)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(out) != raw {
		t.Errorf("re-encoded = %s, want %s", out, raw)
	}
}
