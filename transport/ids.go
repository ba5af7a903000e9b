package transport

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// newStreamToken returns a 128-bit random token encoded as hex, per
// spec §4.3: "Token generation: 128-bit random, base16/hex, unique
// across the process's lifetime with negligible collision probability."
func newStreamToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// defaultGenerateID is the client's default operation-id factory (spec
// §4.5: "UUIDv4 is the default").
func defaultGenerateID() string {
	return uuid.NewString()
}
