// Package gqlssedebug provides a mechanism to configure debug knobs via
// the GQLSSEDEBUG environment variable.
//
// The value of GQLSSEDEBUG is a comma-separated list of key=value pairs.
// For example:
//
//	GQLSSEDEBUG=traceframes=1,keepalive=500ms
package gqlssedebug

import (
	"fmt"
	"os"
	"strings"
)

const debugEnvKey = "GQLSSEDEBUG"

var debugParams map[string]string

func init() {
	var err error
	debugParams, err = parseDebug(os.Getenv(debugEnvKey))
	if err != nil {
		panic(err)
	}
}

// Value returns the value of the debug parameter with the given key.
// It returns an empty string if the key is not set.
func Value(key string) string {
	return debugParams[key]
}

func parseDebug(envValue string) (map[string]string, error) {
	if envValue == "" {
		return nil, nil
	}

	params := make(map[string]string)
	for part := range strings.SplitSeq(envValue, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%s: invalid format: %q", debugEnvKey, part)
		}
		params[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return params, nil
}
