// Package jwtauth provides a ready-made transport.AuthenticateFunc that
// validates a bearer JWT and maps its subject claim onto a stream token.
package jwtauth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/graphql-sse/gqlsse/transport"
)

// BearerAuthenticator returns an AuthenticateFunc that requires an
// `Authorization: Bearer <jwt>` header, validates the token with
// keyFunc, and returns the token's `sub` claim as the AuthResult token.
// On PUT the Handler reserves the stream under that value when it is
// non-empty; only a token without a `sub` claim leaves the Handler to
// generate its own 128-bit stream token.
//
// Requests missing or failing the bearer check receive a 401 response
// override rather than falling through to the handler's default
// behavior.
func BearerAuthenticator(keyFunc jwt.Keyfunc) transport.AuthenticateFunc {
	return func(req *http.Request) transport.AuthResult {
		raw := req.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(raw, prefix) {
			return unauthorized("missing bearer token")
		}
		tokenString := strings.TrimPrefix(raw, prefix)

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc)
		if err != nil || !token.Valid {
			return unauthorized("invalid bearer token")
		}

		sub, _ := claims.GetSubject()
		return transport.AuthResult{Token: sub}
	}
}

func unauthorized(msg string) transport.AuthResult {
	return transport.AuthResult{
		Override: &transport.ResponseOverride{
			Status: http.StatusUnauthorized,
			Body:   []byte(msg),
		},
	}
}
