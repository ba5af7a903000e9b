// Package oauthheaders adapts golang.org/x/oauth2/clientcredentials into
// a transport.HeadersFunc, for clients authenticating to the server with
// a machine-to-machine bearer token rather than a caller-supplied one.
package oauthheaders

import (
	"context"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/graphql-sse/gqlsse/transport"
)

// ClientCredentials returns a HeadersFunc that fetches (and the
// underlying oauth2.TokenSource transparently caches and refreshes) a
// bearer token via the OAuth2 client-credentials grant, attaching it as
// an Authorization header on every client request.
func ClientCredentials(cfg clientcredentials.Config) transport.HeadersFunc {
	source := cfg.TokenSource(context.Background())
	return func(ctx context.Context) (map[string]string, error) {
		tok, err := source.Token()
		if err != nil {
			return nil, err
		}
		return map[string]string{
			"Authorization": tok.Type() + " " + tok.AccessToken,
		}, nil
	}
}
