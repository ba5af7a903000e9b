package oauthheaders

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/oauth2/clientcredentials"
)

func newTokenServer(t *testing.T, accessToken, tokenType string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"` + accessToken + `","token_type":"` + tokenType + `","expires_in":3600}`))
	}))
}

func TestClientCredentialsAttachesBearerHeader(t *testing.T) {
	srv := newTokenServer(t, "abc123", "Bearer")
	defer srv.Close()

	headers := ClientCredentials(clientcredentials.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		TokenURL:     srv.URL,
	})

	got, err := headers(nil)
	if err != nil {
		t.Fatalf("headers() error = %v", err)
	}
	want := "Bearer abc123"
	if got["Authorization"] != want {
		t.Errorf("Authorization = %q, want %q", got["Authorization"], want)
	}
}

func TestClientCredentialsPropagatesTokenFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized_client", http.StatusUnauthorized)
	}))
	defer srv.Close()

	headers := ClientCredentials(clientcredentials.Config{
		ClientID:     "client-id",
		ClientSecret: "wrong-secret",
		TokenURL:     srv.URL,
	})

	if _, err := headers(nil); err == nil {
		t.Fatal("headers() error = nil, want an error for a rejected token request")
	}
}
