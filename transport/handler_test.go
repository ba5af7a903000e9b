package transport

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/graphql-sse/gqlsse/internal/wire"
)

func newTestHandler(opts *HandlerOptions) (*Handler, *httptest.Server) {
	h := NewHandler(func(*http.Request) Engine { return fakeEngine{} }, opts)
	srv := httptest.NewServer(h)
	return h, srv
}

func TestHandlerDistinctPOSTQuery(t *testing.T) {
	h, srv := newTestHandler(nil)
	defer srv.Close()
	defer h.Close()

	body, _ := wire.Marshal(OperationRequest{Query: "query { hello }"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL, bytes.NewReader(body))
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	scanner := newFrameScanner(resp.Body)
	f, ok := scanner.Next()
	if !ok {
		t.Fatalf("Next() = false, want a next frame (err: %v)", scanner.Err())
	}
	if f.event != eventNext {
		t.Fatalf("first event = %q, want %q", f.event, eventNext)
	}
	payload, err := decodeNext(f.data)
	if err != nil {
		t.Fatalf("decodeNext() error = %v", err)
	}
	if string(payload.Payload.Data) != `{"echo":"query { hello }"}` {
		t.Errorf("data = %s, want echoed query", payload.Payload.Data)
	}

	f, ok = scanner.Next()
	if !ok || f.event != eventComplete {
		t.Fatalf("second frame = %+v, ok=%v, want a complete event", f, ok)
	}
}

func TestHandlerDistinctGETQueryString(t *testing.T) {
	h, srv := newTestHandler(nil)
	defer srv.Close()
	defer h.Close()

	u, _ := url.Parse(srv.URL)
	q := u.Query()
	q.Set("query", "query { hello }")
	u.RawQuery = q.Encode()

	resp, err := http.Get(u.String())
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	scanner := newFrameScanner(resp.Body)
	f, ok := scanner.Next()
	if !ok || f.event != eventNext {
		t.Fatalf("first frame = %+v, ok=%v, want a next event", f, ok)
	}
}

func TestHandlerDistinctValidationError(t *testing.T) {
	h, srv := newTestHandler(nil)
	defer srv.Close()
	defer h.Close()

	body, _ := wire.Marshal(OperationRequest{Query: "query invalid { hello }"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL, bytes.NewReader(body))
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandlerPostWithoutTokenRequiresSSEAccept(t *testing.T) {
	h, srv := newTestHandler(nil)
	defer srv.Close()
	defer h.Close()

	body, _ := wire.Marshal(OperationRequest{Query: "query { hello }"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL, bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandlerMethodNotAllowed(t *testing.T) {
	h, srv := newTestHandler(nil)
	defer srv.Close()
	defer h.Close()

	req, _ := http.NewRequest(http.MethodPatch, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func putToken(t *testing.T, base string) string {
	t.Helper()
	resp, err := http.DefaultClient.Do(mustRequest(t, http.MethodPut, base, nil))
	if err != nil {
		t.Fatalf("PUT error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read PUT body: %v", err)
	}
	return string(body)
}

func mustRequest(t *testing.T, method, url string, body io.Reader) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("NewRequest(%s, %s): %v", method, url, err)
	}
	return req
}

func attachStream(t *testing.T, base, token string) (*http.Response, *frameScanner) {
	t.Helper()
	req := mustRequest(t, http.MethodGet, base, nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(tokenHeader, token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET attach error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET attach status = %d, want 200", resp.StatusCode)
	}
	return resp, newFrameScanner(resp.Body)
}

func TestHandlerSingleConnectionSubmitAndComplete(t *testing.T) {
	h, srv := newTestHandler(nil)
	defer srv.Close()
	defer h.Close()

	token := putToken(t, srv.URL)
	resp, scanner := attachStream(t, srv.URL, token)
	defer resp.Body.Close()

	op := OperationRequest{Query: "query { hello }", Extensions: wire.RawMessage(`{"operationId":"op-1"}`)}
	body, _ := wire.Marshal(op)
	req := mustRequest(t, http.MethodPost, srv.URL, bytes.NewReader(body))
	req.Header.Set(tokenHeader, token)
	req.Header.Set("Content-Type", "application/json")
	postResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST submit error = %v", err)
	}
	defer postResp.Body.Close()
	if postResp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST submit status = %d, want 202", postResp.StatusCode)
	}

	f, ok := scanner.Next()
	if !ok || f.event != eventNext {
		t.Fatalf("first frame = %+v, ok=%v, want a next event", f, ok)
	}
	p, err := decodeNext(f.data)
	if err != nil {
		t.Fatalf("decodeNext() error = %v", err)
	}
	if p.ID != "op-1" {
		t.Errorf("ID = %q, want %q", p.ID, "op-1")
	}

	f, ok = scanner.Next()
	if !ok || f.event != eventComplete {
		t.Fatalf("second frame = %+v, ok=%v, want a complete event", f, ok)
	}
}

func TestHandlerSingleConnectionSubscriptionAndCancel(t *testing.T) {
	h, srv := newTestHandler(nil)
	defer srv.Close()
	defer h.Close()

	token := putToken(t, srv.URL)
	resp, scanner := attachStream(t, srv.URL, token)
	defer resp.Body.Close()

	op := OperationRequest{Query: "subscription { endless }", Extensions: wire.RawMessage(`{"operationId":"sub-1"}`)}
	body, _ := wire.Marshal(op)
	req := mustRequest(t, http.MethodPost, srv.URL, bytes.NewReader(body))
	req.Header.Set(tokenHeader, token)
	postResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST submit error = %v", err)
	}
	postResp.Body.Close()
	if postResp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST submit status = %d, want 202", postResp.StatusCode)
	}

	f, ok := scanner.Next()
	if !ok || f.event != eventNext {
		t.Fatalf("expected a next event, got %+v ok=%v", f, ok)
	}

	u, _ := url.Parse(srv.URL)
	q := u.Query()
	q.Set("operationId", "sub-1")
	u.RawQuery = q.Encode()
	delReq := mustRequest(t, http.MethodDelete, u.String(), nil)
	delReq.Header.Set(tokenHeader, token)
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status = %d, want 200", delResp.StatusCode)
	}

	delReq2 := mustRequest(t, http.MethodDelete, u.String(), nil)
	delReq2.Header.Set(tokenHeader, token)
	delResp2, err := http.DefaultClient.Do(delReq2)
	if err != nil {
		t.Fatalf("DELETE (second) error = %v", err)
	}
	delResp2.Body.Close()
	if delResp2.StatusCode != http.StatusNotFound {
		t.Errorf("second DELETE status = %d, want 404 (operation already removed)", delResp2.StatusCode)
	}
}

func TestHandlerSecondAttachRejected(t *testing.T) {
	h, srv := newTestHandler(nil)
	defer srv.Close()
	defer h.Close()

	token := putToken(t, srv.URL)
	resp1, _ := attachStream(t, srv.URL, token)
	defer resp1.Body.Close()

	req := mustRequest(t, http.MethodGet, srv.URL, nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(tokenHeader, token)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second GET attach error = %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Errorf("second attach status = %d, want 409", resp2.StatusCode)
	}
}

func TestHandlerAuthenticateOverride(t *testing.T) {
	h, srv := newTestHandler(&HandlerOptions{
		Authenticate: func(req *http.Request) AuthResult {
			if req.Header.Get("Authorization") == "" {
				return AuthResult{Override: &ResponseOverride{Status: http.StatusUnauthorized, Body: []byte("nope")}}
			}
			return AuthResult{}
		},
	})
	defer srv.Close()
	defer h.Close()

	resp, err := http.DefaultClient.Do(mustRequest(t, http.MethodPut, srv.URL, nil))
	if err != nil {
		t.Fatalf("PUT error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHandlerAuthenticateProtectsDistinctPOST(t *testing.T) {
	h, srv := newTestHandler(&HandlerOptions{
		Authenticate: func(req *http.Request) AuthResult {
			if req.Header.Get("Authorization") == "" {
				return AuthResult{Override: &ResponseOverride{Status: http.StatusUnauthorized, Body: []byte("nope")}}
			}
			return AuthResult{}
		},
	})
	defer srv.Close()
	defer h.Close()

	body, _ := wire.Marshal(OperationRequest{Query: "query { hello }"})
	req := mustRequest(t, http.MethodPost, srv.URL, bytes.NewReader(body))
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated distinct-mode POST status = %d, want 401", resp.StatusCode)
	}
}

func TestHandlerAuthenticateProtectsSingleConnSubmit(t *testing.T) {
	h, srv := newTestHandler(&HandlerOptions{
		Authenticate: func(req *http.Request) AuthResult {
			if req.Header.Get("Authorization") == "" {
				return AuthResult{Override: &ResponseOverride{Status: http.StatusUnauthorized, Body: []byte("nope")}}
			}
			return AuthResult{}
		},
	})
	defer srv.Close()
	defer h.Close()

	// PUT carries its own Authorization header, so it succeeds and
	// yields a real token; the POST submission against it omits the
	// header and must still be rejected.
	req := mustRequest(t, http.MethodPut, srv.URL, nil)
	req.Header.Set("Authorization", "whatever")
	putResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT error = %v", err)
	}
	defer putResp.Body.Close()
	tokenBytes, _ := io.ReadAll(putResp.Body)
	token := string(tokenBytes)

	op := OperationRequest{Query: "query { hello }", Extensions: wire.RawMessage(`{"operationId":"op-1"}`)}
	body, _ := wire.Marshal(op)
	submitReq := mustRequest(t, http.MethodPost, srv.URL, bytes.NewReader(body))
	submitReq.Header.Set(tokenHeader, token)
	submitReq.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(submitReq)
	if err != nil {
		t.Fatalf("POST submit error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated single-connection submit status = %d, want 401", resp.StatusCode)
	}
}

func TestHandlerRequireLoopbackForAnonymousRejectsRemoteCaller(t *testing.T) {
	h := NewHandler(func(*http.Request) Engine { return fakeEngine{} }, &HandlerOptions{RequireLoopbackForAnonymous: true})
	defer h.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		req.RemoteAddr = "203.0.113.5:1234"
		h.ServeHTTP(w, req)
	}))
	defer srv.Close()

	resp, err := http.DefaultClient.Do(mustRequest(t, http.MethodPut, srv.URL, nil))
	if err != nil {
		t.Fatalf("PUT error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestHandlerRequireLoopbackForAnonymousAllowsLoopbackCaller(t *testing.T) {
	h, srv := newTestHandler(&HandlerOptions{RequireLoopbackForAnonymous: true})
	defer srv.Close()
	defer h.Close()

	resp, err := http.DefaultClient.Do(mustRequest(t, http.MethodPut, srv.URL, nil))
	if err != nil {
		t.Fatalf("PUT error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 (httptest.Server listens on loopback)", resp.StatusCode)
	}
}

func TestHandlerPutGetCloseCycleLeavesRegistryEmpty(t *testing.T) {
	h, srv := newTestHandler(nil)
	defer srv.Close()
	defer h.Close()

	token := putToken(t, srv.URL)
	if h.registry.Len() != 1 {
		t.Fatalf("Len() after PUT = %d, want 1", h.registry.Len())
	}

	resp, _ := attachStream(t, srv.URL, token)
	resp.Body.Close() // closing the response body ends the attached GET

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.registry.Len() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("registry was not emptied after the PUT -> GET -> close cycle")
}

func TestHandlerIdleReservationEvicted(t *testing.T) {
	h, srv := newTestHandler(&HandlerOptions{IdleTimeout: 20 * time.Millisecond})
	defer srv.Close()
	defer h.Close()

	token := putToken(t, srv.URL)
	if _, ok := h.registry.Lookup(token); !ok {
		t.Fatal("reservation missing immediately after PUT")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := h.registry.Lookup(token); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("reservation was not evicted within the deadline")
}
