package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/graphql-sse/gqlsse/internal/wire"
)

// Sink receives the results of one subscribed operation. Next may be
// called zero or more times; exactly one of Error or Complete is called
// once, terminally (spec §9's "asynchronous producer" mapped onto the
// client side of the wire protocol).
type Sink struct {
	Next     func(ExecutionResult)
	Error    func(error)
	Complete func()
}

// HeadersFunc returns extra headers to attach to every client request.
// See package oauthheaders for a client-credentials-backed
// implementation that refreshes and caches a bearer token.
type HeadersFunc func(ctx context.Context) (map[string]string, error)

// ClientOptions configures a Client. All fields are optional.
type ClientOptions struct {
	// SingleConnection selects single-connection mode (spec §4.2): one
	// shared multiplexed stream for every subscribed operation, reserved
	// via PUT. The default, false, is distinct-connections mode: every
	// Subscribe opens its own POST+SSE stream.
	SingleConnection bool

	// Lazy defers establishing the shared stream (single-connection mode
	// only) until the first Subscribe call, and tears it down once the
	// last active operation disposes. A non-lazy client establishes the
	// stream eagerly at NewClient and keeps it up regardless of
	// subscriber count, reporting unrecoverable failures to
	// OnNonLazyError since there is no Subscribe caller to hand the
	// error to.
	Lazy bool

	// HTTPClient performs requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Headers is consulted before every request (PUT/GET/POST/DELETE)
	// to attach caller-supplied headers, e.g. an Authorization bearer
	// token. See package oauthheaders for a client-credentials-backed
	// implementation.
	Headers HeadersFunc

	// RetryAttempts bounds how many times a dropped connection is
	// retried before the failure is reported terminally. Negative means
	// no retries; zero means the default of 5 (spec §4.5).
	RetryAttempts int

	// RetryWait computes the backoff before the attempt'th retry.
	// Defaults to capped exponential backoff with jitter.
	RetryWait func(attempt int) time.Duration

	// OnNonLazyError is invoked when a non-lazy client's shared stream
	// fails for good: the initial reservation fails (this is not
	// retried), or the stream ends with an error that is not retried
	// any further.
	OnNonLazyError func(error)

	// GenerateID produces operationId values for single-connection mode
	// submissions. Defaults to a random UUIDv4 (spec §4.5).
	GenerateID func() string
}

func (o *ClientOptions) client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return http.DefaultClient
}

func (o *ClientOptions) maxRetries() int {
	switch {
	case o.RetryAttempts > 0:
		return o.RetryAttempts
	case o.RetryAttempts < 0:
		return 0
	default:
		return 5
	}
}

func (o *ClientOptions) backoff() retryPolicy {
	if o.RetryWait != nil {
		return o.RetryWait
	}
	return defaultRetryPolicy
}

func (o *ClientOptions) idGenerator() func() string {
	if o.GenerateID != nil {
		return o.GenerateID
	}
	return defaultGenerateID
}

// Client is the consumer-facing half of the graphql-sse protocol (spec
// §4.5): it drives either a fresh connection per operation, or a single
// shared multiplexed one, and dispatches results to per-operation Sinks.
type Client struct {
	opts     ClientOptions
	endpoint *endpointTemplate

	mu   sync.Mutex
	conn *singleConnState // nil until lazily (or eagerly) established
}

// NewClient returns a Client addressing url, which may be a plain URL
// or a URI template referencing the {token} variable (spec §4.3); a
// plain URL with no template variables is used unchanged for every
// request.
func NewClient(rawURL string, opts *ClientOptions) (*Client, error) {
	tpl, err := newEndpointTemplate(rawURL)
	if err != nil {
		return nil, fmt.Errorf("gqlsse: invalid client URL: %w", err)
	}
	c := &Client{endpoint: tpl}
	if opts != nil {
		c.opts = *opts
	}
	if c.opts.SingleConnection && !c.opts.Lazy {
		go func() {
			if _, err := c.ensureConn(context.Background()); err != nil && c.opts.OnNonLazyError != nil {
				c.opts.OnNonLazyError(err)
			}
		}()
	}
	return c, nil
}

// Subscribe begins op and returns a dispose function. Calling dispose
// cancels the operation: in distinct-connections mode it closes that
// operation's SSE connection; in single-connection mode it issues a
// DELETE cancellation and removes the operation's entry from the shared
// stream. dispose is safe to call more than once and safe to call from
// within a Sink callback.
func (c *Client) Subscribe(op OperationRequest, sink Sink) (dispose func()) {
	if c.opts.SingleConnection {
		return c.subscribeSingleConn(op, sink)
	}
	return c.subscribeDistinct(op, sink)
}

// Close tears down the client's shared stream, if any. Distinct-mode
// operations are unaffected; dispose each individually.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.cancelAttach()
	}
	return nil
}

func (c *Client) applyHeaders(ctx context.Context, req *http.Request) {
	if c.opts.Headers == nil {
		return
	}
	h, err := c.opts.Headers(ctx)
	if err != nil {
		return
	}
	for k, v := range h {
		req.Header.Set(k, v)
	}
}

// --- distinct-connections mode (spec §4.1) ---

func (c *Client) subscribeDistinct(op OperationRequest, sink Sink) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go c.runDistinct(ctx, op, sink)
	return cancel
}

func (c *Client) runDistinct(ctx context.Context, op OperationRequest, sink Sink) {
	endpoint, err := c.endpoint.expand("")
	if err != nil {
		reportError(sink, err)
		return
	}
	for attempt := 0; ; attempt++ {
		err := c.streamDistinctOnce(ctx, endpoint, op, sink)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !isRetryable(err) || attempt >= c.opts.maxRetries() {
			reportError(sink, err)
			return
		}
		if werr := sleepOrDone(ctx, c.opts.backoff()(attempt)); werr != nil {
			return
		}
	}
}

// streamDistinctOnce opens one POST+SSE connection and drives it to
// completion, returning nil only once a `complete` event was observed.
func (c *Client) streamDistinctOnce(ctx context.Context, endpoint string, op OperationRequest, sink Sink) error {
	body, err := wire.Marshal(op)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	c.applyHeaders(ctx, req)

	resp, err := c.opts.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &httpStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	scanner := newFrameScanner(resp.Body)
	for {
		f, ok := scanner.Next()
		if !ok {
			if err := scanner.Err(); err != nil {
				return err
			}
			return fmt.Errorf("gqlsse: event stream ended before a complete event")
		}
		switch f.event {
		case eventNext:
			p, derr := decodeNext(f.data)
			if derr != nil {
				continue
			}
			if sink.Next != nil {
				sink.Next(p.Payload)
			}
		case eventComplete:
			if sink.Complete != nil {
				sink.Complete()
			}
			return nil
		}
	}
}

func reportError(sink Sink, err error) {
	if sink.Error != nil {
		sink.Error(err)
	}
}

// --- single-connection mode (spec §4.2) ---

// singleConnState is the client-side mirror of one server Reservation:
// the shared token and the live operations multiplexed over its stream.
// refcount tracks the number of subscriptions still active against this
// connection (Data Model §3); every field below is accessed only while
// holding mu.
type singleConnState struct {
	token        string
	cancelAttach context.CancelFunc

	mu       sync.Mutex
	ops      map[string]*singleConnOp
	refcount int
}

// singleConnOp is one subscription's record on a shared connection. id
// is mutable: a reconnect re-submits the operation under a freshly
// generated id (spec §4.5 step 6), so a subscription's dispose closure
// holds a pointer to this record rather than the id it started with.
type singleConnOp struct {
	id   string
	op   OperationRequest
	sink Sink
}

func (c *Client) ensureConn(ctx context.Context) (*singleConnState, error) {
	c.mu.Lock()
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	token, err := c.reserveToken(ctx)
	if err != nil {
		return nil, err
	}
	attachCtx, cancel := context.WithCancel(context.Background())
	conn := &singleConnState{token: token, cancelAttach: cancel, ops: make(map[string]*singleConnOp)}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.runAttach(attachCtx, conn)
	return conn, nil
}

func (c *Client) reserveToken(ctx context.Context) (string, error) {
	endpoint, err := c.endpoint.expand("")
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return "", err
	}
	c.applyHeaders(ctx, req)

	resp, err := c.opts.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &httpStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// runAttach performs the GET handshake and drains the shared stream
// until it ends. A reservation is single-use per spec §3, so a dropped
// stream can never be resumed in place: whenever at least one
// subscription is still active when the stream ends, runAttach backs
// off, reserves a fresh token, re-submits every active operation under
// a new id (spec §4.5 step 6), and re-attaches — independent of Lazy,
// which governs only eager-connect-at-construction and close-on-idle
// (steps 1 and 5). Once no operation is active, or retries are
// exhausted, the connection is torn down and any operations still on
// it are failed.
func (c *Client) runAttach(ctx context.Context, conn *singleConnState) {
	var err error
	for attempt := 0; ; attempt++ {
		err = c.attachOnce(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		conn.mu.Lock()
		hasActive := len(conn.ops) > 0
		conn.mu.Unlock()

		if err == nil && hasActive {
			err = fmt.Errorf("gqlsse: event stream ended with operations still active")
		}
		if hasActive && isRetryable(err) && attempt < c.opts.maxRetries() {
			if werr := sleepOrDone(ctx, c.opts.backoff()(attempt)); werr == nil {
				if newToken, terr := c.reserveToken(ctx); terr == nil {
					conn.token = newToken
					c.resubmitActive(ctx, conn)
					continue
				}
			}
		}
		break
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	conn.mu.Lock()
	ops := conn.ops
	conn.ops = make(map[string]*singleConnOp)
	conn.mu.Unlock()
	for _, entry := range ops {
		reportError(entry.sink, err)
	}
	if !c.opts.Lazy && c.opts.OnNonLazyError != nil && err != nil {
		c.opts.OnNonLazyError(err)
	}
}

// resubmitActive re-submits every operation still on conn under a
// freshly generated id, addressed to conn's (already refreshed) token.
// The old id has no meaning on the new reservation, so every entry's id
// is updated in place before its dispose closure can observe it.
func (c *Client) resubmitActive(ctx context.Context, conn *singleConnState) {
	conn.mu.Lock()
	old := conn.ops
	conn.ops = make(map[string]*singleConnOp)
	conn.mu.Unlock()

	for _, entry := range old {
		newID := c.opts.idGenerator()()

		conn.mu.Lock()
		entry.id = newID
		conn.ops[newID] = entry
		conn.mu.Unlock()

		if err := c.submitSingleConn(ctx, conn, newID, entry.op); err != nil {
			conn.mu.Lock()
			delete(conn.ops, newID)
			conn.mu.Unlock()
			reportError(entry.sink, err)
			c.releaseSingleConn(conn)
		}
	}
}

// releaseSingleConn decrements conn's count of active subscriptions
// and, once it reaches zero on a lazy client, closes the shared stream
// and forgets the connection (spec §4.5 step 5).
func (c *Client) releaseSingleConn(conn *singleConnState) {
	conn.mu.Lock()
	conn.refcount--
	empty := conn.refcount <= 0
	conn.mu.Unlock()
	if !empty || !c.opts.Lazy {
		return
	}
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.cancelAttach()
}

func (c *Client) attachOnce(ctx context.Context, conn *singleConnState) error {
	endpoint, err := c.endpoint.expand(conn.token)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(tokenHeader, conn.token)
	c.applyHeaders(ctx, req)

	resp, err := c.opts.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &httpStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	scanner := newFrameScanner(resp.Body)
	for {
		f, ok := scanner.Next()
		if !ok {
			return scanner.Err()
		}
		switch f.event {
		case eventNext:
			p, derr := decodeNext(f.data)
			if derr != nil {
				continue
			}
			conn.mu.Lock()
			entry, found := conn.ops[p.ID]
			conn.mu.Unlock()
			if found && entry.sink.Next != nil {
				entry.sink.Next(p.Payload)
			}
		case eventComplete:
			p, derr := decodeComplete(f.data)
			if derr != nil {
				continue
			}
			conn.mu.Lock()
			entry, found := conn.ops[p.ID]
			if found {
				delete(conn.ops, p.ID)
			}
			conn.mu.Unlock()
			if found {
				if entry.sink.Complete != nil {
					entry.sink.Complete()
				}
				c.releaseSingleConn(conn)
			}
		}
	}
}

func (c *Client) subscribeSingleConn(op OperationRequest, sink Sink) func() {
	opID := c.opts.idGenerator()()
	entry := &singleConnOp{id: opID, op: op, sink: sink}
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		conn, err := c.ensureConn(ctx)
		if err != nil {
			reportError(sink, err)
			return
		}
		conn.mu.Lock()
		conn.refcount++
		conn.ops[opID] = entry
		conn.mu.Unlock()

		if err := c.submitSingleConn(ctx, conn, opID, op); err != nil {
			conn.mu.Lock()
			delete(conn.ops, opID)
			conn.mu.Unlock()
			reportError(sink, err)
			c.releaseSingleConn(conn)
		}
	}()

	return func() {
		cancel()
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		conn.mu.Lock()
		currentID := entry.id
		_, active := conn.ops[currentID]
		if active {
			delete(conn.ops, currentID)
		}
		conn.mu.Unlock()
		if active {
			c.cancelOperation(conn, currentID)
			c.releaseSingleConn(conn)
		}
	}
}

func (c *Client) submitSingleConn(ctx context.Context, conn *singleConnState, opID string, op OperationRequest) error {
	ext, err := mergeOperationID(op.Extensions, opID)
	if err != nil {
		return err
	}
	op.Extensions = ext

	body, err := wire.Marshal(op)
	if err != nil {
		return err
	}
	endpoint, err := c.endpoint.expand(conn.token)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tokenHeader, conn.token)
	c.applyHeaders(ctx, req)

	resp, err := c.opts.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return &httpStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return nil
}

func (c *Client) cancelOperation(conn *singleConnState, opID string) {
	endpoint, err := c.endpoint.expand(conn.token)
	if err != nil {
		return
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return
	}
	q := u.Query()
	q.Set("operationId", opID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequest(http.MethodDelete, u.String(), nil)
	if err != nil {
		return
	}
	req.Header.Set(tokenHeader, conn.token)
	c.applyHeaders(context.Background(), req)

	resp, err := c.opts.client().Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

func mergeOperationID(existing wire.RawMessage, opID string) (wire.RawMessage, error) {
	m := map[string]wire.RawMessage{}
	if len(existing) > 0 {
		if err := wire.Unmarshal(existing, &m); err != nil {
			return nil, err
		}
	}
	idBytes, err := wire.Marshal(opID)
	if err != nil {
		return nil, err
	}
	m["operationId"] = idBytes
	return wire.Marshal(m)
}
