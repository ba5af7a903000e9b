// Package transport implements the server and client runtime for the
// graphql-sse streaming transport: a GraphQL-over-Server-Sent-Events
// wire protocol supporting both one-stream-per-operation and
// single-multiplexed-stream modes.
package transport

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/graphql-sse/gqlsse/internal/util"
	"github.com/graphql-sse/gqlsse/internal/wire"
)

func decodeBody(req *http.Request, v any) error {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}
	return wire.Unmarshal(data, v)
}

// Handler routes incoming HTTP requests to the stream-reservation,
// stream-consumption, operation-execution, and operation-cancellation
// behaviors described in spec §4.4. It implements http.Handler.
type Handler struct {
	getEngine func(*http.Request) Engine
	registry  *Registry
	opts      HandlerOptions
}

// NewHandler returns a Handler that resolves an Engine per request via
// getEngine (it is fine for getEngine to always return the same value).
func NewHandler(getEngine func(*http.Request) Engine, opts *HandlerOptions) *Handler {
	h := &Handler{getEngine: getEngine}
	if opts != nil {
		h.opts = *opts
	}
	h.registry = NewRegistry(h.opts.idleTimeout())
	return h
}

// Close stops the handler's background reservation-eviction loop and
// terminates every live reservation.
func (h *Handler) Close() { h.registry.Close() }

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPut:
		h.handlePut(w, req)
	case http.MethodGet:
		h.handleGet(w, req)
	case http.MethodPost:
		h.handlePost(w, req)
	case http.MethodDelete:
		h.handleDelete(w, req)
	default:
		w.Header().Set("Allow", "GET, POST, PUT, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// authenticate runs the Authenticate hook, if any, and reports whether
// the caller already sent a terminal response. Called at the top of
// every entry point (spec §4.4: "before routing, the engine invokes a
// user-supplied authenticate(req)") rather than only on PUT; the
// returned token is meaningful only to handlePut, which uses it as the
// stream token to reserve.
func (h *Handler) authenticate(w http.ResponseWriter, req *http.Request) (token string, done bool) {
	if h.opts.Authenticate == nil {
		if h.opts.RequireLoopbackForAnonymous && !util.IsLoopback(req.RemoteAddr) {
			http.Error(w, "anonymous access is restricted to loopback callers", http.StatusForbidden)
			return "", true
		}
		return "", false
	}
	result := h.opts.Authenticate(req)
	if result.Override != nil {
		result.Override.write(w)
		return "", true
	}
	return result.Token, false
}

func (h *Handler) handlePut(w http.ResponseWriter, req *http.Request) {
	token, done := h.authenticate(w, req)
	if done {
		return
	}
	if token == "" {
		var err error
		token, err = newStreamToken()
		if err != nil {
			h.opts.logger().Error("generate stream token", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	h.registry.Reserve(token, h.opts.newLimiter())
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(token))
}

func (h *Handler) handleGet(w http.ResponseWriter, req *http.Request) {
	if _, done := h.authenticate(w, req); done {
		return
	}
	accept := req.Header.Get("Accept")
	token := req.Header.Get(tokenHeader)
	if strings.Contains(accept, "text/event-stream") && token != "" {
		h.attach(w, req, token)
		return
	}
	h.serveDistinctGET(w, req)
}

func (h *Handler) attach(w http.ResponseWriter, req *http.Request, token string) {
	r, ok := h.registry.Lookup(token)
	if !ok {
		http.Error(w, "unknown stream token", http.StatusNotFound)
		return
	}
	if err := r.tryAttach(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	writeStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	flush(w)

	err := r.attach(req.Context().Done(), w, h.opts.keepAlive())
	h.registry.Remove(token)
	if err != nil {
		h.opts.logger().Debug("stream attach ended", "token", token, "error", err)
	}
}

func (h *Handler) serveDistinctGET(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	params := OperationRequest{
		Query:         q.Get("query"),
		OperationName: q.Get("operationName"),
	}
	if v := q.Get("variables"); v != "" {
		params.Variables = wire.RawMessage(v)
	}
	if e := q.Get("extensions"); e != "" {
		params.Extensions = wire.RawMessage(e)
	}
	h.runDistinct(w, req, params)
}

func (h *Handler) handlePost(w http.ResponseWriter, req *http.Request) {
	if _, done := h.authenticate(w, req); done {
		return
	}
	token := req.Header.Get(tokenHeader)
	if token == "" {
		if strings.Contains(req.Header.Get("Accept"), "text/event-stream") {
			h.executeDistinctPOST(w, req)
			return
		}
		http.Error(w, "missing "+tokenHeader+" header", http.StatusBadRequest)
		return
	}
	h.submitSingleConn(w, req, token)
}

func (h *Handler) executeDistinctPOST(w http.ResponseWriter, req *http.Request) {
	var params OperationRequest
	if err := decodeBody(req, &params); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	h.runDistinct(w, req, params)
}

// runDistinct resolves execution arguments for a distinct-mode operation
// and, if they resolve successfully, streams the result(s) directly into
// the response body. Pre-execution failures (hook override, validation
// error) are reported as plain HTTP responses rather than SSE events,
// per spec §4.4.
func (h *Handler) runDistinct(w http.ResponseWriter, req *http.Request, params OperationRequest) {
	engine := h.getEngine(req)
	args, override, valErrs, err := h.resolveExecArgs(req, engine, params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if override != nil {
		override.write(w)
		return
	}
	if valErrs != nil {
		writeJSONErrors(w, http.StatusBadRequest, valErrs)
		return
	}

	writeStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	flush(w)

	var writeMu writeSerializer = &directWriter{w: w}
	emit := func(result ExecutionResult) {
		data, err := encodeNext("", result)
		if err != nil {
			return
		}
		writeMu.write(frame{event: eventNext, data: data})
	}
	complete := func() {
		data, _ := encodeComplete("")
		writeMu.write(frame{event: eventComplete, data: data})
	}

	h.execute(req.Context(), req, engine, args, emit, complete)
}

func (h *Handler) submitSingleConn(w http.ResponseWriter, req *http.Request, token string) {
	r, ok := h.registry.Lookup(token)
	if !ok {
		http.Error(w, "unknown stream token", http.StatusNotFound)
		return
	}
	if r.limiter != nil && !r.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "too many operation submissions", http.StatusTooManyRequests)
		return
	}

	var params OperationRequest
	if err := decodeBody(req, &params); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	ext, err := parseExtensions(params.Extensions)
	if err != nil {
		http.Error(w, "malformed extensions", http.StatusBadRequest)
		return
	}
	if ext.OperationID == "" {
		http.Error(w, "extensions.operationId is required", http.StatusBadRequest)
		return
	}
	opID := ext.OperationID

	ctx, cancel := context.WithCancel(context.Background())
	if regErr := r.register(opID, cancel); regErr != nil {
		cancel()
		http.Error(w, regErr.Error(), http.StatusConflict)
		return
	}

	engine := h.getEngine(req)
	args, override, valErrs, err := h.resolveExecArgs(req, engine, params)
	if err != nil {
		r.unregister(opID)
		cancel()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if override != nil {
		r.unregister(opID)
		cancel()
		override.write(w)
		return
	}
	if valErrs != nil {
		w.WriteHeader(http.StatusAccepted)
		go func() {
			defer r.unregister(opID)
			defer cancel()
			h.emitSingleConn(r, opID, ExecutionResult{Errors: errorsPayload(valErrs...)})
			h.completeSingleConn(r, opID)
		}()
		return
	}

	w.WriteHeader(http.StatusAccepted)
	go func() {
		defer r.unregister(opID)
		defer cancel()
		emit := func(result ExecutionResult) { h.emitSingleConn(r, opID, result) }
		complete := func() { h.completeSingleConn(r, opID) }
		h.execute(ctx, req, engine, args, emit, complete)
	}()
}

func (h *Handler) emitSingleConn(r *Reservation, opID string, result ExecutionResult) {
	data, err := encodeNext(opID, result)
	if err != nil {
		return
	}
	r.emit(frame{event: eventNext, data: data})
}

func (h *Handler) completeSingleConn(r *Reservation, opID string) {
	data, _ := encodeComplete(opID)
	r.emit(frame{event: eventComplete, data: data})
}

func (h *Handler) handleDelete(w http.ResponseWriter, req *http.Request) {
	if _, done := h.authenticate(w, req); done {
		return
	}
	token := req.Header.Get(tokenHeader)
	if token == "" {
		http.Error(w, "missing "+tokenHeader+" header", http.StatusBadRequest)
		return
	}
	r, ok := h.registry.Lookup(token)
	if !ok {
		http.Error(w, "unknown stream token", http.StatusNotFound)
		return
	}
	opID := req.URL.Query().Get("operationId")
	if opID == "" {
		http.Error(w, "missing operationId", http.StatusBadRequest)
		return
	}
	if !r.cancelOperation(opID) {
		http.Error(w, "unknown operation", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// resolveExecArgs implements the OnSubscribe / schema / context /
// parse / validate pipeline shared by all three submission routes.
func (h *Handler) resolveExecArgs(req *http.Request, engine Engine, params OperationRequest) (args ExecArgs, override *ResponseOverride, validationErrors []GraphQLError, err error) {
	if h.opts.OnSubscribe != nil {
		outcome, hookErr := h.opts.OnSubscribe(req, params)
		if hookErr != nil {
			return ExecArgs{}, nil, nil, hookErr
		}
		if outcome.Override != nil {
			return ExecArgs{}, outcome.Override, nil, nil
		}
		if outcome.Args != nil {
			return *outcome.Args, nil, nil, nil
		}
	}

	doc, perr := engine.Parse(params.Query)
	if perr != nil {
		return ExecArgs{}, nil, []GraphQLError{{Message: perr.Error()}}, nil
	}
	args = ExecArgs{
		Document:      doc,
		OperationName: params.OperationName,
		Variables:     params.Variables,
	}
	if h.opts.Schema != nil {
		schema, serr := h.opts.Schema(req, args)
		if serr != nil {
			return ExecArgs{}, nil, []GraphQLError{{Message: serr.Error()}}, nil
		}
		args.Schema = schema
	}
	if errs := engine.Validate(args.Schema, doc); len(errs) > 0 {
		return ExecArgs{}, nil, errs, nil
	}
	if h.opts.Context != nil {
		args.ContextValue = h.opts.Context(req, args)
	}
	return args, nil, nil, nil
}

// execute drives a resolved operation to completion, dispatching to a
// single Execute call (query/mutation) or a Subscribe loop, and invokes
// OnOperation/OnNext/OnComplete around the results.
func (h *Handler) execute(ctx context.Context, req *http.Request, engine Engine, args ExecArgs, emit func(ExecutionResult), complete func()) {
	defer func() {
		if h.opts.OnComplete != nil {
			h.opts.OnComplete(req, args)
		}
	}()

	kind, err := engine.Kind(args.Document, args.OperationName)
	if err != nil {
		emit(ExecutionResult{Errors: errorsPayload(GraphQLError{Message: err.Error()})})
		complete()
		return
	}

	if kind != OperationSubscription {
		result := engine.Execute(ctx, args)
		if h.opts.OnOperation != nil {
			if ov := h.opts.OnOperation(req, args, result); ov != nil {
				result = *ov
			}
		}
		emit(result)
		complete()
		return
	}

	sub, serr := engine.Subscribe(ctx, args)
	if serr != nil {
		emit(ExecutionResult{Errors: errorsPayload(GraphQLError{Message: serr.Error()})})
		complete()
		return
	}
	defer sub.Close()
	for {
		result, ok, nerr := sub.Next(ctx)
		if nerr != nil {
			emit(ExecutionResult{Errors: errorsPayload(GraphQLError{Message: nerr.Error()})})
			complete()
			return
		}
		if !ok {
			complete()
			return
		}
		if h.opts.OnNext != nil {
			if ov := h.opts.OnNext(req, args, result); ov != nil {
				result = *ov
			}
		}
		emit(result)
	}
}

func writeStreamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
}

func writeJSONErrors(w http.ResponseWriter, status int, errs []GraphQLError) {
	body, err := wire.Marshal(struct {
		Errors []GraphQLError `json:"errors"`
	}{Errors: errs})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(flusher); ok {
		f.Flush()
	}
}

// writeSerializer serializes writes of frames to a single underlying
// stream (distinct mode has exactly one writer, so this just wraps it;
// single-conn mode instead goes through Reservation.emit).
type writeSerializer interface {
	write(frame)
}

type directWriter struct {
	w http.ResponseWriter
}

func (d *directWriter) write(f frame) {
	_ = writeFrame(d.w, f)
	flush(d.w)
}
