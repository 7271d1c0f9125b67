package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanpama/libris/internal/apierr"
	"github.com/hanpama/libris/internal/auth"
	"github.com/hanpama/libris/internal/executor"
	"github.com/hanpama/libris/internal/reqid"
	"github.com/hanpama/libris/internal/resolver"
	"github.com/hanpama/libris/internal/schema"
)

// Handler is an http.Handler serving the GraphQL endpoint.
// It parses requests, resolves the bearer identity, attaches per-request
// loaders, runs the executor, and formats responses per GraphQL spec.
// Subscription operations arrive as websocket upgrades and are handled by
// the transport in ws.go.
type Handler struct {
	exec   *executor.Executor
	res    *resolver.Resolver
	opt    Options
	tracer trace.Tracer
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout. It does not apply to subscriptions.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// GraphiQL enables the in-browser IDE when true.
	GraphiQL bool
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

func WithGraphiQL(enable bool) Option { return func(o *Options) { o.GraphiQL = enable } }

// New creates the GraphQL HTTP handler for the given resolver.
func New(res *resolver.Resolver, opts ...Option) (*Handler, error) {
	sch, err := schema.Load()
	if err != nil {
		return nil, err
	}
	op := Options{Timeout: 10 * time.Second, GraphiQL: true}
	for _, f := range opts {
		f(&op)
	}
	return &Handler{
		exec:   executor.New(res, sch),
		res:    res,
		opt:    op,
		tracer: otel.Tracer("libris"),
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebsocketUpgrade(r) {
		h.serveWS(w, r)
		return
	}

	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	ctx, rid := reqid.NewContext(ctx)
	w.Header().Set("X-Request-Id", strconv.FormatInt(rid, 10))

	ctx, span := h.tracer.Start(ctx, "http.request")
	span.SetAttributes(
		attribute.String("http.method", r.Method),
		attribute.String("http.target", r.URL.Path),
	)
	status := http.StatusOK
	defer func() {
		span.SetAttributes(attribute.Int("http.status_code", status))
		span.End()
	}()

	if r.Method == http.MethodOptions {
		if len(h.opt.CORS.AllowedOrigins) > 0 {
			setCORSHeaders(w, r, h.opt.CORS)
		}
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}

	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, singleError("method not allowed", apierr.Validation), h.opt.Pretty)
		return
	}

	// Serve GraphiQL IDE when enabled and the client expects HTML.
	if r.Method == http.MethodGet && h.opt.GraphiQL && acceptsHTML(r.Header.Get("Accept")) && r.URL.Query().Get("query") == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(graphiqlPage)
		return
	}

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}

	// Resolve the bearer identity before execution. A missing header is an
	// anonymous request; a present but unverifiable token is a hard error
	// regardless of what the operation would have needed.
	ctx, authErr := h.authenticate(ctx, r.Header.Get("Authorization"))
	if authErr != nil {
		writeJSON(w, status, errorFrom(authErr), h.opt.Pretty)
		return
	}

	req, batch, perr := parseRequest(r, h.opt.MaxBodyBytes)
	if perr != nil {
		status = http.StatusBadRequest
		if perr.Error() == errBodyTooLargeMessage {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, singleError(perr.Error(), apierr.Validation), h.opt.Pretty)
		return
	}

	if batch != nil {
		out := make([]any, len(batch))
		for i := range batch {
			out[i] = h.executeOne(ctx, batch[i])
		}
		writeJSON(w, status, out, h.opt.Pretty)
		return
	}

	writeJSON(w, status, h.executeOne(ctx, req), h.opt.Pretty)
}

// authenticate resolves the Authorization header into an identity on ctx.
func (h *Handler) authenticate(ctx context.Context, header string) (context.Context, error) {
	if header == "" {
		return ctx, nil
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		token, ok = strings.CutPrefix(header, "bearer ")
	}
	if !ok {
		return ctx, apierr.New(apierr.AuthInvalid, "malformed authorization header")
	}
	id, err := h.res.Auth().VerifyToken(token)
	if err != nil {
		return ctx, err
	}
	return auth.WithIdentity(ctx, id), nil
}

func (h *Handler) executeOne(ctx context.Context, req GraphQLRequest) *executor.Response {
	// Loaders are request-scoped: each executed operation gets a fresh
	// author cache and its own batching windows.
	ctx = h.res.WithLoaders(ctx)

	ctx, span := h.tracer.Start(ctx, "graphql.operation")
	span.SetAttributes(attribute.String("graphql.operation.name", req.OperationName))
	defer span.End()

	resp := h.exec.ExecuteRequest(ctx, req.Query, req.OperationName, req.Variables)
	span.SetAttributes(attribute.Int("graphql.error_count", len(resp.Errors)))
	return resp
}

// ------------------ Request parsing ------------------

type GraphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) *requestError { return &requestError{msg: msg} }

func parseRequest(r *http.Request, maxBody int64) (GraphQLRequest, []GraphQLRequest, error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query().Get("query")
		if q == "" {
			return GraphQLRequest{}, nil, badRequest("missing 'query'")
		}
		vars := map[string]any{}
		if v := r.URL.Query().Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &vars); err != nil {
				return GraphQLRequest{}, nil, badRequest("invalid 'variables' JSON")
			}
		}
		op := r.URL.Query().Get("operationName")
		return GraphQLRequest{Query: q, Variables: vars, OperationName: op}, nil, nil
	}

	// POST
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		return GraphQLRequest{}, nil, badRequest("unsupported Content-Type")
	}

	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return GraphQLRequest{}, nil, badRequest("failed to read body")
	}
	defer r.Body.Close()
	if maxBody > 0 && int64(len(body)) > maxBody {
		return GraphQLRequest{}, nil, badRequest(errBodyTooLargeMessage)
	}

	// Try array (batch)
	if len(body) > 0 && body[0] == '[' {
		var arr []GraphQLRequest
		if err := json.Unmarshal(body, &arr); err != nil {
			return GraphQLRequest{}, nil, badRequest("invalid JSON")
		}
		if len(arr) == 0 {
			return GraphQLRequest{}, nil, badRequest("empty batch")
		}
		return GraphQLRequest{}, arr, nil
	}
	// Single
	var req GraphQLRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return GraphQLRequest{}, nil, badRequest("invalid JSON")
	}
	if req.Query == "" {
		return GraphQLRequest{}, nil, badRequest("missing 'query'")
	}
	if req.Variables == nil {
		req.Variables = map[string]any{}
	}
	return req, nil, nil
}

// ------------------ Response formatting ------------------

func singleError(message string, kind apierr.Kind) *executor.Response {
	return &executor.Response{Errors: []*executor.Error{{
		Message:    message,
		Extensions: map[string]any{"code": string(kind)},
	}}}
}

func errorFrom(err error) *executor.Response {
	if ae, ok := apierr.As(err); ok {
		resp := singleError(ae.Message, ae.Kind)
		if ae.InvalidArg != "" {
			resp.Errors[0].Extensions["invalidArgs"] = ae.InvalidArg
		}
		return resp
	}
	return singleError("internal error", apierr.Persistence)
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

const errBodyTooLargeMessage = "body too large"

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func acceptsHTML(accept string) bool {
	if accept == "" {
		return false
	}
	for _, p := range strings.Split(accept, ",") {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, "text/html") || p == "*/*" {
			return true
		}
	}
	return false
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
