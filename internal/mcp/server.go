// ABOUTME: MCP-compatible HTTP endpoint exposing the operation registry to remote tool-callers.
// ABOUTME: Authenticates each POST, parses the JSON-RPC envelope, dispatches and always writes a response.

package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/arith-gateway/internal/identity"
	"github.com/2389/arith-gateway/internal/observability"
	"github.com/2389/arith-gateway/internal/tools"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2024-11-05": true,
	"2025-03-26": true,
	"2025-06-18": true,
}

// latestProtocolVersion is advertised when the client asks for a version we don't know.
const latestProtocolVersion = "2025-06-18"

// DefaultMaxBodyBytes is the request body limit used when Config leaves it unset.
const DefaultMaxBodyBytes = 1 << 20

// Config holds configuration for the MCP server.
type Config struct {
	Registry *tools.Registry
	Verifier identity.Verifier
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Tracer   trace.Tracer

	ServerName    string
	ServerVersion string
	MaxBodyBytes  int64

	// DebugErrors appends verification failure detail to invalid-token responses.
	DebugErrors bool

	// ResourceMetadataURL returns the protected-resource metadata URL advertised
	// in WWW-Authenticate challenges. It may return "" when unknown.
	ResourceMetadataURL func() string
}

// Server implements the MCP endpoint.
type Server struct {
	registry     *tools.Registry
	verifier     identity.Verifier
	logger       *slog.Logger
	metrics      *observability.Metrics
	tracer       trace.Tracer
	name         string
	version      string
	maxBodyBytes int64
	debugErrors  bool
	resourceURL  func() string
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("verifier is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("arith-gateway/mcp")
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	name := cfg.ServerName
	if name == "" {
		name = "arith-gateway"
	}
	version := cfg.ServerVersion
	if version == "" {
		version = "dev"
	}
	resourceURL := cfg.ResourceMetadataURL
	if resourceURL == nil {
		resourceURL = func() string { return "" }
	}

	return &Server{
		registry:     cfg.Registry,
		verifier:     cfg.Verifier,
		logger:       logger,
		metrics:      cfg.Metrics,
		tracer:       tracer,
		name:         name,
		version:      version,
		maxBodyBytes: maxBody,
		debugErrors:  cfg.DebugErrors,
		resourceURL:  resourceURL,
	}, nil
}

// RegisterRoutes registers the MCP endpoint on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/mcp", s)
}

// ServeHTTP accepts only POST; the endpoint has no streaming or session surface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	s.handlePost(w, r)
}

// exchange tracks one request through the pipeline so the boundary can always respond.
type exchange struct {
	w       http.ResponseWriter
	id      json.RawMessage
	method  string
	outcome string
	written bool
	logger  *slog.Logger
}

// reply is what a method handler produces: a result, or a protocol error with its HTTP status.
type reply struct {
	result  any
	err     *Error
	status  int
	outcome string
}

func okReply(result any) reply {
	return reply{result: result, status: http.StatusOK, outcome: "success"}
}

func errReply(status, code int, message string) reply {
	return reply{err: &Error{Code: code, Message: message}, status: status}
}

// handlePost runs AwaitingAuth -> Authenticated -> MethodResolved -> Dispatched -> Responded.
// Every path, including panics, ends with exactly one response.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	ex := &exchange{
		w:       w,
		method:  "unknown",
		outcome: "internal_error",
		logger:  s.logger.With("request_id", observability.RequestIDFromContext(ctx)),
	}

	defer func() {
		if rec := recover(); rec != nil {
			ex.logger.Error("panic while handling MCP request",
				"method", ex.method,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			if !ex.written {
				s.writeEnvelope(ex, http.StatusInternalServerError, newError(ex.id, CodeInternalError, "internal error"))
			}
			ex.outcome = "internal_error"
		}
		s.metrics.RecordRPC(methodLabel(ex.method), ex.outcome, time.Since(start))
	}()

	// AwaitingAuth
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		s.metrics.RecordVerification(identity.ResultLabel(identity.ErrMissingToken))
		ex.outcome = "unauthorized"
		s.setChallenge(w)
		s.writeJSON(ex, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	token, err := identity.ExtractBearerToken(authHeader)
	var id *identity.Identity
	if err == nil {
		id, err = s.verifier.Verify(ctx, token)
	}
	s.metrics.RecordVerification(identity.ResultLabel(err))
	if err != nil {
		s.rejectToken(ex, err)
		return
	}

	// Authenticated
	ctx = identity.WithIdentity(ctx, id)
	ex.logger = ex.logger.With("subject", id.Subject)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			ex.outcome = "invalid_request"
			s.writeEnvelope(ex, http.StatusRequestEntityTooLarge, newError(nil, CodeInvalidRequest, "request body too large"))
			return
		}
		ex.logger.Warn("failed to read MCP request body", "error", err)
		ex.outcome = "bad_request"
		s.writeJSON(ex, http.StatusBadRequest, map[string]string{"error": "unreadable request body"})
		return
	}

	req, err := parseRequest(body)
	ex.id = req.ID
	if err != nil {
		ex.method = req.Method
		if errors.Is(err, errNotJSON) {
			ex.outcome = "parse_error"
			s.writeEnvelope(ex, http.StatusBadRequest, newError(nil, CodeParseError, "parse error"))
			return
		}
		ex.outcome = "invalid_request"
		s.writeEnvelope(ex, http.StatusBadRequest, newError(ex.id, CodeInvalidRequest, "invalid request: "+err.Error()))
		return
	}

	// MethodResolved
	ex.method = req.Method
	if req.IsNotification() {
		ex.logger.Debug("accepted MCP notification", "method", req.Method)
		ex.outcome = "notification"
		ex.written = true
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ctx, span := s.tracer.Start(ctx, "mcp."+methodLabel(req.Method),
		trace.WithAttributes(attribute.String("rpc.method", req.Method)))
	defer span.End()

	ex.logger.Debug("MCP request", "method", req.Method)

	// Dispatched
	var rep reply
	switch req.Method {
	case "initialize":
		rep = s.handleInitialize(req)
	case "ping":
		rep = okReply(struct{}{})
	case "tools/list":
		rep = s.handleToolsList()
	case "tools/call":
		rep = s.handleToolsCall(ctx, ex, req)
	default:
		rep = errReply(http.StatusOK, CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}

	// Responded
	if rep.err != nil {
		ex.outcome = outcomeForCode(rep.err.Code)
		span.SetStatus(codes.Error, rep.err.Message)
		span.SetAttributes(attribute.Int("rpc.jsonrpc.error_code", rep.err.Code))
		s.writeEnvelope(ex, rep.status, Response{JSONRPC: "2.0", ID: ex.id, Error: rep.err})
		return
	}
	ex.outcome = rep.outcome
	s.writeEnvelope(ex, rep.status, newResult(ex.id, rep.result))
}

// rejectToken answers a present-but-unusable credential with an envelope-level 401.
func (s *Server) rejectToken(ex *exchange, err error) {
	ex.logger.Info("rejected bearer token",
		"result", identity.ResultLabel(err),
		"reason", identity.Reason(err),
	)

	if errors.Is(err, identity.ErrProviderUnavailable) {
		ex.outcome = "provider_unavailable"
		s.writeEnvelope(ex, http.StatusServiceUnavailable, newError(nil, CodeInternalError, "authentication temporarily unavailable"))
		return
	}

	message := "invalid token"
	if s.debugErrors {
		message = message + ": " + err.Error()
	}
	ex.outcome = "unauthorized"
	s.setChallenge(ex.w)
	s.writeEnvelope(ex, http.StatusUnauthorized, newError(nil, CodeInvalidToken, message))
}

// setChallenge points clients at the protected-resource metadata.
func (s *Server) setChallenge(w http.ResponseWriter) {
	challenge := "Bearer"
	if u := s.resourceURL(); u != "" {
		challenge = fmt.Sprintf(`Bearer resource_metadata=%q`, u)
	}
	w.Header().Set("WWW-Authenticate", challenge)
}

func (s *Server) writeEnvelope(ex *exchange, status int, resp Response) {
	s.writeJSON(ex, status, resp)
}

func (s *Server) writeJSON(ex *exchange, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		ex.logger.Error("failed to encode MCP response", "error", err)
		status = http.StatusInternalServerError
		data, _ = json.Marshal(newError(ex.id, CodeInternalError, "internal error"))
	}
	ex.written = true
	ex.w.Header().Set("Content-Type", "application/json")
	ex.w.WriteHeader(status)
	if _, err := ex.w.Write(append(data, '\n')); err != nil {
		ex.logger.Warn("failed to write MCP response", "error", err)
	}
}

// methodLabel bounds the metric and span name cardinality.
func methodLabel(method string) string {
	switch {
	case method == "initialize", method == "ping", method == "tools/list", method == "tools/call":
		return method
	case strings.HasPrefix(method, "notifications/"):
		return "notification"
	case method == "unknown":
		return "unknown"
	default:
		return "other"
	}
}

func outcomeForCode(code int) string {
	switch code {
	case CodeParseError:
		return "parse_error"
	case CodeInvalidRequest:
		return "invalid_request"
	case CodeMethodNotFound:
		return "not_found"
	case CodeInvalidParams:
		return "invalid_params"
	case CodeInvalidToken:
		return "unauthorized"
	default:
		return "internal_error"
	}
}
