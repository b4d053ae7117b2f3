// ABOUTME: Discovery documents and the browser sign-in handshake that hands clients a bearer token.
// ABOUTME: The identity provider's ID token is itself the API credential; nothing is minted here.

package oauth

import (
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/2389/arith-gateway/internal/identity"
)

//go:embed templates/*.html
var templateFS embed.FS

// maxCallbackBodyBytes bounds the callback payload; an ID token is a few KiB.
const maxCallbackBodyBytes = 64 << 10

// TransportStreamableHTTP is the transport name advertised in the MCP discovery document.
const TransportStreamableHTTP = "streamable-http"

// WebConfig is the identity provider's browser SDK configuration used by the login page.
type WebConfig struct {
	APIKey     string
	AuthDomain string
	ProjectID  string
}

// Config holds configuration for the handshake handler.
type Config struct {
	URLs          *URLs
	Verifier      identity.Verifier
	Web           WebConfig
	ServerName    string
	ServerVersion string
	Logger        *slog.Logger

	// AllowedOrigins limits where the callback page may post the token.
	// Empty means any origin.
	AllowedOrigins []string

	// GitHub enables the GitHub handshake when set.
	GitHub *GitHubConfig
}

// Handler serves the well-known documents and /auth/* endpoints.
type Handler struct {
	urls     *URLs
	verifier identity.Verifier
	web      WebConfig
	name     string
	version  string
	logger   *slog.Logger
	origins  map[string]bool
	github   *gitHubFlow

	loginTmpl    *template.Template
	callbackTmpl *template.Template
	errorTmpl    *template.Template
}

// NewHandler creates a Handler. Templates are parsed once here.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("verifier is required")
	}
	urls := cfg.URLs
	if urls == nil {
		urls = NewURLs("")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.ServerName
	if name == "" {
		name = "arith-gateway"
	}

	github, err := newGitHubFlow(cfg.GitHub)
	if err != nil {
		return nil, err
	}

	var origins map[string]bool
	if len(cfg.AllowedOrigins) > 0 {
		origins = make(map[string]bool, len(cfg.AllowedOrigins))
		for _, o := range cfg.AllowedOrigins {
			origins[normalizeOrigin(o)] = true
		}
	}

	return &Handler{
		urls:         urls,
		origins:      origins,
		github:       github,
		verifier:     cfg.Verifier,
		web:          cfg.Web,
		name:         name,
		version:      cfg.ServerVersion,
		logger:       logger,
		loginTmpl:    template.Must(template.ParseFS(templateFS, "templates/login.html")),
		callbackTmpl: template.Must(template.ParseFS(templateFS, "templates/callback.html")),
		errorTmpl:    template.Must(template.ParseFS(templateFS, "templates/error.html")),
	}, nil
}

// RegisterRoutes registers discovery and handshake endpoints on the given ServeMux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(PathMCPDiscovery, h.handleMCPDiscovery)
	mux.HandleFunc(PathAuthServerMetadata, h.handleAuthServerMetadata)
	mux.HandleFunc(PathProtectedResource, h.handleProtectedResource)
	mux.HandleFunc(PathAuthStart, h.handleStart)
	mux.HandleFunc(PathAuthLogin, h.handleLogin)
	mux.HandleFunc(PathAuthCallback, h.handleCallback)
	mux.HandleFunc(PathAuthToken, h.handleToken)
	if h.github != nil {
		mux.HandleFunc(PathGitHubStart, h.handleGitHubStart)
		mux.HandleFunc(PathGitHubCallback, h.handleGitHubCallback)
	}
}

// MCPDiscovery is the /.well-known/mcp.json document.
type MCPDiscovery struct {
	Name      string      `json:"name"`
	Version   string      `json:"version"`
	Auth      MCPAuthInfo `json:"auth"`
	Transport string      `json:"transport"`
	Endpoint  string      `json:"endpoint"`
}

// MCPAuthInfo tells clients how to obtain a token.
type MCPAuthInfo struct {
	Type             string `json:"type"`
	AuthorizationURL string `json:"authorization_url"`
}

// AuthServerMetadata is the OAuth authorization server metadata document.
type AuthServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// ProtectedResourceMetadata is the OAuth protected resource metadata document.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

// MCPDiscovery builds the current MCP discovery document.
func (h *Handler) MCPDiscovery() MCPDiscovery {
	return MCPDiscovery{
		Name:    h.name,
		Version: h.version,
		Auth: MCPAuthInfo{
			Type:             "oauth",
			AuthorizationURL: h.urls.Resolve(PathAuthStart),
		},
		Transport: TransportStreamableHTTP,
		Endpoint:  h.urls.Resolve(PathMCP),
	}
}

// AuthServerMetadata builds the current authorization server metadata.
func (h *Handler) AuthServerMetadata() AuthServerMetadata {
	return AuthServerMetadata{
		Issuer:                            h.urls.Issuer(),
		AuthorizationEndpoint:             h.urls.Resolve(PathAuthStart),
		TokenEndpoint:                     h.urls.Resolve(PathAuthToken),
		ResponseTypesSupported:            []string{"token"},
		GrantTypesSupported:               []string{"implicit"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	}
}

// ProtectedResourceMetadata builds the current protected resource metadata.
func (h *Handler) ProtectedResourceMetadata() ProtectedResourceMetadata {
	return ProtectedResourceMetadata{
		Resource:               h.urls.Resolve(PathMCP),
		AuthorizationServers:   []string{h.urls.Issuer()},
		BearerMethodsSupported: []string{"header"},
	}
}

func (h *Handler) handleMCPDiscovery(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	h.writeJSON(w, http.StatusOK, h.MCPDiscovery())
}

func (h *Handler) handleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	h.writeJSON(w, http.StatusOK, h.AuthServerMetadata())
}

func (h *Handler) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	h.writeJSON(w, http.StatusOK, h.ProtectedResourceMetadata())
}

// handleStart redirects to the login page, forwarding the query string unchanged.
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	target := PathAuthLogin
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusFound)
}

type loginData struct {
	ServerName  string
	APIKey      string
	AuthDomain  string
	ProjectID   string
	CallbackURL string
	GitHubURL   string
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	data := loginData{
		ServerName:  h.name,
		APIKey:      h.web.APIKey,
		AuthDomain:  h.web.AuthDomain,
		ProjectID:   h.web.ProjectID,
		CallbackURL: PathAuthCallback,
	}
	if h.github != nil {
		data.GitHubURL = PathGitHubStart
		if r.URL.RawQuery != "" {
			data.GitHubURL += "?" + r.URL.RawQuery
		}
	}
	h.renderHTML(w, http.StatusOK, h.loginTmpl, data)
}

// callbackRequest is the login page's POST body.
type callbackRequest struct {
	IDToken     string `json:"idToken"`
	RedirectURI string `json:"redirectUri,omitempty"`
	State       string `json:"state,omitempty"`
}

type callbackData struct {
	ServerName   string
	Token        string
	State        string
	TargetOrigin string
}

type errorData struct {
	ServerName string
	Message    string
	RetryURL   string
}

// handleCallback verifies the posted ID token and hands it to the opening window.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var req callbackRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBodyBytes))
	if err == nil {
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		h.logger.Debug("unreadable auth callback body", "error", err)
		h.renderError(w, http.StatusBadRequest, "The sign-in response could not be read.")
		return
	}

	token := strings.TrimSpace(req.IDToken)
	if token == "" {
		h.renderError(w, http.StatusBadRequest, "No sign-in credential was received.")
		return
	}

	origin := targetOrigin(req.RedirectURI)
	if !h.originAllowed(origin) {
		h.logger.Warn("auth callback refused origin", "origin", origin)
		h.renderError(w, http.StatusBadRequest, "This application is not allowed to receive sign-in credentials.")
		return
	}

	id, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		h.logger.Info("auth callback rejected token",
			"result", identity.ResultLabel(err),
			"reason", identity.Reason(err),
		)
		h.renderError(w, http.StatusUnauthorized, "The sign-in credential could not be verified.")
		return
	}

	h.logger.Info("auth callback issued token", "subject", id.Subject)

	w.Header().Set("Cache-Control", "no-store")
	h.renderHTML(w, http.StatusOK, h.callbackTmpl, callbackData{
		ServerName:   h.name,
		Token:        token,
		State:        req.State,
		TargetOrigin: origin,
	})
}

// handleToken exists for discovery clients; the implicit flow never exchanges codes.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
}

// targetOrigin derives the postMessage target from the client's redirect URI.
// Without a usable redirect URI any origin may receive the message.
func targetOrigin(redirectURI string) string {
	if redirectURI == "" {
		return "*"
	}
	u, err := url.Parse(redirectURI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "*"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "*"
	}
	return u.Scheme + "://" + u.Host
}

// originAllowed reports whether the token may be posted to origin.
// With an allowlist configured the wildcard origin is never allowed.
func (h *Handler) originAllowed(origin string) bool {
	if h.origins == nil {
		return true
	}
	return origin != "*" && h.origins[normalizeOrigin(origin)]
}

func normalizeOrigin(origin string) string {
	return strings.ToLower(strings.TrimRight(origin, "/"))
}

func (h *Handler) renderError(w http.ResponseWriter, status int, message string) {
	h.renderHTML(w, status, h.errorTmpl, errorData{
		ServerName: h.name,
		Message:    message,
		RetryURL:   PathAuthStart,
	})
}

func (h *Handler) renderHTML(w http.ResponseWriter, status int, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.Execute(w, data); err != nil {
		h.logger.Error("failed to render page", "template", tmpl.Name(), "error", err)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", "GET, HEAD")
	http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	return false
}
