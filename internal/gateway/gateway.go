// ABOUTME: Gateway orchestrator that wires identity, tools, discovery and the MCP endpoint
// ABOUTME: Owns the HTTP server, optional tsnet listener, metrics, tracing and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2/github"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/arith-gateway/internal/config"
	"github.com/2389/arith-gateway/internal/identity"
	"github.com/2389/arith-gateway/internal/mcp"
	"github.com/2389/arith-gateway/internal/oauth"
	"github.com/2389/arith-gateway/internal/observability"
	"github.com/2389/arith-gateway/internal/tools"
)

// ServerName is advertised in initialize results and discovery documents.
const ServerName = "arith-gateway"

// Version is overridden at build time via -ldflags.
var Version = "dev"

// Gateway is the main server that coordinates all components.
type Gateway struct {
	config      *config.Config
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	metrics  *observability.Metrics
	tracer   *observability.Tracer
	cache    *identity.Cache
	verifier identity.Verifier
	registry *tools.Registry
	urls     *oauth.URLs
	oauth    *oauth.Handler
	mcp      *mcp.Server
	limiter  *clientLimiter

	// cancelKeys stops the key set's background refresher.
	cancelKeys context.CancelFunc
}

// New creates a new Gateway instance with the given configuration.
// The identity provider's key set is fetched here; failure to reach it is returned
// as an error and the gateway must not start.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	metrics := observability.NewMetrics("arith")
	tracer, err := observability.NewTracer(ctx, observability.TracerConfig{
		ServiceName:    ServerName,
		ServiceVersion: Version,
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	keysCtx, cancelKeys := context.WithCancel(context.Background())
	jwtVerifier, creds, err := newJWTVerifier(keysCtx, cfg, metrics, tracer.Tracer(), logger)
	if err != nil {
		cancelKeys()
		_ = tracer.Shutdown(ctx)
		return nil, err
	}

	var gitHubVerifier *identity.GitHubVerifier
	var baseVerifier identity.Verifier = jwtVerifier
	if cfg.Identity.GitHub.Enabled() {
		gitHubVerifier = identity.NewGitHubVerifier(identity.GitHubVerifierConfig{APIURL: cfg.Identity.GitHub.APIURL})
		baseVerifier = identity.RouteByFormat(jwtVerifier, gitHubVerifier)
	}
	cache := identity.NewCache(cfg.Identity.CacheSize)
	verifier := identity.NewCachingVerifier(baseVerifier, cache, cfg.Identity.CacheTTL, metrics)

	logger.Info("identity provider ready",
		"project_id", creds.ProjectID,
		"client_email", creds.ClientEmail,
		"static_keys", cfg.Identity.JWKSFile != "",
		"github", cfg.Identity.GitHub.Enabled(),
	)

	gw := &Gateway{
		config:     cfg,
		logger:     logger.With("component", "gateway"),
		metrics:    metrics,
		tracer:     tracer,
		cache:      cache,
		verifier:   verifier,
		registry:   tools.Builtin(),
		urls:       oauth.NewURLs(determineBaseURL(cfg)),
		cancelKeys: cancelKeys,
	}

	gw.oauth, err = oauth.NewHandler(oauth.Config{
		URLs:     gw.urls,
		Verifier: verifier,
		Web: oauth.WebConfig{
			APIKey:     cfg.Identity.Web.APIKey,
			AuthDomain: cfg.Identity.Web.AuthDomain,
			ProjectID:  creds.ProjectID,
		},
		ServerName:     ServerName,
		ServerVersion:  Version,
		Logger:         logger.With("component", "oauth"),
		AllowedOrigins: cfg.Auth.AllowedOrigins,
		GitHub:         gitHubConfig(cfg, gitHubVerifier),
	})
	if err != nil {
		return nil, gw.discard(ctx, fmt.Errorf("creating auth handler: %w", err))
	}

	gw.mcp, err = mcp.NewServer(mcp.Config{
		Registry:            gw.registry,
		Verifier:            verifier,
		Logger:              logger.With("component", "mcp"),
		Metrics:             metrics,
		Tracer:              tracer.Tracer(),
		ServerName:          ServerName,
		ServerVersion:       Version,
		MaxBodyBytes:        cfg.Server.MaxBodyBytes,
		DebugErrors:         cfg.Auth.DebugErrors,
		ResourceMetadataURL: gw.urls.ResourceMetadataURL,
	})
	if err != nil {
		return nil, gw.discard(ctx, fmt.Errorf("creating MCP server: %w", err))
	}

	if cfg.RateLimit.Enabled {
		gw.limiter = newClientLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	return gw, nil
}

// gitHubConfig returns the handshake settings, or nil when GitHub sign-in is off.
func gitHubConfig(cfg *config.Config, v *identity.GitHubVerifier) *oauth.GitHubConfig {
	if v == nil {
		return nil
	}
	return &oauth.GitHubConfig{
		ClientID:     cfg.Identity.GitHub.ClientID,
		ClientSecret: cfg.Identity.GitHub.ClientSecret,
		Endpoint:     github.Endpoint,
		Verifier:     v,
	}
}

// NewVerifier builds an uncached verifier from cfg, for one-off checks outside the server.
// Cancel ctx to stop the key set's background refresher.
func NewVerifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (identity.Verifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v, _, err := newJWTVerifier(ctx, cfg, nil, nil, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Identity.GitHub.Enabled() {
		return identity.RouteByFormat(v, identity.NewGitHubVerifier(identity.GitHubVerifierConfig{APIURL: cfg.Identity.GitHub.APIURL})), nil
	}
	return v, nil
}

// newJWTVerifier parses the credential bundle, loads the key set and builds the token verifier.
func newJWTVerifier(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, tracer trace.Tracer, logger *slog.Logger) (*identity.JWTVerifier, *identity.Credentials, error) {
	creds, err := identity.ParseCredentials(cfg.Identity.CredentialsJSON, cfg.Identity.ProjectID)
	if err != nil {
		return nil, nil, err
	}

	keys, err := createKeySet(ctx, cfg, metrics, logger)
	if err != nil {
		return nil, nil, err
	}

	v, err := identity.NewJWTVerifier(identity.JWTVerifierConfig{
		ProjectID:    creds.ProjectID,
		IssuerPrefix: cfg.Identity.IssuerPrefix,
		ClockSkew:    cfg.Identity.ClockSkew,
		Keys:         keys,
		Tracer:       tracer,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating verifier: %w", err)
	}
	return v, creds, nil
}

// createKeySet builds the provider handle: a static key set when a JWKS file is
// configured, otherwise the remote JWKS behind a circuit breaker.
func createKeySet(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) (identity.KeySet, error) {
	if cfg.Identity.JWKSFile != "" {
		data, err := os.ReadFile(cfg.Identity.JWKSFile)
		if err != nil {
			return nil, fmt.Errorf("reading jwks file: %w", err)
		}
		keys, err := identity.ParseStaticKeySet(data)
		if err != nil {
			return nil, fmt.Errorf("parsing jwks file: %w", err)
		}
		logger.Warn("using static signing keys; remote key rotation is disabled", "path", cfg.Identity.JWKSFile)
		return keys, nil
	}

	keys, err := identity.NewRemoteKeySet(ctx, identity.RemoteKeySetConfig{
		URL:             cfg.Identity.JWKSURL,
		RefreshInterval: cfg.Identity.JWKSRefreshInterval,
		BreakerFailures: cfg.Identity.BreakerFailures,
		BreakerTimeout:  cfg.Identity.BreakerTimeout,
		Logger:          logger.With("component", "jwks"),
		Metrics:         metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing identity provider: %w", err)
	}
	return keys, nil
}

// determineBaseURL resolves the externally visible base URL from config.
// An empty result makes discovery documents fall back to relative paths
// until a tailnet DNS name is learned.
func determineBaseURL(cfg *config.Config) string {
	if cfg.Server.BaseURL != "" {
		return cfg.Server.BaseURL
	}
	if cfg.Tailscale.Enabled && (cfg.Tailscale.HTTPS || cfg.Tailscale.Funnel) {
		return "https://" + cfg.Tailscale.Hostname
	}
	return ""
}

// Handler returns the gateway's root HTTP handler with middleware applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	authMux := http.NewServeMux()
	g.oauth.RegisterRoutes(authMux)

	mux.HandleFunc("/health", g.handleHealth)
	mux.Handle("/.well-known/", authMux)
	mux.Handle("/auth/", authMux)

	// Token verification happens on these routes only.
	mux.Handle(oauth.PathMCP, g.rateLimit(oauth.PathMCP, g.mcp))
	mux.Handle(oauth.PathAuthCallback, g.rateLimit(oauth.PathAuthCallback, authMux))
	if g.config.Identity.GitHub.Enabled() {
		mux.Handle(oauth.PathGitHubCallback, g.rateLimit(oauth.PathGitHubCallback, authMux))
	}

	if g.config.Metrics.Enabled {
		mux.Handle(g.config.Metrics.Path, g.metrics.Handler())
		g.logger.Info("metrics enabled", "path", g.config.Metrics.Path)
	}

	mux.HandleFunc("/", g.handleRoot)

	return g.withRequestID(g.withAccessLog(g.withRecovery(mux)))
}

// Metrics returns the gateway's metrics collectors.
func (g *Gateway) Metrics() *observability.Metrics {
	return g.metrics
}

// URLs returns the gateway's advertised URL set.
func (g *Gateway) URLs() *oauth.URLs {
	return g.urls
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" && g.config.Server.HTTPAddr != config.DefaultHTTPAddr {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// startServer serves HTTP in a goroutine, returning the error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "base_url", g.urls.Base())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "arith-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and returns the HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)

	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)
	g.updateBaseURLFromStatus(status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// updateBaseURLFromStatus points discovery documents at the node's tailnet DNS name.
// An explicitly configured base URL always wins.
func (g *Gateway) updateBaseURLFromStatus(status *ipnstate.Status) {
	if g.config.Server.BaseURL != "" {
		return
	}
	if status.Self == nil || status.Self.DNSName == "" {
		return
	}
	if !g.config.Tailscale.HTTPS && !g.config.Tailscale.Funnel {
		return
	}

	newBase := "https://" + strings.TrimSuffix(status.Self.DNSName, ".")
	if old := g.urls.Base(); newBase != old {
		g.urls.SetBase(newBase)
		g.logger.Info("updated base URL to use Tailscale DNS name", "old", old, "new", newBase)
	}
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}

	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}

	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents stops background work owned by the gateway. Safe to call more than once.
func (g *Gateway) closeComponents(ctx context.Context) error {
	var errs []error
	if g.cancelKeys != nil {
		g.cancelKeys()
	}
	if g.cache != nil {
		g.cache.Close()
	}
	if g.tracer != nil {
		errs = appendCloseError(errs, "tracer shutdown", g.tracer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// discard releases what New built before failing with err.
func (g *Gateway) discard(ctx context.Context, err error) error {
	if closeErr := g.closeComponents(ctx); closeErr != nil {
		return errors.Join(err, closeErr)
	}
	return err
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if g.httpServer != nil {
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if err := g.closeComponents(ctx); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

type statusResponse struct {
	Status string `json:"status"`
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK)
}

// handleRoot answers the bare root as a liveness probe; any other unmatched path is 404.
func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeStatus(w, http.StatusOK)
}

func writeStatus(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(statusResponse{Status: "ok"})
}
