// ABOUTME: Configuration loading and parsing for arith-gateway
// ABOUTME: Supports YAML or TOML files with env var expansion, env overrides and duration parsing

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied before the config file is parsed.
const (
	DefaultHTTPAddr            = "localhost:8000"
	DefaultMaxBodyBytes        = 1 << 20
	DefaultJWKSURL             = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"
	DefaultIssuerPrefix        = "https://securetoken.google.com/"
	DefaultClockSkew           = 30 * time.Second
	DefaultJWKSRefreshInterval = 15 * time.Minute
	DefaultCacheTTL            = 5 * time.Minute
	DefaultCacheSize           = 10_000
	DefaultBreakerFailures     = 5
	DefaultBreakerTimeout      = 30 * time.Second
	DefaultReadHeaderTimeout   = 10 * time.Second
)

// ErrMissingCredentials is returned when no identity provider credential bundle is configured.
var ErrMissingCredentials = errors.New("identity provider credentials are required (set identity.credentials_json, identity.credentials_file or FIREBASE_ADMIN_JSON)")

// Config represents the complete arith-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Identity  IdentityConfig  `yaml:"identity" toml:"identity"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit" toml:"ratelimit"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing" toml:"tracing"`
}

// ServerConfig holds HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	// BaseURL is the externally advertised URL used for absolute discovery URLs.
	// When empty, discovery documents use relative paths.
	BaseURL string `yaml:"base_url" toml:"base_url"`

	MaxBodyBytes int64 `yaml:"max_body_bytes" toml:"max_body_bytes"`

	ReadHeaderTimeout    time.Duration `yaml:"-" toml:"-"`
	ReadHeaderTimeoutRaw string        `yaml:"read_header_timeout" toml:"read_header_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve HTTPS with tailnet certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// IdentityConfig configures the identity provider whose ID tokens are accepted as bearer tokens
type IdentityConfig struct {
	// CredentialsJSON is the raw service-account credential bundle.
	CredentialsJSON string `yaml:"credentials_json" toml:"credentials_json"`
	// CredentialsFile is a path to the credential bundle, used when CredentialsJSON is empty.
	CredentialsFile string `yaml:"credentials_file" toml:"credentials_file"`
	// ProjectID overrides the project_id found in the credential bundle.
	ProjectID string `yaml:"project_id" toml:"project_id"`

	JWKSURL      string `yaml:"jwks_url" toml:"jwks_url"`
	JWKSFile     string `yaml:"jwks_file" toml:"jwks_file"` // static key set, skips remote fetches
	IssuerPrefix string `yaml:"issuer_prefix" toml:"issuer_prefix"`

	CacheSize       int `yaml:"cache_size" toml:"cache_size"`
	BreakerFailures int `yaml:"breaker_failures" toml:"breaker_failures"`

	ClockSkew           time.Duration `yaml:"-" toml:"-"`
	JWKSRefreshInterval time.Duration `yaml:"-" toml:"-"`
	CacheTTL            time.Duration `yaml:"-" toml:"-"`
	BreakerTimeout      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ClockSkewRaw           string `yaml:"clock_skew" toml:"clock_skew"`
	JWKSRefreshIntervalRaw string `yaml:"jwks_refresh_interval" toml:"jwks_refresh_interval"`
	CacheTTLRaw            string `yaml:"cache_ttl" toml:"cache_ttl"`
	BreakerTimeoutRaw      string `yaml:"breaker_timeout" toml:"breaker_timeout"`

	Web    WebClientConfig `yaml:"web" toml:"web"`
	GitHub GitHubConfig    `yaml:"github" toml:"github"`
}

// WebClientConfig holds the browser SDK settings rendered into the login page
type WebClientConfig struct {
	APIKey     string `yaml:"api_key" toml:"api_key"`
	AuthDomain string `yaml:"auth_domain" toml:"auth_domain"`
}

// GitHubConfig enables GitHub sign-in as a second identity path
type GitHubConfig struct {
	ClientID     string `yaml:"client_id" toml:"client_id"`
	ClientSecret string `yaml:"client_secret" toml:"client_secret"`
	// APIURL overrides the REST API root used to look up token owners.
	APIURL string `yaml:"api_url" toml:"api_url"`
}

// Enabled reports whether GitHub sign-in is configured.
func (g GitHubConfig) Enabled() bool {
	return g.ClientID != ""
}

// AuthConfig holds bearer authentication behavior
type AuthConfig struct {
	// DebugErrors appends the verifier's failure reason to 401 messages.
	// Keep disabled in production.
	DebugErrors bool `yaml:"debug_errors" toml:"debug_errors"`

	// AllowedOrigins restricts which client origins may receive the token
	// from the browser handshake. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// RateLimitConfig holds per-client rate limiting for the RPC and callback endpoints
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" toml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// TracingConfig holds OpenTelemetry exporter configuration
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" toml:"enabled"`
	Endpoint     string  `yaml:"endpoint" toml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" toml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure" toml:"insecure"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:     DefaultHTTPAddr,
			MaxBodyBytes: DefaultMaxBodyBytes,
		},
		Identity: IdentityConfig{
			JWKSURL:         DefaultJWKSURL,
			IssuerPrefix:    DefaultIssuerPrefix,
			CacheSize:       DefaultCacheSize,
			BreakerFailures: DefaultBreakerFailures,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Tracing: TracingConfig{
			SamplingRate: 1.0,
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// An empty path or a missing file yields the defaults. Environment variables in the
// format ${VAR_NAME} are expanded, environment overrides are applied after parsing,
// and duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// defaults + environment only
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := decode(path, expandEnvVars(string(data)), cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := resolveCredentials(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// decode unmarshals content into cfg, picking the format from the file extension.
func decode(path, content string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(content, cfg)
		return err
	default:
		return yaml.Unmarshal([]byte(content), cfg)
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnvOverrides lets deployment environments override file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FIREBASE_ADMIN_JSON"); v != "" {
		cfg.Identity.CredentialsJSON = v
	}
	if v := os.Getenv("FIREBASE_ADMIN_JSON_FILE"); v != "" {
		cfg.Identity.CredentialsFile = v
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("ARITH_HTTP_ADDR"); v != "" {
		cfg.Server.HTTPAddr = v
	}
	if v := os.Getenv("ARITH_DEBUG_ERRORS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Auth.DebugErrors = b
		}
	}
	if v := os.Getenv("GITHUB_CLIENT_ID"); v != "" {
		cfg.Identity.GitHub.ClientID = v
	}
	if v := os.Getenv("GITHUB_CLIENT_SECRET"); v != "" {
		cfg.Identity.GitHub.ClientSecret = v
	}
	if v := os.Getenv("ARITH_ALLOWED_ORIGINS"); v != "" {
		cfg.Auth.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Auth.AllowedOrigins = append(cfg.Auth.AllowedOrigins, o)
			}
		}
	}
}

// resolveCredentials loads the credential bundle from file when it was not given inline.
func resolveCredentials(cfg *Config) error {
	if cfg.Identity.CredentialsJSON != "" || cfg.Identity.CredentialsFile == "" {
		return nil
	}
	data, err := os.ReadFile(cfg.Identity.CredentialsFile)
	if err != nil {
		return fmt.Errorf("reading identity credentials file: %w", err)
	}
	cfg.Identity.CredentialsJSON = string(data)
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if strings.TrimSpace(c.Identity.CredentialsJSON) == "" {
		return ErrMissingCredentials
	}

	if c.Identity.JWKSURL == "" && c.Identity.JWKSFile == "" {
		return fmt.Errorf("identity.jwks_url or identity.jwks_file is required")
	}

	if c.Server.BaseURL != "" {
		u, err := url.Parse(c.Server.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("server.base_url must be an absolute http(s) URL, got %q", c.Server.BaseURL)
		}
	}

	if c.Identity.GitHub.Enabled() && c.Identity.GitHub.ClientSecret == "" {
		return fmt.Errorf("identity.github.client_secret is required when client_id is set")
	}

	for _, o := range c.Auth.AllowedOrigins {
		u, err := url.Parse(o)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || (u.Path != "" && u.Path != "/") {
			return fmt.Errorf("auth.allowed_origins entries must be http(s) origins, got %q", o)
		}
	}

	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("ratelimit.requests_per_second and ratelimit.burst must be positive when enabled")
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}

	return nil
}

// durationField pairs a raw config string with its parsed destination and default.
type durationField struct {
	name string
	raw  string
	dst  *time.Duration
	def  time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"server.read_header_timeout", cfg.Server.ReadHeaderTimeoutRaw, &cfg.Server.ReadHeaderTimeout, DefaultReadHeaderTimeout},
		{"identity.clock_skew", cfg.Identity.ClockSkewRaw, &cfg.Identity.ClockSkew, DefaultClockSkew},
		{"identity.jwks_refresh_interval", cfg.Identity.JWKSRefreshIntervalRaw, &cfg.Identity.JWKSRefreshInterval, DefaultJWKSRefreshInterval},
		{"identity.cache_ttl", cfg.Identity.CacheTTLRaw, &cfg.Identity.CacheTTL, DefaultCacheTTL},
		{"identity.breaker_timeout", cfg.Identity.BreakerTimeoutRaw, &cfg.Identity.BreakerTimeout, DefaultBreakerTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			*f.dst = f.def
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
