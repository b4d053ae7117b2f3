// Package config handles configuration loading for arith-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension) with
// environment variable expansion, then overlaid with a small set of
// deployment environment variables. A missing file is not an error: the
// defaults plus the environment are used.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from ARITH_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/arith/gateway.yaml
//  3. ~/.config/arith/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	identity:
//	  credentials_json: "${FIREBASE_ADMIN_JSON}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Environment Overrides
//
//	FIREBASE_ADMIN_JSON       identity.credentials_json
//	FIREBASE_ADMIN_JSON_FILE  identity.credentials_file
//	BASE_URL                  server.base_url
//	ARITH_HTTP_ADDR           server.http_addr
//	ARITH_DEBUG_ERRORS        auth.debug_errors
//	ARITH_ALLOWED_ORIGINS     auth.allowed_origins (comma-separated)
//	GITHUB_CLIENT_ID          identity.github.client_id
//	GITHUB_CLIENT_SECRET      identity.github.client_secret
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	identity:
//	  cache_ttl: "5m"
//	  clock_skew: "30s"
//
// # Validation
//
// The identity provider credential bundle is mandatory. Load fails with
// ErrMissingCredentials when it is absent so the process never starts
// serving without a working verifier.
package config
