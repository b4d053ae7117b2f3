// ABOUTME: Advertised endpoint URLs, absolute when the public base URL is known and relative otherwise.
// ABOUTME: The base can be set after startup, e.g. once the tailnet DNS name is known.

package oauth

import (
	"strings"
	"sync/atomic"
)

// Endpoint paths served by the gateway.
const (
	PathMCP                = "/mcp"
	PathMCPDiscovery       = "/.well-known/mcp.json"
	PathAuthServerMetadata = "/.well-known/oauth-authorization-server"
	PathProtectedResource  = "/.well-known/oauth-protected-resource"
	PathAuthStart          = "/auth/start"
	PathAuthLogin          = "/auth/login"
	PathAuthCallback       = "/auth/callback"
	PathAuthToken          = "/auth/token"
)

// URLs resolves endpoint paths against the public base URL.
type URLs struct {
	base atomic.Pointer[string]
}

// NewURLs creates a resolver. An empty base yields relative URLs.
func NewURLs(base string) *URLs {
	u := &URLs{}
	u.SetBase(base)
	return u
}

// SetBase replaces the public base URL. Trailing slashes are dropped.
func (u *URLs) SetBase(base string) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	u.base.Store(&base)
}

// Base returns the public base URL, or "" when unknown.
func (u *URLs) Base() string {
	if b := u.base.Load(); b != nil {
		return *b
	}
	return ""
}

// Resolve returns path as an absolute URL when the base is known.
func (u *URLs) Resolve(path string) string {
	return u.Base() + path
}

// Issuer identifies the authorization server: the base URL, or "/" when relative.
func (u *URLs) Issuer() string {
	if b := u.Base(); b != "" {
		return b
	}
	return "/"
}

// ResourceMetadataURL is the protected-resource metadata document URL.
func (u *URLs) ResourceMetadataURL() string {
	return u.Resolve(PathProtectedResource)
}
