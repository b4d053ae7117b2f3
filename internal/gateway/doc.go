// Package gateway assembles the arith-gateway server from its components.
//
// # Overview
//
// The Gateway owns the HTTP server and wires together:
//
//   - identity: the provider handle (remote JWKS or static keys), the token
//     verifier and the verification cache
//   - tools: the built-in arithmetic registry
//   - oauth: discovery documents and the browser sign-in handshake
//   - mcp: the JSON-RPC endpoint at /mcp
//   - observability: Prometheus metrics, OpenTelemetry tracing, request IDs
//
// # Routes
//
//   - GET / and GET /health - liveness, {"status":"ok"}
//   - POST /mcp - JSON-RPC, bearer token required
//   - GET /.well-known/mcp.json, /.well-known/oauth-authorization-server,
//     /.well-known/oauth-protected-resource - discovery
//   - /auth/start, /auth/login, /auth/callback, /auth/token - sign-in handshake
//   - metrics.path (default /metrics) when metrics are enabled
//
// Every request passes through request-ID, access-log and panic-recovery
// middleware. When rate limiting is enabled, /mcp and /auth/callback are
// limited per client address.
//
// # Startup
//
// New fetches the provider's signing keys before returning. If the provider
// cannot be reached the error is returned and the process must exit rather
// than serve requests it cannot authenticate.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet via tsnet and serves
// plain HTTP on :80, HTTPS with tailnet certificates on :443, or a public
// Funnel. Once the node's DNS name is known it becomes the base URL for
// discovery documents unless server.base_url is set.
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	if err != nil { ... }
//	err = gw.Run(ctx) // blocks until ctx is canceled, then shuts down
package gateway
