// Package identity verifies the bearer credentials presented to the gateway.
//
// # Provider Handle
//
// The identity provider's signing keys are loaded once at process start
// by [NewRemoteKeySet], which fetches the provider JWKS and keeps it fresh in
// the background. A failed initial fetch is a startup error. Lookups go
// through a circuit breaker so an unreachable provider fails requests quickly
// instead of stacking up timeouts. [StaticKeySet] serves pinned keys.
//
// # Verification
//
// [JWTVerifier] accepts RS256 ID tokens whose issuer and audience match the
// configured project. [CachingVerifier] keeps successful results for a short
// time, keyed by a digest of the token. Every failure unwraps to one of the
// package sentinels (ErrMissingToken, ErrExpiredToken, ...) and carries a
// client-safe reason available through [Reason].
//
// [GitHubVerifier] accepts GitHub access tokens by looking up their owner.
// When GitHub sign-in is on, [RouteByFormat] sends JWT-shaped tokens to the
// ID-token verifier and everything else to GitHub.
//
// Authorization is all-or-nothing: any verified identity may call any
// operation. The identity is attached to the request context with
// [WithIdentity] and discarded when the request ends.
package identity
