// ABOUTME: Verified identity, the Verifier contract and verification errors.
// ABOUTME: The gateway only cares whether verification succeeded; claims ride along untouched.

package identity

import (
	"context"
	"errors"
	"time"
)

// Verification errors. Every failure returned by a Verifier unwraps to one of these.
var (
	ErrMissingToken        = errors.New("missing token")
	ErrMalformedToken      = errors.New("malformed token")
	ErrExpiredToken        = errors.New("token expired")
	ErrInvalidSignature    = errors.New("invalid token signature")
	ErrInvalidClaims       = errors.New("invalid token claims")
	ErrUnknownToken        = errors.New("token not recognized by provider")
	ErrProviderUnavailable = errors.New("identity provider unavailable")
)

// Identity is the decoded result of a successful verification.
type Identity struct {
	Subject   string
	Email     string
	Issuer    string
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Claims    map[string]any
}

// Verifier validates an opaque bearer token against the identity provider.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, token string) (*Identity, error)

// Verify calls f(ctx, token).
func (f VerifierFunc) Verify(ctx context.Context, token string) (*Identity, error) {
	return f(ctx, token)
}

// VerificationError carries a short, client-safe reason alongside the underlying cause.
type VerificationError struct {
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// newVerificationError builds a VerificationError whose reason is the sentinel's text.
func newVerificationError(sentinel error, cause error) *VerificationError {
	if cause == nil {
		return &VerificationError{Reason: sentinel.Error(), Err: sentinel}
	}
	return &VerificationError{Reason: sentinel.Error(), Err: errors.Join(sentinel, cause)}
}

// Reason returns the client-safe reason for err, or a generic message for foreign errors.
func Reason(err error) string {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return "verification failed"
}

// ResultLabel maps a verification error to a low-cardinality metrics label.
func ResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMissingToken):
		return "missing"
	case errors.Is(err, ErrMalformedToken):
		return "malformed"
	case errors.Is(err, ErrExpiredToken):
		return "expired"
	case errors.Is(err, ErrInvalidSignature):
		return "bad_signature"
	case errors.Is(err, ErrInvalidClaims):
		return "bad_claims"
	case errors.Is(err, ErrUnknownToken):
		return "unknown"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	default:
		return "error"
	}
}
