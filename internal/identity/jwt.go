// ABOUTME: Verifies identity-provider ID tokens (RS256 JWTs) against the provider's signing keys.
// ABOUTME: Checks signature, issuer, audience, subject and token times with a configurable clock skew.

package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxSubjectLength is the longest subject the provider issues.
const maxSubjectLength = 128

// JWTVerifierConfig configures a JWTVerifier.
type JWTVerifierConfig struct {
	ProjectID    string
	IssuerPrefix string
	ClockSkew    time.Duration
	Keys         KeySet
	Tracer       trace.Tracer
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// JWTVerifier implements Verifier for the provider's ID tokens.
type JWTVerifier struct {
	projectID string
	issuer    string
	skew      time.Duration
	keys      KeySet
	tracer    trace.Tracer
	now       func() time.Time
	parser    *jwt.Parser
}

// NewJWTVerifier creates a verifier accepting tokens issued for cfg.ProjectID.
func NewJWTVerifier(cfg JWTVerifierConfig) (*JWTVerifier, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("project id is required")
	}
	if cfg.Keys == nil {
		return nil, errors.New("key set is required")
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("arith-gateway/identity")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	issuer := cfg.IssuerPrefix + cfg.ProjectID

	v := &JWTVerifier{
		projectID: cfg.ProjectID,
		issuer:    issuer,
		skew:      cfg.ClockSkew,
		keys:      cfg.Keys,
		tracer:    tracer,
		now:       now,
	}
	v.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(cfg.ProjectID),
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(now),
	)
	return v, nil
}

// Verify validates tokenString and returns the decoded identity.
func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (*Identity, error) {
	ctx, span := v.tracer.Start(ctx, "identity.verify")
	defer span.End()

	id, err := v.verify(ctx, tokenString)
	if err != nil {
		span.SetAttributes(attribute.String("identity.result", ResultLabel(err)))
		span.SetStatus(codes.Error, Reason(err))
		return nil, err
	}
	span.SetAttributes(attribute.String("identity.result", "ok"))
	return id, nil
}

func (v *JWTVerifier) verify(ctx context.Context, tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, newVerificationError(ErrMissingToken, nil)
	}

	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, newVerificationError(ErrInvalidSignature, errors.New("missing kid header"))
		}
		return v.keys.PublicKey(ctx, kid)
	})
	if err != nil {
		return nil, classifyParseError(err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, newVerificationError(ErrInvalidClaims, errors.New("missing sub claim"))
	}
	if len(sub) > maxSubjectLength {
		return nil, newVerificationError(ErrInvalidClaims, fmt.Errorf("sub claim longer than %d characters", maxSubjectLength))
	}

	if authTime, ok := claims["auth_time"].(float64); ok {
		if time.Unix(int64(authTime), 0).After(v.now().Add(v.skew)) {
			return nil, newVerificationError(ErrInvalidClaims, errors.New("auth_time is in the future"))
		}
	}

	return identityFromClaims(claims), nil
}

// classifyParseError maps jwt/v5 errors onto the package sentinels.
func classifyParseError(err error) error {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return newVerificationError(ErrExpiredToken, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return newVerificationError(ErrMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return newVerificationError(ErrInvalidSignature, err)
	default:
		return newVerificationError(ErrInvalidClaims, err)
	}
}

func identityFromClaims(claims jwt.MapClaims) *Identity {
	id := &Identity{Claims: map[string]any(claims)}
	id.Subject, _ = claims.GetSubject()
	id.Issuer, _ = claims.GetIssuer()
	if aud, err := claims.GetAudience(); err == nil {
		id.Audience = []string(aud)
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		id.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	if email, ok := claims["email"].(string); ok {
		id.Email = email
	}
	return id
}
