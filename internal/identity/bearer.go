// ABOUTME: Bearer token extraction from the Authorization header
// ABOUTME: Distinguishes an absent header from a present-but-unusable one

package identity

import (
	"strings"
)

// ExtractBearerToken extracts a bearer token from the Authorization header value.
// An empty header yields ErrMissingToken; a header without a usable bearer
// credential yields ErrMalformedToken.
func ExtractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrMissingToken
	}
	scheme, token, found := strings.Cut(authHeader, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", newVerificationError(ErrMalformedToken, nil)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", newVerificationError(ErrMalformedToken, nil)
	}
	return token, nil
}
