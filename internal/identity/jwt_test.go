// ABOUTME: Tests for ID token verification against static and remote key sets
// ABOUTME: Covers valid tokens, expiry, wrong issuer/audience/alg, unknown keys and key rotation

package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testProject = "demo-project"
	testIssuer  = "https://securetoken.google.com/demo-project"
	testKeyID   = "key-1"
)

func newTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func validClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":       testIssuer,
		"aud":       testProject,
		"sub":       "user-123",
		"email":     "ada@example.com",
		"iat":       now.Add(-time.Minute).Unix(),
		"auth_time": now.Add(-time.Minute).Unix(),
		"exp":       now.Add(time.Hour).Unix(),
	}
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func newTestVerifier(t *testing.T, keys KeySet, now time.Time) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(JWTVerifierConfig{
		ProjectID:    testProject,
		IssuerPrefix: "https://securetoken.google.com/",
		ClockSkew:    30 * time.Second,
		Keys:         keys,
		Now:          func() time.Time { return now },
	})
	require.NoError(t, err)
	return v
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	now := time.Now()
	key := newTestKey(t)
	v := newTestVerifier(t, NewStaticKeySet(map[string]*rsa.PublicKey{testKeyID: &key.PublicKey}), now)

	id, err := v.Verify(context.Background(), signToken(t, key, testKeyID, validClaims(now)))
	require.NoError(t, err)

	assert.Equal(t, "user-123", id.Subject)
	assert.Equal(t, "ada@example.com", id.Email)
	assert.Equal(t, testIssuer, id.Issuer)
	assert.Equal(t, []string{testProject}, id.Audience)
	assert.Equal(t, now.Add(time.Hour).Unix(), id.ExpiresAt.Unix())
	assert.Equal(t, "user-123", id.Claims["sub"])
}

func TestJWTVerifier_Rejections(t *testing.T) {
	now := time.Now()
	key := newTestKey(t)
	otherKey := newTestKey(t)
	keys := NewStaticKeySet(map[string]*rsa.PublicKey{testKeyID: &key.PublicKey})
	v := newTestVerifier(t, keys, now)

	withClaim := func(name string, value any) jwt.MapClaims {
		c := validClaims(now)
		if value == nil {
			delete(c, name)
		} else {
			c[name] = value
		}
		return c
	}

	hsToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims(now)).SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMissingToken},
		{"garbage", "not-a-jwt", ErrMalformedToken},
		{"expired", signToken(t, key, testKeyID, withClaim("exp", now.Add(-time.Hour).Unix())), ErrExpiredToken},
		{"missing exp", signToken(t, key, testKeyID, withClaim("exp", nil)), ErrInvalidClaims},
		{"wrong issuer", signToken(t, key, testKeyID, withClaim("iss", "https://evil.example.com")), ErrInvalidClaims},
		{"wrong audience", signToken(t, key, testKeyID, withClaim("aud", "other-project")), ErrInvalidClaims},
		{"issued in future", signToken(t, key, testKeyID, withClaim("iat", now.Add(time.Hour).Unix())), ErrInvalidClaims},
		{"auth_time in future", signToken(t, key, testKeyID, withClaim("auth_time", now.Add(time.Hour).Unix())), ErrInvalidClaims},
		{"empty subject", signToken(t, key, testKeyID, withClaim("sub", "")), ErrInvalidClaims},
		{"long subject", signToken(t, key, testKeyID, withClaim("sub", strings.Repeat("x", 129))), ErrInvalidClaims},
		{"missing kid", signToken(t, key, "", validClaims(now)), ErrInvalidSignature},
		{"unknown kid", signToken(t, key, "key-2", validClaims(now)), ErrInvalidSignature},
		{"wrong key", signToken(t, otherKey, testKeyID, validClaims(now)), ErrInvalidSignature},
		{"hmac algorithm", hsToken, ErrInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := v.Verify(context.Background(), tt.token)
			require.Error(t, err)
			assert.Nil(t, id)
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)

			var ve *VerificationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.want.Error(), ve.Reason)
		})
	}
}

func TestJWTVerifier_ClockSkew(t *testing.T) {
	now := time.Now()
	key := newTestKey(t)
	v := newTestVerifier(t, NewStaticKeySet(map[string]*rsa.PublicKey{testKeyID: &key.PublicKey}), now)

	claims := validClaims(now)
	claims["iat"] = now.Add(10 * time.Second).Unix()
	claims["exp"] = now.Add(-10 * time.Second).Unix()

	_, err := v.Verify(context.Background(), signToken(t, key, testKeyID, claims))
	assert.NoError(t, err, "times within the skew should be accepted")
}

func TestNewJWTVerifier_RequiresProjectAndKeys(t *testing.T) {
	_, err := NewJWTVerifier(JWTVerifierConfig{Keys: NewStaticKeySet(nil)})
	assert.Error(t, err)

	_, err = NewJWTVerifier(JWTVerifierConfig{ProjectID: testProject})
	assert.Error(t, err)
}

// jwksServer serves a swappable JWKS document.
type jwksServer struct {
	*httptest.Server
	doc    atomic.Value
	status atomic.Int32
	hits   atomic.Int32
}

func newJWKSServer(t *testing.T, keys map[string]*rsa.PublicKey) *jwksServer {
	t.Helper()
	s := &jwksServer{}
	s.status.Store(http.StatusOK)
	s.setKeys(t, keys)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		status := int(s.status.Load())
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(s.doc.Load().([]byte))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) setKeys(t *testing.T, keys map[string]*rsa.PublicKey) {
	t.Helper()
	s.doc.Store(buildJWKS(t, keys))
}

func buildJWKS(t *testing.T, keys map[string]*rsa.PublicKey) []byte {
	t.Helper()
	set := jwk.NewSet()
	for kid, pub := range keys {
		key, err := jwk.FromRaw(pub)
		require.NoError(t, err)
		require.NoError(t, key.Set(jwk.KeyIDKey, kid))
		require.NoError(t, set.AddKey(key))
	}
	data, err := json.Marshal(set)
	require.NoError(t, err)
	return data
}

func TestRemoteKeySet_VerifiesAgainstFetchedKeys(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now()
	key := newTestKey(t)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{testKeyID: &key.PublicKey})

	keys, err := NewRemoteKeySet(ctx, RemoteKeySetConfig{URL: srv.URL, RefreshInterval: time.Hour})
	require.NoError(t, err)

	v := newTestVerifier(t, keys, now)
	id, err := v.Verify(ctx, signToken(t, key, testKeyID, validClaims(now)))
	require.NoError(t, err)
	assert.Equal(t, "user-123", id.Subject)
}

func TestRemoteKeySet_InitialFetchFailureIsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := newJWKSServer(t, nil)
	srv.status.Store(http.StatusInternalServerError)

	_, err := NewRemoteKeySet(ctx, RemoteKeySetConfig{URL: srv.URL})
	assert.Error(t, err)
}

func TestRemoteKeySet_RefreshesOnUnknownKeyID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now()
	oldKey := newTestKey(t)
	newKey := newTestKey(t)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"old": &oldKey.PublicKey})

	keys, err := NewRemoteKeySet(ctx, RemoteKeySetConfig{URL: srv.URL, RefreshInterval: time.Hour})
	require.NoError(t, err)
	v := newTestVerifier(t, keys, now)

	// Provider rotates its keys.
	srv.setKeys(t, map[string]*rsa.PublicKey{"old": &oldKey.PublicKey, "new": &newKey.PublicKey})

	_, err = v.Verify(ctx, signToken(t, newKey, "new", validClaims(now)))
	require.NoError(t, err)

	// A second unknown kid inside the refresh gap does not hit the provider again.
	hits := srv.hits.Load()
	_, err = v.Verify(ctx, signToken(t, newKey, "bogus", validClaims(now)))
	assert.True(t, errors.Is(err, ErrInvalidSignature))
	assert.Equal(t, hits, srv.hits.Load())
}

func TestParseStaticKeySet(t *testing.T) {
	key := newTestKey(t)
	keys, err := ParseStaticKeySet(buildJWKS(t, map[string]*rsa.PublicKey{testKeyID: &key.PublicKey}))
	require.NoError(t, err)

	pub, err := keys.PublicKey(context.Background(), testKeyID)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pub))

	_, err = ParseStaticKeySet([]byte(`{"keys":[]}`))
	assert.Error(t, err)

	_, err = ParseStaticKeySet([]byte(`not json`))
	assert.Error(t, err)
}
