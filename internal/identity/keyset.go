// ABOUTME: Identity provider signing keys: a remote JWKS handle and a static key set.
// ABOUTME: The remote set refreshes in the background and is guarded by a circuit breaker.

package identity

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/sony/gobreaker"

	"github.com/2389/arith-gateway/internal/observability"
)

// forcedRefreshGap bounds how often an unknown key id may trigger a provider fetch.
const forcedRefreshGap = time.Minute

// KeySet resolves the public key that signed a token.
type KeySet interface {
	PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// RemoteKeySetConfig configures a RemoteKeySet.
type RemoteKeySetConfig struct {
	URL             string
	RefreshInterval time.Duration
	BreakerFailures int
	BreakerTimeout  time.Duration
	Logger          *slog.Logger
	Metrics         *observability.Metrics
}

// RemoteKeySet is the long-lived provider handle: the provider's JWKS, fetched once
// at startup and kept fresh by jwx's background refresher.
type RemoteKeySet struct {
	url         string
	cache       *jwk.Cache
	breaker     *gobreaker.CircuitBreaker
	logger      *slog.Logger
	metrics     *observability.Metrics
	lastForced  atomic.Int64
	refreshSpan time.Duration
}

// NewRemoteKeySet registers the JWKS URL and performs the initial fetch.
// A failed initial fetch is returned as an error; callers treat it as fatal.
// The background refresher lives until ctx is canceled.
func NewRemoteKeySet(ctx context.Context, cfg RemoteKeySetConfig) (*RemoteKeySet, error) {
	if cfg.URL == "" {
		return nil, errors.New("jwks url is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	refresh := cfg.RefreshInterval
	if refresh <= 0 {
		refresh = 15 * time.Minute
	}
	failures := cfg.BreakerFailures
	if failures <= 0 {
		failures = 5
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.URL, jwk.WithMinRefreshInterval(refresh)); err != nil {
		return nil, fmt.Errorf("registering jwks url: %w", err)
	}
	if _, err := cache.Refresh(ctx, cfg.URL); err != nil {
		return nil, fmt.Errorf("initial jwks fetch from %s: %w", cfg.URL, err)
	}

	ks := &RemoteKeySet{
		url:         cfg.URL,
		cache:       cache,
		logger:      logger,
		metrics:     cfg.Metrics,
		refreshSpan: forcedRefreshGap,
	}
	ks.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "jwks",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("jwks circuit breaker state change",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	logger.Info("identity provider keys loaded", "url", cfg.URL, "refresh_interval", refresh)
	return ks, nil
}

// PublicKey returns the RSA key for kid, refreshing once from the provider when
// the id is unknown (key rotation).
func (k *RemoteKeySet) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	set, err := k.fetch(ctx, false)
	if err != nil {
		return nil, err
	}
	if key, ok := set.LookupKeyID(kid); ok {
		return rsaKey(key)
	}

	if !k.allowForcedRefresh() {
		return nil, newVerificationError(ErrInvalidSignature, fmt.Errorf("unknown key id %q", kid))
	}

	k.logger.Debug("unknown key id, refreshing jwks", "kid", kid)
	set, err = k.fetch(ctx, true)
	if err != nil {
		return nil, err
	}
	if key, ok := set.LookupKeyID(kid); ok {
		return rsaKey(key)
	}
	return nil, newVerificationError(ErrInvalidSignature, fmt.Errorf("unknown key id %q", kid))
}

// fetch reads the cached set, or forces a provider round trip, through the breaker.
func (k *RemoteKeySet) fetch(ctx context.Context, force bool) (jwk.Set, error) {
	res, err := k.breaker.Execute(func() (interface{}, error) {
		if force {
			return k.cache.Refresh(ctx, k.url)
		}
		return k.cache.Get(ctx, k.url)
	})
	if force {
		status := "success"
		if err != nil {
			status = "error"
		}
		k.metrics.RecordJWKSRefresh(status)
	}
	if err != nil {
		k.logger.Warn("jwks lookup failed", "url", k.url, "forced", force, "error", err)
		return nil, newVerificationError(ErrProviderUnavailable, err)
	}
	set, ok := res.(jwk.Set)
	if !ok {
		return nil, newVerificationError(ErrProviderUnavailable, errors.New("unexpected jwks result type"))
	}
	return set, nil
}

// allowForcedRefresh rate-limits provider fetches triggered by unknown key ids.
func (k *RemoteKeySet) allowForcedRefresh() bool {
	now := time.Now().UnixNano()
	last := k.lastForced.Load()
	if last != 0 && time.Duration(now-last) < k.refreshSpan {
		return false
	}
	return k.lastForced.CompareAndSwap(last, now)
}

// StaticKeySet serves a fixed set of keys. Used for tests and for deployments
// that pin the provider's keys in a file.
type StaticKeySet struct {
	keys map[string]*rsa.PublicKey
}

// NewStaticKeySet creates a key set from kid -> key pairs.
func NewStaticKeySet(keys map[string]*rsa.PublicKey) *StaticKeySet {
	copied := make(map[string]*rsa.PublicKey, len(keys))
	for kid, key := range keys {
		copied[kid] = key
	}
	return &StaticKeySet{keys: copied}
}

// ParseStaticKeySet builds a StaticKeySet from a JWKS document. Non-RSA keys are skipped.
func ParseStaticKeySet(data []byte) (*StaticKeySet, error) {
	set, err := jwk.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		pub, err := rsaKey(key)
		if err != nil {
			continue
		}
		keys[key.KeyID()] = pub
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks contains no usable RSA keys")
	}
	return &StaticKeySet{keys: keys}, nil
}

// PublicKey returns the key registered under kid.
func (s *StaticKeySet) PublicKey(_ context.Context, kid string) (*rsa.PublicKey, error) {
	key, ok := s.keys[kid]
	if !ok {
		return nil, newVerificationError(ErrInvalidSignature, fmt.Errorf("unknown key id %q", kid))
	}
	return key, nil
}

// rsaKey extracts the raw RSA public key from a JWK.
func rsaKey(key jwk.Key) (*rsa.PublicKey, error) {
	var pub rsa.PublicKey
	if err := key.Raw(&pub); err != nil {
		return nil, newVerificationError(ErrInvalidSignature, fmt.Errorf("key %q is not an RSA public key: %w", key.KeyID(), err))
	}
	return &pub, nil
}
