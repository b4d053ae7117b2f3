// ABOUTME: GitHub sign-in as a second identity path alongside provider ID tokens.
// ABOUTME: GitHub access tokens are opaque, so they are verified by looking up the user they belong to.

package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// GitHubIssuer is recorded as the Issuer of identities verified through GitHub.
const GitHubIssuer = "https://github.com"

const (
	defaultGitHubAPIURL  = "https://api.github.com"
	defaultGitHubTimeout = 10 * time.Second
	maxGitHubUserBytes   = 1 << 20
)

// GitHubVerifierConfig configures a GitHubVerifier.
type GitHubVerifierConfig struct {
	// APIURL is the GitHub REST API root. Defaults to https://api.github.com.
	APIURL string
	Client *http.Client
}

// GitHubVerifier accepts a GitHub access token when GET /user succeeds with it.
type GitHubVerifier struct {
	userURL string
	client  *http.Client
}

type gitHubUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// NewGitHubVerifier creates a verifier for GitHub access tokens.
func NewGitHubVerifier(cfg GitHubVerifierConfig) *GitHubVerifier {
	api := strings.TrimRight(cfg.APIURL, "/")
	if api == "" {
		api = defaultGitHubAPIURL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultGitHubTimeout}
	}
	return &GitHubVerifier{userURL: api + "/user", client: client}
}

// Verify looks up the token's user. A 401 from GitHub means the token is not
// (or no longer) valid; throttling and server errors mean GitHub is unavailable.
func (v *GitHubVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, newVerificationError(ErrMissingToken, nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.userURL, nil)
	if err != nil {
		return nil, newVerificationError(ErrProviderUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, newVerificationError(ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, newVerificationError(ErrUnknownToken, nil)
	default:
		return nil, newVerificationError(ErrProviderUnavailable, fmt.Errorf("github user lookup: %s", resp.Status))
	}

	var user gitHubUser
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxGitHubUserBytes)).Decode(&user); err != nil {
		return nil, newVerificationError(ErrProviderUnavailable, fmt.Errorf("decoding github user: %w", err))
	}
	if user.ID == 0 {
		return nil, newVerificationError(ErrInvalidClaims, fmt.Errorf("github user has no id"))
	}

	return &Identity{
		Subject: "github:" + strconv.FormatInt(user.ID, 10),
		Email:   user.Email,
		Issuer:  GitHubIssuer,
		Claims: map[string]any{
			"login": user.Login,
			"name":  user.Name,
		},
	}, nil
}

// LooksLikeJWT reports whether token has the three dot-separated segments of a compact JWT.
func LooksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

// RouteByFormat verifies JWT-shaped tokens with jwt and everything else with opaque.
func RouteByFormat(jwt, opaque Verifier) Verifier {
	return VerifierFunc(func(ctx context.Context, token string) (*Identity, error) {
		if LooksLikeJWT(token) {
			return jwt.Verify(ctx, token)
		}
		return opaque.Verify(ctx, token)
	})
}
