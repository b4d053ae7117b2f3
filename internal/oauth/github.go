// ABOUTME: GitHub sign-in handshake: redirect to GitHub, exchange the code, hand the token to the client.
// ABOUTME: Client state and redirect URI ride through GitHub inside the OAuth state parameter.

package oauth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/2389/arith-gateway/internal/identity"
)

// GitHub handshake paths.
const (
	PathGitHubStart    = "/auth/github/start"
	PathGitHubCallback = "/auth/github/callback"
)

// GitHubConfig enables the GitHub handshake.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	Endpoint     oauth2.Endpoint
	// Verifier checks the exchanged access token and resolves its owner.
	Verifier identity.Verifier
}

type gitHubFlow struct {
	oauth    oauth2.Config
	verifier identity.Verifier
}

func newGitHubFlow(cfg *GitHubConfig) (*gitHubFlow, error) {
	if cfg == nil {
		return nil, nil
	}
	if cfg.ClientID == "" || cfg.Verifier == nil {
		return nil, errors.New("github sign-in requires a client id and verifier")
	}
	return &gitHubFlow{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     cfg.Endpoint,
			Scopes:       []string{"read:user"},
		},
		verifier: cfg.Verifier,
	}, nil
}

// gitHubState is what the client handed to /auth/github/start.
type gitHubState struct {
	State       string `json:"s,omitempty"`
	RedirectURI string `json:"r,omitempty"`
}

func encodeGitHubState(st gitHubState) string {
	data, _ := json.Marshal(st)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeGitHubState(raw string) (gitHubState, error) {
	var st gitHubState
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(data, &st)
	return st, err
}

// gitHubConfig returns the OAuth config with a redirect URL for this request.
// GitHub requires an absolute redirect, so the request host stands in until the base URL is known.
func (h *Handler) gitHubConfig(r *http.Request) *oauth2.Config {
	c := h.github.oauth
	c.RedirectURL = h.absoluteURL(r, PathGitHubCallback)
	return &c
}

func (h *Handler) absoluteURL(r *http.Request, path string) string {
	if h.urls.Base() != "" {
		return h.urls.Resolve(path)
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + path
}

func (h *Handler) handleGitHubStart(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	q := r.URL.Query()
	state := encodeGitHubState(gitHubState{
		State:       q.Get("state"),
		RedirectURI: q.Get("redirect_uri"),
	})
	http.Redirect(w, r, h.gitHubConfig(r).AuthCodeURL(state), http.StatusFound)
}

func (h *Handler) handleGitHubCallback(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		h.logger.Info("github sign-in declined", "error", e)
		h.renderError(w, http.StatusBadRequest, "GitHub sign-in was cancelled.")
		return
	}
	code := q.Get("code")
	if code == "" {
		h.renderError(w, http.StatusBadRequest, "No authorization code was received from GitHub.")
		return
	}
	st, err := decodeGitHubState(q.Get("state"))
	if err != nil {
		h.logger.Debug("unreadable github state", "error", err)
		h.renderError(w, http.StatusBadRequest, "The sign-in response could not be read.")
		return
	}

	origin := targetOrigin(st.RedirectURI)
	if !h.originAllowed(origin) {
		h.logger.Warn("github callback refused origin", "origin", origin)
		h.renderError(w, http.StatusBadRequest, "This application is not allowed to receive sign-in credentials.")
		return
	}

	tok, err := h.gitHubConfig(r).Exchange(r.Context(), code)
	if err != nil {
		h.logger.Warn("github code exchange failed", "error", err)
		h.renderError(w, http.StatusBadGateway, "GitHub sign-in could not be completed.")
		return
	}

	id, err := h.github.verifier.Verify(r.Context(), tok.AccessToken)
	if err != nil {
		h.logger.Info("github callback rejected token",
			"result", identity.ResultLabel(err),
			"reason", identity.Reason(err),
		)
		h.renderError(w, http.StatusUnauthorized, "The GitHub account could not be verified.")
		return
	}

	h.logger.Info("github callback issued token", "subject", id.Subject)

	w.Header().Set("Cache-Control", "no-store")
	h.renderHTML(w, http.StatusOK, h.callbackTmpl, callbackData{
		ServerName:   h.name,
		Token:        tok.AccessToken,
		State:        st.State,
		TargetOrigin: origin,
	})
}
