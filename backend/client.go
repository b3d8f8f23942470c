// Package backend is the HTTP client for the marketplace session backend.
// It owns every network round trip of the auth subsystem; callers see the
// interfaces defined in the auth package.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"homefind/auth"
)

// Config locates the session backend.
type Config struct {
	BaseURL string
	APIKey  string
	// Issuer overrides the OIDC discovery issuer; defaults to BaseURL.
	Issuer string
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to the session backend. Session continuity across calls
// rides on the backend's own cookies; the client holds no persistent state
// beyond an in-memory bearer token for authorized requests.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger

	mu         sync.Mutex
	oauth      *oauth2.Config
	idVerifier *oidc.IDTokenVerifier
	token      string
}

// New constructs a backend client. The HTTP client carries a cookie jar so
// backend-set session cookies survive across calls within the process.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("init cookie jar: %w", err)
		}
		httpClient = &http.Client{Timeout: 30 * time.Second, Jar: jar}
	}

	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: logger,
	}, nil
}

func (c *Client) endpoint(path string) string {
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + path
}

func (c *Client) setToken(tok string) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Session returns the currently established session, or nil when the
// backend reports none.
func (c *Client) Session(ctx context.Context) (*auth.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/auth/v1/session"), nil)
	if err != nil {
		return nil, fmt.Errorf("create session request: %w", err)
	}
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch session: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusUnauthorized:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch session: unexpected status %d", resp.StatusCode)
	}

	var payload sessionPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	sess := payload.toSession()
	if sess != nil {
		c.setToken(sess.AccessToken)
	}
	return sess, nil
}

// SignInWithPassword authenticates with email/password credentials.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*auth.Session, error) {
	return c.credentialCall(ctx, c.endpoint("/auth/v1/token")+"?grant_type=password", email, password)
}

// SignUpWithPassword registers a new account; the backend owns the
// registration semantics.
func (c *Client) SignUpWithPassword(ctx context.Context, email, password string) (*auth.Session, error) {
	return c.credentialCall(ctx, c.endpoint("/auth/v1/signup"), email, password)
}

func (c *Client) credentialCall(ctx context.Context, endpoint, email, password string) (*auth.Session, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := decodeAPIError(resp.Body)
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusUnprocessableEntity {
			return nil, fmt.Errorf("%w: %s", auth.ErrInvalidCredentials, apiErr.text())
		}
		return nil, fmt.Errorf("backend rejected request (%d): %s", resp.StatusCode, apiErr.text())
	}

	var payload sessionPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	sess := payload.toSession()
	if sess != nil {
		c.setToken(sess.AccessToken)
	}
	return sess, nil
}

// SignOut invalidates the backend session. Interested observers learn about
// it through the notification stream, not from this call.
func (c *Client) SignOut(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/auth/v1/logout"), nil)
	if err != nil {
		return fmt.Errorf("create logout request: %w", err)
	}
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("sign out: unexpected status %d", resp.StatusCode)
	}
	c.setToken("")
	return nil
}

// AuthorizeURL constructs the provider authorization URL on the backend's
// authorize endpoint, carrying the caller-supplied state and PKCE params.
func (c *Client) AuthorizeURL(ctx context.Context, provider, redirectURI string, params url.Values) (string, error) {
	oauthCfg, _, err := c.ensureOAuth(ctx)
	if err != nil {
		return "", err
	}

	cfg := *oauthCfg
	cfg.RedirectURL = redirectURI

	state := params.Get("state")
	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("provider", provider)}
	for key := range params {
		if key == "state" {
			continue
		}
		opts = append(opts, oauth2.SetAuthURLParam(key, params.Get(key)))
	}
	return cfg.AuthCodeURL(state, opts...), nil
}

// Exchange consumes an authorization code at the backend token endpoint.
// A verifier, when present, binds the code to the client per PKCE.
func (c *Client) Exchange(ctx context.Context, code, verifier string) (*auth.Session, error) {
	oauthCfg, idVerifier, err := c.ensureOAuth(ctx)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)

	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	tok, err := oauthCfg.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	if tok.AccessToken == "" {
		// The backend accepted the code but issued no session.
		return nil, nil
	}

	sess := &auth.Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
	}

	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		if idVerifier != nil {
			idToken, err := idVerifier.Verify(ctx, raw)
			if err != nil {
				return nil, fmt.Errorf("verify id_token: %w", err)
			}
			var claims struct {
				Email string `json:"email"`
				Name  string `json:"name"`
			}
			if err := idToken.Claims(&claims); err != nil {
				return nil, fmt.Errorf("parse id_token claims: %w", err)
			}
			sess.User = auth.User{ID: idToken.Subject, Email: claims.Email, Name: claims.Name}
		} else if claims, err := ParseClaims(raw); err == nil {
			sess.User = auth.User{ID: claims.Subject, Email: claims.Email, Name: claims.Name}
		}
	}
	if sess.User.ID == "" {
		if claims, err := ParseClaims(tok.AccessToken); err == nil {
			sess.User = auth.User{ID: claims.Subject, Email: claims.Email, Name: claims.Name}
		}
	}

	c.setToken(sess.AccessToken)
	return sess, nil
}

// ensureOAuth resolves the OAuth endpoints once, preferring OIDC discovery
// and falling back to the backend's fixed paths when the issuer does not
// advertise a discovery document.
func (c *Client) ensureOAuth(ctx context.Context) (*oauth2.Config, *oidc.IDTokenVerifier, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.oauth != nil {
		return c.oauth, c.idVerifier, nil
	}

	endpoint := oauth2.Endpoint{
		AuthURL:   c.endpoint("/auth/v1/authorize"),
		TokenURL:  c.endpoint("/auth/v1/token"),
		AuthStyle: oauth2.AuthStyleInParams,
	}

	issuer := c.cfg.Issuer
	if issuer == "" {
		issuer = strings.TrimSuffix(c.cfg.BaseURL, "/")
	}

	discoveryCtx := oidc.ClientContext(ctx, c.http)
	if op, err := oidc.NewProvider(discoveryCtx, issuer); err == nil {
		endpoint = op.Endpoint()
		// Public client: no secret to send, so parameters carry the ID.
		endpoint.AuthStyle = oauth2.AuthStyleInParams
		c.idVerifier = op.Verifier(&oidc.Config{
			ClientID:          c.cfg.APIKey,
			SkipClientIDCheck: c.cfg.APIKey == "",
		})
	} else {
		c.logger.Debug("oidc discovery unavailable, using fixed endpoints", "issuer", issuer, "error", err)
	}

	c.oauth = &oauth2.Config{
		ClientID: c.cfg.APIKey,
		Endpoint: endpoint,
		Scopes:   []string{oidc.ScopeOpenID, "profile", "email"},
	}
	return c.oauth, c.idVerifier, nil
}

func (c *Client) decorate(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("apikey", c.cfg.APIKey)
	}
	if tok := c.bearer(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
}

func decodeAPIError(r io.Reader) apiError {
	var apiErr apiError
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&apiErr); err != nil {
		return apiError{Code: "unknown_error"}
	}
	return apiErr
}
