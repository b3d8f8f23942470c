package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"homefind/browser"
)

// OAuthOutcome is the result of starting an OAuth round trip.
//
// Exactly one of the following holds: Cancelled is set (the user aborted,
// nothing to surface), Code is set (the hand-off returned with an
// authorization code, exchange it through the reconciler), or
// AuthorizationURL is set (web target; the hosting page performs the
// navigation and the redirect re-enters the app later).
type OAuthOutcome struct {
	Cancelled        bool
	Code             string
	AuthorizationURL string
}

// Gateway initiates sign-in and performs the code-for-session exchange.
// It never talks to the SessionStore; the store learns about auth changes
// from the backend's notification stream.
type Gateway struct {
	backend  Backend
	resolver RedirectResolver
	handoff  browser.Handoff
	logger   *slog.Logger

	mu       sync.Mutex
	verifier string
}

// NewGateway wires a gateway. handoff may be nil for web targets, where the
// hosting page owns the navigation.
func NewGateway(backend Backend, resolver RedirectResolver, handoff browser.Handoff, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		backend:  backend,
		resolver: resolver,
		handoff:  handoff,
		logger:   logger,
	}
}

// SignInWithPassword delegates directly to the backend.
func (g *Gateway) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	sess, err := g.backend.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, authErr("sign in", err)
	}
	return sess, nil
}

// SignUpWithPassword delegates directly to the backend; registration
// semantics are owned there.
func (g *Gateway) SignUpWithPassword(ctx context.Context, email, password string) (*Session, error) {
	sess, err := g.backend.SignUpWithPassword(ctx, email, password)
	if err != nil {
		return nil, authErr("sign up", err)
	}
	return sess, nil
}

// SignOut invalidates the backend session. The SessionStore observes the
// resulting SIGNED_OUT notification; there is no direct store update here.
func (g *Gateway) SignOut(ctx context.Context) error {
	if err := g.backend.SignOut(ctx); err != nil {
		return authErr("sign out", err)
	}
	return nil
}

// CurrentSession asks the backend whether a session already exists.
func (g *Gateway) CurrentSession(ctx context.Context) (*Session, error) {
	sess, err := g.backend.Session(ctx)
	if err != nil {
		return nil, authErr("fetch session", err)
	}
	return sess, nil
}

// BeginOAuth starts the authorization round trip for provider. The code is
// extracted but deliberately not exchanged here; the exchange happens
// exactly once, in the reconciler, so a single-use code cannot be consumed
// twice by overlapping paths.
func (g *Gateway) BeginOAuth(ctx context.Context, provider string) (OAuthOutcome, error) {
	redirect := g.resolver.Resolve()

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	g.mu.Lock()
	g.verifier = verifier
	g.mu.Unlock()

	params := url.Values{}
	params.Set("state", state)
	params.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
	params.Set("code_challenge_method", "S256")

	authURL, err := g.backend.AuthorizeURL(ctx, provider, redirect, params)
	if err != nil {
		return OAuthOutcome{}, authErr("authorize url", err)
	}

	if g.handoff == nil || g.resolver.Target == TargetWeb {
		// Browser-hosted runtime: the page navigates itself and the
		// redirect re-enters through the callback route.
		return OAuthOutcome{AuthorizationURL: authURL}, nil
	}

	res, err := g.handoff.Authenticate(ctx, authURL, redirect)
	if err != nil {
		if browser.IsCancellation(err) {
			g.logger.Debug("oauth hand-off cancelled", "provider", provider)
			return OAuthOutcome{Cancelled: true}, nil
		}
		return OAuthOutcome{}, authErr("browser hand-off", err)
	}

	switch res.Status {
	case browser.StatusCancelled, browser.StatusDismissed:
		g.logger.Debug("oauth hand-off dismissed", "provider", provider, "status", res.Status.String())
		return OAuthOutcome{Cancelled: true}, nil
	case browser.StatusCompleted:
	default:
		return OAuthOutcome{}, authErr("browser hand-off", fmt.Errorf("unexpected status %d", res.Status))
	}

	redirectURL, err := url.Parse(res.RedirectURL)
	if err != nil {
		return OAuthOutcome{}, authErr("parse redirect", err)
	}
	ev := RedirectEventFromURL(redirectURL)
	if ev.Error != "" {
		return OAuthOutcome{}, authErr("provider redirect", fmt.Errorf("%s: %s", ev.Error, ev.ErrorDescription))
	}
	if ev.Code == "" {
		return OAuthOutcome{}, authErr("provider redirect", fmt.Errorf("redirect carried no code"))
	}
	if ev.State != "" && ev.State != state {
		return OAuthOutcome{}, authErr("provider redirect", fmt.Errorf("state mismatch"))
	}

	return OAuthOutcome{Code: ev.Code}, nil
}

// ExchangeCode consumes a single-use authorization code via the backend's
// token endpoint. The stored PKCE verifier from the most recent BeginOAuth
// accompanies the request and is cleared on success.
func (g *Gateway) ExchangeCode(ctx context.Context, code string) (*Session, error) {
	g.mu.Lock()
	verifier := g.verifier
	g.mu.Unlock()

	sess, err := g.backend.Exchange(ctx, code, verifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	g.mu.Lock()
	if g.verifier == verifier {
		g.verifier = ""
	}
	g.mu.Unlock()

	return sess, nil
}
