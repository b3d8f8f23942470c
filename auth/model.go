package auth

import (
	"context"
	"net/url"
	"time"
)

// EventKind labels a backend auth-state notification.
type EventKind string

const (
	KindInitialSession EventKind = "INITIAL_SESSION"
	KindSignedIn       EventKind = "SIGNED_IN"
	KindSignedOut      EventKind = "SIGNED_OUT"
	KindTokenRefreshed EventKind = "TOKEN_REFRESHED"
)

// User is the identity the backend attaches to a session.
type User struct {
	ID    string
	Email string
	Name  string
}

// Session is the backend's representation of an authenticated identity.
// The subsystem only ever inspects presence or absence; the token fields
// exist so callers can hand them back to the backend.
type Session struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	User         User
}

// Change is one auth-state notification delivered on a standing stream.
type Change struct {
	Kind    EventKind
	Session *Session
}

// ChangeStream is a standing registration with the backend's session layer.
// Events is closed when the stream ends; Close releases the registration.
type ChangeStream interface {
	Events() <-chan Change
	Close() error
}

// SessionSource is the backend surface the SessionStore consumes.
type SessionSource interface {
	Session(ctx context.Context) (*Session, error)
	Subscribe(ctx context.Context) (ChangeStream, error)
}

// Backend is the session backend surface the gateway consumes.
type Backend interface {
	Session(ctx context.Context) (*Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignUpWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context) error
	AuthorizeURL(ctx context.Context, provider, redirectURI string, params url.Values) (string, error)
	Exchange(ctx context.Context, code, verifier string) (*Session, error)
}

// RedirectEvent carries the parameters delivered when the app is re-entered
// via the registered callback address. At most one of Code or Error is set;
// both empty means a bare deep link.
type RedirectEvent struct {
	Code             string
	Error            string
	ErrorDescription string
	State            string
}

// RedirectEventFromURL extracts callback parameters from a redirect URI.
// Providers deliver them as query parameters; browser-hosted flows sometimes
// move them into the fragment, so that is checked as a fallback.
func RedirectEventFromURL(u *url.URL) RedirectEvent {
	values := u.Query()
	if len(values) == 0 && u.Fragment != "" {
		if frag, err := url.ParseQuery(u.Fragment); err == nil {
			values = frag
		}
	}
	return RedirectEvent{
		Code:             values.Get("code"),
		Error:            values.Get("error"),
		ErrorDescription: values.Get("error_description"),
		State:            values.Get("state"),
	}
}

// Bare reports whether the redirect carried neither a code nor an error.
func (e RedirectEvent) Bare() bool {
	return e.Code == "" && e.Error == ""
}
