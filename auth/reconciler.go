package auth

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Route is a terminal navigation target for one reconciliation pass.
type Route string

const (
	// RouteHome is the authenticated route.
	RouteHome Route = "/home"
	// RouteLogin is the unauthenticated route.
	RouteLogin Route = "/login"
)

// Navigator receives the single navigation decision of a reconciliation.
type Navigator interface {
	Navigate(Route)
}

// NavigatorFunc adapts a function to the Navigator interface.
type NavigatorFunc func(Route)

func (f NavigatorFunc) Navigate(route Route) { f(route) }

// exchanger is the gateway surface the reconciler needs.
type exchanger interface {
	ExchangeCode(ctx context.Context, code string) (*Session, error)
	CurrentSession(ctx context.Context) (*Session, error)
}

// Reconciler decides, once per app re-entry via redirect, whether to
// exchange a code, probe for an established session, or report failure.
// Every pass ends in exactly one navigation; failures inside the pass
// resolve silently to the login route because the callback surface has no
// interactive context for an error dialog.
type Reconciler struct {
	gateway exchanger
	nav     Navigator
	logger  *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewReconciler wires a reconciler around the gateway.
func NewReconciler(gateway exchanger, nav Navigator, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		gateway: gateway,
		nav:     nav,
		logger:  logger,
		seen:    make(map[string]struct{}),
	}
}

// Reconcile handles one RedirectEvent and returns the route it navigated
// to. Repeated delivery of the same code (duplicate redirects, double
// mounts) never exchanges twice: the first pass wins and later passes fall
// back to the ambient session probe.
func (r *Reconciler) Reconcile(ctx context.Context, ev RedirectEvent) (route Route) {
	pass := uuid.NewString()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("reconcile panicked", "pass", pass, "panic", p)
			route = RouteLogin
		}
		r.nav.Navigate(route)
	}()

	if ev.Error != "" {
		r.logger.Warn("redirect carried provider error",
			"pass", pass, "error", ev.Error, "description", ev.ErrorDescription)
		return RouteLogin
	}

	if ev.Code != "" && r.claim(ev.Code) {
		sess, err := r.gateway.ExchangeCode(ctx, ev.Code)
		if err != nil {
			r.logger.Warn("code exchange failed", "pass", pass, "error", err)
			return RouteLogin
		}
		if sess == nil {
			// Exchange succeeded but the backend reports no session.
			r.logger.Warn("exchange returned no session", "pass", pass)
			return RouteLogin
		}
		r.logger.Info("code exchange established session", "pass", pass, "user", sess.User.ID)
		return RouteHome
	}

	// Bare deep link, or a code another pass already consumed: ask the
	// backend directly whether a session exists.
	sess, err := r.gateway.CurrentSession(ctx)
	if err != nil {
		r.logger.Warn("session probe failed", "pass", pass, "error", err)
		return RouteLogin
	}
	if sess != nil {
		return RouteHome
	}
	return RouteLogin
}

// claim marks a code as consumed and reports whether this caller won.
func (r *Reconciler) claim(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[code]; dup {
		return false
	}
	r.seen[code] = struct{}{}
	return true
}
