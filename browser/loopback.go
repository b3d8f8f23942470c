package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Opener launches the system browser at url. Swappable for tests.
type Opener func(url string) error

// LoopbackHandoff drives the OAuth round trip through the user's default
// browser and a short-lived loopback listener on the redirect address. The
// flow resolves when the provider redirects back, or with StatusCancelled
// when the context is cancelled before that.
type LoopbackHandoff struct {
	open   Opener
	logger *slog.Logger
}

// NewLoopbackHandoff constructs the hand-off. A nil opener uses the
// platform default browser.
func NewLoopbackHandoff(open Opener, logger *slog.Logger) *LoopbackHandoff {
	if open == nil {
		open = OpenSystemBrowser
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LoopbackHandoff{open: open, logger: logger}
}

// Authenticate opens authURL in the browser and blocks until redirectURI is
// hit or ctx is cancelled. Cancellation resolves to StatusCancelled rather
// than an error.
func (h *LoopbackHandoff) Authenticate(ctx context.Context, authURL, redirectURI string) (Result, error) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		return Result{}, fmt.Errorf("parse redirect uri: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return Result{}, fmt.Errorf("loopback hand-off needs an http redirect, got %s", target.Scheme)
	}

	hits := make(chan string, 1)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(target.Path, func(w http.ResponseWriter, req *http.Request) {
		select {
		case hits <- req.URL.String():
		default:
			// Duplicate delivery; the first redirect already resolved.
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>Sign-in complete. You can close this window.</body></html>")
	})

	listener, err := net.Listen("tcp", target.Host)
	if err != nil {
		return Result{}, fmt.Errorf("listen on %s: %w", target.Host, err)
	}
	srv := &http.Server{Handler: r, ReadTimeout: 15 * time.Second, WriteTimeout: 15 * time.Second}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("loopback listener error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	h.logger.Debug("opening browser", "addr", target.Host)
	if err := h.open(authURL); err != nil {
		return Result{}, fmt.Errorf("open browser: %w", err)
	}

	select {
	case hit := <-hits:
		// Rebuild the absolute redirect URL for the caller.
		resolved := *target
		if u, err := url.Parse(hit); err == nil {
			resolved.Path = u.Path
			resolved.RawQuery = u.RawQuery
			resolved.Fragment = u.Fragment
		}
		return Result{Status: StatusCompleted, RedirectURL: resolved.String()}, nil
	case <-ctx.Done():
		return Result{Status: StatusCancelled}, nil
	}
}

// OpenSystemBrowser launches the platform default browser.
func OpenSystemBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
