package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"homefind/auth"
	"homefind/backend"
	"homefind/browser"
)

func main() {
	configPath := flag.String("config", os.Getenv("HOMEFIND_CONFIG"), "Path to YAML config")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	configFile := *configPath
	if configFile == "" && flag.NArg() > 0 {
		configFile = flag.Arg(0)
	}

	cfg, err := auth.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := backend.New(backend.Config{
		BaseURL: cfg.Backend.URL,
		APIKey:  cfg.Backend.APIKey,
		Issuer:  cfg.Backend.Issuer,
	}, logger)
	if err != nil {
		log.Fatalf("init backend client: %v", err)
	}

	verifier := backend.NewVerifier(backend.VerifierConfig{
		JWKSURL: cfg.JWKSEndpoint(),
		Issuer:  cfg.Backend.Issuer,
	})

	store := auth.NewStore(client, logger)
	if err := store.Start(ctx); err != nil {
		log.Fatalf("init session store: %v", err)
	}
	defer store.Close()

	// Log ambient auth-state changes, with the verified subject when a
	// session is held.
	snapshots, unwatch := store.Watch()
	defer unwatch()
	go func() {
		for snap := range snapshots {
			if snap.Authenticated() {
				claims, err := verifier.Verify(ctx, snap.Session.AccessToken)
				if err != nil {
					logger.Warn("session token failed verification", "error", err)
				} else {
					logger.Info("session state", "state", snap.State.String(), "authenticated", true, "subject", claims.Subject)
					continue
				}
			}
			logger.Info("session state", "state", snap.State.String(), "authenticated", snap.Authenticated())
		}
	}()

	var handoff browser.Handoff
	if cfg.Redirect.Target == auth.TargetNative {
		handoff = browser.NewLoopbackHandoff(nil, logger)
	}

	gateway := auth.NewGateway(client, cfg.Resolver(), handoff, logger)

	var route atomic.Value
	route.Store(auth.RouteLogin)
	nav := auth.NavigatorFunc(func(r auth.Route) {
		route.Store(r)
		logger.Info("navigated", "route", string(r))
	})
	reconciler := auth.NewReconciler(gateway, nav, logger)

	handler := routes(cfg, gateway, reconciler, store, verifier, &route, logger)
	srv := &http.Server{
		Addr:         cfg.Client.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	logger.Info("client listening", "addr", cfg.Client.ListenAddr, "target", string(cfg.Redirect.Target))
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func routes(cfg auth.Config, gateway *auth.Gateway, reconciler *auth.Reconciler, store *auth.Store, verifier *backend.Verifier, route *atomic.Value, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	callbackPath := cfg.Redirect.CallbackPath
	if callbackPath == "" {
		callbackPath = auth.DefaultCallbackPath
	}

	r.Get(callbackPath, func(w http.ResponseWriter, req *http.Request) {
		ev := auth.RedirectEventFromURL(req.URL)
		target := reconciler.Reconcile(req.Context(), ev)
		http.Redirect(w, req, string(target), http.StatusFound)
	})

	r.Get("/login/{provider}", func(w http.ResponseWriter, req *http.Request) {
		provider := chi.URLParam(req, "provider")
		outcome, err := gateway.BeginOAuth(req.Context(), provider)
		if err != nil {
			logger.Error("begin oauth failed", "provider", provider, "error", err)
			http.Error(w, "sign-in failed", http.StatusBadGateway)
			return
		}
		switch {
		case outcome.Cancelled:
			// User aborted; nothing to surface.
			http.Redirect(w, req, string(route.Load().(auth.Route)), http.StatusFound)
		case outcome.AuthorizationURL != "":
			http.Redirect(w, req, outcome.AuthorizationURL, http.StatusFound)
		case outcome.Code != "":
			target := reconciler.Reconcile(req.Context(), auth.RedirectEvent{Code: outcome.Code})
			http.Redirect(w, req, string(target), http.StatusFound)
		}
	})

	r.Post("/logout", func(w http.ResponseWriter, req *http.Request) {
		if err := gateway.SignOut(req.Context()); err != nil {
			logger.Error("sign out failed", "error", err)
			http.Error(w, "sign-out failed", http.StatusBadGateway)
			return
		}
		http.Redirect(w, req, string(auth.RouteLogin), http.StatusFound)
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		snap := store.Snapshot()
		payload := map[string]any{
			"state":         snap.State.String(),
			"authenticated": snap.Authenticated(),
			"route":         string(route.Load().(auth.Route)),
		}
		if snap.Session != nil {
			payload["user"] = snap.Session.User.Email
			if claims, err := verifier.Verify(req.Context(), snap.Session.AccessToken); err != nil {
				logger.Warn("session token failed verification", "error", err)
			} else {
				payload["user"] = claims.Subject
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	})

	r.Get(string(auth.RouteHome), func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprintln(w, "signed in")
	})
	r.Get(string(auth.RouteLogin), func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprintf(w, "sign in: %s\n", strings.Join(cfg.Backend.Providers, ", "))
	})

	return r
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}
