package browser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// freeAddr reserves and releases a loopback port for the hand-off to bind.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestLoopbackCompletedFlow(t *testing.T) {
	addr := freeAddr(t)
	redirect := fmt.Sprintf("http://%s/auth/callback", addr)

	opened := make(chan string, 1)
	opener := func(authURL string) error {
		opened <- authURL
		// Simulate the provider redirecting the browser back.
		go func() {
			for i := 0; i < 50; i++ {
				resp, err := http.Get(redirect + "?code=abc123&state=xyz")
				if err == nil {
					resp.Body.Close()
					return
				}
				time.Sleep(20 * time.Millisecond)
			}
		}()
		return nil
	}

	handoff := NewLoopbackHandoff(opener, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := handoff.Authenticate(ctx, "https://backend.example/authorize", redirect)
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("expected completed, got %v", result.Status)
	}

	select {
	case authURL := <-opened:
		if authURL != "https://backend.example/authorize" {
			t.Fatalf("opened wrong URL: %q", authURL)
		}
	default:
		t.Fatalf("browser was never opened")
	}

	u, err := url.Parse(result.RedirectURL)
	if err != nil {
		t.Fatalf("parse result URL: %v", err)
	}
	if u.Query().Get("code") != "abc123" || u.Query().Get("state") != "xyz" {
		t.Fatalf("redirect params lost: %q", result.RedirectURL)
	}
}

func TestLoopbackCancellation(t *testing.T) {
	addr := freeAddr(t)
	redirect := fmt.Sprintf("http://%s/auth/callback", addr)

	ctx, cancel := context.WithCancel(context.Background())
	opener := func(string) error {
		// The user closes the browser without finishing; nothing hits the
		// listener and the caller gives up.
		cancel()
		return nil
	}

	handoff := NewLoopbackHandoff(opener, testLogger())
	result, err := handoff.Authenticate(ctx, "https://backend.example/authorize", redirect)
	if err != nil {
		t.Fatalf("cancellation must not error: %v", err)
	}
	if result.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %v", result.Status)
	}
}

func TestLoopbackRejectsCustomScheme(t *testing.T) {
	handoff := NewLoopbackHandoff(func(string) error { return nil }, testLogger())
	if _, err := handoff.Authenticate(context.Background(), "https://x", "app.homefind://auth/callback"); err == nil {
		t.Fatalf("expected error for non-http redirect")
	}
}

func TestLoopbackOpenerFailure(t *testing.T) {
	addr := freeAddr(t)
	redirect := fmt.Sprintf("http://%s/auth/callback", addr)

	handoff := NewLoopbackHandoff(func(string) error {
		return fmt.Errorf("no browser available")
	}, testLogger())

	_, err := handoff.Authenticate(context.Background(), "https://x", redirect)
	if err == nil || !strings.Contains(err.Error(), "open browser") {
		t.Fatalf("expected open browser error, got %v", err)
	}
}

func TestIsCancellation(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, true},
		{fmt.Errorf("the flow was CANCELED by the user"), true},
		{fmt.Errorf("sheet dismissed"), true},
		{fmt.Errorf("window closed by user"), true},
		{fmt.Errorf("connection refused"), false},
	}
	for _, tc := range tests {
		if got := IsCancellation(tc.err); got != tc.want {
			t.Fatalf("IsCancellation(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
