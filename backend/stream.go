package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"homefind/auth"
)

// AuthStream is a standing subscription to the backend's auth-change feed,
// delivered as server-sent events. Exactly one stream should be active per
// process; it is owned by the SessionStore and released on teardown.
type AuthStream struct {
	events chan auth.Change
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// Subscribe opens the auth-change stream. The returned stream delivers
// notifications until Close is called or the backend ends the feed.
func (c *Client) Subscribe(ctx context.Context) (auth.ChangeStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/auth/v1/events"), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create events request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open event stream: unexpected status %d", resp.StatusCode)
	}

	stream := &AuthStream{
		events: make(chan auth.Change, 8),
		ctx:    ctx,
		cancel: cancel,
		body:   resp.Body,
		done:   make(chan struct{}),
		logger: c.logger,
	}
	go stream.read()
	return stream, nil
}

// Events returns the notification channel. It is closed when the stream
// ends.
func (s *AuthStream) Events() <-chan auth.Change {
	return s.events
}

// Close releases the subscription. Safe to call more than once.
func (s *AuthStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.body.Close()
	})
	<-s.done
	return nil
}

// read parses the SSE framing: an optional "event:" line naming the kind,
// "data:" lines carrying the session JSON (or "null"), a blank line ending
// the frame.
func (s *AuthStream) read() {
	defer close(s.done)
	defer close(s.events)

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var kind, data string
	flush := func() {
		if kind == "" && data == "" {
			return
		}
		change := auth.Change{Kind: auth.EventKind(kind)}
		if data != "" && data != "null" {
			var payload sessionPayload
			if err := json.Unmarshal([]byte(data), &payload); err != nil {
				s.logger.Warn("malformed auth event payload", "kind", kind, "error", err)
				kind, data = "", ""
				return
			}
			change.Session = payload.toSession()
		}
		select {
		case s.events <- change:
		case <-s.ctx.Done():
		}
		kind, data = "", ""
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data != "" {
				data += "\n"
			}
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case strings.HasPrefix(line, ":"):
			// Comment / keep-alive.
		}
	}
	flush()

	if err := scanner.Err(); err != nil && !isClosedErr(err) {
		s.logger.Warn("auth event stream ended", "error", err)
	}
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	// net/http exposes no sentinel for a body read after Close.
	return strings.Contains(err.Error(), "read on closed response body")
}
