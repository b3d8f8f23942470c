// Package browser provides the user-facing browser hand-off used to drive
// an OAuth authorization round trip outside the application process.
package browser

import (
	"context"
	"errors"
	"strings"
)

// Status is the structured outcome of a hand-off. Implementations must
// report cancellation and dismissal here rather than through error text.
type Status int

const (
	// StatusCompleted means the flow reached the redirect address.
	StatusCompleted Status = iota
	// StatusCancelled means the user aborted before the redirect.
	StatusCancelled
	// StatusDismissed means the browser surface was closed without a result.
	StatusDismissed
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusDismissed:
		return "dismissed"
	default:
		return "unknown"
	}
}

// Result is what a hand-off resolves with. RedirectURL is only meaningful
// when Status is StatusCompleted.
type Result struct {
	Status      Status
	RedirectURL string
}

// Handoff opens a user-facing browser surface for authURL and blocks until
// the flow reaches redirectURI, is cancelled, or is dismissed.
type Handoff interface {
	Authenticate(ctx context.Context, authURL, redirectURI string) (Result, error)
}

// IsCancellation classifies errors raised by hand-off implementations that
// predate the structured Status and still encode user aborts in message
// text. The patterns are not exhaustive; in-tree implementations must use
// StatusCancelled/StatusDismissed instead.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"cancel", "dismiss", "closed by user"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
