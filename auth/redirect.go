package auth

import "strings"

// Target identifies the runtime the client is hosted in.
type Target string

const (
	TargetWeb    Target = "web"
	TargetNative Target = "native"
)

// DefaultCallbackPath is the registered callback path shared by every target.
const DefaultCallbackPath = "/auth/callback"

// RedirectResolver derives the OAuth callback address for the runtime
// target. Resolution is pure and repeatable.
type RedirectResolver struct {
	Target       Target
	WebOrigin    string
	NativeScheme string
	CallbackPath string
}

// Resolve returns the callback address the backend must redirect to. A web
// runtime gets the hosting origin plus the callback path; a native runtime
// gets the custom scheme plus the same path.
func (r RedirectResolver) Resolve() string {
	path := r.CallbackPath
	if path == "" {
		path = DefaultCallbackPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if r.Target == TargetNative {
		return strings.TrimSuffix(r.NativeScheme, "://") + ":/" + path
	}
	return strings.TrimSuffix(r.WebOrigin, "/") + path
}
