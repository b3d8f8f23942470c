package backend

import (
	"time"

	"homefind/auth"
)

// sessionPayload is the wire shape of a session returned by the backend.
type sessionPayload struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    int64       `json:"expires_in"`
	ExpiresAt    int64       `json:"expires_at"`
	User         userPayload `json:"user"`
}

type userPayload struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (p sessionPayload) toSession() *auth.Session {
	if p.AccessToken == "" {
		return nil
	}
	expires := time.Unix(p.ExpiresAt, 0)
	if p.ExpiresAt == 0 && p.ExpiresIn > 0 {
		expires = time.Now().Add(time.Duration(p.ExpiresIn) * time.Second)
	}
	return &auth.Session{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    p.TokenType,
		ExpiresAt:    expires,
		User: auth.User{
			ID:    p.User.ID,
			Email: p.User.Email,
			Name:  p.User.Name,
		},
	}
}

// apiError is the wire shape of a backend rejection.
type apiError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
	Message     string `json:"msg"`
}

func (e apiError) text() string {
	switch {
	case e.Description != "":
		return e.Description
	case e.Message != "":
		return e.Message
	default:
		return e.Code
	}
}
