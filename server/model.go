package server

import "time"

// Session captures the server-side authentication state bound to a cookie.
//
// State and Nonce are only populated between a login initiation and the
// matching callback; they are cleared the moment a callback references them.
// UserInfo being non-nil is what makes a session authenticated.
type Session struct {
	ID             string    `json:"id"`
	State          string    `json:"state,omitempty"`
	Nonce          string    `json:"nonce,omitempty"`
	LoginStartedAt time.Time `json:"login_started_at,omitempty"`
	UserInfo       *UserInfo `json:"userinfo,omitempty"`
	AccessToken    string    `json:"access_token,omitempty"`
	RefreshToken   string    `json:"refresh_token,omitempty"`
	IDToken        string    `json:"id_token,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Authenticated reports whether the session completed a login.
func (s *Session) Authenticated() bool {
	return s != nil && s.UserInfo != nil
}

// LoginPending reports whether a correlation pair is outstanding.
func (s *Session) LoginPending() bool {
	return s != nil && s.State != "" && s.Nonce != ""
}

// UserInfo holds the identity claims fetched from the provider.
type UserInfo struct {
	Subject string         `json:"sub"`
	Email   string         `json:"email,omitempty"`
	Name    string         `json:"name,omitempty"`
	Picture string         `json:"picture,omitempty"`
	Claims  map[string]any `json:"claims,omitempty"`
}

// TokenSet bundles the tokens returned by a code exchange.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
}
