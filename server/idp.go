package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// ErrProviderNotReady is returned while provider discovery is still running
// or after it failed. Routes fail soft on it instead of dereferencing a
// half-initialized client.
var ErrProviderNotReady = errors.New("identity provider not ready")

// IdentityProvider is the minimal behaviour the gateway needs from the
// upstream IdP. Exchange and FetchUserInfo are separate calls because each
// may fail independently and the callback short-circuits on the first error.
type IdentityProvider interface {
	AuthCodeURL(state, nonce string) string
	Exchange(ctx context.Context, code, expectedNonce string) (TokenSet, error)
	FetchUserInfo(ctx context.Context, accessToken string) (UserInfo, error)
	LogoutURL(postLogoutRedirect string) string
}

// OIDCProvider wraps the upstream provider configuration and helpers.
type OIDCProvider struct {
	oauthConfig *oauth2.Config
	provider    *oidc.Provider
	verifier    *oidc.IDTokenVerifier
	clientID    string
	logoutURL   string
	logger      *slog.Logger
}

// NewOIDCProvider initializes the provider via discovery.
func NewOIDCProvider(ctx context.Context, cfg ProviderConfig, redirect string, logger *slog.Logger) (*OIDCProvider, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("provider issuer required")
	}

	op, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider: %w", err)
	}

	endpoint := op.Endpoint()
	if cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID}
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  redirect,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}

	return &OIDCProvider{
		oauthConfig: oauthCfg,
		provider:    op,
		verifier:    op.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		clientID:    cfg.ClientID,
		logoutURL:   cfg.LogoutURL,
		logger:      logger,
	}, nil
}

// AuthCodeURL constructs the authorization request for the provider's
// hosted login UI.
func (p *OIDCProvider) AuthCodeURL(state, nonce string) string {
	return p.oauthConfig.AuthCodeURL(state, oauth2.SetAuthURLParam("nonce", nonce))
}

// Exchange completes the code exchange and verifies the ID token's nonce
// against the one issued for this login attempt.
func (p *OIDCProvider) Exchange(ctx context.Context, code, expectedNonce string) (TokenSet, error) {
	tok, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return TokenSet{}, fmt.Errorf("exchange code: %w", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return TokenSet{}, errors.New("id_token missing in response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return TokenSet{}, fmt.Errorf("verify id_token: %w", err)
	}

	if expectedNonce != "" && idToken.Nonce != expectedNonce {
		return TokenSet{}, errors.New("nonce mismatch")
	}

	return TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IDToken:      rawIDToken,
	}, nil
}

// FetchUserInfo retrieves the userinfo claims using the access token.
func (p *OIDCProvider) FetchUserInfo(ctx context.Context, accessToken string) (UserInfo, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	ui, err := p.provider.UserInfo(ctx, src)
	if err != nil {
		return UserInfo{}, fmt.Errorf("fetch userinfo: %w", err)
	}

	var claims map[string]any
	if err := ui.Claims(&claims); err != nil {
		return UserInfo{}, fmt.Errorf("parse userinfo claims: %w", err)
	}

	info := UserInfo{
		Subject: ui.Subject,
		Email:   ui.Email,
		Claims:  claims,
	}
	if name, ok := claims["name"].(string); ok {
		info.Name = name
	} else if preferred, ok := claims["preferred_username"].(string); ok {
		info.Name = preferred
	}
	if picture, ok := claims["picture"].(string); ok {
		info.Picture = picture
	}
	return info, nil
}

// LogoutURL builds the provider's hosted logout endpoint with the client id
// and post-logout redirect, or returns "" when none is configured.
func (p *OIDCProvider) LogoutURL(postLogoutRedirect string) string {
	if p.logoutURL == "" {
		return ""
	}
	u, err := url.Parse(p.logoutURL)
	if err != nil {
		p.logger.Warn("invalid provider logout url", "url", p.logoutURL, "error", err)
		return ""
	}
	q := u.Query()
	q.Set("client_id", p.clientID)
	q.Set("logout_uri", postLogoutRedirect)
	u.RawQuery = q.Encode()
	return u.String()
}

// ProviderHandle guards the asynchronously initialized provider. Discovery
// runs once in the background; until it resolves, Get fails soft with
// ErrProviderNotReady and routes turn that into an error redirect.
type ProviderHandle struct {
	mu       sync.RWMutex
	provider IdentityProvider
	err      error
	done     bool
}

// NewProviderHandle returns an unresolved handle.
func NewProviderHandle() *ProviderHandle {
	return &ProviderHandle{}
}

// ReadyProviderHandle wraps an already-built provider, for tests and for
// deployments that block on discovery at startup.
func ReadyProviderHandle(p IdentityProvider) *ProviderHandle {
	return &ProviderHandle{provider: p, done: true}
}

// StartInit launches discovery in the background.
func (h *ProviderHandle) StartInit(ctx context.Context, cfg ProviderConfig, publicURL string, logger *slog.Logger) {
	go func() {
		redirect := strings.TrimSuffix(publicURL, "/") + "/callback"
		p, err := NewOIDCProvider(ctx, cfg, redirect, logger)
		if err != nil {
			logger.Error("provider init failed", "issuer", cfg.Issuer, "error", err)
			h.Resolve(nil, err)
			return
		}
		logger.Info("provider ready", "issuer", cfg.Issuer)
		h.Resolve(p, nil)
	}()
}

// Resolve records the outcome of initialization.
func (h *ProviderHandle) Resolve(p IdentityProvider, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.provider = p
	h.err = err
	h.done = true
}

// Get returns the provider, ErrProviderNotReady while initialization is in
// flight, or the stored initialization error.
func (h *ProviderHandle) Get() (IdentityProvider, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.done {
		return nil, ErrProviderNotReady
	}
	if h.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderNotReady, h.err)
	}
	return h.provider, nil
}
