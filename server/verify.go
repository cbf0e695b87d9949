package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// jwksRefreshInterval is the minimum age before a key-set miss triggers a
// refetch, keeping a burst of unknown kids from hammering the provider.
const jwksRefreshInterval = 5 * time.Minute

// AssertedUser is the optional caller-supplied profile accompanying a token
// assertion. Supplied fields win over claims extracted from the token.
type AssertedUser struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

// TokenVerifier checks externally-obtained access tokens for the assertion
// endpoint. In trusted mode the token is only decoded, not verified; in jwks
// mode the signature is checked against the issuer's published keys.
type TokenVerifier struct {
	mode   string
	issuer string
	logger *slog.Logger
	client *http.Client

	mu        sync.RWMutex
	keys      *jose.JSONWebKeySet
	fetchedAt time.Time
}

func NewTokenVerifier(cfg Config, logger *slog.Logger) *TokenVerifier {
	return &TokenVerifier{
		mode:   cfg.VerifyMode(),
		issuer: cfg.Provider.Issuer,
		logger: logger,
		client: &http.Client{Timeout: upstreamTimeout},
	}
}

// Verify validates the token per the configured mode and returns the
// resulting user profile.
func (v *TokenVerifier) Verify(token string, supplied AssertedUser) (UserInfo, error) {
	var claims jwt.MapClaims
	var err error
	switch v.mode {
	case VerifyModeJWKS:
		claims, err = v.verifySigned(token)
	default:
		claims, err = v.decodeTrusted(token)
	}
	if err != nil {
		return UserInfo{}, err
	}

	info := UserInfo{
		Subject: stringClaim(claims, "sub"),
		Email:   stringClaim(claims, "email"),
		Name:    stringClaim(claims, "name"),
		Claims:  claims,
	}
	if supplied.Subject != "" {
		info.Subject = supplied.Subject
	}
	if supplied.Email != "" {
		info.Email = supplied.Email
	}
	if supplied.Name != "" {
		info.Name = supplied.Name
	}
	if info.Subject == "" {
		return UserInfo{}, errors.New("token carries no subject")
	}
	return info, nil
}

// decodeTrusted parses the token without signature verification. Expiry is
// still honored when the claim is present.
func (v *TokenVerifier) decodeTrusted(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("decode token expiry: %w", err)
	}
	if exp != nil && time.Now().After(exp.Time) {
		return nil, errors.New("token expired")
	}
	return claims, nil
}

// verifySigned checks the token signature against the issuer's JWKS.
func (v *TokenVerifier) verifySigned(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if _, err := parser.ParseWithClaims(token, claims, v.resolveKey); err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	return claims, nil
}

func (v *TokenVerifier) resolveKey(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("token header carries no kid")
	}

	if key := v.lookupKey(kid); key != nil {
		return key, nil
	}
	if err := v.refreshKeys(); err != nil {
		return nil, err
	}
	if key := v.lookupKey(kid); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("no key for kid %q", kid)
}

func (v *TokenVerifier) lookupKey(kid string) any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.keys == nil {
		return nil
	}
	for _, key := range v.keys.Key(kid) {
		return key.Key
	}
	return nil
}

func (v *TokenVerifier) refreshKeys() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.keys != nil && time.Since(v.fetchedAt) < jwksRefreshInterval {
		return nil
	}

	jwksURL := strings.TrimSuffix(v.issuer, "/") + "/.well-known/jwks.json"
	resp, err := v.client.Get(jwksURL)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: unexpected status %d", resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	v.keys = &set
	v.fetchedAt = time.Now()
	return nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}

type verifyTokenRequest struct {
	Token string       `json:"token"`
	User  AssertedUser `json:"user"`
}

// handleVerifyToken accepts an externally-obtained token and, when it checks
// out, establishes an authenticated session for the caller.
func (a *App) handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	var req verifyTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "token is required"})
		return
	}

	info, err := a.Verifier.Verify(req.Token, req.User)
	if err != nil {
		a.Logger.Warn("token assertion rejected", "error", err)
		a.Metrics.LoginFailed(LoginMethodToken)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}

	sess, err := a.Sessions.FetchOrCreate(w, r)
	if err != nil {
		a.Logger.Error("session create for token assertion", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "session could not be created"})
		return
	}

	wasAuthenticated := sess.Authenticated()
	sess.UserInfo = &info
	sess.AccessToken = req.Token
	sess.State, sess.Nonce, sess.LoginStartedAt = "", "", time.Time{}
	if err := a.Sessions.Save(sess); err != nil {
		a.Logger.Error("persist token assertion session", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "session could not be saved"})
		return
	}

	a.Metrics.LoginSucceeded(LoginMethodToken)
	if !wasAuthenticated {
		a.Metrics.SessionStarted()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
