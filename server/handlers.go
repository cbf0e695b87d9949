package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// upstreamTimeout bounds the token exchange and userinfo fetch.
const upstreamTimeout = 15 * time.Second

// localUserSubject is the synthetic subject for the local credential path.
const localUserSubject = "test-user"

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    SessionStore
	Sessions *SessionManager
	Provider *ProviderHandle
	Verifier *TokenVerifier
	Metrics  *Metrics
}

// NewApp wires together the application state from configuration. Provider
// discovery runs in the background; routes that need it fail soft until it
// resolves.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	var store SessionStore
	switch cfg.Sessions.Store {
	case StoreBolt:
		s, err := NewBoltStore(cfg.SessionDBPath())
		if err != nil {
			return nil, err
		}
		store = s
	default:
		store = NewMemoryStore()
	}

	metrics := NewMetrics()
	sessions := NewSessionManager(cfg, store, metrics, logger)

	handle := NewProviderHandle()
	if cfg.Provider.Issuer != "" {
		handle.StartInit(ctx, cfg.Provider, cfg.Server.PublicURL, logger)
	} else {
		handle.Resolve(nil, errors.New("no identity provider configured"))
		logger.Warn("no identity provider configured; only local and token logins are available")
	}

	if cfg.VerifyMode() == VerifyModeTrusted {
		logger.Warn("token assertion endpoint runs in trusted mode; asserted tokens are not cryptographically verified")
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Sessions: sessions,
		Provider: handle,
		Verifier: NewTokenVerifier(cfg, logger),
		Metrics:  metrics,
	}, nil
}

// Close releases the session store.
func (a *App) Close() error {
	return a.Store.Close()
}

// handleIndex serves the landing page; RequireSession has already gated it.
func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	if sess == nil {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	a.renderLanding(w, sess.UserInfo)
}

// handleLoginPage serves the login page. Always accessible.
func (a *App) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	a.renderLogin(w, loginView{
		Error:      r.URL.Query().Get("error"),
		LocalLogin: a.Config.Auth.LocalLogin.Enabled,
	})
}

// handleLoginCognito initiates the authorization code flow: a fresh
// state/nonce pair is persisted on the session before the browser is sent to
// the provider's hosted login UI.
func (a *App) handleLoginCognito(w http.ResponseWriter, r *http.Request) {
	provider, err := a.Provider.Get()
	if err != nil {
		a.Logger.Error("login initiation with unavailable provider", "error", err)
		a.loginErrorRedirect(w, r, "sign-in is temporarily unavailable")
		return
	}

	sess, err := a.Sessions.FetchOrCreate(w, r)
	if err != nil {
		a.Logger.Error("session create for login", "error", err)
		a.loginErrorRedirect(w, r, "sign-in could not be started")
		return
	}

	sess.State = randomToken(16)
	sess.Nonce = randomToken(16)
	sess.LoginStartedAt = time.Now()
	if err := a.Sessions.Save(sess); err != nil {
		a.Logger.Error("persist login state", "error", err)
		a.loginErrorRedirect(w, r, "sign-in could not be started")
		return
	}

	http.Redirect(w, r, provider.AuthCodeURL(sess.State, sess.Nonce), http.StatusFound)
}

// handleCallback terminates the authorization code flow. Any failure leaves
// the session unauthenticated and lands the user back on the login page with
// a short message; raw provider detail only reaches the log.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	provider, err := a.Provider.Get()
	if err != nil {
		a.callbackFail(w, r, "provider_unavailable", "sign-in is temporarily unavailable", err)
		return
	}

	sess, err := a.Sessions.Fetch(r)
	if err != nil {
		a.callbackFail(w, r, "session_fetch", "sign-in could not be completed", err)
		return
	}
	if sess == nil {
		a.callbackFail(w, r, "no_session", "sign-in session not found, please try again", nil)
		return
	}

	q := r.URL.Query()

	if !sess.LoginPending() {
		a.callbackFail(w, r, "no_login_pending", "no sign-in in progress", nil)
		return
	}

	// The correlation pair is single-use: consume it now, whatever the
	// outcome of the rest of the callback.
	expectedState := sess.State
	expectedNonce := sess.Nonce
	started := sess.LoginStartedAt
	sess.State, sess.Nonce, sess.LoginStartedAt = "", "", time.Time{}
	if err := a.Sessions.Save(sess); err != nil {
		a.callbackFail(w, r, "persistence", "sign-in could not be completed", err)
		return
	}

	if errParam := q.Get("error"); errParam != "" {
		a.callbackFail(w, r, "provider_error", "sign-in was not completed", errors.New(errParam))
		return
	}

	state := q.Get("state")
	code := q.Get("code")
	if state == "" || code == "" {
		a.callbackFail(w, r, "invalid_callback", "invalid sign-in response", nil)
		return
	}

	if subtle.ConstantTimeCompare([]byte(expectedState), []byte(state)) != 1 {
		a.callbackFail(w, r, "state_mismatch", "sign-in request could not be verified", nil)
		return
	}

	if time.Since(started) > loginAttemptTTL {
		a.callbackFail(w, r, "attempt_expired", "sign-in attempt expired, please try again", nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), upstreamTimeout)
	defer cancel()

	tokens, err := provider.Exchange(ctx, code, expectedNonce)
	if err != nil {
		a.callbackFail(w, r, "exchange", "sign-in failed, please try again", err)
		return
	}

	info, err := provider.FetchUserInfo(ctx, tokens.AccessToken)
	if err != nil {
		a.callbackFail(w, r, "userinfo", "sign-in failed, please try again", err)
		return
	}

	wasAuthenticated := sess.Authenticated()
	sess.UserInfo = &info
	sess.AccessToken = tokens.AccessToken
	sess.RefreshToken = tokens.RefreshToken
	sess.IDToken = tokens.IDToken
	if err := a.Sessions.Save(sess); err != nil {
		// The session must be durable before the redirect; never send the
		// browser to the landing page on a failed save.
		sess.UserInfo = nil
		a.callbackFail(w, r, "persistence", "sign-in could not be completed", err)
		return
	}

	a.Metrics.LoginSucceeded(LoginMethodCognito)
	if !wasAuthenticated {
		a.Metrics.SessionStarted()
	}
	a.Logger.Info("login completed", "sub", info.Subject)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (a *App) callbackFail(w http.ResponseWriter, r *http.Request, reason, message string, err error) {
	if err != nil {
		a.Logger.Error("callback failed", "reason", reason, "error", err)
	} else {
		a.Logger.Warn("callback failed", "reason", reason)
	}
	a.Metrics.CallbackFailed(reason)
	a.Metrics.LoginFailed(LoginMethodCognito)
	a.loginErrorRedirect(w, r, message)
}

// handleLoginSimple is the development-only credential fallback. It follows
// the same session-write/save/redirect discipline as the OIDC path.
func (a *App) handleLoginSimple(w http.ResponseWriter, r *http.Request) {
	if !a.Config.Auth.LocalLogin.Enabled {
		http.NotFound(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		a.loginErrorRedirect(w, r, "invalid_credentials")
		return
	}

	username := r.FormValue("username")
	password := r.FormValue("password")
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.Config.Auth.LocalLogin.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.Config.Auth.LocalLogin.Password)) == 1
	if !userOK || !passOK {
		a.Metrics.LoginFailed(LoginMethodLocal)
		a.loginErrorRedirect(w, r, "invalid_credentials")
		return
	}

	sess, err := a.Sessions.FetchOrCreate(w, r)
	if err != nil {
		a.Logger.Error("session create for local login", "error", err)
		a.loginErrorRedirect(w, r, "sign-in could not be completed")
		return
	}

	wasAuthenticated := sess.Authenticated()
	sess.UserInfo = &UserInfo{
		Subject: localUserSubject,
		Email:   "test@example.com",
		Name:    "Test User",
	}
	sess.State, sess.Nonce, sess.LoginStartedAt = "", "", time.Time{}
	if err := a.Sessions.Save(sess); err != nil {
		a.Logger.Error("persist local login", "error", err)
		a.loginErrorRedirect(w, r, "sign-in could not be completed")
		return
	}

	a.Metrics.LoginSucceeded(LoginMethodLocal)
	if !wasAuthenticated {
		a.Metrics.SessionStarted()
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// handleLogout destroys the session, then sends the browser to the
// provider's logout endpoint when the session held provider tokens so the
// provider-side session is cleared too.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Warn("session fetch on logout", "error", err)
	}
	if sess == nil {
		a.Sessions.Clear(w)
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	hadTokens := sess.AccessToken != ""
	if err := a.Sessions.Destroy(w, sess); err != nil {
		a.Logger.Error("session destroy", "error", err)
		a.loginErrorRedirect(w, r, "sign-out could not be completed")
		return
	}

	if hadTokens {
		if provider, err := a.Provider.Get(); err == nil {
			postLogout := strings.TrimSuffix(a.Config.Server.PublicURL, "/") + "/login"
			if logoutURL := provider.LogoutURL(postLogout); logoutURL != "" {
				http.Redirect(w, r, logoutURL, http.StatusFound)
				return
			}
		}
	}

	http.Redirect(w, r, "/login", http.StatusFound)
}

// handleAuthStatus reports session presence for client-side polling.
func (a *App) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Warn("session fetch for status", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isAuthenticated": sess.Authenticated()})
}

// handleAPIUser returns the session's userinfo, or 401 when anonymous.
func (a *App) handleAPIUser(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Warn("session fetch for user", "error", err)
	}
	if !sess.Authenticated() {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}
	writeJSON(w, http.StatusOK, sess.UserInfo)
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// loginErrorRedirect funnels every authentication failure into a redirect to
// the login page with a short human-readable message.
func (a *App) loginErrorRedirect(w http.ResponseWriter, r *http.Request, message string) {
	v := url.Values{}
	v.Set("error", message)
	http.Redirect(w, r, "/login?"+v.Encode(), http.StatusFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
