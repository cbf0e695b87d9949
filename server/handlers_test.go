package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

// stubProvider implements IdentityProvider for handler tests. AuthCodeURL
// issues a code bound to the nonce; Exchange redeems it once.
type stubProvider struct {
	mu          sync.Mutex
	issued      map[string]string
	nextCode    int
	exchangeErr error
	userinfoErr error
	user        UserInfo
	logoutURL   string
}

func newStubProvider() *stubProvider {
	return &stubProvider{
		issued: make(map[string]string),
		user: UserInfo{
			Subject: "user-123",
			Email:   "user@example.com",
			Name:    "Test User",
		},
	}
}

func (s *stubProvider) AuthCodeURL(state, nonce string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCode++
	code := fmt.Sprintf("code-%d", s.nextCode)
	s.issued[code] = nonce
	v := url.Values{}
	v.Set("state", state)
	v.Set("code", code)
	return "https://idp.test/authorize?" + v.Encode()
}

func (s *stubProvider) Exchange(_ context.Context, code, expectedNonce string) (TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exchangeErr != nil {
		return TokenSet{}, s.exchangeErr
	}
	nonce, ok := s.issued[code]
	if !ok {
		return TokenSet{}, fmt.Errorf("unknown code %s", code)
	}
	delete(s.issued, code)
	if expectedNonce != "" && nonce != expectedNonce {
		return TokenSet{}, fmt.Errorf("nonce mismatch")
	}
	return TokenSet{AccessToken: "access-abc", RefreshToken: "refresh-abc", IDToken: "idtoken-abc"}, nil
}

func (s *stubProvider) FetchUserInfo(_ context.Context, accessToken string) (UserInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userinfoErr != nil {
		return UserInfo{}, s.userinfoErr
	}
	if accessToken != "access-abc" {
		return UserInfo{}, fmt.Errorf("unexpected access token %q", accessToken)
	}
	return s.user, nil
}

func (s *stubProvider) LogoutURL(postLogoutRedirect string) string {
	if s.logoutURL == "" {
		return ""
	}
	v := url.Values{}
	v.Set("client_id", "client-abc")
	v.Set("logout_uri", postLogoutRedirect)
	return s.logoutURL + "?" + v.Encode()
}

type testSetup struct {
	t      *testing.T
	app    *App
	stub   *stubProvider
	srv    *httptest.Server
	client *http.Client
}

func newTestSetup(t *testing.T, modify func(*Config)) *testSetup {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Auth.LocalLogin.Enabled = true
	if modify != nil {
		modify(&cfg)
	}

	stub := newStubProvider()
	store := NewMemoryStore()
	metrics := NewMetrics()
	logger := testLogger()

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Sessions: NewSessionManager(cfg, store, metrics, logger),
		Provider: ReadyProviderHandle(stub),
		Verifier: NewTokenVerifier(cfg, logger),
		Metrics:  metrics,
	}

	srv := httptest.NewServer(app.Router())
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &testSetup{t: t, app: app, stub: stub, srv: srv, client: client}
}

func (s *testSetup) get(path string) *http.Response {
	s.t.Helper()
	resp, err := s.client.Get(s.srv.URL + path)
	if err != nil {
		s.t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (s *testSetup) postForm(path string, form url.Values) *http.Response {
	s.t.Helper()
	resp, err := s.client.PostForm(s.srv.URL+path, form)
	if err != nil {
		s.t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

// beginLogin runs /login-cognito and returns the state and code from the
// provider redirect.
func (s *testSetup) beginLogin() (state, code string) {
	s.t.Helper()
	resp := s.get("/login-cognito")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		s.t.Fatalf("expected redirect from /login-cognito, got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		s.t.Fatalf("parse redirect: %v", err)
	}
	if loc.Host != "idp.test" {
		s.t.Fatalf("expected provider redirect, got %s", loc)
	}
	return loc.Query().Get("state"), loc.Query().Get("code")
}

func (s *testSetup) authenticated() bool {
	s.t.Helper()
	resp := s.get("/api/auth/status")
	defer resp.Body.Close()
	var body struct {
		IsAuthenticated bool `json:"isAuthenticated"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		s.t.Fatalf("decode status: %v", err)
	}
	return body.IsAuthenticated
}

func loginRedirectError(t *testing.T, resp *http.Response) string {
	t.Helper()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect, got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if loc.Path != "/login" {
		t.Fatalf("expected redirect to /login, got %s", loc)
	}
	return loc.Query().Get("error")
}

func TestLoginCallbackFlow(t *testing.T) {
	s := newTestSetup(t, nil)

	if s.authenticated() {
		t.Fatal("expected anonymous before login")
	}

	state, code := s.beginLogin()
	if state == "" || code == "" {
		t.Fatal("expected state and code in provider redirect")
	}

	resp := s.get("/callback?state=" + url.QueryEscape(state) + "&code=" + url.QueryEscape(code))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect after callback, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/" {
		t.Fatalf("expected redirect to landing page, got %s", loc)
	}

	if !s.authenticated() {
		t.Fatal("expected authenticated after callback")
	}

	userResp := s.get("/api/user")
	defer userResp.Body.Close()
	if userResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /api/user, got %d", userResp.StatusCode)
	}
	var info UserInfo
	if err := json.NewDecoder(userResp.Body).Decode(&info); err != nil {
		t.Fatalf("decode userinfo: %v", err)
	}
	if info.Subject != "user-123" || info.Email != "user@example.com" {
		t.Errorf("unexpected userinfo: %+v", info)
	}
}

func TestCallbackStateMismatch(t *testing.T) {
	s := newTestSetup(t, nil)

	_, code := s.beginLogin()

	resp := s.get("/callback?state=forged&code=" + url.QueryEscape(code))
	defer resp.Body.Close()
	if msg := loginRedirectError(t, resp); msg == "" {
		t.Error("expected error message in redirect")
	}
	if s.authenticated() {
		t.Error("expected session to stay anonymous")
	}
}

func TestCallbackReplayRejected(t *testing.T) {
	s := newTestSetup(t, nil)

	state, code := s.beginLogin()
	callbackPath := "/callback?state=" + url.QueryEscape(state) + "&code=" + url.QueryEscape(code)

	first := s.get(callbackPath)
	first.Body.Close()
	if !s.authenticated() {
		t.Fatal("expected first callback to authenticate")
	}

	// Correlation pair was consumed; the replay must not pass the checks.
	replay := s.get(callbackPath)
	defer replay.Body.Close()
	if msg := loginRedirectError(t, replay); msg == "" {
		t.Error("expected error message on replay")
	}
}

func TestCallbackProviderError(t *testing.T) {
	s := newTestSetup(t, nil)

	s.beginLogin()

	resp := s.get("/callback?error=access_denied&error_description=user+cancelled")
	defer resp.Body.Close()
	msg := loginRedirectError(t, resp)
	if msg == "" {
		t.Fatal("expected error message in redirect")
	}
	// Raw provider detail must not leak into the browser-visible message.
	if strings.Contains(msg, "access_denied") || strings.Contains(msg, "user cancelled") {
		t.Errorf("provider detail leaked: %q", msg)
	}
	if s.authenticated() {
		t.Error("expected session to stay anonymous")
	}
}

func TestCallbackWithoutSession(t *testing.T) {
	s := newTestSetup(t, nil)

	resp := s.get("/callback?state=whatever&code=whatever")
	defer resp.Body.Close()
	if msg := loginRedirectError(t, resp); msg == "" {
		t.Error("expected error message in redirect")
	}
}

func TestCallbackExchangeFailure(t *testing.T) {
	s := newTestSetup(t, nil)
	s.stub.exchangeErr = fmt.Errorf("provider unavailable")

	state, code := s.beginLogin()
	resp := s.get("/callback?state=" + url.QueryEscape(state) + "&code=" + url.QueryEscape(code))
	defer resp.Body.Close()
	if msg := loginRedirectError(t, resp); msg == "" {
		t.Error("expected error message in redirect")
	}
	if s.authenticated() {
		t.Error("expected no authentication on exchange failure")
	}
}

func TestCallbackUserInfoFailure(t *testing.T) {
	s := newTestSetup(t, nil)
	s.stub.userinfoErr = fmt.Errorf("userinfo unavailable")

	state, code := s.beginLogin()
	resp := s.get("/callback?state=" + url.QueryEscape(state) + "&code=" + url.QueryEscape(code))
	defer resp.Body.Close()
	if msg := loginRedirectError(t, resp); msg == "" {
		t.Error("expected error message in redirect")
	}
	if s.authenticated() {
		t.Error("expected no authentication on userinfo failure")
	}
}

func TestLoginCognitoProviderNotReady(t *testing.T) {
	s := newTestSetup(t, nil)
	s.app.Provider = NewProviderHandle()

	resp := s.get("/login-cognito")
	defer resp.Body.Close()
	if msg := loginRedirectError(t, resp); msg == "" {
		t.Error("expected error message when provider is not ready")
	}
}

func TestLocalLogin(t *testing.T) {
	s := newTestSetup(t, nil)

	resp := s.postForm("/login-simple", url.Values{
		"username": {"admin"},
		"password": {"password"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/" {
		t.Fatalf("expected redirect to landing page, got %d %s", resp.StatusCode, resp.Header.Get("Location"))
	}

	userResp := s.get("/api/user")
	defer userResp.Body.Close()
	var info UserInfo
	if err := json.NewDecoder(userResp.Body).Decode(&info); err != nil {
		t.Fatalf("decode userinfo: %v", err)
	}
	if info.Subject != "test-user" {
		t.Errorf("expected test-user subject, got %q", info.Subject)
	}
}

func TestLocalLoginBadCredentials(t *testing.T) {
	s := newTestSetup(t, nil)

	resp := s.postForm("/login-simple", url.Values{
		"username": {"admin"},
		"password": {"letmein"},
	})
	defer resp.Body.Close()
	if msg := loginRedirectError(t, resp); msg != "invalid_credentials" {
		t.Errorf("expected invalid_credentials, got %q", msg)
	}
	if s.authenticated() {
		t.Error("expected session to stay anonymous")
	}
}

func TestLocalLoginDisabled(t *testing.T) {
	s := newTestSetup(t, func(cfg *Config) {
		cfg.Auth.LocalLogin.Enabled = false
	})

	resp := s.postForm("/login-simple", url.Values{
		"username": {"admin"},
		"password": {"password"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 when local login is disabled, got %d", resp.StatusCode)
	}
}

func TestLogoutWithProviderTokens(t *testing.T) {
	s := newTestSetup(t, nil)
	s.stub.logoutURL = "https://example.auth.us-east-1.amazoncognito.com/logout"

	state, code := s.beginLogin()
	s.get("/callback?state=" + url.QueryEscape(state) + "&code=" + url.QueryEscape(code)).Body.Close()
	if !s.authenticated() {
		t.Fatal("login did not complete")
	}

	resp := s.get("/logout")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect, got %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if loc.Host != "example.auth.us-east-1.amazoncognito.com" {
		t.Fatalf("expected provider logout redirect, got %s", loc)
	}
	if got := loc.Query().Get("logout_uri"); !strings.HasSuffix(got, "/login") {
		t.Errorf("expected logout_uri ending in /login, got %q", got)
	}

	if s.authenticated() {
		t.Error("expected session destroyed after logout")
	}
}

func TestLogoutLocalSession(t *testing.T) {
	s := newTestSetup(t, nil)
	s.stub.logoutURL = "https://example.auth.us-east-1.amazoncognito.com/logout"

	s.postForm("/login-simple", url.Values{
		"username": {"admin"},
		"password": {"password"},
	}).Body.Close()

	// Local sessions hold no provider tokens, so logout stays on-site.
	resp := s.get("/logout")
	defer resp.Body.Close()
	if loc := resp.Header.Get("Location"); loc != "/login" {
		t.Errorf("expected redirect to /login, got %s", loc)
	}
}

func TestLogoutWithoutSession(t *testing.T) {
	s := newTestSetup(t, nil)

	resp := s.get("/logout")
	defer resp.Body.Close()
	if loc := resp.Header.Get("Location"); loc != "/login" {
		t.Errorf("expected redirect to /login, got %s", loc)
	}
}

func TestAPIUserUnauthorized(t *testing.T) {
	s := newTestSetup(t, nil)

	resp := s.get("/api/user")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "Unauthorized" {
		t.Errorf(`expected {"error":"Unauthorized"}, got %v`, body)
	}
}

func TestIndexRequiresSession(t *testing.T) {
	s := newTestSetup(t, nil)

	resp := s.get("/")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect for anonymous visitor, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/login" {
		t.Errorf("expected redirect to /login, got %s", loc)
	}
}

func TestIndexRendersLanding(t *testing.T) {
	s := newTestSetup(t, nil)

	s.postForm("/login-simple", url.Values{
		"username": {"admin"},
		"password": {"password"},
	}).Body.Close()

	resp := s.get("/")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(buf.String(), "Test User") {
		t.Error("expected landing page to show the user's name")
	}
}

func TestLoginPageShowsError(t *testing.T) {
	s := newTestSetup(t, nil)

	resp := s.get("/login?error=something+went+wrong")
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(buf.String(), "something went wrong") {
		t.Error("expected error message on login page")
	}
}

func TestHealthz(t *testing.T) {
	s := newTestSetup(t, nil)

	resp := s.get("/healthz")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestSetup(t, nil)

	s.postForm("/login-simple", url.Values{
		"username": {"admin"},
		"password": {"password"},
	}).Body.Close()

	resp := s.get("/metrics")
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(buf.String(), "dashgw_logins_total") {
		t.Error("expected dashgw_logins_total in metrics output")
	}
}

func TestSessionsActiveGaugeCountsSessionsNotLogins(t *testing.T) {
	s := newTestSetup(t, nil)

	creds := url.Values{
		"username": {"admin"},
		"password": {"password"},
	}
	// Logging in twice on the same session must count one active session.
	s.postForm("/login-simple", creds).Body.Close()
	s.postForm("/login-simple", creds).Body.Close()

	resp := s.get("/metrics")
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	resp.Body.Close()
	if !strings.Contains(buf.String(), "dashgw_sessions_active 1") {
		t.Error("expected dashgw_sessions_active to stay at 1 after repeated logins")
	}

	s.get("/logout").Body.Close()

	resp = s.get("/metrics")
	defer resp.Body.Close()
	buf.Reset()
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(buf.String(), "dashgw_sessions_active 0") {
		t.Error("expected dashgw_sessions_active back to 0 after logout")
	}
}
