package bff

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"smartbff/cookieauth"
	"smartbff/discovery"
	"smartbff/lock"
	"smartbff/protect"
	"smartbff/registration"
	"smartbff/ticket"
	"smartbff/upstream"
)

const callbackURL = "https://app.example/smart-bff/callback/login/ehr"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeAS is a minimal SMART authorization server.
type fakeAS struct {
	*httptest.Server
	clock *clock

	mu             sync.Mutex
	tokenLifetime  time.Duration
	issued         int
	tokenRequests  []url.Values
	revocations    []url.Values
	metadata       map[string]any
	refreshError   string
	refreshEntered chan struct{}
	refreshRelease chan struct{}
}

func newFakeAS(t *testing.T, c *clock) *fakeAS {
	t.Helper()
	as := &fakeAS{clock: c, tokenLifetime: 5 * time.Minute}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/smart-configuration", func(w http.ResponseWriter, r *http.Request) {
		as.mu.Lock()
		doc := as.metadata
		as.mu.Unlock()
		if doc == nil {
			doc = map[string]any{
				"issuer":                           as.URL,
				"authorization_endpoint":           as.URL + "/authorize",
				"token_endpoint":                   as.URL + "/token",
				"revocation_endpoint":              as.URL + "/revoke",
				"code_challenge_methods_supported": []string{"S256"},
				"capabilities":                     []string{"launch-ehr", "client-confidential-symmetric"},
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	})
	mux.HandleFunc("/token", as.handleToken)
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		as.mu.Lock()
		as.revocations = append(as.revocations, r.PostForm)
		as.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	as.Server = httptest.NewServer(mux)
	t.Cleanup(as.Close)
	return as
}

func (as *fakeAS) handleToken(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	as.mu.Lock()
	as.tokenRequests = append(as.tokenRequests, r.PostForm)
	refreshErr := as.refreshError
	entered, release := as.refreshEntered, as.refreshRelease
	as.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if r.PostForm.Get("grant_type") == "refresh_token" {
		if entered != nil {
			entered <- struct{}{}
			<-release
		}
		if refreshErr != "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": refreshErr, "error_description": "refresh token revoked"})
			return
		}
	}
	_ = json.NewEncoder(w).Encode(as.issue())
}

func (as *fakeAS) issue() map[string]any {
	as.mu.Lock()
	as.issued++
	n := as.issued
	lifetime := as.tokenLifetime
	as.mu.Unlock()

	now := as.clock.Now()
	access := sign(jwt.MapClaims{
		"sub": "practitioner-1",
		"iat": now.Unix(),
		"exp": now.Add(lifetime).Unix(),
		"jti": fmt.Sprintf("at-%d", n),
	})
	id := sign(jwt.MapClaims{
		"sub":  "practitioner-1",
		"name": "Alice Smith",
		"iat":  now.Unix(),
		"exp":  now.Add(lifetime).Unix(),
	})
	return map[string]any{
		"access_token":  access,
		"refresh_token": fmt.Sprintf("rt-%d", n),
		"id_token":      id,
		"token_type":    "Bearer",
		"expires_in":    int(lifetime.Seconds()),
	}
}

func (as *fakeAS) tokenRequestCount(grant string) int {
	as.mu.Lock()
	defer as.mu.Unlock()
	n := 0
	for _, f := range as.tokenRequests {
		if f.Get("grant_type") == grant {
			n++
		}
	}
	return n
}

func sign(claims jwt.MapClaims) string {
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("fake-as"))
	if err != nil {
		panic(err)
	}
	return raw
}

type harness struct {
	as      *fakeAS
	clock   *clock
	svc     *Service
	handler http.Handler
	store   *ticket.MemoryStore
	gate    *gatedStore
	reg     registration.Registration
}

// gatedStore can hold the next Retrieve after it has read the ticket, so a
// test can let another request finish in between.
type gatedStore struct {
	inner ticket.Store

	mu      sync.Mutex
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) arm() (entered, release chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entered = make(chan struct{})
	g.release = make(chan struct{})
	return g.entered, g.release
}

func (g *gatedStore) Store(ctx context.Context, t *ticket.Ticket) (string, error) {
	return g.inner.Store(ctx, t)
}

func (g *gatedStore) Renew(ctx context.Context, key string, t *ticket.Ticket) error {
	return g.inner.Renew(ctx, key, t)
}

func (g *gatedStore) Remove(ctx context.Context, key string) error {
	return g.inner.Remove(ctx, key)
}

func (g *gatedStore) Retrieve(ctx context.Context, key string) (*ticket.Ticket, error) {
	t, err := g.inner.Retrieve(ctx, key)
	g.mu.Lock()
	entered, release := g.entered, g.release
	g.entered, g.release = nil, nil
	g.mu.Unlock()
	if entered != nil {
		close(entered)
		<-release
	}
	return t, err
}

func newHarness(t *testing.T, serverSide bool, mutate ...func(*registration.Registration)) *harness {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	as := newFakeAS(t, c)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := registration.Default()
	reg.ID = "ehr"
	reg.ClientID = "bff-client"
	reg.ClientSecret = "bff-secret"
	reg.Issuer = as.URL
	reg.Scopes = "openid fhirUser launch offline_access"
	reg.LoginCallbackURL = callbackURL
	reg.Options.RequireHTTPS = false
	for _, m := range mutate {
		m(&reg)
	}
	registry, err := registration.NewRegistry([]registration.Registration{reg})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	disc, err := discovery.NewService(as.Client(), discovery.Options{CacheSize: 100, CacheTTL: time.Hour}, logger, nil)
	if err != nil {
		t.Fatalf("discovery: %v", err)
	}
	t.Cleanup(disc.Close)

	ring, err := protect.NewStaticKeyRing(bytes.Repeat([]byte{42}, 32))
	if err != nil {
		t.Fatalf("key ring: %v", err)
	}

	h := &harness{as: as, clock: c, reg: reg}
	deps := Deps{
		Registry:  registry,
		Discovery: disc,
		Upstream:  upstream.NewClient(as.Client(), logger, nil),
		Keys:      ring,
		Locks:     lock.NewMemoryProvider(),
		Logger:    logger,
	}
	if serverSide {
		h.store = ticket.NewMemoryStore(ring.Protector(ticket.PurposeCacheStore), ticket.Options{Clock: c.Now})
		t.Cleanup(func() { _ = h.store.Close() })
		h.gate = &gatedStore{inner: h.store}
		deps.Store = h.gate
	}
	h.svc = New(Config{Clock: c.Now}, deps)

	r := chi.NewRouter()
	r.Route(h.svc.BasePath(), h.svc.Mount)
	h.handler = r
	return h
}

// browser keeps cookies between requests the way a user agent would.
type browser struct {
	t   *testing.T
	h   http.Handler
	mu  sync.Mutex
	jar map[string]string
}

func (h *harness) browser(t *testing.T) *browser {
	return &browser{t: t, h: h.handler, jar: map[string]string{}}
}

func (b *browser) request(target string, header ...string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	b.mu.Lock()
	for name, value := range b.jar {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	b.mu.Unlock()
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	return req
}

func (b *browser) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	b.h.ServeHTTP(rec, req)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(b.jar, c.Name)
			continue
		}
		b.jar[c.Name] = c.Value
	}
	return rec
}

func (b *browser) get(target string, header ...string) *httptest.ResponseRecorder {
	return b.serve(b.request(target, header...))
}

func (b *browser) has(cookie string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.jar[cookie]
	return ok
}

func (h *harness) launchURL(returnURL string) string {
	q := url.Values{"iss": {h.as.URL}, "launch": {"xyz"}}
	if returnURL != "" {
		q.Set("returnUrl", returnURL)
	}
	return "/smart-bff/launch?" + q.Encode()
}

// login runs launch and callback and returns the authorization request.
func (h *harness) login(t *testing.T, b *browser) url.Values {
	t.Helper()
	rec := b.get(h.launchURL("/app"))
	if rec.Code != http.StatusFound {
		t.Fatalf("launch: expected 302, got %d: %s", rec.Code, rec.Body)
	}
	auth, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	q := auth.Query()

	rec = b.get(callbackURL + "?" + url.Values{"code": {"code-1"}, "state": {q.Get("state")}}.Encode())
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/app" {
		t.Fatalf("callback: expected redirect to /app, got %d %q: %s", rec.Code, rec.Header().Get("Location"), rec.Body)
	}
	return q
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != problemContentType {
		t.Fatalf("expected problem content type, got %q: %s", ct, rec.Body)
	}
	var p map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	return p
}

func decodeSession(t *testing.T, rec *httptest.ResponseRecorder) SessionResponse {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("session: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var s SessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return s
}

func TestLaunchRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, true)
	cases := []struct {
		name   string
		target string
		detail string
	}{
		{"missing issuer", "/smart-bff/launch", "Issuer must be a valid URL."},
		{"relative issuer", "/smart-bff/launch?iss=fhir", "Issuer must be a valid URL."},
		{"unregistered issuer", "/smart-bff/launch?iss=" + url.QueryEscape("https://other.example/fhir"), "Issuer is not registered."},
		{"protocol relative return", "/smart-bff/launch?iss=" + url.QueryEscape(h.as.URL) + "&returnUrl=" + url.QueryEscape("//evil.com"), "Return URL is not valid."},
		{"backslash return", "/smart-bff/launch?iss=" + url.QueryEscape(h.as.URL) + "&returnUrl=" + url.QueryEscape("/\\evil.com"), "Return URL is not valid."},
		{"absolute return", "/smart-bff/launch?iss=" + url.QueryEscape(h.as.URL) + "&returnUrl=" + url.QueryEscape("https://evil.com"), "Return URL is not valid."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := h.browser(t)
			rec := b.get(tc.target)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if p := decodeProblem(t, rec); p["detail"] != tc.detail {
				t.Fatalf("expected %q, got %v", tc.detail, p["detail"])
			}
			if b.has(LoginCookieName) {
				t.Fatalf("no login state should be issued")
			}
		})
	}
}

func TestLaunchRedirectsToAuthorizationServer(t *testing.T) {
	h := newHarness(t, true)
	b := h.browser(t)
	rec := b.get(h.launchURL("/ok"))
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d: %s", rec.Code, rec.Body)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	if got := loc.Scheme + "://" + loc.Host + loc.Path; got != h.as.URL+"/authorize" {
		t.Fatalf("unexpected authorization endpoint %q", got)
	}
	q := loc.Query()
	if q.Get("client_id") != "bff-client" || q.Get("response_type") != "code" || q.Get("redirect_uri") != callbackURL {
		t.Fatalf("unexpected authorization request: %v", q)
	}
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" || len(q.Get("state")) < 22 {
		t.Fatalf("missing PKCE or state: %v", q)
	}
	if q.Get("launch") != "xyz" || q.Get("aud") != h.as.URL {
		t.Fatalf("launch context not passed through: %v", q)
	}
	if !b.has(LoginCookieName) {
		t.Fatalf("login state cookie not set")
	}

	// A second launch issues fresh correlation values.
	again, _ := url.Parse(b.get(h.launchURL("/ok")).Header().Get("Location"))
	if again.Query().Get("state") == q.Get("state") || again.Query().Get("code_challenge") == q.Get("code_challenge") {
		t.Fatalf("state and challenge must be fresh per launch")
	}
}

func TestLaunchRejectsInvalidMetadata(t *testing.T) {
	h := newHarness(t, true)
	h.as.metadata = map[string]any{"issuer": h.as.URL, "token_endpoint": h.as.URL + "/token"}

	rec := h.browser(t).get(h.launchURL("/"))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body)
	}
	p := decodeProblem(t, rec)
	errs, _ := p["validationErrors"].([]any)
	if len(errs) != 1 || errs[0] != "Endpoint 'authorization_endpoint' is not specified but is mandatory." {
		t.Fatalf("unexpected validation errors: %v", p["validationErrors"])
	}
}

func TestLoginFlow(t *testing.T) {
	for _, serverSide := range []bool{true, false} {
		t.Run(fmt.Sprintf("server_side=%v", serverSide), func(t *testing.T) {
			h := newHarness(t, serverSide)
			b := h.browser(t)
			auth := h.login(t, b)

			if b.has(LoginCookieName) {
				t.Fatalf("login state must be consumed by the callback")
			}
			if !b.has(SessionCookieName) {
				t.Fatalf("session cookie not set")
			}
			if serverSide && h.store.Len() != 1 {
				t.Fatalf("expected one stored session, got %d", h.store.Len())
			}

			// The verifier sent to the token endpoint must match the challenge.
			form := h.as.tokenRequests[0]
			sum := sha256.Sum256([]byte(form.Get("code_verifier")))
			if base64.RawURLEncoding.EncodeToString(sum[:]) != auth.Get("code_challenge") {
				t.Fatalf("code verifier does not match the challenge")
			}
			if form.Get("code") != "code-1" || form.Get("redirect_uri") != callbackURL {
				t.Fatalf("unexpected token request: %v", form)
			}

			s := decodeSession(t, b.get("/smart-bff/session", "X-CSRF", "1"))
			if s.Name != "Alice Smith" || s.AccessToken == "" || s.IDToken == nil {
				t.Fatalf("unexpected session: %+v", s)
			}
		})
	}
}

func TestCallbackRejectsStateMismatchAndReplay(t *testing.T) {
	h := newHarness(t, true)
	b := h.browser(t)
	rec := b.get(h.launchURL("/"))
	loc, _ := url.Parse(rec.Header().Get("Location"))
	state := loc.Query().Get("state")

	rec = b.get(callbackURL + "?code=c&state=" + url.QueryEscape(strings.ToUpper(state)+"x"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body)
	}
	if p := decodeProblem(t, rec); p["detail"] != "Invalid state." {
		t.Fatalf("unexpected problem %v", p)
	}
	if b.has(LoginCookieName) {
		t.Fatalf("login state must be invalidated on state mismatch")
	}

	rec = b.get(callbackURL + "?code=c&state=" + url.QueryEscape(state))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("replay: expected 400, got %d", rec.Code)
	}
	if p := decodeProblem(t, rec); p["detail"] != "Invalid login session." {
		t.Fatalf("unexpected problem %v", p)
	}
	if n := h.as.tokenRequestCount("authorization_code"); n != 0 {
		t.Fatalf("no code should have been exchanged, got %d", n)
	}
}

func TestCallbackPassesThroughAuthorizationError(t *testing.T) {
	h := newHarness(t, true)
	b := h.browser(t)
	b.get(h.launchURL("/"))

	rec := b.get(callbackURL + "?error=access_denied&error_description=" + url.QueryEscape("user said no"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	p := decodeProblem(t, rec)
	if p["detail"] != "Authorization request rejected by authorization server." || p["error"] != "access_denied" || p["errorDescription"] != "user said no" {
		t.Fatalf("unexpected problem %v", p)
	}
	if b.has(LoginCookieName) {
		t.Fatalf("login state must be invalidated")
	}
}

type unavailableStore struct {
	inner ticket.Store
}

func (u unavailableStore) Store(ctx context.Context, t *ticket.Ticket) (string, error) {
	return u.inner.Store(ctx, t)
}

func (u unavailableStore) Renew(ctx context.Context, key string, t *ticket.Ticket) error {
	return u.inner.Renew(ctx, key, t)
}

func (unavailableStore) Retrieve(context.Context, string) (*ticket.Ticket, error) {
	return nil, errors.New("store unavailable")
}

func (unavailableStore) Remove(context.Context, string) error {
	return nil
}

func TestCallbackUnreadableLoginStateIsBadRequest(t *testing.T) {
	h := newHarness(t, true)
	b := h.browser(t)
	rec := b.get(h.launchURL("/app"))
	if rec.Code != http.StatusFound {
		t.Fatalf("launch: expected 302, got %d", rec.Code)
	}
	auth, _ := url.Parse(rec.Header().Get("Location"))

	ring, err := protect.NewStaticKeyRing(bytes.Repeat([]byte{42}, 32))
	if err != nil {
		t.Fatalf("key ring: %v", err)
	}
	h.svc.login = cookieauth.New(cookieauth.Options{
		Scheme:     LoginScheme,
		CookieName: LoginCookieName,
		Store:      unavailableStore{},
		Clock:      h.clock.Now,
	}, ring.Protector(purposeLoginCookie), slog.New(slog.DiscardHandler))

	rec = b.get(callbackURL + "?" + url.Values{"code": {"code-1"}, "state": {auth.Query().Get("state")}}.Encode())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body)
	}
	if p := decodeProblem(t, rec); p["detail"] != "Invalid login session." {
		t.Fatalf("unexpected problem %v", p)
	}
	if n := h.as.tokenRequestCount("authorization_code"); n != 0 {
		t.Fatalf("no code exchange expected, got %d", n)
	}
}

func TestCallbackRequiresCodeAndState(t *testing.T) {
	h := newHarness(t, true)
	b := h.browser(t)
	b.get(h.launchURL("/"))

	rec := b.get(callbackURL + "?code=only")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if p := decodeProblem(t, rec); p["detail"] != "Invalid callback parameters." {
		t.Fatalf("unexpected problem %v", p)
	}
	if b.has(LoginCookieName) {
		t.Fatalf("login state must be invalidated")
	}
}

func TestSessionWithoutCookieIsEmpty401(t *testing.T) {
	h := newHarness(t, true)
	rec := h.browser(t).get("/smart-bff/session", "X-CSRF", "1")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty body, got %q", rec.Body)
	}
}

func TestSessionRequiresAntiforgeryHeader(t *testing.T) {
	h := newHarness(t, true)
	b := h.browser(t)
	h.login(t, b)

	for _, header := range [][]string{nil, {"X-CSRF", "0"}} {
		rec := b.get("/smart-bff/session", header...)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
		if p := decodeProblem(t, rec); p["detail"] != "CSRF protection failure." {
			t.Fatalf("unexpected problem %v", p)
		}
	}
}

func TestSessionRefreshesNearExpiry(t *testing.T) {
	for _, serverSide := range []bool{true, false} {
		t.Run(fmt.Sprintf("server_side=%v", serverSide), func(t *testing.T) {
			h := newHarness(t, serverSide)
			b := h.browser(t)
			h.login(t, b)
			first := decodeSession(t, b.get("/smart-bff/session", "X-CSRF", "1"))

			// 3 of 5 minutes: below the 80% threshold.
			h.clock.Advance(3 * time.Minute)
			same := decodeSession(t, b.get("/smart-bff/session", "X-CSRF", "1"))
			if same.AccessToken != first.AccessToken {
				t.Fatalf("token refreshed too early")
			}

			h.clock.Advance(90 * time.Second)
			refreshed := decodeSession(t, b.get("/smart-bff/session", "X-CSRF", "1"))
			if refreshed.AccessToken == first.AccessToken {
				t.Fatalf("expected a new access token")
			}
			if refreshed.Name != "Alice Smith" {
				t.Fatalf("name lost on refresh: %q", refreshed.Name)
			}
			if n := h.as.tokenRequestCount("refresh_token"); n != 1 {
				t.Fatalf("expected one refresh, got %d", n)
			}
			if got := h.as.tokenRequests[1].Get("refresh_token"); got != "rt-1" {
				t.Fatalf("refresh used %q", got)
			}

			// The rotated refresh token is used next time.
			h.clock.Advance(5 * time.Minute)
			decodeSession(t, b.get("/smart-bff/session", "X-CSRF", "1"))
			if got := h.as.tokenRequests[2].Get("refresh_token"); got != "rt-2" {
				t.Fatalf("expected rotated refresh token rt-2, got %q", got)
			}
			if serverSide && h.store.Len() != 1 {
				t.Fatalf("refresh must renew the existing session, store has %d", h.store.Len())
			}
		})
	}
}

func TestConcurrentRefreshConflict(t *testing.T) {
	for _, serverSide := range []bool{true, false} {
		t.Run(fmt.Sprintf("server_side=%v", serverSide), func(t *testing.T) {
			h := newHarness(t, serverSide)
			h.as.tokenLifetime = 45 * time.Minute
			b := h.browser(t)
			h.login(t, b)
			before := decodeSession(t, b.get("/smart-bff/session", "X-CSRF", "1"))

			h.as.mu.Lock()
			h.as.refreshEntered = make(chan struct{})
			h.as.refreshRelease = make(chan struct{})
			h.as.mu.Unlock()
			// Past the refresh threshold and past half the sliding window.
			h.clock.Advance(40 * time.Minute)

			first := b.request("/smart-bff/session", "X-CSRF", "1")
			second := b.request("/smart-bff/session", "X-CSRF", "1")

			done := make(chan *httptest.ResponseRecorder)
			go func() {
				rec := httptest.NewRecorder()
				h.handler.ServeHTTP(rec, first)
				done <- rec
			}()
			<-h.as.refreshEntered

			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, second)
			if rec.Code != http.StatusTooManyRequests {
				t.Fatalf("expected 429, got %d: %s", rec.Code, rec.Body)
			}
			if p := decodeProblem(t, rec); p["detail"] != "Session refresh conflict." {
				t.Fatalf("unexpected problem %v", p)
			}
			if len(rec.Result().Cookies()) != 0 {
				t.Fatalf("the losing request must not touch the session cookie")
			}

			close(h.as.refreshRelease)
			winner := decodeSession(t, <-done)
			if winner.AccessToken == before.AccessToken {
				t.Fatalf("winner should carry the refreshed token")
			}
			if n := h.as.tokenRequestCount("refresh_token"); n != 1 {
				t.Fatalf("expected exactly one refresh, got %d", n)
			}
		})
	}
}

func TestRefreshAfterConcurrentRefreshReusesStoredTokens(t *testing.T) {
	h := newHarness(t, true)
	b := h.browser(t)
	h.login(t, b)
	h.clock.Advance(290 * time.Second)

	// Both requests read the session before either refreshes.
	stale := b.request("/smart-bff/session", "X-CSRF", "1")
	fresh := decodeSession(t, b.get("/smart-bff/session", "X-CSRF", "1"))

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, stale)
	late := decodeSession(t, rec)
	if late.AccessToken != fresh.AccessToken {
		t.Fatalf("late request should see the already refreshed token")
	}
	if n := h.as.tokenRequestCount("refresh_token"); n != 1 {
		t.Fatalf("expected a single refresh, got %d", n)
	}
}

func TestStaleSessionReadDoesNotUndoRefresh(t *testing.T) {
	h := newHarness(t, true)
	h.as.tokenLifetime = 45 * time.Minute
	b := h.browser(t)
	h.login(t, b)
	h.clock.Advance(40 * time.Minute)

	entered, release := h.gate.arm()
	stale := b.request("/smart-bff/session", "X-CSRF", "1")
	done := make(chan *httptest.ResponseRecorder)
	go func() {
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, stale)
		done <- rec
	}()
	<-entered

	fresh := decodeSession(t, b.get("/smart-bff/session", "X-CSRF", "1"))
	close(release)
	late := decodeSession(t, <-done)

	if late.AccessToken != fresh.AccessToken {
		t.Fatalf("stale request should return the refreshed token")
	}
	if n := h.as.tokenRequestCount("refresh_token"); n != 1 {
		t.Fatalf("expected a single refresh, got %d", n)
	}

	// The stored session must still hold the rotated refresh token.
	h.clock.Advance(40 * time.Minute)
	decodeSession(t, b.get("/smart-bff/session", "X-CSRF", "1"))
	h.as.mu.Lock()
	last := h.as.tokenRequests[len(h.as.tokenRequests)-1]
	h.as.mu.Unlock()
	if got := last.Get("refresh_token"); got != "rt-2" {
		t.Fatalf("second refresh used %q, want rt-2", got)
	}
}

func TestRefreshFailureSignsOut(t *testing.T) {
	h := newHarness(t, true)
	b := h.browser(t)
	h.login(t, b)
	h.as.refreshError = "invalid_grant"
	h.clock.Advance(5 * time.Minute)

	rec := b.get("/smart-bff/session", "X-CSRF", "1")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body)
	}
	p := decodeProblem(t, rec)
	if p["detail"] != "Token request rejected by authorization server." || p["error"] != "invalid_grant" || p["errorType"] != "Protocol" {
		t.Fatalf("unexpected problem %v", p)
	}
	if b.has(SessionCookieName) || h.store.Len() != 0 {
		t.Fatalf("session must be signed out after a failed refresh")
	}
}

func TestSessionMaxDurationIsAbsolute(t *testing.T) {
	h := newHarness(t, true)
	h.as.tokenLifetime = 10 * time.Hour
	b := h.browser(t)
	h.login(t, b)

	// Continuous activity keeps sliding the cookie, but only up to 2h.
	for range 2 {
		h.clock.Advance(40 * time.Minute)
		decodeSession(t, b.get("/smart-bff/session", "X-CSRF", "1"))
	}
	h.clock.Advance(40 * time.Minute)
	rec := b.get("/smart-bff/session", "X-CSRF", "1")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 past the max duration, got %d", rec.Code)
	}
	if h.store.Len() != 0 {
		t.Fatalf("expired session must be removed from the store")
	}
}

func TestLogoutRevokesAndSignsOut(t *testing.T) {
	h := newHarness(t, true)
	b := h.browser(t)
	h.login(t, b)

	rec := b.get("/smart-bff/logout?returnUrl=" + url.QueryEscape("/bye"))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/bye" {
		t.Fatalf("expected redirect to /bye, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
	if b.has(SessionCookieName) || h.store.Len() != 0 {
		t.Fatalf("session must be removed")
	}
	h.as.mu.Lock()
	hints := map[string]string{}
	for _, f := range h.as.revocations {
		hints[f.Get("token_type_hint")] = f.Get("token")
	}
	h.as.mu.Unlock()
	if hints["refresh_token"] != "rt-1" || hints["access_token"] == "" {
		t.Fatalf("expected access and refresh token revocation, got %v", hints)
	}

	if rec := b.get("/smart-bff/session", "X-CSRF", "1"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rec.Code)
	}
}

func TestLogoutSkipsRevocationWhenDisabled(t *testing.T) {
	h := newHarness(t, true, func(r *registration.Registration) { r.Options.RevokeOnLogout = false })
	b := h.browser(t)
	h.login(t, b)

	if rec := b.get("/smart-bff/logout"); rec.Code != http.StatusFound || rec.Header().Get("Location") != "/" {
		t.Fatalf("unexpected logout response %d", rec.Code)
	}
	if len(h.as.revocations) != 0 {
		t.Fatalf("no revocation expected")
	}
	if b.has(SessionCookieName) {
		t.Fatalf("session must be removed")
	}
}

func TestLogoutWithoutSessionIsIdempotent(t *testing.T) {
	h := newHarness(t, true)
	rec := h.browser(t).get("/smart-bff/logout?returnUrl=%2Fhome")
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/home" {
		t.Fatalf("expected redirect to /home, got %d %q", rec.Code, rec.Header().Get("Location"))
	}

	rec = h.browser(t).get("/smart-bff/logout?returnUrl=" + url.QueryEscape("//evil.com"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsafe return url, got %d", rec.Code)
	}
}

func TestRequireSession(t *testing.T) {
	h := newHarness(t, true)
	api := h.svc.RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := SessionFromContext(r.Context())
		if !ok {
			t.Errorf("principal missing")
		}
		_, _ = io.WriteString(w, p.Subject+"|"+p.RegistrationID)
	}))
	r := chi.NewRouter()
	r.Route(h.svc.BasePath(), h.svc.Mount)
	r.With(h.svc.RequireAntiforgery).Handle("/api/patients", api)
	h.handler = r

	b := h.browser(t)
	if rec := b.get("/api/patients", "X-CSRF", "1"); rec.Code != http.StatusUnauthorized || rec.Body.Len() != 0 {
		t.Fatalf("expected empty 401, got %d %q", rec.Code, rec.Body)
	}
	h.login(t, b)
	if rec := b.get("/api/patients"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected csrf failure, got %d", rec.Code)
	}
	rec := b.get("/api/patients", "X-CSRF", "1")
	if rec.Code != http.StatusOK || rec.Body.String() != "Alice Smith|ehr" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body)
	}
}

func TestSmartConfigurationEndpoint(t *testing.T) {
	h := newHarness(t, true)
	b := h.browser(t)

	rec := b.get("/smart-bff/registrations/ehr/smart-configuration", "X-CSRF", "1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var doc discovery.Document
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.AuthorizationEndpoint != h.as.URL+"/authorize" {
		t.Fatalf("unexpected document %+v", doc)
	}

	if rec := b.get("/smart-bff/registrations/nope/smart-configuration", "X-CSRF", "1"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := b.get("/smart-bff/registrations/ehr/smart-configuration"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected csrf failure, got %d", rec.Code)
	}
}

func TestProblemJSONFlattensExtensions(t *testing.T) {
	p := invalidMetadata([]string{"a"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	writeProblem(rec, req.WithContext(context.Background()), p)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"].(float64) != 422 || body["title"] != "Unprocessable Entity" || body["validationErrors"] == nil {
		t.Fatalf("unexpected body %v", body)
	}
	if p.Extensions["traceId"] != nil {
		t.Fatalf("writing must not mutate the problem")
	}
}
