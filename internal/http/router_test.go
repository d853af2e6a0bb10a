package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/potofpie/mailing/internal/domain"
	"github.com/potofpie/mailing/internal/repository"
	"github.com/potofpie/mailing/internal/service/apikey"
	"github.com/potofpie/mailing/internal/service/auth"
	"github.com/potofpie/mailing/internal/session"
	"github.com/potofpie/mailing/pkg/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory stand-in for the Postgres repository with the
// same single-winner gate semantics.
type fakeStore struct {
	mu      sync.Mutex
	claimed bool
	user    *domain.User
	keys    []domain.APIKey
}

func (f *fakeStore) CreateFirstUser(_ context.Context, user *domain.User, key *domain.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed {
		return repository.ErrSignupClosed
	}
	f.claimed = true
	copied := *user
	f.user = &copied
	f.keys = append(f.keys, *key)
	return nil
}

func (f *fakeStore) SignupOpen(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.claimed, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.user == nil || f.user.Email != strings.ToLower(strings.TrimSpace(email)) {
		return nil, repository.ErrNotFound
	}
	copied := *f.user
	return &copied, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.user == nil || f.user.ID != id {
		return nil, repository.ErrNotFound
	}
	copied := *f.user
	return &copied, nil
}

func (f *fakeStore) CreateAPIKey(_ context.Context, key *domain.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, *key)
	return nil
}

func (f *fakeStore) ListAPIKeysByUser(_ context.Context, userID string) ([]domain.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.APIKey
	for _, key := range f.keys {
		if key.UserID == userID {
			out = append(out, key)
		}
	}
	return out, nil
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	cfg := config.APIConfig{
		Environment:   "test",
		BaseURL:       "http://localhost:3883",
		SessionCookie: "mailing_session",
		SessionTTL:    time.Hour,
	}
	store := session.NewMemoryStore()
	t.Cleanup(store.Close)
	sessions := session.NewManager(store, newLogger(), cfg.SessionTTL)
	repo := &fakeStore{}
	keySvc := apikey.New(repo, newLogger())
	authSvc := auth.New(repo, keySvc, sessions, newLogger(), cfg)
	return NewRouter(newLogger(), authSvc, keySvc, cfg, nil)
}

func postJSON(t *testing.T, router *Router, path string, payload any, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, router *Router, path string, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == "mailing_session" && cookie.Value != "" {
			return cookie
		}
	}
	t.Fatalf("expected session cookie in response")
	return nil
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return payload["error"]
}

func TestSignupValidationMessages(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSON(t, router, "/signup", map[string]string{"email": "test", "password": "password"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != "email is invalid" {
		t.Fatalf("unexpected message: %q", msg)
	}

	rec = postJSON(t, router, "/signup", map[string]string{"email": "test@mailing.run", "password": "short"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != "password should be at least 8 characters" {
		t.Fatalf("unexpected message: %q", msg)
	}
}

func TestSignupThenSettingsShowsDefaultKey(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSON(t, router, "/signup", map[string]string{"email": "test@mailing.run", "password": "password"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status: %d body: %s", rec.Code, rec.Body.String())
	}
	cookie := sessionCookie(t, rec)

	settings := get(t, router, "/settings", cookie)
	if settings.Code != http.StatusOK {
		t.Fatalf("settings status: %d", settings.Code)
	}
	var payload struct {
		Email   string `json:"email"`
		APIKeys []struct {
			ID    string `json:"id"`
			Label string `json:"label"`
			Token string `json:"token"`
		} `json:"api_keys"`
	}
	if err := json.Unmarshal(settings.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if payload.Email != "test@mailing.run" {
		t.Fatalf("unexpected email: %q", payload.Email)
	}
	if len(payload.APIKeys) != 1 {
		t.Fatalf("expected the default key only, got %d keys", len(payload.APIKeys))
	}
	if payload.APIKeys[0].Label != "default" {
		t.Fatalf("unexpected default key label: %q", payload.APIKeys[0].Label)
	}
}

func TestCreateKeyPreservesOrdering(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSON(t, router, "/signup", map[string]string{"email": "test@mailing.run", "password": "password"}, nil)
	cookie := sessionCookie(t, rec)

	created := postJSON(t, router, "/api/keys", map[string]string{"label": "ci"}, cookie)
	if created.Code != http.StatusCreated {
		t.Fatalf("create key status: %d", created.Code)
	}

	list := get(t, router, "/api/keys", cookie)
	if list.Code != http.StatusOK {
		t.Fatalf("list status: %d", list.Code)
	}
	var payload struct {
		APIKeys []struct {
			Label string `json:"label"`
		} `json:"api_keys"`
	}
	if err := json.Unmarshal(list.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(payload.APIKeys) != 2 {
		t.Fatalf("expected two keys, got %d", len(payload.APIKeys))
	}
	if payload.APIKeys[0].Label != "default" || payload.APIKeys[1].Label != "ci" {
		t.Fatalf("unexpected ordering: %+v", payload.APIKeys)
	}
}

func TestSignupClosesAfterFirstUser(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSON(t, router, "/signup", map[string]string{"email": "test@mailing.run", "password": "password"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status: %d", rec.Code)
	}

	// direct navigation resolves as nonexistent, with no redirect
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		req := httptest.NewRequest(method, "/signup", strings.NewReader("{}"))
		req.Header.Set("Content-Type", "application/json")
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		if resp.Code != http.StatusNotFound {
			t.Fatalf("%s /signup after close: status %d", method, resp.Code)
		}
		if loc := resp.Header().Get("Location"); loc != "" {
			t.Fatalf("expected no Location header, got %q", loc)
		}
	}
}

func TestLoginErrorMessages(t *testing.T) {
	router := newTestRouter(t)
	_ = postJSON(t, router, "/signup", map[string]string{"email": "test@mailing.run", "password": "password"}, nil)

	rec := postJSON(t, router, "/login", map[string]string{"email": "i@didnsignup.com", "password": "password"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != "No user exists with that email." {
		t.Fatalf("unexpected message: %q", msg)
	}

	rec = postJSON(t, router, "/login", map[string]string{"email": "test@mailing.run", "password": "wrongpassword"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != "invalid password" {
		t.Fatalf("unexpected message: %q", msg)
	}
}

func TestProtectedRouteRedirectsToAbsoluteLoginURL(t *testing.T) {
	router := newTestRouter(t)

	rec := get(t, router, "/settings", nil)
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "http://localhost:3883/login" {
		t.Fatalf("unexpected Location: %q", loc)
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	router := newTestRouter(t)

	rec := postJSON(t, router, "/signup", map[string]string{"email": "test@mailing.run", "password": "password"}, nil)
	cookie := sessionCookie(t, rec)

	logout := get(t, router, "/api/logout", cookie)
	if logout.Code != http.StatusOK {
		t.Fatalf("logout status: %d", logout.Code)
	}

	// the old token must be dead immediately
	settings := get(t, router, "/settings", cookie)
	if settings.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected redirect after logout, got %d", settings.Code)
	}
	if loc := settings.Header().Get("Location"); loc != "http://localhost:3883/login" {
		t.Fatalf("unexpected Location: %q", loc)
	}
}

func TestLogoutWithoutSessionRedirects(t *testing.T) {
	router := newTestRouter(t)
	rec := get(t, router, "/api/logout", nil)
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestFormSignupRedirectsToSettings(t *testing.T) {
	router := newTestRouter(t)

	form := url.Values{}
	form.Set("email", "test@mailing.run")
	form.Set("password", "password")
	req := httptest.NewRequest(http.MethodPost, "/signup", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/settings" {
		t.Fatalf("unexpected Location: %q", loc)
	}
	sessionCookie(t, rec)
}

func TestLoginPageResolves(t *testing.T) {
	router := newTestRouter(t)
	rec := get(t, router, "/login", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t)
	rec := get(t, router, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if payload.Status != "ok" {
		t.Fatalf("unexpected status field: %q", payload.Status)
	}
}

// brokenStore fails every lookup the way an unreachable Redis would.
type brokenStore struct {
	err error
}

func (s brokenStore) Save(context.Context, domain.Session) error { return s.err }
func (s brokenStore) Get(context.Context, string) (*domain.Session, error) {
	return nil, s.err
}
func (s brokenStore) Delete(context.Context, string) (bool, error) { return false, s.err }
func (s brokenStore) Close()                                       {}

func TestSessionStoreOutageIsServerFault(t *testing.T) {
	cfg := config.APIConfig{
		Environment:   "test",
		BaseURL:       "http://localhost:3883",
		SessionCookie: "mailing_session",
		SessionTTL:    time.Hour,
	}
	store := brokenStore{err: errors.New("connection refused")}
	sessions := session.NewManager(store, newLogger(), cfg.SessionTTL)
	repo := &fakeStore{}
	keySvc := apikey.New(repo, newLogger())
	authSvc := auth.New(repo, keySvc, sessions, newLogger(), cfg)
	router := NewRouter(newLogger(), authSvc, keySvc, cfg, nil)

	// a presented token that cannot be checked must not look unauthenticated
	rec := get(t, router, "/settings", &http.Cookie{Name: "mailing_session", Value: "some-token"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on store outage, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "" {
		t.Fatalf("expected no redirect on store outage, got Location %q", loc)
	}

	// an absent token never reaches the store and still redirects
	rec = get(t, router, "/settings", nil)
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected redirect without token, got %d", rec.Code)
	}
}

func TestCreateKeyBodyHandling(t *testing.T) {
	router := newTestRouter(t)
	rec := postJSON(t, router, "/signup", map[string]string{"email": "test@mailing.run", "password": "password"}, nil)
	cookie := sessionCookie(t, rec)

	// empty body: label is optional
	req := httptest.NewRequest(http.MethodPost, "/api/keys", nil)
	req.AddCookie(cookie)
	empty := httptest.NewRecorder()
	router.ServeHTTP(empty, req)
	if empty.Code != http.StatusCreated {
		t.Fatalf("expected key created on empty body, got %d", empty.Code)
	}

	// malformed JSON: rejected, no key created
	req = httptest.NewRequest(http.MethodPost, "/api/keys", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(cookie)
	malformed := httptest.NewRecorder()
	router.ServeHTTP(malformed, req)
	if malformed.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on malformed body, got %d", malformed.Code)
	}

	list := get(t, router, "/api/keys", cookie)
	var payload struct {
		APIKeys []struct {
			Label string `json:"label"`
		} `json:"api_keys"`
	}
	if err := json.Unmarshal(list.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	// default key plus the empty-body one; nothing from the malformed post
	if len(payload.APIKeys) != 2 {
		t.Fatalf("expected two keys, got %d", len(payload.APIKeys))
	}
}

func TestConcurrentSignupSingleWinner(t *testing.T) {
	router := newTestRouter(t)

	const attempts = 8
	results := make(chan int, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body := `{"email":"test@mailing.run","password":"password"}`
			req := httptest.NewRequest(http.MethodPost, "/signup", strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			results <- rec.Code
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for code := range results {
		switch code {
		case http.StatusCreated:
			winners++
		case http.StatusNotFound:
		default:
			t.Fatalf("unexpected status: %d", code)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}
