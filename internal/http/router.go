package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/potofpie/mailing/internal/domain"
	"github.com/potofpie/mailing/internal/service/apikey"
	"github.com/potofpie/mailing/internal/service/auth"
	"github.com/potofpie/mailing/pkg/config"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     auth.Service
	keys     *apikey.Service
	cfg      config.APIConfig
	loginURL string
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	authRedirects      *prometheus.CounterVec
}

const healthCheckTimeout = 2 * time.Second

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, keySvc *apikey.Service, cfg config.APIConfig, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		auth:     authSvc,
		keys:     keySvc,
		cfg:      cfg,
		loginURL: strings.TrimRight(cfg.BaseURL, "/") + "/login",
		dbHealth: dbHealth,
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.observe("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/signup", r.observe("/signup", r.handleSignup))
	r.mux.HandleFunc("/login", r.observe("/login", r.handleLogin))
	r.mux.HandleFunc("/api/logout", r.observe("/api/logout", r.requireSession(r.handleLogout)))
	r.mux.HandleFunc("/settings", r.observe("/settings", r.requireSession(r.handleSettings)))
	r.mux.HandleFunc("/api/keys", r.observe("/api/keys", r.requireSession(r.handleAPIKeys)))
}

type credentials struct {
	Email    string
	Password string
	form     bool
}

// decodeCredentials accepts either a JSON body or a classic form post, so
// both the fetch-driven UI and a plain HTML form land in the same handler.
func decodeCredentials(req *http.Request) (credentials, bool) {
	ct, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	switch ct {
	case "application/x-www-form-urlencoded":
		if err := req.ParseForm(); err != nil {
			return credentials{}, false
		}
		return credentials{
			Email:    req.PostFormValue("email"),
			Password: req.PostFormValue("password"),
			form:     true,
		}, true
	default:
		var payload struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			return credentials{}, false
		}
		return credentials{Email: payload.Email, Password: payload.Password}, true
	}
}

// handleSignup is the one-shot account creation endpoint. Once the account
// exists the route resolves as nonexistent: a plain 404 with no Location
// header, indistinguishable from a route that was never registered.
func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	open, err := r.auth.SignupOpen(req.Context())
	if err != nil {
		r.logger.Error("signup gate probe failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !open {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"signup": "open"})
	case http.MethodPost:
		creds, ok := decodeCredentials(req)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		user, token, err := r.auth.Signup(req.Context(), creds.Email, creds.Password)
		if err != nil {
			r.writeSignupError(w, err)
			return
		}
		r.setSessionCookie(w, token)
		if creds.form {
			http.Redirect(w, req, "/settings", http.StatusSeeOther)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"user": map[string]any{
				"id":    user.ID,
				"email": user.Email,
			},
			"redirect": "/settings",
		})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) writeSignupError(w http.ResponseWriter, err error) {
	var vErr *auth.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, vErr.Message)
	case errors.Is(err, auth.ErrSignupClosed):
		// lost the race; same 404 as a closed gate
		r.notFound(w)
	default:
		r.logger.Error("signup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		// the login entry point must resolve; redirect targets land here
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case http.MethodPost:
		creds, ok := decodeCredentials(req)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		user, token, err := r.auth.Login(req.Context(), creds.Email, creds.Password)
		if err != nil {
			r.writeLoginError(w, err)
			return
		}
		r.setSessionCookie(w, token)
		if creds.form {
			http.Redirect(w, req, "/settings", http.StatusSeeOther)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user": map[string]any{
				"id":    user.ID,
				"email": user.Email,
			},
			"redirect": "/settings",
		})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) writeLoginError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrNoSuchUser):
		writeError(w, http.StatusUnauthorized, "No user exists with that email.")
	case errors.Is(err, auth.ErrInvalidPassword):
		writeError(w, http.StatusUnauthorized, "invalid password")
	default:
		r.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (r *Router) handleLogout(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	token := r.sessionToken(req)
	if err := r.auth.Logout(req.Context(), token); err != nil {
		// guard already validated the token; losing it between the two
		// calls still leaves the client logged out
		r.logger.Warn("logout invalidation failed", "error", err)
	}
	r.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleSettings(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	user, ok := userFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for settings", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	keys, err := r.keys.ListByUser(req.Context(), user)
	if err != nil {
		r.logger.Error("list api keys failed", "error", err, "user_id", user.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"email":      user.Email,
		"created_at": user.CreatedAt.UTC().Format(time.RFC3339Nano),
		"api_keys":   marshalAPIKeys(keys),
	})
}

func (r *Router) handleAPIKeys(w http.ResponseWriter, req *http.Request) {
	user, ok := userFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for api keys", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodGet:
		keys, err := r.keys.ListByUser(req.Context(), user)
		if err != nil {
			r.logger.Error("list api keys failed", "error", err, "user_id", user.ID)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"api_keys": marshalAPIKeys(keys)})
	case http.MethodPost:
		var payload struct {
			Label string `json:"label"`
		}
		// an empty body is fine (label is optional); broken JSON is not
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		key, err := r.keys.Create(req.Context(), user, payload.Label)
		if err != nil {
			r.logger.Error("create api key failed", "error", err, "user_id", user.ID)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusCreated, marshalAPIKey(*key))
	default:
		r.methodNotAllowed(w)
	}
}

func marshalAPIKeys(keys []domain.APIKey) []map[string]any {
	out := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		out = append(out, marshalAPIKey(key))
	}
	return out
}

func marshalAPIKey(key domain.APIKey) map[string]any {
	return map[string]any{
		"id":         key.ID,
		"label":      key.Label,
		"token":      key.Token,
		"created_at": key.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     r.cfg.SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(r.cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   r.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (r *Router) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     r.cfg.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// observe wraps a handler with request logging and metrics.
func (r *Router) observe(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if user, ok := userFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", user.ID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
