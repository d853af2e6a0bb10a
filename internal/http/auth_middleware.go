package httpx

import (
	"context"
	"errors"
	"net/http"

	"github.com/potofpie/mailing/internal/domain"
	"github.com/potofpie/mailing/internal/session"
)

type authContextKey string

const contextKeyUser authContextKey = "mailing-auth-user"

type contextSetter interface {
	SetContext(context.Context)
}

// requireSession guards protected resources. A request without a valid
// session gets 307 with Location set to the absolute login URL, whether or
// not the client follows redirects; it never sees a 401 or 403. Valid
// sessions get the resolved user attached to the request context.
func (r *Router) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token := r.sessionToken(req)
		user, err := r.auth.Authenticate(req.Context(), token)
		if err != nil {
			// only a proven-invalid session earns the login redirect; a
			// session store outage is a server fault, not an auth outcome
			if !errors.Is(err, session.ErrUnauthenticated) {
				r.logger.Error("session lookup failed", "error", err, "path", req.URL.Path)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			r.logger.Warn("session validation failed", "error", err, "path", req.URL.Path)
			r.recordAuthRedirect(req.URL.Path)
			r.redirectToLogin(w, req)
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyUser, user)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// sessionToken extracts the session cookie value, empty when absent.
func (r *Router) sessionToken(req *http.Request) string {
	cookie, err := req.Cookie(r.cfg.SessionCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (r *Router) redirectToLogin(w http.ResponseWriter, req *http.Request) {
	http.Redirect(w, req, r.loginURL, http.StatusTemporaryRedirect)
}

// userFromContext extracts the authenticated user from context.
func userFromContext(ctx context.Context) (*domain.User, bool) {
	value := ctx.Value(contextKeyUser)
	if value == nil {
		return nil, false
	}
	user, ok := value.(*domain.User)
	return user, ok
}
