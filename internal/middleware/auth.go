package middleware

import (
	"context"
	"net/http"
	"strings"

	"mediakeep/internal/auth"
	"mediakeep/internal/database"
)

// SessionCookie is the browser-facing session cookie name. Native clients
// send the same token as a bearer header instead.
const SessionCookie = "mediakeep_session"

type contextKey int

const (
	userKey contextKey = iota
	tokenKey
)

// UserFrom returns the authenticated user attached by Auth, or nil.
func UserFrom(ctx context.Context) *database.User {
	user, _ := ctx.Value(userKey).(*database.User)
	return user
}

// TokenFrom returns the raw session token for the request, for logout.
func TokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}

// sessionToken pulls the token from the Authorization header or the cookie,
// header winning when both are present.
func sessionToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// Auth resolves the session token, if any, and attaches the user to the
// request context. It never rejects; RequireAuth and RequireAdmin do that,
// so public endpoints can share the chain.
func Auth(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := sessionToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			user, err := svc.Authenticate(r.Context(), token)
			if err != nil {
				// Invalid or expired token: treat as anonymous
				next.ServeHTTP(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), userKey, user)
			ctx = context.WithValue(ctx, tokenKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func denyJSON(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + message + `"}`)) //nolint:errcheck
}

// RequireAuth rejects anonymous requests with 401.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserFrom(r.Context()) == nil {
			denyJSON(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects anonymous requests with 401 and non-admins with 403.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := UserFrom(r.Context())
		if user == nil {
			denyJSON(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !user.IsAdmin() {
			denyJSON(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
