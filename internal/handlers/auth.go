package handlers

import (
	"errors"
	"net/http"
	"time"

	"mediakeep/internal/auth"
	"mediakeep/internal/database"
	"mediakeep/internal/logging"
	"mediakeep/internal/metrics"
	"mediakeep/internal/middleware"
)

// AuthResponse is returned on every successful credential exchange. The
// token also rides a cookie for browsers; native clients read it from here.
type AuthResponse struct {
	Token     string         `json:"token"`
	User      *database.User `json:"user"`
	DeviceID  string         `json:"deviceId"`
	ExpiresAt string         `json:"expiresAt"`
}

func authResponse(user *database.User, session *database.Session) AuthResponse {
	return AuthResponse{
		Token:     session.Token,
		User:      user,
		DeviceID:  session.DeviceID,
		ExpiresAt: session.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func setSessionCookie(w http.ResponseWriter, session *database.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    session.Token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

// SetupState tells a fresh client whether first-boot setup is pending,
// armed, or finished.
func (h *Handlers) SetupState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"state": string(h.auth.State(r.Context())),
	})
}

// StartClaim arms the setup claim. The token itself goes to the server log
// only; whoever can read the log owns the box anyway.
func (h *Handlers) StartClaim(w http.ResponseWriter, r *http.Request) {
	if h.auth.State(r.Context()) == auth.SetupDone {
		writeError(w, http.StatusConflict, "setup already completed")
		return
	}
	if err := h.auth.StartClaim(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to start setup claim")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"state": string(auth.SetupArmed),
	})
}

// ValidateClaim checks a pasted claim token without consuming it, so the
// setup UI can gate the account form on a valid token.
func (h *Handlers) ValidateClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if err := h.auth.ValidateClaim(r.Context(), req.Token); err != nil {
		metrics.AuthAttemptsTotal.WithLabelValues("claim", "failure").Inc()
		writeError(w, http.StatusUnauthorized, "invalid or expired claim token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

// ConfirmClaim consumes the claim, creates the admin account, and signs the
// caller in.
func (h *Handlers) ConfirmClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token      string `json:"token"`
		Username   string `json:"username"`
		Password   string `json:"password"`
		DeviceName string `json:"deviceName"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "token, username, and password are required")
		return
	}

	user, session, err := h.auth.ConfirmClaim(r.Context(), req.Token, req.Username, req.Password, req.DeviceName)
	if err != nil {
		metrics.AuthAttemptsTotal.WithLabelValues("claim", "failure").Inc()
		if errors.Is(err, database.ErrClaimInvalid) {
			writeError(w, http.StatusUnauthorized, "invalid or expired claim token")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to complete setup")
		return
	}

	metrics.AuthAttemptsTotal.WithLabelValues("claim", "success").Inc()
	logging.Info("Setup complete: admin account %q created", user.Username)
	setSessionCookie(w, session)
	writeJSON(w, http.StatusCreated, authResponse(user, session))
}

// Login exchanges a username and password for a session.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username   string `json:"username"`
		Password   string `json:"password"`
		DeviceName string `json:"deviceName"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, session, err := h.auth.Login(r.Context(), req.Username, req.Password, req.DeviceName)
	if err != nil {
		metrics.AuthAttemptsTotal.WithLabelValues("password", "failure").Inc()
		if errors.Is(err, auth.ErrBadCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid username or password")
			return
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	metrics.AuthAttemptsTotal.WithLabelValues("password", "success").Inc()
	setSessionCookie(w, session)
	writeJSON(w, http.StatusOK, authResponse(user, session))
}

// RedeemPin exchanges a pairing code for a session. This is how remotes and
// televisions sign in without a keyboard.
func (h *Handlers) RedeemPin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code       string `json:"code"`
		DeviceName string `json:"deviceName"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	user, session, err := h.auth.RedeemPin(r.Context(), req.Code, req.DeviceName)
	if err != nil {
		metrics.AuthAttemptsTotal.WithLabelValues("pin", "failure").Inc()
		if errors.Is(err, auth.ErrBadCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid or expired code")
			return
		}
		writeError(w, http.StatusInternalServerError, "pairing failed")
		return
	}

	metrics.AuthAttemptsTotal.WithLabelValues("pin", "success").Inc()
	setSessionCookie(w, session)
	writeJSON(w, http.StatusOK, authResponse(user, session))
}

// Logout invalidates the presented session, if any, and clears the cookie.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if token := middleware.TokenFrom(r.Context()); token != "" {
		if err := h.auth.Logout(token); err != nil {
			logging.Warn("handlers: logout failed: %v", err)
		}
	}
	clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// CheckAuth reports who the caller is, or 401 if the session is missing or
// stale. Clients poll this on startup to decide between library and login.
func (h *Handlers) CheckAuth(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}
