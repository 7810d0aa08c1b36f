package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strings"

	"portfolio-api/internal/observability"
	"portfolio-api/internal/ratelimit"
)

var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

const (
	maxJSONBodyBytes  = 1 << 20
	minPasswordLength = 8
	// bcrypt only reads the first 72 bytes.
	maxPasswordLength = 72
	maxNameLength     = 100
)

type attemptResetter interface {
	Reset(ctx context.Context, key string) error
}

type Handler struct {
	service    *Service
	cookies    CookieConfig
	logger     *observability.Logger
	limiter    attemptResetter
	authPolicy ratelimit.Policy
}

func NewHandler(service *Service, cookies CookieConfig, logger *observability.Logger) *Handler {
	return &Handler{service: service, cookies: cookies, logger: logger}
}

// WithAttemptReset clears the caller's auth bucket after a successful login so
// earlier typos do not count against them.
func (h *Handler) WithAttemptReset(limiter attemptResetter, policy ratelimit.Policy) *Handler {
	h.limiter = limiter
	h.authPolicy = policy
	return h
}

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type authResponse struct {
	User PublicUser `json:"user"`
	Tokens
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if err := decodeJSON(w, r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	body.Email = NormalizeEmail(body.Email)
	body.Name = strings.TrimSpace(body.Name)
	if !emailRegex.MatchString(body.Email) {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}
	if body.Name == "" || len(body.Name) > maxNameLength {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if len(body.Password) < minPasswordLength || len(body.Password) > maxPasswordLength {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	user, tokens, err := h.service.Register(r.Context(), body.Email, body.Name, body.Password)
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
		observability.CaptureError(h.logger, "register_failed", err, nil)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}

	h.cookies.setAccess(w, tokens.AccessToken)
	h.cookies.setRefresh(w, tokens.RefreshToken)
	writeJSON(w, http.StatusCreated, authResponse{User: user.Public(), Tokens: tokens})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := decodeJSON(w, r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	user, tokens, err := h.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		observability.CaptureError(h.logger, "login_failed", err, nil)
		writeError(w, http.StatusInternalServerError, "failed to login")
		return
	}

	if h.limiter != nil {
		if err := h.limiter.Reset(r.Context(), h.authPolicy.Key(ratelimit.ClientIP(r))); err != nil {
			observability.CaptureError(h.logger, "rate_limit_reset_failed", err, nil)
		}
	}

	h.cookies.setAccess(w, tokens.AccessToken)
	h.cookies.setRefresh(w, tokens.RefreshToken)
	writeJSON(w, http.StatusOK, authResponse{User: user.Public(), Tokens: tokens})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw, err := refreshTokenFromRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	tokens, err := h.service.Refresh(r.Context(), raw)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		observability.CaptureError(h.logger, "refresh_failed", err, nil)
		writeError(w, http.StatusInternalServerError, "failed to refresh token")
		return
	}

	h.cookies.setAccess(w, tokens.AccessToken)
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	raw, err := refreshTokenFromRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if err := h.service.Logout(r.Context(), raw); err != nil {
		observability.CaptureError(h.logger, "logout_failed", err, nil)
		writeError(w, http.StatusInternalServerError, "failed to logout")
		return
	}

	h.cookies.clear(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":    identity.UserID,
		"email": identity.Email,
		"name":  identity.Name,
	})
}

func (h *Handler) DeleteMe(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())

	if _, err := h.service.DeleteAccount(r.Context(), identity.UserID); err != nil && !errors.Is(err, ErrUserNotFound) {
		observability.CaptureError(h.logger, "delete_account_failed", err, map[string]any{"user_id": identity.UserID})
		writeError(w, http.StatusInternalServerError, "failed to delete account")
		return
	}

	h.logger.Info("account_deleted", map[string]any{"user_id": identity.UserID})
	h.cookies.clear(w)
	w.WriteHeader(http.StatusNoContent)
}

// refreshTokenFromRequest reads the refresh cookie and falls back to an
// optional JSON body for clients that do not keep cookies.
func refreshTokenFromRequest(w http.ResponseWriter, r *http.Request) (string, error) {
	if cookie, err := r.Cookie(RefreshCookieName); err == nil && strings.TrimSpace(cookie.Value) != "" {
		return strings.TrimSpace(cookie.Value), nil
	}

	var body refreshRequest
	if err := decodeJSON(w, r, &body, true); err != nil {
		return "", err
	}
	return strings.TrimSpace(body.RefreshToken), nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
