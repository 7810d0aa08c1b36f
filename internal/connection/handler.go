package connection

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"portfolio-api/internal/auth"
)

var providerRegex = regexp.MustCompile(`^[a-z0-9_-]{2,32}$`)

const (
	maxJSONBodyBytes = 1 << 20
	maxSecretLength  = 4096
)

type Handler struct {
	repo *Repository
}

func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

type credentialsInput struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())

	connections, err := h.repo.ListByUser(r.Context(), identity.UserID)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list connections")
		return
	}

	views := make([]View, 0, len(connections))
	for _, c := range connections {
		views = append(views, c.View())
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	c, err := h.repo.Get(r.Context(), identity.UserID, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "connection not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load connection")
		return
	}

	writeJSON(w, http.StatusOK, c.View())
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())

	var input Input
	if !decode(w, r, &input) {
		return
	}

	input.Provider = strings.ToLower(strings.TrimSpace(input.Provider))
	input.ExternalID = strings.TrimSpace(input.ExternalID)
	input.InstitutionName = strings.TrimSpace(input.InstitutionName)
	input.AccessToken = strings.TrimSpace(input.AccessToken)
	input.RefreshToken = strings.TrimSpace(input.RefreshToken)

	if !providerRegex.MatchString(input.Provider) {
		writeError(w, http.StatusBadRequest, "provider is invalid")
		return
	}
	if input.ExternalID == "" || len(input.ExternalID) > 200 {
		writeError(w, http.StatusBadRequest, "external_id is required")
		return
	}
	if !utf8.ValidString(input.InstitutionName) || len(input.InstitutionName) > 200 {
		writeError(w, http.StatusBadRequest, "institution_name is invalid")
		return
	}
	if !validSecrets(w, input.AccessToken, input.RefreshToken) {
		return
	}

	c, created, err := h.repo.Create(r.Context(), identity.UserID, input)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to create connection")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, c.View())
}

func (h *Handler) UpdateCredentials(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var input credentialsInput
	if !decode(w, r, &input) {
		return
	}
	input.AccessToken = strings.TrimSpace(input.AccessToken)
	input.RefreshToken = strings.TrimSpace(input.RefreshToken)
	if !validSecrets(w, input.AccessToken, input.RefreshToken) {
		return
	}

	c, err := h.repo.UpdateCredentials(r.Context(), identity.UserID, id, input.AccessToken, input.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "connection not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to update connection")
		return
	}

	writeJSON(w, http.StatusOK, c.View())
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), identity.UserID, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "connection not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to delete connection")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid connection id")
		return "", false
	}
	return id, true
}

func validSecrets(w http.ResponseWriter, accessToken, refreshToken string) bool {
	if accessToken == "" {
		writeError(w, http.StatusBadRequest, "access_token is required")
		return false
	}
	if len(accessToken) > maxSecretLength || len(refreshToken) > maxSecretLength {
		writeError(w, http.StatusBadRequest, "token is too long")
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
