package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"portfolio-api/internal/observability"
)

type RefreshTokenSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// BucketSweeper is implemented by in-process rate limit stores. Shared stores
// expire their own keys and are not swept from here.
type BucketSweeper interface {
	Sweep(now time.Time) int
}

type CleanupResult struct {
	DeletedRefreshTokens int64 `json:"deleted_refresh_tokens"`
	EvictedRateBuckets   int   `json:"evicted_rate_buckets"`
}

type Cleaner struct {
	refresh RefreshTokenSweeper
	buckets BucketSweeper
	logger  *observability.Logger
	now     func() time.Time
}

func NewCleaner(refresh RefreshTokenSweeper, buckets BucketSweeper, logger *observability.Logger) *Cleaner {
	return &Cleaner{refresh: refresh, buckets: buckets, logger: logger, now: time.Now}
}

func (c *Cleaner) Run(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult

	deleted, err := c.refresh.SweepExpired(ctx)
	result.DeletedRefreshTokens = deleted
	if err != nil {
		observability.CaptureError(c.logger, "auth_cleanup_failed", err, map[string]any{
			"deleted_refresh_tokens": deleted,
		})
		return result, err
	}

	if c.buckets != nil {
		result.EvictedRateBuckets = c.buckets.Sweep(c.now())
	}

	c.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_refresh_tokens": result.DeletedRefreshTokens,
		"evicted_rate_buckets":   result.EvictedRateBuckets,
	})

	return result, nil
}

// CleanupHandler lets an external scheduler trigger a cleanup pass. It is
// hidden (404) unless a cron secret is configured.
type CleanupHandler struct {
	cleaner    *Cleaner
	cronSecret string
}

func NewCleanupHandler(cleaner *Cleaner, cronSecret string) *CleanupHandler {
	return &CleanupHandler{
		cleaner:    cleaner,
		cronSecret: strings.TrimSpace(cronSecret),
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	scheme, presented, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(h.cronSecret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.cleaner.Run(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
