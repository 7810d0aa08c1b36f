package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultRefreshTTL      = 7 * 24 * time.Hour
	DefaultSweepBatchSize  = 500
	refreshTokenEntropy    = 32
	maxSweepBatchesPerCall = 1000
)

type RefreshTokenRepository interface {
	InsertRefreshToken(ctx context.Context, token RefreshToken) error
	FindRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshToken, error)
	MarkRefreshTokenRevoked(ctx context.Context, id string) error
	DeleteRefreshTokensByUser(ctx context.Context, userID string) (int64, error)
	DeleteExpiredRefreshTokens(ctx context.Context, before time.Time, limit int) (int64, error)
}

// RefreshTokenStore issues opaque refresh tokens and keeps only their SHA-256
// hash. Not found, revoked and expired all verify as ErrInvalidRefreshToken.
type RefreshTokenStore struct {
	repo      RefreshTokenRepository
	ttl       time.Duration
	batchSize int
	now       func() time.Time
	random    io.Reader
}

type RefreshStoreOption func(*RefreshTokenStore)

func WithRefreshClock(now func() time.Time) RefreshStoreOption {
	return func(s *RefreshTokenStore) {
		if now != nil {
			s.now = now
		}
	}
}

func WithSweepBatchSize(size int) RefreshStoreOption {
	return func(s *RefreshTokenStore) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

func NewRefreshTokenStore(repo RefreshTokenRepository, ttl time.Duration, opts ...RefreshStoreOption) *RefreshTokenStore {
	if ttl <= 0 {
		ttl = DefaultRefreshTTL
	}
	s := &RefreshTokenStore{
		repo:      repo,
		ttl:       ttl,
		batchSize: DefaultSweepBatchSize,
		now:       time.Now,
		random:    rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RefreshTokenStore) TTL() time.Duration {
	return s.ttl
}

// Create returns the plaintext token exactly once; only its hash is stored.
func (s *RefreshTokenStore) Create(ctx context.Context, userID string) (string, RefreshToken, error) {
	raw := make([]byte, refreshTokenEntropy)
	if _, err := io.ReadFull(s.random, raw); err != nil {
		return "", RefreshToken{}, fmt.Errorf("generate refresh token: %w", err)
	}
	plaintext := hex.EncodeToString(raw)

	id, err := uuid.NewV7()
	if err != nil {
		return "", RefreshToken{}, fmt.Errorf("generate refresh token id: %w", err)
	}

	now := s.now().UTC()
	record := RefreshToken{
		ID:        id.String(),
		UserID:    userID,
		TokenHash: HashRefreshToken(plaintext),
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	if err := s.repo.InsertRefreshToken(ctx, record); err != nil {
		return "", RefreshToken{}, err
	}

	return plaintext, record, nil
}

func (s *RefreshTokenStore) Verify(ctx context.Context, plaintext string) (RefreshToken, error) {
	if plaintext == "" {
		return RefreshToken{}, ErrInvalidRefreshToken
	}

	record, err := s.repo.FindRefreshTokenByHash(ctx, HashRefreshToken(plaintext))
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			return RefreshToken{}, ErrInvalidRefreshToken
		}
		return RefreshToken{}, err
	}

	if record.Revoked || !s.now().Before(record.ExpiresAt) {
		return RefreshToken{}, ErrInvalidRefreshToken
	}

	return record, nil
}

// Revoke returns once the revoked flag is persisted. A row that no longer
// exists is already unusable and is not an error.
func (s *RefreshTokenStore) Revoke(ctx context.Context, record RefreshToken) error {
	err := s.repo.MarkRefreshTokenRevoked(ctx, record.ID)
	if err != nil && !errors.Is(err, ErrRefreshTokenNotFound) {
		return err
	}
	return nil
}

func (s *RefreshTokenStore) RevokeAll(ctx context.Context, userID string) (int64, error) {
	return s.repo.DeleteRefreshTokensByUser(ctx, userID)
}

// SweepExpired deletes expired rows in batches until a short batch comes back.
func (s *RefreshTokenStore) SweepExpired(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC()

	var total int64
	for i := 0; i < maxSweepBatchesPerCall; i++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := s.repo.DeleteExpiredRefreshTokens(ctx, cutoff, s.batchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted < int64(s.batchSize) {
			break
		}
	}

	return total, nil
}

func HashRefreshToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
