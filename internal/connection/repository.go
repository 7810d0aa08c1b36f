package connection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("connection not found")

type SecretCodec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(blob string) (string, error)
}

// Repository encrypts token columns before every write and decrypts them after
// every read, so nothing above it sees ciphertext and nothing below it sees
// plaintext.
type Repository struct {
	db    *sql.DB
	codec SecretCodec
	now   func() time.Time
	newID func() (uuid.UUID, error)
}

func NewRepository(db *sql.DB, codec SecretCodec) *Repository {
	return &Repository{db: db, codec: codec, now: time.Now, newID: uuid.NewV7}
}

func (r *Repository) ListByUser(ctx context.Context, userID string) ([]Connection, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, provider, external_id, institution_name, access_token_enc, refresh_token_enc, created_at, updated_at
		FROM linked_connections
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	connections := make([]Connection, 0)
	for rows.Next() {
		c, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		connections = append(connections, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connections: %w", err)
	}

	return connections, nil
}

func (r *Repository) Get(ctx context.Context, userID, id string) (Connection, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider, external_id, institution_name, access_token_enc, refresh_token_enc, created_at, updated_at
		FROM linked_connections
		WHERE id = $1 AND user_id = $2
	`, id, userID)

	c, err := r.scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Connection{}, ErrNotFound
		}
		return Connection{}, err
	}
	return c, nil
}

// Create links a provider account to the user. Linking an account that is
// already linked replaces its stored tokens and reports created=false.
func (r *Repository) Create(ctx context.Context, userID string, input Input) (Connection, bool, error) {
	id, err := r.newID()
	if err != nil {
		return Connection{}, false, fmt.Errorf("generate uuid v7: %w", err)
	}

	accessEnc, refreshEnc, err := r.encryptPair(input.AccessToken, input.RefreshToken)
	if err != nil {
		return Connection{}, false, err
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO linked_connections (id, user_id, provider, external_id, institution_name, access_token_enc, refresh_token_enc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (user_id, provider, external_id) DO UPDATE
		SET access_token_enc = EXCLUDED.access_token_enc,
			refresh_token_enc = EXCLUDED.refresh_token_enc,
			institution_name = EXCLUDED.institution_name,
			updated_at = EXCLUDED.updated_at
		RETURNING id, user_id, provider, external_id, institution_name, access_token_enc, refresh_token_enc, created_at, updated_at
	`, id.String(), userID, input.Provider, input.ExternalID, input.InstitutionName, accessEnc, refreshEnc, r.now().UTC())

	c, err := r.scan(row)
	if err != nil {
		return Connection{}, false, fmt.Errorf("upsert connection: %w", err)
	}

	return c, c.ID == id.String(), nil
}

// UpdateCredentials replaces the stored tokens, e.g. after the provider issued
// new ones during re-linking.
func (r *Repository) UpdateCredentials(ctx context.Context, userID, id, accessToken, refreshToken string) (Connection, error) {
	accessEnc, refreshEnc, err := r.encryptPair(accessToken, refreshToken)
	if err != nil {
		return Connection{}, err
	}

	row := r.db.QueryRowContext(ctx, `
		UPDATE linked_connections
		SET access_token_enc = $3, refresh_token_enc = $4, updated_at = $5
		WHERE id = $1 AND user_id = $2
		RETURNING id, user_id, provider, external_id, institution_name, access_token_enc, refresh_token_enc, created_at, updated_at
	`, id, userID, accessEnc, refreshEnc, r.now().UTC())

	c, err := r.scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Connection{}, ErrNotFound
		}
		return Connection{}, err
	}
	return c, nil
}

func (r *Repository) Delete(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM linked_connections WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scan(s scanner) (Connection, error) {
	var (
		c          Connection
		accessEnc  string
		refreshEnc sql.NullString
	)
	if err := s.Scan(&c.ID, &c.UserID, &c.Provider, &c.ExternalID, &c.InstitutionName, &accessEnc, &refreshEnc, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Connection{}, err
		}
		return Connection{}, fmt.Errorf("scan connection: %w", err)
	}

	var err error
	if c.AccessToken, err = r.codec.Decrypt(accessEnc); err != nil {
		return Connection{}, fmt.Errorf("decrypt access token of connection %s: %w", c.ID, err)
	}
	if c.RefreshToken, err = r.codec.Decrypt(refreshEnc.String); err != nil {
		return Connection{}, fmt.Errorf("decrypt refresh token of connection %s: %w", c.ID, err)
	}

	return c, nil
}

func (r *Repository) encryptPair(accessToken, refreshToken string) (string, string, error) {
	accessEnc, err := r.codec.Encrypt(accessToken)
	if err != nil {
		return "", "", fmt.Errorf("encrypt access token: %w", err)
	}
	refreshEnc, err := r.codec.Encrypt(refreshToken)
	if err != nil {
		return "", "", fmt.Errorf("encrypt refresh token: %w", err)
	}
	return accessEnc, refreshEnc, nil
}
