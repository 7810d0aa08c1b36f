package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"portfolio-api/internal/token"
)

const tokenTypeBearer = "Bearer"

type UserStore interface {
	CreateUser(ctx context.Context, user User) error
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	DeleteUser(ctx context.Context, userID string) error
}

type AccessTokenIssuer interface {
	Issue(subject string) (token.Token, error)
	TTL() time.Duration
}

type Service struct {
	users      UserStore
	refresh    *RefreshTokenStore
	issuer     AccessTokenIssuer
	now        func() time.Time
	bcryptCost int
	compare    func(hash, password []byte) error

	dummyOnce sync.Once
	dummy     []byte
}

func NewService(users UserStore, refresh *RefreshTokenStore, issuer AccessTokenIssuer) *Service {
	return &Service{
		users:      users,
		refresh:    refresh,
		issuer:     issuer,
		now:        time.Now,
		bcryptCost: bcrypt.DefaultCost,
		compare:    bcrypt.CompareHashAndPassword,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) WithBcryptCost(cost int) *Service {
	if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
		s.bcryptCost = cost
	}
	return s
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Service) Register(ctx context.Context, email, name, password string) (User, Tokens, error) {
	email = NormalizeEmail(email)
	name = strings.TrimSpace(name)
	if email == "" || password == "" {
		return User{}, Tokens{}, ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return User{}, Tokens{}, fmt.Errorf("hash password: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return User{}, Tokens{}, fmt.Errorf("generate user id: %w", err)
	}

	now := s.now().UTC()
	user := User{
		ID:           id.String(),
		Email:        email,
		Name:         name,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return User{}, Tokens{}, err
	}

	tokens, err := s.issueTokens(ctx, user)
	if err != nil {
		return User{}, Tokens{}, err
	}

	return user, tokens, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (User, Tokens, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return User{}, Tokens{}, ErrInvalidCredentials
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Pay for a compare anyway so unknown emails take as long as wrong passwords.
			_ = s.compare(s.dummyHash(), []byte(password))
			return User{}, Tokens{}, ErrInvalidCredentials
		}
		return User{}, Tokens{}, err
	}

	if err := s.compare([]byte(user.PasswordHash), []byte(password)); err != nil {
		return User{}, Tokens{}, ErrInvalidCredentials
	}

	tokens, err := s.issueTokens(ctx, user)
	if err != nil {
		return User{}, Tokens{}, err
	}

	return user, tokens, nil
}

// Refresh mints a new access token. The presented refresh token stays valid
// until it expires or is revoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	record, err := s.refresh.Verify(ctx, strings.TrimSpace(refreshToken))
	if err != nil {
		return Tokens{}, err
	}

	user, err := s.users.GetUserByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Tokens{}, ErrInvalidRefreshToken
		}
		return Tokens{}, err
	}

	access, err := s.issuer.Issue(user.Email)
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken: access.Value,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   int64(s.issuer.TTL().Seconds()),
	}, nil
}

// Logout revokes the presented refresh token. Tokens that are already unusable
// are ignored so logout always succeeds from the client's point of view.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}

	record, err := s.refresh.Verify(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			return nil
		}
		return err
	}

	return s.refresh.Revoke(ctx, record)
}

// DeleteAccount revokes every session of the user and removes the account with
// all of its linked connections.
func (s *Service) DeleteAccount(ctx context.Context, userID string) (int64, error) {
	revoked, err := s.refresh.RevokeAll(ctx, userID)
	if err != nil {
		return 0, err
	}
	if err := s.users.DeleteUser(ctx, userID); err != nil {
		return revoked, err
	}
	return revoked, nil
}

// dummyHash is hashed at the service's cost so a miss costs the same as a hit.
func (s *Service) dummyHash() []byte {
	s.dummyOnce.Do(func() {
		hash, err := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), s.bcryptCost)
		if err == nil {
			s.dummy = hash
		}
	})
	return s.dummy
}

func (s *Service) issueTokens(ctx context.Context, user User) (Tokens, error) {
	access, err := s.issuer.Issue(user.Email)
	if err != nil {
		return Tokens{}, err
	}

	refreshToken, _, err := s.refresh.Create(ctx, user.ID)
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access.Value,
		RefreshToken: refreshToken,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    int64(s.issuer.TTL().Seconds()),
	}, nil
}
