package auth

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// memoryRepo satisfies UserStore and RefreshTokenRepository for tests.
type memoryRepo struct {
	mu       sync.Mutex
	users    map[string]User
	tokens   map[string]RefreshToken
	failNext error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		users:  make(map[string]User),
		tokens: make(map[string]RefreshToken),
	}
}

func (m *memoryRepo) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *memoryRepo) CreateUser(_ context.Context, user User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	for _, existing := range m.users {
		if existing.Email == user.Email {
			return ErrEmailTaken
		}
	}
	m.users[user.ID] = user
	return nil
}

func (m *memoryRepo) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return User{}, err
	}
	for _, user := range m.users {
		if user.Email == email {
			return user, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (m *memoryRepo) GetUserByID(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (m *memoryRepo) DeleteUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return ErrUserNotFound
	}
	delete(m.users, userID)
	for id, token := range m.tokens {
		if token.UserID == userID {
			delete(m.tokens, id)
		}
	}
	return nil
}

func (m *memoryRepo) InsertRefreshToken(_ context.Context, token RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	for _, existing := range m.tokens {
		if existing.TokenHash == token.TokenHash {
			return errors.New("duplicate token hash")
		}
	}
	m.tokens[token.ID] = token
	return nil
}

func (m *memoryRepo) FindRefreshTokenByHash(_ context.Context, tokenHash string) (RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return RefreshToken{}, err
	}
	for _, token := range m.tokens {
		if token.TokenHash == tokenHash {
			return token, nil
		}
	}
	return RefreshToken{}, ErrRefreshTokenNotFound
}

func (m *memoryRepo) MarkRefreshTokenRevoked(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	token, ok := m.tokens[id]
	if !ok {
		return ErrRefreshTokenNotFound
	}
	token.Revoked = true
	m.tokens[id] = token
	return nil
}

func (m *memoryRepo) DeleteRefreshTokensByUser(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return 0, err
	}
	var n int64
	for id, token := range m.tokens {
		if token.UserID == userID {
			delete(m.tokens, id)
			n++
		}
	}
	return n, nil
}

func (m *memoryRepo) DeleteExpiredRefreshTokens(_ context.Context, before time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return 0, err
	}

	var expired []RefreshToken
	for _, token := range m.tokens {
		if token.ExpiresAt.Before(before) {
			expired = append(expired, token)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if len(expired) > limit {
		expired = expired[:limit]
	}
	for _, token := range expired {
		delete(m.tokens, token.ID)
	}
	return int64(len(expired)), nil
}

func (m *memoryRepo) tokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
