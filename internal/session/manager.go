package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/potofpie/mailing/internal/domain"
)

// ErrUnauthenticated covers every way a token can fail to prove identity:
// absent, unknown, logged out, or expired. Callers get one answer for all of
// them.
var ErrUnauthenticated = errors.New("session: unauthenticated")

// Manager issues and resolves opaque session tokens. Tokens carry no claims;
// they are pure lookup keys into the Store, so invalidation takes effect the
// moment the store delete returns.
type Manager struct {
	store  Store
	logger *slog.Logger
	ttl    time.Duration
}

// NewManager constructs a Manager over the given store.
func NewManager(store Store, logger *slog.Logger, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{store: store, logger: logger, ttl: ttl}
}

// Issue creates a session for the user and returns its token.
func (m *Manager) Issue(ctx context.Context, user *domain.User) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	sess := domain.Session{
		Token:     token,
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.Save(ctx, sess); err != nil {
		return "", fmt.Errorf("persist session: %w", err)
	}
	m.logger.Info("session issued", "user_id", user.ID)
	return token, nil
}

// Validate resolves a token to the owning user id.
func (m *Manager) Validate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthenticated
	}
	sess, err := m.store.Get(ctx, token)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	if sess == nil || sess.Expired(time.Now()) {
		return "", ErrUnauthenticated
	}
	return sess.UserID, nil
}

// Invalidate removes the session. Unknown tokens fail with
// ErrUnauthenticated; a matching token always succeeds.
func (m *Manager) Invalidate(ctx context.Context, token string) error {
	if token == "" {
		return ErrUnauthenticated
	}
	existed, err := m.store.Delete(ctx, token)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if !existed {
		return ErrUnauthenticated
	}
	m.logger.Info("session invalidated")
	return nil
}

// Close releases store resources.
func (m *Manager) Close() {
	m.store.Close()
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
