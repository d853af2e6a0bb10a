package repository

import (
	"context"

	"github.com/potofpie/mailing/internal/domain"
)

// UserRepository persists the single account and the signup gate.
type UserRepository interface {
	// CreateFirstUser atomically claims the signup gate, inserts the user,
	// and inserts their default API key. Exactly one caller can ever
	// succeed; later or racing callers get ErrSignupClosed.
	CreateFirstUser(ctx context.Context, user *domain.User, defaultKey *domain.APIKey) error
	// SignupOpen reports whether the gate is still unclaimed.
	SignupOpen(ctx context.Context) (bool, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// APIKeyRepository persists per-user API keys.
type APIKeyRepository interface {
	CreateAPIKey(ctx context.Context, key *domain.APIKey) error
	// ListAPIKeysByUser returns keys in creation order.
	ListAPIKeysByUser(ctx context.Context, userID string) ([]domain.APIKey, error)
}
