package apikey

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/potofpie/mailing/internal/domain"
	"github.com/potofpie/mailing/internal/repository"
)

// keyTokenPrefix marks API-key tokens so they are recognizable in configs
// and logs without being confusable with session tokens.
const keyTokenPrefix = "mk_"

// Service manages per-user API keys.
type Service struct {
	keys   repository.APIKeyRepository
	logger *slog.Logger
}

// New constructs a Service.
func New(keys repository.APIKeyRepository, logger *slog.Logger) *Service {
	return &Service{keys: keys, logger: logger}
}

// Mint builds an unsaved key record for the user. Signup uses this to hand
// the default key to the same transaction that creates the user.
func (s *Service) Mint(userID, label string) (*domain.APIKey, error) {
	token, err := randomKeyToken()
	if err != nil {
		return nil, err
	}
	return &domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Token:     keyTokenPrefix + token,
		Label:     strings.TrimSpace(label),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Create mints and persists an additional key. Labels are free-form; no
// uniqueness and no count limit.
func (s *Service) Create(ctx context.Context, user *domain.User, label string) (*domain.APIKey, error) {
	key, err := s.Mint(user.ID, label)
	if err != nil {
		return nil, err
	}
	if err := s.keys.CreateAPIKey(ctx, key); err != nil {
		return nil, fmt.Errorf("persist api key: %w", err)
	}
	s.logger.Info("api key created", "user_id", user.ID, "key_id", key.ID)
	return key, nil
}

// ListByUser returns the user's keys in creation order. The ordering comes
// from the store query, so a key created just before this call is always in
// the result and always last.
func (s *Service) ListByUser(ctx context.Context, user *domain.User) ([]domain.APIKey, error) {
	return s.keys.ListAPIKeysByUser(ctx, user.ID)
}

func randomKeyToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
