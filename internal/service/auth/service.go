package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/potofpie/mailing/internal/domain"
	"github.com/potofpie/mailing/internal/repository"
	"github.com/potofpie/mailing/internal/service/apikey"
	"github.com/potofpie/mailing/internal/session"
	"github.com/potofpie/mailing/pkg/config"
	"github.com/potofpie/mailing/pkg/crypto"
)

const minPasswordLength = 8

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Service handles signup, login, and session resolution for the single
// account this deployment will ever hold.
type Service struct {
	users    repository.UserRepository
	keys     *apikey.Service
	sessions *session.Manager
	logger   *slog.Logger
	cfg      config.APIConfig
}

// New constructs a Service.
func New(users repository.UserRepository, keys *apikey.Service, sessions *session.Manager, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{users: users, keys: keys, sessions: sessions, logger: logger, cfg: cfg}
}

// SignupOpen reports whether the account slot is still unclaimed.
func (s Service) SignupOpen(ctx context.Context) (bool, error) {
	return s.users.SignupOpen(ctx)
}

// Signup creates the one allowed account. Field validation runs in a fixed
// order, email before password, and only while the gate is open; once any
// user exists every attempt fails with ErrSignupClosed regardless of field
// validity. The user row, the gate claim, and the default API key commit
// together, so a successful response always implies at least one key.
func (s Service) Signup(ctx context.Context, email, password string) (*domain.User, string, error) {
	open, err := s.users.SignupOpen(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("probe signup gate: %w", err)
	}
	if !open {
		return nil, "", ErrSignupClosed
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if !emailPattern.MatchString(email) {
		return nil, "", ErrEmailInvalid
	}
	if len(password) < minPasswordLength {
		return nil, "", ErrPasswordTooShort
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	defaultKey, err := s.keys.Mint(user.ID, domain.DefaultKeyLabel)
	if err != nil {
		return nil, "", err
	}

	if err := s.createFirstUser(ctx, user, defaultKey); err != nil {
		if errors.Is(err, repository.ErrSignupClosed) {
			return nil, "", ErrSignupClosed
		}
		return nil, "", err
	}

	token, err := s.sessions.Issue(ctx, user)
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return user, token, nil
}

// createFirstUser retries the signup transaction a bounded number of times
// on transient store failures. Losing the gate race is deterministic and
// never retried.
func (s Service) createFirstUser(ctx context.Context, user *domain.User, key *domain.APIKey) error {
	attempts := s.cfg.SignupRetries
	if attempts <= 0 {
		attempts = 3
	}
	backoff := retry.WithMaxRetries(uint64(attempts), retry.NewFibonacci(50*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.users.CreateFirstUser(ctx, user, key)
		if err == nil || errors.Is(err, repository.ErrSignupClosed) || errors.Is(err, repository.ErrInvalidArgument) {
			return err
		}
		s.logger.Warn("signup transaction failed, retrying", "error", err)
		return retry.RetryableError(err)
	})
}

// Login authenticates the account and issues a fresh session.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, string, error) {
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, "", ErrNoSuchUser
		}
		return nil, "", err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, "", ErrInvalidPassword
	}
	token, err := s.sessions.Issue(ctx, user)
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, token, nil
}

// Logout invalidates the session token. Subsequent validations of the same
// token fail immediately; there is no stale-valid window.
func (s Service) Logout(ctx context.Context, token string) error {
	return s.sessions.Invalidate(ctx, token)
}

// Authenticate resolves a session token to its user.
func (s Service) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	userID, err := s.sessions.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// session outlived its user; treat as unauthenticated
			return nil, session.ErrUnauthenticated
		}
		return nil, err
	}
	return user, nil
}
