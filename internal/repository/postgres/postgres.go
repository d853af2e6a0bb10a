package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/potofpie/mailing/internal/domain"
	"github.com/potofpie/mailing/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository   = (*Repository)(nil)
	_ repository.APIKeyRepository = (*Repository)(nil)
)

const (
	userInsert = `INSERT INTO users (id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`
	userSelectByEmail = `SELECT id, email, password_hash, created_at FROM users WHERE email = $1`
	userSelectByID    = `SELECT id, email, password_hash, created_at FROM users WHERE id = $1`
	gateClaim         = `INSERT INTO signup_gate (onerow, claimed_at) VALUES (TRUE, NOW())`
	gateProbe         = `SELECT EXISTS (SELECT 1 FROM signup_gate)`
	apiKeyInsert      = `INSERT INTO api_keys (id, user_id, token, label, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	apiKeySelectByUser = `SELECT id, user_id, token, label, created_at FROM api_keys
		WHERE user_id = $1 ORDER BY created_at, id`
)

// CreateFirstUser claims the signup gate and inserts the user together with
// their default API key in one transaction. The gate table carries a
// single-row primary key, so under concurrent signups exactly one insert
// commits; every other transaction hits the unique constraint and rolls back.
func (r *Repository) CreateFirstUser(ctx context.Context, user *domain.User, defaultKey *domain.APIKey) error {
	if user == nil || defaultKey == nil {
		return repository.ErrInvalidArgument
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin signup transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, gateClaim); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrSignupClosed
		}
		return fmt.Errorf("claim signup gate: %w", err)
	}
	if _, err := tx.Exec(ctx, userInsert, user.ID, strings.ToLower(strings.TrimSpace(user.Email)), user.PasswordHash, user.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrSignupClosed
		}
		return fmt.Errorf("insert user: %w", err)
	}
	if _, err := tx.Exec(ctx, apiKeyInsert, defaultKey.ID, defaultKey.UserID, defaultKey.Token, defaultKey.Label, defaultKey.CreatedAt); err != nil {
		return fmt.Errorf("insert default api key: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit signup transaction: %w", err)
	}
	return nil
}

// SignupOpen reports whether the signup gate row has been claimed yet.
func (r *Repository) SignupOpen(ctx context.Context) (bool, error) {
	row := r.pool.QueryRow(ctx, gateProbe)
	var claimed bool
	if err := row.Scan(&claimed); err != nil {
		return false, err
	}
	return !claimed, nil
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := r.pool.QueryRow(ctx, userSelectByEmail, strings.ToLower(strings.TrimSpace(email)))
	return scanUser(row)
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	row := r.pool.QueryRow(ctx, userSelectByID, id)
	return scanUser(row)
}

// CreateAPIKey inserts an additional key for an existing user.
func (r *Repository) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	if key == nil || key.UserID == "" {
		return repository.ErrInvalidArgument
	}
	_, err := r.pool.Exec(ctx, apiKeyInsert, key.ID, key.UserID, key.Token, key.Label, key.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrInvalidArgument
		}
		return err
	}
	return nil
}

// ListAPIKeysByUser returns the user's keys in creation order.
func (r *Repository) ListAPIKeysByUser(ctx context.Context, userID string) ([]domain.APIKey, error) {
	rows, err := r.pool.Query(ctx, apiKeySelectByUser, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []domain.APIKey
	for rows.Next() {
		var key domain.APIKey
		if err := rows.Scan(&key.ID, &key.UserID, &key.Token, &key.Label, &key.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
