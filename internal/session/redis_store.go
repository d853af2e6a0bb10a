package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/potofpie/mailing/internal/domain"
)

type redisStore struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisStore constructs a Redis backed session store. Expiry rides on the
// key TTL, so expired tokens disappear without any sweeping on our side.
func NewRedisStore(addr, password string, db int, logger *slog.Logger) (Store, error) {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &redisStore{
		client:  client,
		logger:  logger,
		prefix:  "mailing:session:",
		timeout: 250 * time.Millisecond,
	}, nil
}

func (s *redisStore) Save(ctx context.Context, sess domain.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Set(ctx, s.prefix+sess.Token, payload, ttl).Err()
}

func (s *redisStore) Get(ctx context.Context, token string) (*domain.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	payload, err := s.client.Get(ctx, s.prefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var sess domain.Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		s.logger.Error("corrupt session payload", "token_prefix", token[:min(8, len(token))], "error", err)
		return nil, nil
	}
	return &sess, nil
}

func (s *redisStore) Delete(ctx context.Context, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	removed, err := s.client.Del(ctx, s.prefix+token).Result()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

func (s *redisStore) Close() {
	if s.client != nil {
		_ = s.client.Close()
	}
}
