package session

import (
	"context"
	"sync"
	"time"

	"github.com/potofpie/mailing/internal/domain"
)

const storeSweepInterval = 5 * time.Minute

// Store holds live sessions keyed by token. It is the single authority for
// authentication state: a delete here is immediately visible to every
// subsequent lookup.
type Store interface {
	Save(ctx context.Context, sess domain.Session) error
	Get(ctx context.Context, token string) (*domain.Session, error)
	// Delete removes the session and reports whether it existed.
	Delete(ctx context.Context, token string) (bool, error)
	Close()
}

type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
	stopCh   chan struct{}
	once     sync.Once
}

// NewMemoryStore returns an in-process Store with background expiry sweeping.
func NewMemoryStore() Store {
	s := &memoryStore{
		sessions: make(map[string]domain.Session),
		stopCh:   make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *memoryStore) Save(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Token] = sess
	return nil
}

func (s *memoryStore) Get(_ context.Context, token string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return nil, nil
	}
	if sess.Expired(time.Now()) {
		delete(s.sessions, token)
		return nil, nil
	}
	copied := sess
	return &copied, nil
}

func (s *memoryStore) Delete(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[token]
	if ok {
		delete(s.sessions, token)
	}
	return ok, nil
}

func (s *memoryStore) sweepLoop() {
	ticker := time.NewTicker(storeSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

func (s *memoryStore) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, token)
		}
	}
}

func (s *memoryStore) Close() {
	s.once.Do(func() {
		close(s.stopCh)
	})
}
