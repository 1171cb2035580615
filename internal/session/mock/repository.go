package sessionmock

import (
	"context"
	"sync"
	"time"

	"github.com/beatranks/session-service/internal/serviceerr"
	"github.com/beatranks/session-service/internal/session"
)

type RepositoryOption func(*Repository)

// Repository is an in-memory session store for tests. It is safe for
// concurrent use so refresh races can be exercised against it.
type Repository struct {
	mu       sync.Mutex
	sessions map[string]session.Session

	loadErr, storeErr, deleteErr error
}

func WithSession(s session.Session) RepositoryOption {
	return func(r *Repository) { r.sessions[s.Hash] = s }
}
func WithLoadError(err error) RepositoryOption {
	return func(r *Repository) { r.loadErr = err }
}
func WithStoreError(err error) RepositoryOption {
	return func(r *Repository) { r.storeErr = err }
}
func WithDeleteError(err error) RepositoryOption {
	return func(r *Repository) { r.deleteErr = err }
}

var _ = session.Repository(&Repository{})

func NewInMemRepository(opts ...RepositoryOption) *Repository {
	r := &Repository{
		sessions: make(map[string]session.Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Repository) Load(_ context.Context, hash string) (session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loadErr != nil {
		return session.Session{}, r.loadErr
	}
	if s, ok := r.sessions[hash]; ok {
		return s, nil
	}
	return session.Session{}, serviceerr.ErrNotFound
}

func (r *Repository) Store(_ context.Context, s session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.storeErr != nil {
		return r.storeErr
	}
	r.sessions[s.Hash] = s
	return nil
}

func (r *Repository) Delete(_ context.Context, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleteErr != nil {
		return r.deleteErr
	}
	if _, ok := r.sessions[hash]; !ok {
		return serviceerr.ErrNotFound
	}
	delete(r.sessions, hash)
	return nil
}

func (r *Repository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleteErr != nil {
		return 0, r.deleteErr
	}

	var deleted int64
	for hash, s := range r.sessions {
		if s.Dead(now) {
			delete(r.sessions, hash)
			deleted++
		}
	}
	return deleted, nil
}

// Len reports the number of stored sessions.
func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}
