package sessionvalkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/beatranks/session-service/internal/serviceerr"
	"github.com/beatranks/session-service/internal/session"
)

const objectTypeSession = "session"

type Repository struct {
	store *store
}

func NewRepository(valkeyClient valkey.Client, prefix string) *Repository {
	return &Repository{
		store: newStore(valkeyClient, prefix),
	}
}

func (r *Repository) Load(ctx context.Context, hash string) (s session.Session, _ error) {
	if err := r.store.Get(ctx, objectTypeSession, hash, &s); err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			return session.Session{}, serviceerr.ErrNotFound
		}

		return session.Session{}, fmt.Errorf("getting session from store: %w", err)
	}

	return s, nil
}

func (r *Repository) Store(ctx context.Context, s session.Session) error {
	// the entry is useless once the refresh window closes, so let the
	// backend expire it at that point
	ttl := time.Until(s.RefreshExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}

	if err := r.store.Set(ctx, objectTypeSession, s.Hash, s, ttl); err != nil {
		return fmt.Errorf("setting session into storage: %w", err)
	}

	return nil
}

func (r *Repository) Delete(ctx context.Context, hash string) error {
	deleted, err := r.store.Destroy(ctx, objectTypeSession, hash)
	if err != nil {
		return fmt.Errorf("deleting session from store: %w", err)
	}

	if deleted == 0 {
		return serviceerr.ErrNotFound
	}

	return nil
}

// DeleteExpired removes sessions whose refresh window closed before their
// key TTL fired. With TTL-backed writes this is usually a no-op sweep.
func (r *Repository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var deleted int64

	err := r.store.forEachKey(ctx, objectTypeSession, func(key string) error {
		var s session.Session
		if err := r.store.get(ctx, key, &s); err != nil {
			if errors.Is(err, serviceerr.ErrNotFound) {
				return nil
			}

			return fmt.Errorf("getting an element: %w", err)
		}

		if !s.Dead(now) {
			return nil
		}

		n, err := r.store.Destroy(ctx, objectTypeSession, s.Hash)
		if err != nil {
			return err
		}

		deleted += n

		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("sweeping sessions: %w", err)
	}

	return deleted, nil
}
