package session

import (
	"context"
	"time"
)

// Repository is the credential store. Store must apply the whole row
// atomically so a refresh rotation is never observed half-applied.
type Repository interface {
	// Load returns serviceerr.ErrNotFound when no row has this hash.
	Load(ctx context.Context, hash string) (Session, error)
	// Store inserts or replaces the row keyed by session.Hash.
	Store(ctx context.Context, session Session) error
	// Delete returns serviceerr.ErrNotFound when no row has this hash.
	Delete(ctx context.Context, hash string) error
	// DeleteExpired removes every row whose refresh expiry is at or before
	// now, returning how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
