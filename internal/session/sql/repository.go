package sessionsql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beatranks/session-service/internal/serviceerr"
	"github.com/beatranks/session-service/internal/session"
)

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{
		db: db,
	}
}

func (r *Repository) Load(ctx context.Context, hash string) (s session.Session, _ error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return session.Session{}, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.QueryRow(
		ctx, `SELECT token_hash, user_id, access_token, refresh_token, access_expires_at, refresh_expires_at
FROM sessions
WHERE token_hash = $1;`,
		hash,
	).
		Scan(&s.Hash, &s.UserID, &s.AccessToken, &s.RefreshToken, &s.AccessExpiresAt, &s.RefreshExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.Session{}, serviceerr.ErrNotFound
		}

		return session.Session{}, fmt.Errorf("selecting from sessions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return session.Session{}, fmt.Errorf("committing tx: %w", err)
	}

	return s, nil
}

func (r *Repository) Store(ctx context.Context, s session.Session) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(
		ctx, `INSERT INTO sessions (token_hash, user_id, access_token, refresh_token, access_expires_at, refresh_expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (token_hash)
	DO UPDATE SET (user_id, access_token, refresh_token, access_expires_at, refresh_expires_at) =
		(EXCLUDED.user_id, EXCLUDED.access_token, EXCLUDED.refresh_token, EXCLUDED.access_expires_at, EXCLUDED.refresh_expires_at);`,
		s.Hash, s.UserID, s.AccessToken, s.RefreshToken, s.AccessExpiresAt, s.RefreshExpiresAt,
	); err != nil {
		if err, ok := handlePgError(err); ok {
			return err
		}

		return fmt.Errorf("inserting into sessions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing tx: %w", err)
	}

	return nil
}

func (r *Repository) Delete(ctx context.Context, hash string) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM sessions WHERE token_hash = $1;`, hash)
	if err != nil {
		return fmt.Errorf("deleting from sessions: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return serviceerr.ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing tx: %w", err)
	}

	return nil
}

func (r *Repository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM sessions WHERE refresh_expires_at <= $1;`, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing tx: %w", err)
	}

	return tag.RowsAffected(), nil
}
