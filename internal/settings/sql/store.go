package settingssql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beatranks/session-service/internal/serviceerr"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{
		db: db,
	}
}

func (s *Store) Load(ctx context.Context, userID string) (json.RawMessage, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var blob json.RawMessage
	if err := tx.QueryRow(
		ctx, `SELECT blob FROM user_settings WHERE user_id = $1;`,
		userID,
	).Scan(&blob); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, serviceerr.ErrNotFound
		}

		return nil, fmt.Errorf("selecting from user_settings: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing tx: %w", err)
	}

	return blob, nil
}

func (s *Store) Save(ctx context.Context, userID string, blob json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(
		ctx, `INSERT INTO user_settings (user_id, blob, updated_at)
VALUES ($1, $2, now())
	ON CONFLICT (user_id)
	DO UPDATE SET (blob, updated_at) = (EXCLUDED.blob, now());`,
		userID, blob,
	); err != nil {
		return fmt.Errorf("inserting into user_settings: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing tx: %w", err)
	}

	return nil
}
