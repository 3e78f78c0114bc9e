package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	apperrors "github.com/NakedTrashPanda/autoshift/internal/errors"
	"github.com/NakedTrashPanda/autoshift/keys"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	db *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore builds a pool from connString and validates connectivity
// within a bounded ping.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pcfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "[NewPostgresStore] parsing database config")
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, errors.Wrap(err, "[NewPostgresStore] creating connection pool")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(apperrors.ErrStorage, err.Error())
	}
	return &PostgresStore{db: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}

// Seen returns the recorded entry for (code, platform), or nil when absent.
func (s *PostgresStore) Seen(ctx context.Context, code string, platform keys.Platform) (*Entry, error) {
	var e Entry
	err := s.db.QueryRow(ctx,
		`SELECT code, platform, game, outcome, message, attempted_at
		   FROM redemptions WHERE code = $1 AND platform = $2`,
		keys.NormalizeCode(code), platform,
	).Scan(&e.Code, &e.Platform, &e.Game, &e.Outcome, &e.Message, &e.AttemptedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(apperrors.ErrStorage, err.Error())
	}
	return &e, nil
}

// Record upserts an attempt, refusing to overwrite a success. The
// read-then-write runs in one transaction with the row locked, guarding
// against concurrent writers even though the scheduler is single-writer.
func (s *PostgresStore) Record(ctx context.Context, entry Entry) error {
	entry.Code = keys.NormalizeCode(entry.Code)

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(apperrors.ErrStorage, err.Error())
	}
	defer tx.Rollback(ctx)

	var existing keys.Outcome
	err = tx.QueryRow(ctx,
		`SELECT outcome FROM redemptions WHERE code = $1 AND platform = $2 FOR UPDATE`,
		entry.Code, entry.Platform,
	).Scan(&existing)
	switch {
	case err == pgx.ErrNoRows:
		// first attempt for this pair
	case err != nil:
		return errors.Wrap(apperrors.ErrStorage, err.Error())
	case existing == keys.OutcomeSuccess:
		return nil
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO redemptions (code, platform, game, outcome, message, attempted_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (code, platform) DO UPDATE
		    SET game = EXCLUDED.game,
		        outcome = EXCLUDED.outcome,
		        message = EXCLUDED.message,
		        attempted_at = EXCLUDED.attempted_at`,
		entry.Code, entry.Platform, entry.Game, entry.Outcome, entry.Message, entry.AttemptedAt,
	)
	if err != nil {
		return errors.Wrap(apperrors.ErrStorage, err.Error())
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(apperrors.ErrStorage, err.Error())
	}
	return nil
}

// List returns every entry ordered by most recent attempt.
func (s *PostgresStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT code, platform, game, outcome, message, attempted_at
		   FROM redemptions ORDER BY attempted_at DESC`)
	if err != nil {
		return nil, errors.Wrap(apperrors.ErrStorage, err.Error())
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Code, &e.Platform, &e.Game, &e.Outcome, &e.Message, &e.AttemptedAt); err != nil {
			return nil, errors.Wrap(apperrors.ErrStorage, err.Error())
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(apperrors.ErrStorage, err.Error())
	}
	return entries, nil
}
