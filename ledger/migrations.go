package ledger

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	apperrors "github.com/NakedTrashPanda/autoshift/internal/errors"
)

// migrations run in order; each is applied exactly once, tracked by version
// number in schema_version. Never reorder or edit an applied migration;
// append a new one.
var migrations = []struct {
	version int
	stmts   []string
}{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS redemptions (
				code         TEXT        NOT NULL,
				platform     TEXT        NOT NULL,
				game         TEXT        NOT NULL,
				outcome      TEXT        NOT NULL,
				message      TEXT        NOT NULL DEFAULT '',
				attempted_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (code, platform)
			)`,
		},
	},
	{
		version: 2,
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS redemptions_outcome_idx ON redemptions (outcome)`,
		},
	},
}

// Migrate applies pending migrations inside transactions, one migration per
// transaction, so a failure never leaves a half-applied version.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (
			version    INT         PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return errors.Wrap(apperrors.ErrStorage, err.Error())
	}

	var current int
	err = s.db.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current)
	if err != nil {
		return errors.Wrap(apperrors.ErrStorage, err.Error())
	}
	if err := schemaSupported(current); err != nil {
		return errors.Wrap(err, "[Migrate]")
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m.version, m.stmts); err != nil {
			return errors.Wrapf(err, "[Migrate] applying version %d", m.version)
		}
	}
	return nil
}

// schemaSupported rejects a database already migrated past what this build
// knows, which means a newer engine owns it.
func schemaSupported(current int) error {
	latest := migrations[len(migrations)-1].version
	if current > latest {
		return errors.Wrapf(apperrors.ErrSchemaMismatch,
			"database at version %d, engine supports up to %d", current, latest)
	}
	return nil
}

func (s *PostgresStore) applyMigration(ctx context.Context, version int, stmts []string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(apperrors.ErrStorage, err.Error())
	}
	defer tx.Rollback(ctx)

	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return errors.Wrap(apperrors.ErrStorage, err.Error())
		}
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, version); err != nil {
		return errors.Wrap(apperrors.ErrStorage, err.Error())
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(apperrors.ErrStorage, err.Error())
	}
	return nil
}
