package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

// The table name is configurable, so the schema lives in Go migrations
// rendered against it instead of static SQL files.
const createTasks = `
CREATE TABLE IF NOT EXISTS %[1]s (
    task_id             BIGSERIAL PRIMARY KEY,
    original_file_path  TEXT        NOT NULL CHECK (original_file_path <> ''),
    processed_file_path TEXT,
    task_state          TEXT        NOT NULL DEFAULT 'Created'
        CHECK (task_state IN ('Created', 'InProgress', 'Done', 'Failed')),
    created_at          TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    CONSTRAINT processed_iff_done CHECK ((task_state = 'Done') = (processed_file_path IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (task_state);
`

const dropTasks = `DROP TABLE IF EXISTS %s;`

// tableIdent quotes a possibly schema qualified table name.
func tableIdent(table string) string {
	return pgx.Identifier(strings.Split(table, ".")).Sanitize()
}

func migrations(table string) []*goose.Migration {
	ident := tableIdent(table)
	parts := strings.Split(table, ".")
	index := pgx.Identifier{parts[len(parts)-1] + "_task_state_idx"}.Sanitize()

	return []*goose.Migration{
		goose.NewGoMigration(1,
			&goose.GoFunc{RunTx: func(ctx context.Context, tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, fmt.Sprintf(createTasks, ident, index))
				return err
			}},
			&goose.GoFunc{RunTx: func(ctx context.Context, tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, fmt.Sprintf(dropTasks, ident))
				return err
			}},
		),
	}
}

// Migrate brings the schema of the given tasks table up to date. Each table
// keeps its own goose version table next to it.
func Migrate(ctx context.Context, dsn, table string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return err
	}

	store, err := database.NewStore(database.DialectPostgres, table+"_goose_version")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider("", db, nil,
		goose.WithStore(store),
		goose.WithGoMigrations(migrations(table)...),
	)
	if err != nil {
		return fmt.Errorf("init migrations for %s: %w", table, err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrate %s: %w", table, err)
	}
	return nil
}
