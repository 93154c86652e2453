// Package sqlite is the SQLite-backed Driver implementation. It targets
// local development and single-node deployments.
package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Pure-Go SQLite driver; no cgo required.
	_ "modernc.org/sqlite"

	"github.com/wsiflow/scheduler/internal/profile"
	"github.com/wsiflow/scheduler/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS branches (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	name TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_branches_workflow_name ON branches(workflow_id, name);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	branch_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	type TEXT NOT NULL,
	input_path TEXT NOT NULL,
	output_path TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	progress REAL NOT NULL DEFAULT 0,
	order_index INTEGER NOT NULL,
	total_tiles INTEGER NOT NULL DEFAULT 0,
	processed_tiles INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	finished_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_user_id ON jobs(user_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_branch_order ON jobs(branch_id, order_index);
`

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens (and if necessary creates) the SQLite database named by
// profile.DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	sqliteDB, err := sql.Open("sqlite", profile.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
	}
	for _, pragma := range pragmas {
		if _, err := sqliteDB.Exec(pragma); err != nil {
			return nil, errors.Wrapf(err, "failed to set pragma: %s", pragma)
		}
	}

	// SQLite handles concurrent writers poorly even under WAL; a single
	// connection turns every statement into a serialization point, which is
	// exactly what the per-branch append and status-flip invariants need.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)

	if _, err := sqliteDB.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "failed to apply schema")
	}

	return &DB{db: sqliteDB, profile: profile}, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Purge(ctx context.Context) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	for _, table := range []string{"jobs", "branches", "workflows"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return errors.Wrapf(err, "failed to purge table %s", table)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit purge")
	}
	return nil
}
