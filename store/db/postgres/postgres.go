// Package postgres is the PostgreSQL-backed Driver implementation, the
// recommended backend for production deployments with more than one
// scheduler replica talking to the same database.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/wsiflow/scheduler/internal/profile"
	"github.com/wsiflow/scheduler/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS branches (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL REFERENCES workflows(id),
	name TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_branches_workflow_name ON branches(workflow_id, name);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL REFERENCES workflows(id),
	branch_id TEXT NOT NULL REFERENCES branches(id),
	user_id TEXT NOT NULL,
	type TEXT NOT NULL,
	input_path TEXT NOT NULL,
	output_path TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	progress DOUBLE PRECISION NOT NULL DEFAULT 0,
	order_index INTEGER NOT NULL,
	total_tiles INTEGER NOT NULL DEFAULT 0,
	processed_tiles INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_user_id ON jobs(user_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_branch_order ON jobs(branch_id, order_index);
`

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a connection pool against profile.DSN and applies the schema.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, fmt.Errorf("dsn required")
	}

	pgDB, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open db with dsn %q: %w", profile.DSN, err)
	}

	pgDB.SetMaxOpenConns(max(profile.MaxWorkers, 4) + 4)
	pgDB.SetMaxIdleConns(4)

	if err := pgDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := pgDB.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{db: pgDB, profile: profile}, nil
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
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"jobs", "branches", "workflows"} {
		if _, err := tx.ExecContext(ctx, "TRUNCATE TABLE "+table+" CASCADE"); err != nil {
			return fmt.Errorf("failed to purge table %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit purge: %w", err)
	}
	return nil
}
