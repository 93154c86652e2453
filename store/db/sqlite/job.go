package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/wsiflow/scheduler/store"
)

const jobColumns = `id, workflow_id, branch_id, user_id, type, input_path, output_path,
	status, progress, order_index, total_tiles, processed_tiles,
	created_at, started_at, finished_at`

func scanJob(row interface{ Scan(...any) error }) (*store.Job, error) {
	var j store.Job
	err := row.Scan(
		&j.ID, &j.WorkflowID, &j.BranchID, &j.UserID, &j.Type, &j.InputPath, &j.OutputPath,
		&j.Status, &j.Progress, &j.OrderIndex, &j.TotalTiles, &j.ProcessedTiles,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// AppendJob assigns OrderIndex = (max in branch) + 1 (or 0 if empty) and
// inserts the new row. The read-then-write runs inside one transaction so
// concurrent appends to the same branch cannot both observe the same max.
func (d *DB) AppendJob(ctx context.Context, branch *store.Branch, create *store.CreateJob) (*store.Job, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var nextIndex int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(order_index) + 1, 0) FROM jobs WHERE branch_id = ?`,
		branch.ID,
	).Scan(&nextIndex)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute next order index")
	}

	j := &store.Job{
		ID:         uuid.NewString(),
		WorkflowID: create.WorkflowID,
		BranchID:   branch.ID,
		UserID:     create.UserID,
		Type:       create.Type,
		InputPath:  create.InputPath,
		OutputPath: create.OutputPath,
		Status:     store.JobStatusPending,
		OrderIndex: nextIndex,
		CreatedAt:  time.Now().UTC(),
	}

	// CreatedAt is stamped in Go rather than via SQL's CURRENT_TIMESTAMP
	// (second resolution in SQLite) since the FIFO tie-break in
	// RunnableJobs and admission ordering both sort by this column.
	stmt := `
		INSERT INTO jobs (id, workflow_id, branch_id, user_id, type, input_path, output_path,
			status, progress, order_index, total_tiles, processed_tiles, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, 0, 0, ?)
	`
	_, err = tx.ExecContext(ctx, stmt,
		j.ID, j.WorkflowID, j.BranchID, j.UserID, j.Type, j.InputPath, j.OutputPath,
		j.Status, j.OrderIndex, j.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert job")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit append")
	}
	return j, nil
}

func (d *DB) GetJob(ctx context.Context, id string) (*store.Job, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return j, nil
}

func (d *DB) ListJobs(ctx context.Context, find *store.FindJob) ([]*store.Job, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.BranchID != nil {
		where, args = append(where, "branch_id = ?"), append(args, *find.BranchID)
	}
	if find.UserID != nil {
		where, args = append(where, "user_id = ?"), append(args, *find.UserID)
	}
	if find.Status != nil {
		where, args = append(where, "status = ?"), append(args, *find.Status)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + joinAnd(where) + ` ORDER BY created_at ASC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*store.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (d *DB) ListJobsByWorkflow(ctx context.Context, workflowID string) ([]*store.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE workflow_id = ? ORDER BY branch_id ASC, order_index ASC`
	rows, err := d.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs by workflow")
	}
	defer rows.Close()

	var jobs []*store.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (d *DB) UpdateJob(ctx context.Context, update *store.UpdateJob) (*store.Job, error) {
	set, args := []string{}, []any{}

	if update.Status != nil {
		set, args = append(set, "status = ?"), append(args, *update.Status)
	}
	if update.Progress != nil {
		set, args = append(set, "progress = ?"), append(args, *update.Progress)
	}
	if update.TotalTiles != nil {
		set, args = append(set, "total_tiles = ?"), append(args, *update.TotalTiles)
	}
	if update.ProcessedTiles != nil {
		set, args = append(set, "processed_tiles = ?"), append(args, *update.ProcessedTiles)
	}
	if update.StartedAt != nil {
		set, args = append(set, "started_at = ?"), append(args, *update.StartedAt)
	}
	if update.FinishedAt != nil {
		set, args = append(set, "finished_at = ?"), append(args, *update.FinishedAt)
	}
	if len(set) == 0 {
		return d.GetJob(ctx, update.ID)
	}

	query := "UPDATE jobs SET " + set[0]
	for _, c := range set[1:] {
		query += ", " + c
	}
	query += " WHERE id = ?"
	args = append(args, update.ID)

	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to update job")
	}
	return d.GetJob(ctx, update.ID)
}

// IncompleteUsers returns the distinct set of user ids with at least one
// job in PENDING or RUNNING. Used by the scheduler's admission pass.
func (d *DB) IncompleteUsers(ctx context.Context) (map[string]struct{}, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM jobs WHERE status IN (?, ?)`,
		store.JobStatusPending, store.JobStatusRunning,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list incomplete users")
	}
	defer rows.Close()

	users := make(map[string]struct{})
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, errors.Wrap(err, "failed to scan user id")
		}
		users[userID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// RunnableJobs returns PENDING jobs owned by one of allowedUsers whose
// in-branch predecessor is SUCCEEDED (or who are first, order_index == 0),
// ordered ascending by created_at.
func (d *DB) RunnableJobs(ctx context.Context, allowedUsers []string) ([]*store.Job, error) {
	if len(allowedUsers) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(allowedUsers))
	args := make([]any, 0, len(allowedUsers)+2)
	args = append(args, store.JobStatusPending)
	for i, u := range allowedUsers {
		placeholders[i] = "?"
		args = append(args, u)
	}
	args = append(args, store.JobStatusSucceeded)

	query := `
		SELECT ` + jobColumns + ` FROM jobs j
		WHERE j.status = ?
		  AND j.user_id IN (` + joinComma(placeholders) + `)
		  AND (
		    j.order_index = 0
		    OR EXISTS (
		      SELECT 1 FROM jobs p
		      WHERE p.branch_id = j.branch_id
		        AND p.order_index = j.order_index - 1
		        AND p.status = ?
		    )
		  )
		ORDER BY j.created_at ASC
	`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runnable jobs")
	}
	defer rows.Close()

	var jobs []*store.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// CascadeCancel cancels every PENDING job whose in-branch predecessor is
// FAILED or CANCELLED. Commits atomically; returns the count changed.
func (d *DB) CascadeCancel(ctx context.Context) (int, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, finished_at = CURRENT_TIMESTAMP
		WHERE status = ?
		  AND EXISTS (
		    SELECT 1 FROM jobs p
		    WHERE p.branch_id = jobs.branch_id
		      AND p.order_index = jobs.order_index - 1
		      AND p.status IN (?, ?)
		  )
	`, store.JobStatusCancelled, store.JobStatusPending, store.JobStatusFailed, store.JobStatusCancelled)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cascade cancel")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read rows affected")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit cascade cancel")
	}
	return int(n), nil
}

func joinComma(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}
