package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

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

// AppendJob assigns OrderIndex = (max in branch) + 1 (or 0 if empty) inside
// one transaction so concurrent appends to the same branch serialize.
func (d *DB) AppendJob(ctx context.Context, branch *store.Branch, create *store.CreateJob) (*store.Job, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Lock the branch row first so concurrent appends to the same branch
	// queue up here; PostgreSQL does not allow FOR UPDATE on an aggregate.
	if _, err := tx.ExecContext(ctx, `SELECT id FROM branches WHERE id = $1 FOR UPDATE`, branch.ID); err != nil {
		return nil, fmt.Errorf("failed to lock branch: %w", err)
	}

	var nextIndex int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(order_index) + 1, 0) FROM jobs WHERE branch_id = $1`,
		branch.ID,
	).Scan(&nextIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to compute next order index: %w", err)
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
	}

	query := `
		INSERT INTO jobs (id, workflow_id, branch_id, user_id, type, input_path, output_path,
			status, progress, order_index, total_tiles, processed_tiles)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, 0, 0)
		RETURNING created_at
	`
	err = tx.QueryRowContext(ctx, query,
		j.ID, j.WorkflowID, j.BranchID, j.UserID, j.Type, j.InputPath, j.OutputPath,
		j.Status, j.OrderIndex,
	).Scan(&j.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}
	return j, nil
}

func (d *DB) GetJob(ctx context.Context, id string) (*store.Job, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

func (d *DB) ListJobs(ctx context.Context, find *store.FindJob) ([]*store.Job, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		args = append(args, *find.ID)
		where = append(where, "id = $"+strconv.Itoa(len(args)))
	}
	if find.BranchID != nil {
		args = append(args, *find.BranchID)
		where = append(where, "branch_id = $"+strconv.Itoa(len(args)))
	}
	if find.UserID != nil {
		args = append(args, *find.UserID)
		where = append(where, "user_id = $"+strconv.Itoa(len(args)))
	}
	if find.Status != nil {
		args = append(args, *find.Status)
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + joinAnd(where) + ` ORDER BY created_at ASC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*store.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (d *DB) ListJobsByWorkflow(ctx context.Context, workflowID string) ([]*store.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE workflow_id = $1 ORDER BY branch_id ASC, order_index ASC`
	rows, err := d.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by workflow: %w", err)
	}
	defer rows.Close()

	var jobs []*store.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
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

	add := func(col string, val any) {
		args = append(args, val)
		set = append(set, col+" = $"+strconv.Itoa(len(args)))
	}

	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.Progress != nil {
		add("progress", *update.Progress)
	}
	if update.TotalTiles != nil {
		add("total_tiles", *update.TotalTiles)
	}
	if update.ProcessedTiles != nil {
		add("processed_tiles", *update.ProcessedTiles)
	}
	if update.StartedAt != nil {
		add("started_at", *update.StartedAt)
	}
	if update.FinishedAt != nil {
		add("finished_at", *update.FinishedAt)
	}
	if len(set) == 0 {
		return d.GetJob(ctx, update.ID)
	}

	query := "UPDATE jobs SET " + set[0]
	for _, c := range set[1:] {
		query += ", " + c
	}
	args = append(args, update.ID)
	query += " WHERE id = $" + strconv.Itoa(len(args))

	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	return d.GetJob(ctx, update.ID)
}

func (d *DB) IncompleteUsers(ctx context.Context) (map[string]struct{}, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM jobs WHERE status IN ($1, $2)`,
		store.JobStatusPending, store.JobStatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete users: %w", err)
	}
	defer rows.Close()

	users := make(map[string]struct{})
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		users[userID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (d *DB) RunnableJobs(ctx context.Context, allowedUsers []string) ([]*store.Job, error) {
	if len(allowedUsers) == 0 {
		return nil, nil
	}

	args := []any{store.JobStatusPending}
	placeholders := make([]string, len(allowedUsers))
	for i, u := range allowedUsers {
		args = append(args, u)
		placeholders[i] = "$" + strconv.Itoa(len(args))
	}
	args = append(args, store.JobStatusSucceeded)
	succeededIdx := "$" + strconv.Itoa(len(args))

	query := `
		SELECT ` + jobColumns + ` FROM jobs j
		WHERE j.status = $1
		  AND j.user_id IN (` + joinComma(placeholders) + `)
		  AND (
		    j.order_index = 0
		    OR EXISTS (
		      SELECT 1 FROM jobs p
		      WHERE p.branch_id = j.branch_id
		        AND p.order_index = j.order_index - 1
		        AND p.status = ` + succeededIdx + `
		    )
		  )
		ORDER BY j.created_at ASC
	`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runnable jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*store.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (d *DB) CascadeCancel(ctx context.Context) (int, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, finished_at = now()
		WHERE status = $2
		  AND EXISTS (
		    SELECT 1 FROM jobs p
		    WHERE p.branch_id = jobs.branch_id
		      AND p.order_index = jobs.order_index - 1
		      AND p.status IN ($3, $4)
		  )
	`, store.JobStatusCancelled, store.JobStatusPending, store.JobStatusFailed, store.JobStatusCancelled)
	if err != nil {
		return 0, fmt.Errorf("failed to cascade cancel: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cascade cancel: %w", err)
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
