package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/wsiflow/scheduler/store"
)

func (d *DB) CreateWorkflow(ctx context.Context, create *store.CreateWorkflow) (*store.Workflow, error) {
	wf := &store.Workflow{
		ID:        uuid.NewString(),
		UserID:    create.UserID,
		Name:      create.Name,
		CreatedAt: time.Now().UTC(),
	}

	// CreatedAt is stamped in Go, not via SQL's CURRENT_TIMESTAMP, which in
	// SQLite only has second resolution — too coarse for the FIFO tie-break
	// admission and runnable-jobs ordering rely on.
	stmt := `INSERT INTO workflows (id, user_id, name, created_at) VALUES (?, ?, ?, ?)`
	if _, err := d.db.ExecContext(ctx, stmt, wf.ID, wf.UserID, wf.Name, wf.CreatedAt); err != nil {
		return nil, errors.Wrap(err, "failed to create workflow")
	}
	return wf, nil
}

func (d *DB) GetWorkflow(ctx context.Context, find *store.FindWorkflow) (*store.Workflow, error) {
	workflows, err := d.ListWorkflows(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(workflows) == 0 {
		return nil, nil
	}
	return workflows[0], nil
}

func (d *DB) ListWorkflows(ctx context.Context, find *store.FindWorkflow) ([]*store.Workflow, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.UserID != nil {
		where, args = append(where, "user_id = ?"), append(args, *find.UserID)
	}

	query := `
		SELECT id, user_id, name, created_at
		FROM workflows
		WHERE ` + joinAnd(where) + `
		ORDER BY created_at ASC
	`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workflows")
	}
	defer rows.Close()

	var workflows []*store.Workflow
	for rows.Next() {
		var wf store.Workflow
		if err := rows.Scan(&wf.ID, &wf.UserID, &wf.Name, &wf.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan workflow")
		}
		workflows = append(workflows, &wf)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return workflows, nil
}

func (d *DB) GetOrCreateBranch(ctx context.Context, workflowID, name string) (*store.Branch, error) {
	var b store.Branch
	err := d.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, name FROM branches WHERE workflow_id = ? AND name = ?`,
		workflowID, name,
	).Scan(&b.ID, &b.WorkflowID, &b.Name)
	if err == nil {
		return &b, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, "failed to look up branch")
	}

	b = store.Branch{ID: uuid.NewString(), WorkflowID: workflowID, Name: name}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO branches (id, workflow_id, name) VALUES (?, ?, ?)
		 ON CONFLICT (workflow_id, name) DO NOTHING`,
		b.ID, b.WorkflowID, b.Name,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create branch")
	}

	// Someone else may have created it concurrently between the lookup and
	// the insert; re-read to get the winning row's id.
	err = d.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, name FROM branches WHERE workflow_id = ? AND name = ?`,
		workflowID, name,
	).Scan(&b.ID, &b.WorkflowID, &b.Name)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read back branch")
	}
	return &b, nil
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}
