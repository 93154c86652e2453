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

func (d *DB) CreateWorkflow(ctx context.Context, create *store.CreateWorkflow) (*store.Workflow, error) {
	wf := &store.Workflow{ID: uuid.NewString(), UserID: create.UserID, Name: create.Name}

	query := `
		INSERT INTO workflows (id, user_id, name)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`
	if err := d.db.QueryRowContext(ctx, query, wf.ID, wf.UserID, wf.Name).Scan(&wf.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
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
		args = append(args, *find.ID)
		where = append(where, "id = $"+strconv.Itoa(len(args)))
	}
	if find.UserID != nil {
		args = append(args, *find.UserID)
		where = append(where, "user_id = $"+strconv.Itoa(len(args)))
	}

	query := `SELECT id, user_id, name, created_at FROM workflows WHERE ` + joinAnd(where) + ` ORDER BY created_at ASC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*store.Workflow
	for rows.Next() {
		var wf store.Workflow
		if err := rows.Scan(&wf.ID, &wf.UserID, &wf.Name, &wf.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
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
		`SELECT id, workflow_id, name FROM branches WHERE workflow_id = $1 AND name = $2`,
		workflowID, name,
	).Scan(&b.ID, &b.WorkflowID, &b.Name)
	if err == nil {
		return &b, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to look up branch: %w", err)
	}

	b = store.Branch{ID: uuid.NewString(), WorkflowID: workflowID, Name: name}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO branches (id, workflow_id, name) VALUES ($1, $2, $3)
		 ON CONFLICT (workflow_id, name) DO NOTHING`,
		b.ID, b.WorkflowID, b.Name,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create branch: %w", err)
	}

	err = d.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, name FROM branches WHERE workflow_id = $1 AND name = $2`,
		workflowID, name,
	).Scan(&b.ID, &b.WorkflowID, &b.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to read back branch: %w", err)
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
