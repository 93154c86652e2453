package store

import "time"

// Workflow is a named collection of branches owned by one user.
type Workflow struct {
	ID        string
	UserID    string
	Name      string
	CreatedAt time.Time
}

// CreateWorkflow carries the caller-supplied fields of a new workflow.
type CreateWorkflow struct {
	UserID string
	Name   string
}

// FindWorkflow is an optional-filter selector over workflows.
type FindWorkflow struct {
	ID     *string
	UserID *string
}

// Branch is an ordered sequence of jobs that must execute serially.
type Branch struct {
	ID         string
	WorkflowID string
	Name       string
}
