package store

import "context"

// Driver is the storage backend behind a Store. One implementation exists
// per supported database (postgres, sqlite); Store delegates every call to
// whichever Driver it was constructed with.
type Driver interface {
	// Purge truncates workflows, branches and jobs in one transaction. Called
	// once at process startup: the system makes no crash-recovery claim for
	// in-flight jobs.
	Purge(ctx context.Context) error

	CreateWorkflow(ctx context.Context, create *CreateWorkflow) (*Workflow, error)
	GetWorkflow(ctx context.Context, find *FindWorkflow) (*Workflow, error)
	ListWorkflows(ctx context.Context, find *FindWorkflow) ([]*Workflow, error)

	GetOrCreateBranch(ctx context.Context, workflowID, name string) (*Branch, error)

	AppendJob(ctx context.Context, branch *Branch, create *CreateJob) (*Job, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, find *FindJob) ([]*Job, error)
	ListJobsByWorkflow(ctx context.Context, workflowID string) ([]*Job, error)
	UpdateJob(ctx context.Context, update *UpdateJob) (*Job, error)

	// IncompleteUsers returns the distinct set of user ids with at least one
	// job in PENDING or RUNNING.
	IncompleteUsers(ctx context.Context) (map[string]struct{}, error)

	// RunnableJobs returns PENDING jobs owned by one of allowedUsers whose
	// in-branch predecessor is SUCCEEDED (or who are first in their branch),
	// ordered ascending by CreatedAt. Returns an empty slice for an empty
	// allowedUsers set.
	RunnableJobs(ctx context.Context, allowedUsers []string) ([]*Job, error)

	// CascadeCancel cancels every PENDING job whose in-branch predecessor is
	// FAILED or CANCELLED, and returns the number of rows changed.
	CascadeCancel(ctx context.Context) (int, error)

	Close() error
}
