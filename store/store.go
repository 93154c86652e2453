package store

import (
	"context"

	"github.com/wsiflow/scheduler/internal/profile"
)

// Store provides database access to workflows, branches and jobs. It holds
// no state of its own beyond the driver; every method delegates.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new Store backed by driver.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{driver: driver, profile: profile}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.driver.Close()
}

// Purge truncates the three durable tables. Called once at startup.
func (s *Store) Purge(ctx context.Context) error {
	return s.driver.Purge(ctx)
}

func (s *Store) CreateWorkflow(ctx context.Context, create *CreateWorkflow) (*Workflow, error) {
	return s.driver.CreateWorkflow(ctx, create)
}

func (s *Store) GetWorkflow(ctx context.Context, find *FindWorkflow) (*Workflow, error) {
	return s.driver.GetWorkflow(ctx, find)
}

func (s *Store) ListWorkflows(ctx context.Context, find *FindWorkflow) ([]*Workflow, error) {
	return s.driver.ListWorkflows(ctx, find)
}

func (s *Store) GetOrCreateBranch(ctx context.Context, workflowID, name string) (*Branch, error) {
	return s.driver.GetOrCreateBranch(ctx, workflowID, name)
}

func (s *Store) AppendJob(ctx context.Context, branch *Branch, create *CreateJob) (*Job, error) {
	return s.driver.AppendJob(ctx, branch, create)
}

func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.driver.GetJob(ctx, id)
}

func (s *Store) ListJobs(ctx context.Context, find *FindJob) ([]*Job, error) {
	return s.driver.ListJobs(ctx, find)
}

func (s *Store) ListJobsByWorkflow(ctx context.Context, workflowID string) ([]*Job, error) {
	return s.driver.ListJobsByWorkflow(ctx, workflowID)
}

func (s *Store) UpdateJob(ctx context.Context, update *UpdateJob) (*Job, error) {
	return s.driver.UpdateJob(ctx, update)
}

func (s *Store) IncompleteUsers(ctx context.Context) (map[string]struct{}, error) {
	return s.driver.IncompleteUsers(ctx)
}

func (s *Store) RunnableJobs(ctx context.Context, allowedUsers []string) ([]*Job, error) {
	return s.driver.RunnableJobs(ctx, allowedUsers)
}

func (s *Store) CascadeCancel(ctx context.Context) (int, error) {
	return s.driver.CascadeCancel(ctx)
}
