// Package repository exposes the small, pure-SQL query surface the
// scheduler needs: get/update by id, incomplete-users, runnable-jobs and
// cascade-cancel. It holds no state beyond the store it wraps.
package repository

import (
	"context"
	"time"

	"github.com/wsiflow/scheduler/store"
)

// Repository is the scheduler's view of persistence. Every method runs
// against the Store it wraps and returns plain values; there is no
// cross-call state.
type Repository struct {
	store *store.Store
}

func New(s *store.Store) *Repository {
	return &Repository{store: s}
}

func (r *Repository) GetJob(ctx context.Context, id string) (*store.Job, error) {
	return r.store.GetJob(ctx, id)
}

// IncompleteUsers returns the distinct set of users with at least one job
// in PENDING or RUNNING. Used for admission.
func (r *Repository) IncompleteUsers(ctx context.Context) (map[string]struct{}, error) {
	return r.store.IncompleteUsers(ctx)
}

// Runnable returns PENDING jobs owned by one of allowedUsers that are first
// in their branch or whose in-branch predecessor is SUCCEEDED, ordered
// ascending by CreatedAt.
// Returns an empty slice when allowedUsers is empty.
func (r *Repository) Runnable(ctx context.Context, allowedUsers []string) ([]*store.Job, error) {
	if len(allowedUsers) == 0 {
		return nil, nil
	}
	return r.store.RunnableJobs(ctx, allowedUsers)
}

// CascadeCancel cancels every PENDING job whose in-branch predecessor is
// FAILED or CANCELLED. Returns the count changed.
func (r *Repository) CascadeCancel(ctx context.Context) (int, error) {
	return r.store.CascadeCancel(ctx)
}

// GetJobsByUserStatus lists a user's jobs in the given status, used by the
// scheduler to find the earliest-pending job per admission candidate.
func (r *Repository) GetJobsByUserStatus(ctx context.Context, userID string, status store.JobStatus) ([]*store.Job, error) {
	return r.store.ListJobs(ctx, &store.FindJob{UserID: &userID, Status: &status})
}

func (r *Repository) GetOrCreateBranch(ctx context.Context, workflowID, name string) (*store.Branch, error) {
	return r.store.GetOrCreateBranch(ctx, workflowID, name)
}

func (r *Repository) AppendJob(ctx context.Context, branch *store.Branch, create *store.CreateJob) (*store.Job, error) {
	return r.store.AppendJob(ctx, branch, create)
}

// MarkRunning flips a job to RUNNING and stamps StartedAt.
func (r *Repository) MarkRunning(ctx context.Context, id string) (*store.Job, error) {
	status := store.JobStatusRunning
	now := time.Now()
	return r.store.UpdateJob(ctx, &store.UpdateJob{ID: id, Status: &status, StartedAt: &now})
}

// MarkSucceeded flips a job to SUCCEEDED, stamps FinishedAt and sets
// progress to 1.0.
func (r *Repository) MarkSucceeded(ctx context.Context, id string) (*store.Job, error) {
	status := store.JobStatusSucceeded
	progress := 1.0
	now := time.Now()
	return r.store.UpdateJob(ctx, &store.UpdateJob{ID: id, Status: &status, Progress: &progress, FinishedAt: &now})
}

// MarkFailed flips a job to FAILED and stamps FinishedAt.
func (r *Repository) MarkFailed(ctx context.Context, id string) (*store.Job, error) {
	status := store.JobStatusFailed
	now := time.Now()
	return r.store.UpdateJob(ctx, &store.UpdateJob{ID: id, Status: &status, FinishedAt: &now})
}

// MarkCancelled flips a job to CANCELLED and stamps FinishedAt. No-op
// (returns the row unchanged) if it is already terminal.
func (r *Repository) MarkCancelled(ctx context.Context, id string) (*store.Job, error) {
	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil || job.Status.IsTerminal() {
		return job, nil
	}
	status := store.JobStatusCancelled
	now := time.Now()
	return r.store.UpdateJob(ctx, &store.UpdateJob{ID: id, Status: &status, FinishedAt: &now})
}

// UpdateProgress persists incremental tile-progress counters without
// touching status.
func (r *Repository) UpdateProgress(ctx context.Context, id string, progress float64, processedTiles, totalTiles int) error {
	_, err := r.store.UpdateJob(ctx, &store.UpdateJob{
		ID:             id,
		Progress:       &progress,
		ProcessedTiles: &processedTiles,
		TotalTiles:     &totalTiles,
	})
	return err
}
