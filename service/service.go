// Package service implements the workflow-facing operations the HTTP
// surface calls: create workflow, append job, summarize status, list,
// cancel. It owns ownership checks and validation; the repository below
// it is pure SQL and the scheduler beside it owns in-memory task state.
package service

import (
	"context"

	"github.com/pkg/errors"

	"github.com/wsiflow/scheduler/repository"
	"github.com/wsiflow/scheduler/scheduler"
	"github.com/wsiflow/scheduler/store"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrUnknownJobType   = errors.New("unknown job type")
	ErrJobNotFound      = errors.New("job not found")
	ErrForbidden        = errors.New("not owned by caller")
)

// Service is the workflow-facing API: validation and ownership checks in
// front of the repository and scheduler.
type Service struct {
	store *store.Store
	repo  *repository.Repository
	sched *scheduler.Scheduler
}

func New(s *store.Store, repo *repository.Repository, sched *scheduler.Scheduler) *Service {
	return &Service{store: s, repo: repo, sched: sched}
}

func (s *Service) CreateWorkflow(ctx context.Context, userID, name string) (*store.Workflow, error) {
	return s.store.CreateWorkflow(ctx, &store.CreateWorkflow{UserID: userID, Name: name})
}

// ListWorkflows returns every workflow owned by userID, oldest first.
func (s *Service) ListWorkflows(ctx context.Context, userID string) ([]*store.Workflow, error) {
	return s.store.ListWorkflows(ctx, &store.FindWorkflow{UserID: &userID})
}

// AddJob validates the workflow belongs to userID and that jobType is a
// known variant, then get-or-creates the named branch and appends the job
// to its tail. The returned job is PENDING.
func (s *Service) AddJob(ctx context.Context, userID, workflowID, branchName string, jobType store.JobType, inputPath, outputPath string) (*store.Job, error) {
	if !jobType.IsValid() {
		return nil, ErrUnknownJobType
	}

	wf, err := s.ownedWorkflow(ctx, userID, workflowID)
	if err != nil {
		return nil, err
	}

	branch, err := s.repo.GetOrCreateBranch(ctx, wf.ID, branchName)
	if err != nil {
		return nil, err
	}

	return s.repo.AppendJob(ctx, branch, &store.CreateJob{
		WorkflowID: wf.ID,
		UserID:     userID,
		Type:       jobType,
		InputPath:  inputPath,
		OutputPath: outputPath,
	})
}

// AggregateStatus is store.JobStatus widened with the EMPTY case a
// workflow with no jobs reports.
type AggregateStatus string

// statusEmpty is the aggregate reported for a workflow with no jobs.
const statusEmpty AggregateStatus = "EMPTY"

// WorkflowStatus is the roll-up returned by GET /api/workflows/{id}: every
// job ordered by branch then order_index, an aggregate status derived by
// the status precedence rule, and the unweighted mean progress across
// jobs (an approximation — see DESIGN.md).
func (s *Service) WorkflowStatus(ctx context.Context, userID, workflowID string) (*store.Workflow, []*store.Job, AggregateStatus, float64, error) {
	wf, err := s.ownedWorkflow(ctx, userID, workflowID)
	if err != nil {
		return nil, nil, "", 0, err
	}

	jobs, err := s.store.ListJobsByWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, nil, "", 0, err
	}

	status, progress := rollUp(jobs)
	return wf, jobs, status, progress, nil
}

// rollUp applies the status precedence rule: RUNNING > PENDING > FAILED >
// CANCELLED, else SUCCEEDED; EMPTY (progress 0) for a jobless workflow.
func rollUp(jobs []*store.Job) (AggregateStatus, float64) {
	if len(jobs) == 0 {
		return statusEmpty, 0
	}

	var anyRunning, anyPending, anyFailed, anyCancelled bool
	var total float64
	for _, j := range jobs {
		switch j.Status {
		case store.JobStatusRunning:
			anyRunning = true
		case store.JobStatusPending:
			anyPending = true
		case store.JobStatusFailed:
			anyFailed = true
		case store.JobStatusCancelled:
			anyCancelled = true
		}
		total += j.Progress
	}
	progress := total / float64(len(jobs))

	switch {
	case anyRunning:
		return AggregateStatus(store.JobStatusRunning), progress
	case anyPending:
		return AggregateStatus(store.JobStatusPending), progress
	case anyFailed:
		return AggregateStatus(store.JobStatusFailed), progress
	case anyCancelled:
		return AggregateStatus(store.JobStatusCancelled), progress
	default:
		return AggregateStatus(store.JobStatusSucceeded), progress
	}
}

// CancelJob validates ownership, no-ops on an already-terminal job, and
// otherwise flips the row to CANCELLED, kills any live in-memory task
// handle, and cascades to successors. Reports whether a running task was
// actually killed.
func (s *Service) CancelJob(ctx context.Context, userID, jobID string) (killedRunningTask bool, err error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, ErrJobNotFound
	}
	if job.UserID != userID {
		return false, ErrForbidden
	}
	if job.Status.IsTerminal() {
		return false, nil
	}

	return s.sched.Kill(ctx, jobID)
}

// ownedWorkflow looks up workflowID and checks that userID owns it, so a
// workflow owned by someone else is indistinguishable from one that doesn't
// exist — both report ErrWorkflowNotFound (404), not ErrForbidden. This
// mirrors workflow_repo.get_workflow_by_id's joint filter in the original
// source, which raises the same not-found error from both routers.
func (s *Service) ownedWorkflow(ctx context.Context, userID, workflowID string) (*store.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, &store.FindWorkflow{ID: &workflowID})
	if err != nil {
		return nil, err
	}
	if wf == nil || wf.UserID != userID {
		return nil, ErrWorkflowNotFound
	}
	return wf, nil
}
