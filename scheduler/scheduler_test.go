package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wsiflow/scheduler/internal/profile"
	"github.com/wsiflow/scheduler/jobruntime"
	"github.com/wsiflow/scheduler/repository"
	"github.com/wsiflow/scheduler/store"
	"github.com/wsiflow/scheduler/store/db/sqlite"
)

func newTestScheduler(t *testing.T, maxWorkers, maxActiveUsers int, dispatcher *jobruntime.Dispatcher) (*Scheduler, *store.Store) {
	t.Helper()
	driver, err := sqlite.NewDB(&profile.Profile{DSN: "file::memory:?cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { driver.Close() })

	s := store.New(driver, &profile.Profile{})
	repo := repository.New(s)
	sched := New(repo, dispatcher, nil, maxWorkers, maxActiveUsers, time.Millisecond)
	return sched, s
}

func appendBranch(t *testing.T, ctx context.Context, s *store.Store, wf *store.Workflow, branchName string, n int) []*store.Job {
	t.Helper()
	branch, err := s.GetOrCreateBranch(ctx, wf.ID, branchName)
	require.NoError(t, err)

	jobs := make([]*store.Job, 0, n)
	for i := 0; i < n; i++ {
		job, err := s.AppendJob(ctx, branch, &store.CreateJob{
			WorkflowID: wf.ID,
			UserID:     wf.UserID,
			Type:       store.JobTypePreviewDownsample,
			InputPath:  "in",
			OutputPath: "out",
		})
		require.NoError(t, err)
		jobs = append(jobs, job)
	}
	return jobs
}

// waitUntil polls cond every few milliseconds until it returns true or the
// timeout elapses, ticking the scheduler manually instead of relying on
// Start's background goroutine so tests stay deterministic.
func waitUntil(t *testing.T, s *Scheduler, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	ctx := context.Background()
	for time.Now().Before(deadline) {
		require.NoError(t, s.tick(ctx))
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func instantSuccess(_ context.Context, _ *store.Job, _ *jobruntime.ProgressReporter) error {
	return nil
}

var errBoom = errors.New("boom")

func alwaysFails(_ context.Context, _ *store.Job, _ *jobruntime.ProgressReporter) error {
	return errBoom
}

func TestScheduler_LinearBranchRunsInOrder(t *testing.T) {
	ctx := context.Background()
	dispatcher := jobruntime.NewDispatcher()
	dispatcher.Register(store.JobTypePreviewDownsample, instantSuccess)

	sched, s := newTestScheduler(t, 4, 4, dispatcher)

	wf, err := s.CreateWorkflow(ctx, &store.CreateWorkflow{UserID: "u1", Name: "w"})
	require.NoError(t, err)
	jobs := appendBranch(t, ctx, s, wf, "b", 3)

	waitUntil(t, sched, time.Second, func() bool {
		jobs, err := s.ListJobsByWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		for _, j := range jobs {
			if j.Status != store.JobStatusSucceeded {
				return false
			}
		}
		return true
	})

	final, err := s.ListJobsByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, final, len(jobs))
	for _, j := range final {
		require.Equal(t, store.JobStatusSucceeded, j.Status)
		require.Equal(t, 1.0, j.Progress)
	}
	for i := 1; i < len(final); i++ {
		require.NotNil(t, final[i].StartedAt)
		require.NotNil(t, final[i-1].FinishedAt)
		require.False(t, final[i].StartedAt.Before(*final[i-1].FinishedAt), "job %d started before job %d finished", i, i-1)
	}
}

func TestScheduler_CascadeCancelOnFailure(t *testing.T) {
	ctx := context.Background()
	dispatcher := jobruntime.NewDispatcher()
	dispatcher.Register(store.JobTypePreviewDownsample, instantSuccess)

	sched, s := newTestScheduler(t, 1, 4, dispatcher)

	wf, err := s.CreateWorkflow(ctx, &store.CreateWorkflow{UserID: "u1", Name: "w"})
	require.NoError(t, err)
	branch, err := s.GetOrCreateBranch(ctx, wf.ID, "b")
	require.NoError(t, err)

	job0, err := s.AppendJob(ctx, branch, &store.CreateJob{WorkflowID: wf.ID, UserID: "u1", Type: store.JobTypePreviewDownsample, InputPath: "i", OutputPath: "o"})
	require.NoError(t, err)
	job1, err := s.AppendJob(ctx, branch, &store.CreateJob{WorkflowID: wf.ID, UserID: "u1", Type: store.JobTypeTissueMask, InputPath: "i", OutputPath: "o"})
	require.NoError(t, err)
	job2, err := s.AppendJob(ctx, branch, &store.CreateJob{WorkflowID: wf.ID, UserID: "u1", Type: store.JobTypePreviewDownsample, InputPath: "i", OutputPath: "o"})
	require.NoError(t, err)

	dispatcher.Register(store.JobTypeTissueMask, alwaysFails)

	waitUntil(t, sched, time.Second, func() bool {
		j2, err := s.GetJob(ctx, job2.ID)
		require.NoError(t, err)
		return j2.Status.IsTerminal()
	})

	j0, err := s.GetJob(ctx, job0.ID)
	require.NoError(t, err)
	j1, err := s.GetJob(ctx, job1.ID)
	require.NoError(t, err)
	j2, err := s.GetJob(ctx, job2.ID)
	require.NoError(t, err)

	require.Equal(t, store.JobStatusSucceeded, j0.Status)
	require.Equal(t, store.JobStatusFailed, j1.Status)
	require.Equal(t, store.JobStatusCancelled, j2.Status)
}

func TestScheduler_AdmissionFairness(t *testing.T) {
	ctx := context.Background()
	dispatcher := jobruntime.NewDispatcher()
	dispatcher.Register(store.JobTypePreviewDownsample, instantSuccess)

	sched, s := newTestScheduler(t, 4, 1, dispatcher)

	wf1, err := s.CreateWorkflow(ctx, &store.CreateWorkflow{UserID: "u1", Name: "w1"})
	require.NoError(t, err)
	appendBranch(t, ctx, s, wf1, "b", 3)

	time.Sleep(2 * time.Millisecond)

	wf2, err := s.CreateWorkflow(ctx, &store.CreateWorkflow{UserID: "u2", Name: "w2"})
	require.NoError(t, err)
	appendBranch(t, ctx, s, wf2, "b", 3)

	// Checked on every tick while u1 still has unfinished work: once u1's
	// jobs are all done, the next tick is free to admit u2.
	waitUntil(t, sched, 2*time.Second, func() bool {
		jobs, err := s.ListJobsByWorkflow(ctx, wf1.ID)
		require.NoError(t, err)
		for _, j := range jobs {
			if j.Status != store.JobStatusSucceeded {
				wf2Jobs, err := s.ListJobsByWorkflow(ctx, wf2.ID)
				require.NoError(t, err)
				for _, j2 := range wf2Jobs {
					require.Equal(t, store.JobStatusPending, j2.Status, "u2's jobs must not start before u1's finish")
				}
				return false
			}
		}
		return true
	})
}

// blockingBody reports partial progress, signals started, then blocks until
// ctx is cancelled. It mirrors the imagetasks bodies' contract: it checks
// ctx before committing any further progress, so a body that observes
// cancellation must never write again after that point.
func blockingBody(started chan struct{}) jobruntime.Body {
	return func(ctx context.Context, _ *store.Job, progress *jobruntime.ProgressReporter) error {
		if err := progress.Report(ctx, 5, 10); err != nil {
			return err
		}
		close(started)
		<-ctx.Done()
		if ctx.Err() == nil {
			_ = progress.Report(ctx, 10, 10)
		}
		return ctx.Err()
	}
}

func TestScheduler_KillCancelsRunningJobMidRun(t *testing.T) {
	ctx := context.Background()
	dispatcher := jobruntime.NewDispatcher()
	started := make(chan struct{})
	dispatcher.Register(store.JobTypePreviewDownsample, blockingBody(started))

	sched, s := newTestScheduler(t, 4, 4, dispatcher)

	wf, err := s.CreateWorkflow(ctx, &store.CreateWorkflow{UserID: "u1", Name: "w"})
	require.NoError(t, err)
	jobs := appendBranch(t, ctx, s, wf, "b", 1)
	job := jobs[0]

	require.NoError(t, sched.tick(ctx))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("job never started running")
	}

	killed, err := sched.Kill(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, killed, "a live task handle must have been cancelled")

	waitUntil(t, sched, time.Second, func() bool {
		current, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		return current.Status == store.JobStatusCancelled
	})

	final, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobStatusCancelled, final.Status)
	require.NotNil(t, final.FinishedAt)
	require.Equal(t, 5, final.ProcessedTiles, "the late progress write after cancellation must not land")

	sched.mu.Lock()
	_, stillRunning := sched.running[job.ID]
	sched.mu.Unlock()
	require.False(t, stillRunning, "a killed job must be removed from the running set")
}

func TestScheduler_KillOnTerminalJobIsNoOp(t *testing.T) {
	ctx := context.Background()
	dispatcher := jobruntime.NewDispatcher()
	dispatcher.Register(store.JobTypePreviewDownsample, instantSuccess)

	sched, s := newTestScheduler(t, 4, 4, dispatcher)

	wf, err := s.CreateWorkflow(ctx, &store.CreateWorkflow{UserID: "u1", Name: "w"})
	require.NoError(t, err)
	jobs := appendBranch(t, ctx, s, wf, "b", 1)
	job := jobs[0]

	waitUntil(t, sched, time.Second, func() bool {
		current, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		return current.Status == store.JobStatusSucceeded
	})

	killed, err := sched.Kill(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, killed, "cancelling an already-terminal job must not report a running task killed")

	final, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobStatusSucceeded, final.Status, "a terminal job's status must not change")
}
