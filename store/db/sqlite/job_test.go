package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wsiflow/scheduler/internal/profile"
	"github.com/wsiflow/scheduler/store"
)

func newTestDriver(t *testing.T) store.Driver {
	t.Helper()
	driver, err := NewDB(&profile.Profile{DSN: "file::memory:?cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { driver.Close() })
	return driver
}

func TestAppendJob_AssignsDenseOrderIndex(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	wf, err := d.CreateWorkflow(ctx, &store.CreateWorkflow{UserID: "u1", Name: "wf"})
	require.NoError(t, err)

	branch, err := d.GetOrCreateBranch(ctx, wf.ID, "b")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		job, err := d.AppendJob(ctx, branch, &store.CreateJob{
			WorkflowID: wf.ID,
			UserID:     "u1",
			Type:       store.JobTypePreviewDownsample,
			InputPath:  "in",
			OutputPath: "out",
		})
		require.NoError(t, err)
		require.Equal(t, i, job.OrderIndex)
		require.Equal(t, store.JobStatusPending, job.Status)
	}
}

func TestGetOrCreateBranch_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	wf, err := d.CreateWorkflow(ctx, &store.CreateWorkflow{UserID: "u1", Name: "wf"})
	require.NoError(t, err)

	b1, err := d.GetOrCreateBranch(ctx, wf.ID, "b")
	require.NoError(t, err)
	b2, err := d.GetOrCreateBranch(ctx, wf.ID, "b")
	require.NoError(t, err)

	require.Equal(t, b1.ID, b2.ID)
}

func TestRunnableJobs_EmptyAllowedUsers(t *testing.T) {
	d := newTestDriver(t)

	jobs, err := d.RunnableJobs(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestRunnableJobs_RespectsPredecessor(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	wf, err := d.CreateWorkflow(ctx, &store.CreateWorkflow{UserID: "u1", Name: "wf"})
	require.NoError(t, err)
	branch, err := d.GetOrCreateBranch(ctx, wf.ID, "b")
	require.NoError(t, err)

	first, err := d.AppendJob(ctx, branch, &store.CreateJob{WorkflowID: wf.ID, UserID: "u1", Type: store.JobTypePreviewDownsample, InputPath: "i", OutputPath: "o"})
	require.NoError(t, err)
	_, err = d.AppendJob(ctx, branch, &store.CreateJob{WorkflowID: wf.ID, UserID: "u1", Type: store.JobTypePreviewDownsample, InputPath: "i", OutputPath: "o"})
	require.NoError(t, err)

	runnable, err := d.RunnableJobs(ctx, []string{"u1"})
	require.NoError(t, err)
	require.Len(t, runnable, 1)
	require.Equal(t, first.ID, runnable[0].ID)

	succeeded := store.JobStatusSucceeded
	_, err = d.UpdateJob(ctx, &store.UpdateJob{ID: first.ID, Status: &succeeded})
	require.NoError(t, err)

	runnable, err = d.RunnableJobs(ctx, []string{"u1"})
	require.NoError(t, err)
	require.Len(t, runnable, 1)
	require.NotEqual(t, first.ID, runnable[0].ID)
}

func TestCascadeCancel_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	d := newTestDriver(t)

	wf, err := d.CreateWorkflow(ctx, &store.CreateWorkflow{UserID: "u1", Name: "wf"})
	require.NoError(t, err)
	branch, err := d.GetOrCreateBranch(ctx, wf.ID, "b")
	require.NoError(t, err)

	first, err := d.AppendJob(ctx, branch, &store.CreateJob{WorkflowID: wf.ID, UserID: "u1", Type: store.JobTypePreviewDownsample, InputPath: "i", OutputPath: "o"})
	require.NoError(t, err)
	second, err := d.AppendJob(ctx, branch, &store.CreateJob{WorkflowID: wf.ID, UserID: "u1", Type: store.JobTypePreviewDownsample, InputPath: "i", OutputPath: "o"})
	require.NoError(t, err)

	failed := store.JobStatusFailed
	_, err = d.UpdateJob(ctx, &store.UpdateJob{ID: first.ID, Status: &failed})
	require.NoError(t, err)

	n, err := d.CascadeCancel(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	cancelled, err := d.GetJob(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobStatusCancelled, cancelled.Status)

	n, err = d.CascadeCancel(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
