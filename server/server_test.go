package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wsiflow/scheduler/internal/profile"
	"github.com/wsiflow/scheduler/jobruntime"
	"github.com/wsiflow/scheduler/repository"
	"github.com/wsiflow/scheduler/scheduler"
	"github.com/wsiflow/scheduler/service"
	"github.com/wsiflow/scheduler/store"
	"github.com/wsiflow/scheduler/store/db/sqlite"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	driver, err := sqlite.NewDB(&profile.Profile{DSN: "file::memory:?cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { driver.Close() })

	s := store.New(driver, &profile.Profile{})
	repo := repository.New(s)
	sched := scheduler.New(repo, jobruntime.NewDispatcher(), nil, 4, 4, 0)
	svc := service.New(s, repo, sched)
	return New(svc, nil)
}

func TestServer_RejectsRequestsWithoutUserID(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/workflows", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_CreateAndListWorkflow(t *testing.T) {
	srv := newTestServer(t)

	body := strings.NewReader(`{"name": "demo"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/workflows", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(userIDHeader, "u1")
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/api/workflows", nil)
	listReq.Header.Set(userIDHeader, "u1")
	listRec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)
	require.Contains(t, listRec.Body.String(), `"name":"demo"`)
}

func TestServer_AddJobRejectsUnknownType(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	wf, err := srv.service.CreateWorkflow(ctx, "u1", "demo")
	require.NoError(t, err)

	body := strings.NewReader(`{"branch_name": "b", "job_type": "nonsense", "input_path": "i", "output_path": "o"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/workflows/"+wf.ID+"/jobs", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(userIDHeader, "u1")
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// A workflow owned by someone else must look identical to a nonexistent
// one: spec.md §6 requires 404, not 403, for both the status and add-job
// routes (unlike job cancellation, which is spec'd to use 403).
func TestServer_WorkflowStatusNotOwned(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	wf, err := srv.service.CreateWorkflow(ctx, "u1", "demo")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/"+wf.ID, nil)
	req.Header.Set(userIDHeader, "someone-else")
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_AddJobNotOwned(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	wf, err := srv.service.CreateWorkflow(ctx, "u1", "demo")
	require.NoError(t, err)

	body := strings.NewReader(`{"branch_name": "b", "job_type": "preview_downsample", "input_path": "i", "output_path": "o"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/workflows/"+wf.ID+"/jobs", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(userIDHeader, "someone-else")
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}
