package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/wsiflow/scheduler/service"
	"github.com/wsiflow/scheduler/store"
)

type workflowResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

func toWorkflowResponse(wf *store.Workflow) workflowResponse {
	return workflowResponse{
		ID:        wf.ID,
		UserID:    wf.UserID,
		Name:      wf.Name,
		CreatedAt: wf.CreatedAt.Format(timeFormat),
	}
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func (s *Server) handleListWorkflows(c echo.Context) error {
	workflows, err := s.service.ListWorkflows(c.Request().Context(), userID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list workflows").SetInternal(err)
	}

	resp := make([]workflowResponse, len(workflows))
	for i, wf := range workflows {
		resp[i] = toWorkflowResponse(wf)
	}
	return c.JSON(http.StatusOK, resp)
}

type createWorkflowRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateWorkflow(c echo.Context) error {
	var req createWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	wf, err := s.service.CreateWorkflow(c.Request().Context(), userID(c), req.Name)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create workflow").SetInternal(err)
	}
	return c.JSON(http.StatusCreated, toWorkflowResponse(wf))
}

type jobResponse struct {
	ID             string  `json:"id"`
	BranchID       string  `json:"branch_id"`
	Type           string  `json:"type"`
	Status         string  `json:"status"`
	Progress       float64 `json:"progress"`
	OrderIndex     int     `json:"order_index"`
	TotalTiles     int     `json:"total_tiles"`
	ProcessedTiles int     `json:"processed_tiles"`
}

func toJobResponse(j *store.Job) jobResponse {
	return jobResponse{
		ID:             j.ID,
		BranchID:       j.BranchID,
		Type:           string(j.Type),
		Status:         string(j.Status),
		Progress:       j.Progress,
		OrderIndex:     j.OrderIndex,
		TotalTiles:     j.TotalTiles,
		ProcessedTiles: j.ProcessedTiles,
	}
}

type workflowStatusResponse struct {
	Workflow workflowResponse `json:"workflow"`
	Jobs     []jobResponse    `json:"jobs"`
	Status   string           `json:"status"`
	Progress float64          `json:"progress"`
}

func (s *Server) handleWorkflowStatus(c echo.Context) error {
	wf, jobs, status, progress, err := s.service.WorkflowStatus(c.Request().Context(), userID(c), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}

	jobResponses := make([]jobResponse, len(jobs))
	for i, j := range jobs {
		jobResponses[i] = toJobResponse(j)
	}
	return c.JSON(http.StatusOK, workflowStatusResponse{
		Workflow: toWorkflowResponse(wf),
		Jobs:     jobResponses,
		Status:   string(status),
		Progress: progress,
	})
}

type addJobRequest struct {
	BranchName string        `json:"branch_name"`
	JobType    store.JobType `json:"job_type"`
	InputPath  string        `json:"input_path"`
	OutputPath string        `json:"output_path"`
}

func (s *Server) handleAddJob(c echo.Context) error {
	var req addJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}

	job, err := s.service.AddJob(c.Request().Context(), userID(c), c.Param("id"), req.BranchName, req.JobType, req.InputPath, req.OutputPath)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, toJobResponse(job))
}

type cancelJobResponse struct {
	KilledRunningTask bool `json:"killed_running_task"`
}

func (s *Server) handleCancelJob(c echo.Context) error {
	killed, err := s.service.CancelJob(c.Request().Context(), userID(c), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, cancelJobResponse{KilledRunningTask: killed})
}

func mapServiceError(err error) error {
	switch {
	case errors.Is(err, service.ErrWorkflowNotFound), errors.Is(err, service.ErrJobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrUnknownJobType):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}
