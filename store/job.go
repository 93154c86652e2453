package store

import "time"

// JobType identifies the image-processing operation a job performs.
type JobType string

const (
	JobTypeTissueMask        JobType = "tissue_mask"
	JobTypeInstansegCellSeg  JobType = "instanseg_cell_seg"
	JobTypePreviewDownsample JobType = "preview_downsample"
)

// IsValid reports whether t is one of the known job type variants.
func (t JobType) IsValid() bool {
	switch t {
	case JobTypeTissueMask, JobTypeInstansegCellSeg, JobTypePreviewDownsample:
		return true
	default:
		return false
	}
}

// JobStatus is the lifecycle state of a job. The scheduler moves a job
// from PENDING to RUNNING and then to a terminal status; cascade-cancel
// and kill move a PENDING job straight to CANCELLED.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether s is one of the absorbing statuses.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Job is a single unit of work within a branch.
type Job struct {
	ID         string
	WorkflowID string
	BranchID   string
	UserID     string

	Type       JobType
	InputPath  string
	OutputPath string

	Status     JobStatus
	Progress   float64
	OrderIndex int

	TotalTiles     int
	ProcessedTiles int

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// CreateJob carries the caller-supplied fields of a new job; OrderIndex is
// assigned by the store on append.
type CreateJob struct {
	WorkflowID string
	BranchID   string
	UserID     string
	Type       JobType
	InputPath  string
	OutputPath string
}

// FindJob is an optional-filter selector over jobs; nil fields are ignored.
type FindJob struct {
	ID       *string
	BranchID *string
	UserID   *string
	Status   *JobStatus
}

// UpdateJob carries a partial update to a job row; nil fields are left
// untouched.
type UpdateJob struct {
	ID             string
	Status         *JobStatus
	Progress       *float64
	TotalTiles     *int
	ProcessedTiles *int
	StartedAt      *time.Time
	FinishedAt     *time.Time
}
