package service

import (
	"testing"

	"github.com/wsiflow/scheduler/store"
)

func job(status store.JobStatus, progress float64) *store.Job {
	return &store.Job{Status: status, Progress: progress}
}

func TestRollUp_StatusPrecedence(t *testing.T) {
	tests := []struct {
		name string
		jobs []*store.Job
		want AggregateStatus
	}{
		{"empty", nil, statusEmpty},
		{"running beats everything", []*store.Job{
			job(store.JobStatusSucceeded, 1),
			job(store.JobStatusRunning, 0.5),
			job(store.JobStatusFailed, 1),
		}, AggregateStatus(store.JobStatusRunning)},
		{"pending beats failed and cancelled", []*store.Job{
			job(store.JobStatusPending, 0),
			job(store.JobStatusFailed, 1),
			job(store.JobStatusCancelled, 1),
		}, AggregateStatus(store.JobStatusPending)},
		{"failed beats cancelled", []*store.Job{
			job(store.JobStatusFailed, 1),
			job(store.JobStatusCancelled, 1),
			job(store.JobStatusSucceeded, 1),
		}, AggregateStatus(store.JobStatusFailed)},
		{"cancelled beats succeeded", []*store.Job{
			job(store.JobStatusCancelled, 1),
			job(store.JobStatusSucceeded, 1),
		}, AggregateStatus(store.JobStatusCancelled)},
		{"all succeeded", []*store.Job{
			job(store.JobStatusSucceeded, 1),
			job(store.JobStatusSucceeded, 1),
		}, AggregateStatus(store.JobStatusSucceeded)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := rollUp(tt.jobs)
			if got != tt.want {
				t.Errorf("rollUp() status = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRollUp_MeanProgress(t *testing.T) {
	_, progress := rollUp([]*store.Job{
		job(store.JobStatusSucceeded, 1.0),
		job(store.JobStatusRunning, 0.5),
		job(store.JobStatusPending, 0.0),
	})
	want := 0.5
	if progress != want {
		t.Errorf("rollUp() progress = %v, want %v", progress, want)
	}
}
