// Package jobruntime dispatches a job to the body registered for its type
// and reports progress back through the repository as it runs.
//
// A body is a cancellable suspension: it must check ctx at tile boundaries
// so the scheduler's kill can interrupt it promptly, and it must never
// commit a terminal status itself — the scheduler owns that transition.
package jobruntime

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/wsiflow/scheduler/repository"
	"github.com/wsiflow/scheduler/store"
)

// ProgressReporter throttles progress writes to the repository: a body
// calls Report on every tile, and the reporter only persists every Every
// tiles (or on the final tile), matching the instanseg job's commit
// cadence.
type ProgressReporter struct {
	repo  *repository.Repository
	jobID string
	Every int
}

func NewProgressReporter(repo *repository.Repository, jobID string) *ProgressReporter {
	return &ProgressReporter{repo: repo, jobID: jobID, Every: 5}
}

// Report persists processed/total tile counters when processed is a
// multiple of Every or equals total.
func (p *ProgressReporter) Report(ctx context.Context, processed, total int) error {
	if p.Every <= 0 {
		p.Every = 1
	}
	if processed%p.Every != 0 && processed != total {
		return nil
	}
	progress := 0.0
	if total > 0 {
		progress = float64(processed) / float64(total)
	}
	return p.repo.UpdateProgress(ctx, p.jobID, progress, processed, total)
}

// Body is the async unit of work for one job type.
type Body func(ctx context.Context, job *store.Job, progress *ProgressReporter) error

// Dispatcher maps a JobType to the body that executes it.
type Dispatcher struct {
	bodies map[store.JobType]Body
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{bodies: make(map[store.JobType]Body)}
}

func (d *Dispatcher) Register(t store.JobType, body Body) {
	d.bodies[t] = body
}

var ErrUnknownJobType = errors.New("unknown job type")

// Run looks up the body for job.Type and executes it. An unregistered type
// is a defensive-only error: the workflow service already rejects unknown
// types at submission time.
func (d *Dispatcher) Run(ctx context.Context, job *store.Job, progress *ProgressReporter) error {
	body, ok := d.bodies[job.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)
	}
	return body(ctx, job, progress)
}
