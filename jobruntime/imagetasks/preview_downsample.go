package imagetasks

import (
	"context"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/wsiflow/scheduler/jobruntime"
	"github.com/wsiflow/scheduler/store"
)

const maxPreviewDimension = 1024

// PreviewDownsample opens job.InputPath and writes a bounded thumbnail PNG
// to job.OutputPath.
func PreviewDownsample(ctx context.Context, job *store.Job, progress *jobruntime.ProgressReporter) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := imaging.Open(job.InputPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", job.InputPath)
	}

	thumb := imaging.Fit(src, maxPreviewDimension, maxPreviewDimension, imaging.Lanczos)

	if err := progress.Report(ctx, 1, 1); err != nil {
		return errors.Wrap(err, "failed to report progress")
	}

	if err := imaging.Save(thumb, job.OutputPath); err != nil {
		return errors.Wrapf(err, "failed to save thumbnail to %s", job.OutputPath)
	}
	return nil
}
