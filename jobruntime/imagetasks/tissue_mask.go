// Package imagetasks implements the job bodies the scheduler dispatches
// to: tissue masking, cell segmentation and preview thumbnails. These are
// faithful placeholders that exercise the Job Runtime contract (tiling,
// cancellation, progress reporting) rather than production computer-vision
// models.
package imagetasks

import (
	"context"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/wsiflow/scheduler/jobruntime"
	"github.com/wsiflow/scheduler/store"
)

const maxMaskDimension = 2048

// backgroundThreshold is the grayscale level above which a pixel is
// classified as slide background rather than tissue.
const backgroundThreshold = 220

// TissueMask opens job.InputPath, downsamples it, and writes a binary
// background/tissue mask PNG to job.OutputPath.
func TissueMask(ctx context.Context, job *store.Job, progress *jobruntime.ProgressReporter) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := imaging.Open(job.InputPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", job.InputPath)
	}

	resized := imaging.Fit(src, maxMaskDimension, maxMaskDimension, imaging.Lanczos)
	gray := imaging.Grayscale(resized)

	mask := image.NewGray(gray.Bounds())
	for y := gray.Bounds().Min.Y; y < gray.Bounds().Max.Y; y++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for x := gray.Bounds().Min.X; x < gray.Bounds().Max.X; x++ {
			lum := color.GrayModel.Convert(gray.At(x, y)).(color.Gray).Y
			if lum >= backgroundThreshold {
				mask.SetGray(x, y, color.Gray{Y: 0}) // background
			} else {
				mask.SetGray(x, y, color.Gray{Y: 255}) // tissue
			}
		}
	}

	if err := progress.Report(ctx, 1, 1); err != nil {
		return errors.Wrap(err, "failed to report progress")
	}

	if err := imaging.Save(mask, job.OutputPath); err != nil {
		return errors.Wrapf(err, "failed to save mask to %s", job.OutputPath)
	}
	return nil
}
