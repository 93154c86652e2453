package imagetasks

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/draw"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/wsiflow/scheduler/jobruntime"
	"github.com/wsiflow/scheduler/store"
)

const tileSize = 512

// tileWorkers bounds how many tile detections run concurrently; mirrors
// the thumbnail-generation semaphore pattern used elsewhere in the stack.
const tileWorkers = 4

// polygon is a detected cell outline, in whole-image pixel coordinates.
type polygon struct {
	TileX  int     `json:"tile_x"`
	TileY  int     `json:"tile_y"`
	Points [][2]int `json:"points"`
}

// InstansegCellSeg tiles job.InputPath on a fixed grid, emits a
// deterministic synthetic detection per tile (the trained segmentation
// model itself is out of scope), and writes polygons.json plus an overlay
// PNG alongside job.OutputPath. ProcessedTiles/TotalTiles and progress are
// persisted every progress.Every tiles or on the last tile.
func InstansegCellSeg(ctx context.Context, job *store.Job, progress *jobruntime.ProgressReporter) error {
	src, err := imaging.Open(job.InputPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", job.InputPath)
	}

	bounds := src.Bounds()
	cols := (bounds.Dx() + tileSize - 1) / tileSize
	rows := (bounds.Dy() + tileSize - 1) / tileSize
	total := cols * rows
	if total == 0 {
		return progress.Report(ctx, 0, 0)
	}

	overlay := image.NewNRGBA(bounds)
	draw.Draw(overlay, bounds, src, bounds.Min, draw.Src)

	sem := semaphore.NewWeighted(tileWorkers)
	polygons := make([]polygon, 0, total)

	processed := 0
	for ty := 0; ty < rows; ty++ {
		for tx := 0; tx < cols; tx++ {
			// Suspension point: cancellation must be observed at each tile
			// boundary, not just between whole-image operations.
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			poly := detectTile(tx, ty)
			drawTileOutline(overlay, tx, ty)
			sem.Release(1)

			polygons = append(polygons, poly)
			processed++

			if err := progress.Report(ctx, processed, total); err != nil {
				return errors.Wrap(err, "failed to report progress")
			}
		}
	}

	if err := writePolygons(polygonsPath(job.OutputPath), polygons); err != nil {
		return err
	}
	if err := imaging.Save(overlay, overlayPath(job.OutputPath)); err != nil {
		return errors.Wrapf(err, "failed to save overlay to %s", job.OutputPath)
	}
	return nil
}

// detectTile produces a deterministic placeholder detection: a single
// diamond centered on the tile. Standing in for a trained model's output.
func detectTile(tx, ty int) polygon {
	cx, cy := tx*tileSize+tileSize/2, ty*tileSize+tileSize/2
	r := tileSize / 6
	return polygon{
		TileX: tx,
		TileY: ty,
		Points: [][2]int{
			{cx, cy - r},
			{cx + r, cy},
			{cx, cy + r},
			{cx - r, cy},
		},
	}
}

func drawTileOutline(overlay *image.NRGBA, tx, ty int) {
	outline := color.NRGBA{R: 255, G: 0, B: 0, A: 255}
	x0, y0 := tx*tileSize, ty*tileSize
	x1, y1 := x0+tileSize, y0+tileSize
	b := overlay.Bounds()
	for x := x0; x < x1 && x < b.Max.X; x++ {
		if y0 >= b.Min.Y && y0 < b.Max.Y {
			overlay.Set(x, y0, outline)
		}
	}
	for y := y0; y < y1 && y < b.Max.Y; y++ {
		if x0 >= b.Min.X && x0 < b.Max.X {
			overlay.Set(x0, y, outline)
		}
	}
}

func writePolygons(path string, polygons []polygon) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(polygons); err != nil {
		return errors.Wrap(err, "failed to encode polygons")
	}
	return nil
}

func polygonsPath(outputPath string) string {
	return withSuffix(outputPath, "polygons.json")
}

func overlayPath(outputPath string) string {
	return withSuffix(outputPath, "overlay.png")
}

func withSuffix(outputPath, filename string) string {
	ext := filepath.Ext(outputPath)
	base := strings.TrimSuffix(outputPath, ext)
	return base + "." + filename
}
