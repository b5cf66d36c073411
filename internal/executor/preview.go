// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"

	"github.com/jontk/wsi-scheduler/internal/inference"
	"github.com/jontk/wsi-scheduler/internal/store"
)

// composePreview builds the downscaled stitched preview: the source
// thumbnail as a backdrop, with each tile's mask drawn on top tinted by the
// job type's overlay color, bounded to maxDim on its longer side. Each
// tile's mask is read back from jobDir, where it was already written and
// fsynced by the caller.
func composePreview(src Source, jobDir string, results []tileResult, jobType store.JobType, maxDim int) image.Image {
	width, height := src.Dimensions()
	thumb := src.Thumbnail(maxDim)
	tb := thumb.Bounds()

	canvas := image.NewRGBA(tb)
	draw.Draw(canvas, tb, thumb, tb.Min, draw.Src)

	if width == 0 || height == 0 {
		return canvas
	}

	scaleX := float64(tb.Dx()) / float64(width)
	scaleY := float64(tb.Dy()) / float64(height)
	tint := inference.OverlayColor(jobType)

	for _, r := range results {
		drawTileOnCanvas(canvas, filepath.Join(jobDir, r.path), r.spec, scaleX, scaleY, tint)
	}
	return canvas
}

// drawTileOnCanvas reads back one tile's mask PNG and stamps its non-zero
// pixels onto canvas at the scaled position of spec.inner, tinted by tint.
func drawTileOnCanvas(canvas *image.RGBA, maskPath string, spec tileSpec, scaleX, scaleY float64, tint color.Color) {
	f, err := os.Open(maskPath)
	if err != nil {
		return
	}
	defer f.Close()

	mask, err := png.Decode(f)
	if err != nil {
		return
	}

	mb := mask.Bounds()
	originX := int(float64(spec.inner.Min.X) * scaleX)
	originY := int(float64(spec.inner.Min.Y) * scaleY)

	for y := mb.Min.Y; y < mb.Max.Y; y++ {
		for x := mb.Min.X; x < mb.Max.X; x++ {
			gray := color.GrayModel.Convert(mask.At(x, y)).(color.Gray)
			if gray.Y == 0 {
				continue
			}
			cx := originX + int(float64(x-mb.Min.X)*scaleX)
			cy := originY + int(float64(y-mb.Min.Y)*scaleY)
			if (image.Point{X: cx, Y: cy}).In(canvas.Bounds()) {
				canvas.Set(cx, cy, tint)
			}
		}
	}
}
