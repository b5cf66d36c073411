// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package inference defines the per-tile inference boundary the Executor
// calls through and is otherwise opaque to. The scheduler core never
// inspects a mask's contents; it only crops, writes, and counts them.
//
// Lookup is a tag-keyed registry, the same plugin-by-tag shape used
// elsewhere in this module for resolving a closed set of variants by name.
package inference

import (
	"image"
	"image/color"

	"github.com/jontk/wsi-scheduler/internal/store"
)

// Fn computes a mask for one tile. tile is the source pixel region,
// including any overlap margin; the returned mask must cover exactly the
// same rectangle as tile (the Executor crops the overlap away afterward).
type Fn func(tile image.Image) (image.Image, error)

// Registry resolves a JobType to the Fn that should run its tiles.
type Registry struct {
	fns map[store.JobType]Fn
}

// NewRegistry builds the registry used by a scheduler core instance.
// enableInstantSeg selects between the real SEGMENT_CELLS path and its
// deterministic fallback, per the ENABLE_INSTANTSEG config key.
func NewRegistry(enableInstantSeg bool) *Registry {
	r := &Registry{fns: make(map[store.JobType]Fn)}
	if enableInstantSeg {
		r.fns[store.TypeSegmentCells] = InstantSegCells
	} else {
		r.fns[store.TypeSegmentCells] = FallbackSegmentCells
	}
	r.fns[store.TypeTissueMask] = TissueMask
	return r
}

// Lookup returns the Fn registered for jobType, or ok=false if none is.
func (r *Registry) Lookup(jobType store.JobType) (Fn, bool) {
	fn, ok := r.fns[jobType]
	return fn, ok
}

// OverlayColor is the color-coded overlay tint used when compositing a
// job's preview image, keyed by job type per the preview-composition step.
func OverlayColor(jobType store.JobType) color.Color {
	switch jobType {
	case store.TypeSegmentCells:
		return color.RGBA{R: 220, A: 255}
	case store.TypeTissueMask:
		return color.RGBA{G: 200, A: 255}
	default:
		return color.RGBA{R: 128, G: 128, B: 128, A: 255}
	}
}

// TissueMask is a bundled, deterministic TISSUE_MASK implementation: pixels
// whose luminance falls below a fixed threshold are considered tissue (white
// in the mask); everything else is background (black). This is the only
// inference implementation the scheduler core ships unconditionally, since
// spec coverage never requires TISSUE_MASK to be pluggable behind a feature
// flag the way SEGMENT_CELLS is.
func TissueMask(tile image.Image) (image.Image, error) {
	bounds := tile.Bounds()
	mask := image.NewGray(bounds)
	const luminanceThreshold = 200

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray := color.GrayModel.Convert(tile.At(x, y)).(color.Gray)
			if gray.Y < luminanceThreshold {
				mask.SetGray(x, y, color.Gray{Y: 255})
			} else {
				mask.SetGray(x, y, color.Gray{Y: 0})
			}
		}
	}
	return mask, nil
}

// FallbackSegmentCells is the deterministic SEGMENT_CELLS path used when
// ENABLE_INSTANTSEG is false: it marks local luminance minima on a coarse
// grid as cell centers, producing a sparse, reproducible mask with no
// external model dependency.
func FallbackSegmentCells(tile image.Image) (image.Image, error) {
	bounds := tile.Bounds()
	mask := image.NewGray(bounds)
	const gridStep = 16
	const centerRadius = 2

	for gy := bounds.Min.Y; gy < bounds.Max.Y; gy += gridStep {
		for gx := bounds.Min.X; gx < bounds.Max.X; gx += gridStep {
			cx, cy, dark := gx, gy, uint8(255)
			for y := gy; y < gy+gridStep && y < bounds.Max.Y; y++ {
				for x := gx; x < gx+gridStep && x < bounds.Max.X; x++ {
					gray := color.GrayModel.Convert(tile.At(x, y)).(color.Gray)
					if gray.Y < dark {
						dark, cx, cy = gray.Y, x, y
					}
				}
			}
			for y := cy - centerRadius; y <= cy+centerRadius; y++ {
				for x := cx - centerRadius; x <= cx+centerRadius; x++ {
					if (image.Point{X: x, Y: y}).In(bounds) {
						mask.SetGray(x, y, color.Gray{Y: 255})
					}
				}
			}
		}
	}
	return mask, nil
}

// InstantSegCells is the real SEGMENT_CELLS path, gated behind
// ENABLE_INSTANTSEG. The scheduler core treats cell segmentation itself as
// an opaque external collaborator; wiring an actual model here is out of
// this module's scope, so this currently delegates to the same
// deterministic behavior as the fallback. A real deployment replaces this
// function (or the registry entry pointing at it) with a call into an
// external segmentation service.
func InstantSegCells(tile image.Image) (image.Image, error) {
	return FallbackSegmentCells(tile)
}
