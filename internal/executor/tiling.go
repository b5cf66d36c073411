// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package executor

import "image"

// tileResult pairs a completed tile's grid position with the cropped mask
// file written for it, for later use when composing the preview.
type tileResult struct {
	spec tileSpec
	path string
}

// tileSpec is one cell of the tile grid. fetch is the region read from the
// source and handed to the inference function, extended by the overlap
// margin and clipped to the image bounds. inner is the same tile without
// the margin: the region the cropped mask must cover.
type tileSpec struct {
	row, col int
	fetch    image.Rectangle
	inner    image.Rectangle
}

// computeTileGrid lays non-overlapping tileSize x tileSize cells over a
// width x height image in row-major order, then grows each cell by overlap
// pixels on every side (clipped to the image) to get the region actually
// fetched for inference.
func computeTileGrid(width, height, tileSize, overlap int) []tileSpec {
	if tileSize < 1 {
		tileSize = 1
	}
	rows := (height + tileSize - 1) / tileSize
	cols := (width + tileSize - 1) / tileSize

	tiles := make([]tileSpec, 0, rows*cols)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			innerMinX, innerMinY := col*tileSize, row*tileSize
			innerMaxX, innerMaxY := min(innerMinX+tileSize, width), min(innerMinY+tileSize, height)
			inner := image.Rect(innerMinX, innerMinY, innerMaxX, innerMaxY)

			fetchMinX, fetchMinY := max(innerMinX-overlap, 0), max(innerMinY-overlap, 0)
			fetchMaxX, fetchMaxY := min(innerMaxX+overlap, width), min(innerMaxY+overlap, height)
			fetch := image.Rect(fetchMinX, fetchMinY, fetchMaxX, fetchMaxY)

			tiles = append(tiles, tileSpec{row: row, col: col, fetch: fetch, inner: inner})
		}
	}
	return tiles
}

// cropToInner discards a mask's overlap margin, returning only the portion
// covering t.inner. mask's bounds must equal t.fetch, per the inference.Fn
// contract.
func cropToInner(mask image.Image, t tileSpec) image.Image {
	if si, ok := mask.(subImager); ok {
		return si.SubImage(t.inner)
	}
	out := image.NewRGBA(t.inner)
	for y := t.inner.Min.Y; y < t.inner.Max.Y; y++ {
		for x := t.inner.Min.X; x < t.inner.Max.X; x++ {
			out.Set(x, y, mask.At(x, y))
		}
	}
	return out
}
