// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package inference_test

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/wsi-scheduler/internal/inference"
	"github.com/jontk/wsi-scheduler/internal/store"
)

func solidTile(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestRegistrySelectsFallbackWhenInstantSegDisabled(t *testing.T) {
	reg := inference.NewRegistry(false)
	fn, ok := reg.Lookup(store.TypeSegmentCells)
	require.True(t, ok)

	tile := solidTile(32, 32, color.Black)
	out, err := fn(tile)
	require.NoError(t, err)
	assert.Equal(t, tile.Bounds(), out.Bounds())
}

func TestRegistrySelectsInstantSegWhenEnabled(t *testing.T) {
	reg := inference.NewRegistry(true)
	fn, ok := reg.Lookup(store.TypeSegmentCells)
	require.True(t, ok)
	assert.NotNil(t, fn)
}

func TestRegistryAlwaysHasTissueMask(t *testing.T) {
	reg := inference.NewRegistry(false)
	fn, ok := reg.Lookup(store.TypeTissueMask)
	require.True(t, ok)

	tile := solidTile(8, 8, color.White)
	out, err := fn(tile)
	require.NoError(t, err)
	assert.Equal(t, color.Gray{Y: 0}, out.At(0, 0))
}

func TestRegistryLookupMissReportsFalse(t *testing.T) {
	reg := inference.NewRegistry(false)
	_, ok := reg.Lookup("BOGUS")
	assert.False(t, ok)
}

func TestTissueMaskMarksDarkPixelsAsTissue(t *testing.T) {
	tile := solidTile(4, 4, color.Black)
	out, err := inference.TissueMask(tile)
	require.NoError(t, err)
	assert.Equal(t, color.Gray{Y: 255}, out.At(1, 1))
}

func TestTissueMaskMarksBrightPixelsAsBackground(t *testing.T) {
	tile := solidTile(4, 4, color.White)
	out, err := inference.TissueMask(tile)
	require.NoError(t, err)
	assert.Equal(t, color.Gray{Y: 0}, out.At(1, 1))
}

func TestFallbackSegmentCellsProducesSameBounds(t *testing.T) {
	tile := solidTile(32, 32, color.Gray16{Y: 30000})
	out, err := inference.FallbackSegmentCells(tile)
	require.NoError(t, err)
	assert.Equal(t, tile.Bounds(), out.Bounds())
}

func TestOverlayColorDiffersByJobType(t *testing.T) {
	assert.NotEqual(t, inference.OverlayColor(store.TypeSegmentCells), inference.OverlayColor(store.TypeTissueMask))
}
