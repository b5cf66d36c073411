// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"image"
	"image/draw"
	_ "image/jpeg" // register the JPEG decoder
	_ "image/png"  // register the PNG decoder
	"os"
)

// Source is the Executor's view of an input file: its pixel dimensions and
// the ability to read an arbitrary sub-region. A pyramid-aware WSI reader
// would implement this by picking the pyramid level best suited to the
// configured tile size and translating ReadRegion into that level's
// coordinate space; fileSource below is the single-image case, used when
// the input is not a pyramid format.
type Source interface {
	Dimensions() (width, height int)
	ReadRegion(r image.Rectangle) (image.Image, error)
	Thumbnail(maxDim int) image.Image
}

// fileSource decodes a whole input file into memory and serves regions from
// it. It implements the single-image half of the Executor's "open the input
// file" step; the pack carries no pyramid-WSI-format library (openslide
// bindings or equivalent), so every input is currently treated as a single
// image. Dimensions() standing in for "level-0 dimensions" keeps the seam
// open for a pyramid-aware Source to be substituted later.
type fileSource struct {
	img image.Image
}

// openFileSource opens and fully decodes the image at path.
func openFileSource(path string) (*fileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return &fileSource{img: img}, nil
}

func (s *fileSource) Dimensions() (int, int) {
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

func (s *fileSource) ReadRegion(r image.Rectangle) (image.Image, error) {
	if si, ok := s.img.(subImager); ok {
		return si.SubImage(r), nil
	}
	out := image.NewRGBA(r)
	draw.Draw(out, r, s.img, r.Min, draw.Src)
	return out, nil
}

// Thumbnail returns a nearest-neighbor downscale of the full image bounded
// by maxDim on its longer side, used as the preview's optional backdrop.
func (s *fileSource) Thumbnail(maxDim int) image.Image {
	b := s.img.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := 1.0
	if w > maxDim || h > maxDim {
		if w >= h {
			scale = float64(maxDim) / float64(w)
		} else {
			scale = float64(maxDim) / float64(h)
		}
	}
	tw, th := int(float64(w)*scale), int(float64(h)*scale)
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}

	out := image.NewRGBA(image.Rect(0, 0, tw, th))
	for y := 0; y < th; y++ {
		for x := 0; x < tw; x++ {
			sx := b.Min.X + int(float64(x)/scale)
			sy := b.Min.Y + int(float64(y)/scale)
			out.Set(x, y, s.img.At(sx, sy))
		}
	}
	return out
}
