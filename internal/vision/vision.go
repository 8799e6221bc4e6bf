// Package vision turns raw detector boxes into embedder-ready face crops.
package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/andresmejia3/footfall/internal/types"
	"golang.org/x/image/draw"
)

var (
	// ErrEmptyRegion is returned for a box that has no area left after clipping.
	ErrEmptyRegion = errors.New("face region is empty after clipping")
	// ErrRegionTooSmall is returned for a region below the minimum side length.
	ErrRegionTooSmall = errors.New("face region below minimum size")
)

// Clip intersects a detector box with the frame bounds. Inverted boxes are canonicalized first.
func Clip(b types.Box, bounds image.Rectangle) image.Rectangle {
	return b.Rect().Intersect(bounds)
}

// Validate rejects regions that cannot be embedded reliably.
func Validate(r image.Rectangle, minSize int) error {
	if r.Empty() {
		return ErrEmptyRegion
	}
	if r.Dx() < minSize || r.Dy() < minSize {
		return fmt.Errorf("%w: %dx%d < %d", ErrRegionTooSmall, r.Dx(), r.Dy(), minSize)
	}
	return nil
}

// Crop copies region r of img into a new RGBA buffer anchored at the origin.
// Frames decoded from MJPEG are YCbCr; the copy is also the RGB conversion embedders expect.
func Crop(img image.Image, r image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Copy(dst, image.Point{}, img, r, draw.Src, nil)
	return dst
}

// EncodeJPEG serializes img for the wire or for disk.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
