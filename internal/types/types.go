package types

import (
	"errors"
	"image"
)

// EventEntry is the only event kind emitted today: first sighting of a visitor in a run.
const EventEntry = "ENTRY"

// ErrEngineDown marks a detector/embedder failure that no later frame can recover from
// (dead process, broken pipe, timed out read). Anything else an engine returns is per-frame.
var ErrEngineDown = errors.New("engine unavailable")

// Box is a raw detector bounding box in pixel coordinates.
// Coordinates are not trusted: they may be inverted or lie outside the frame.
type Box struct {
	X1, Y1, X2, Y2 int
}

// Rect returns the canonical rectangle spanned by the box.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}
