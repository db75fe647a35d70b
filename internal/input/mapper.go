// Package input translates viewer pointer events into device input. Viewers
// render the device picture inside a surface that may be letterboxed; the
// caller reports the sub-rectangle the picture actually occupies and the
// pointer position in surface coordinates.
package input

import (
	"errors"
	"fmt"
	"math"

	"github.com/zsiec/devrelay/internal/device"
)

var (
	ErrPointerOutsideContent = errors.New("input: pointer outside content area")
	ErrInjectionFailed       = errors.New("input: injection failed")
	ErrEmptyContent          = errors.New("input: empty content area")
	ErrUnknownKind           = errors.New("input: unknown pointer kind")
)

// Rect is the area of the surface occupied by the device picture.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Contains reports whether (x, y) lies inside r, edges included.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.X && x <= r.X+r.Width && y >= r.Y && y <= r.Y+r.Height
}

// Map converts a surface position to device pixels. Positions on the
// letterbox bars fail with ErrPointerOutsideContent rather than being
// clamped; positions on the far edge of the content clamp to the last
// pixel.
func Map(x, y float64, content Rect, res device.Resolution) (device.Point, error) {
	if !(content.Width > 0 && content.Height > 0) {
		return device.Point{}, fmt.Errorf("%w: %vx%v", ErrEmptyContent, content.Width, content.Height)
	}
	if !res.Valid() {
		return device.Point{}, fmt.Errorf("input: invalid device resolution %v", res)
	}
	if !content.Contains(x, y) {
		return device.Point{}, fmt.Errorf("%w: (%.1f, %.1f)", ErrPointerOutsideContent, x, y)
	}
	dx := (x - content.X) / content.Width * float64(res.Width)
	dy := (y - content.Y) / content.Height * float64(res.Height)
	return device.Point{
		X: clamp(int(math.Round(dx)), 0, res.Width-1),
		Y: clamp(int(math.Round(dy)), 0, res.Height-1),
	}, nil
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
