package input

import (
	"errors"
	"testing"

	"github.com/zsiec/devrelay/internal/device"
)

func TestMap(t *testing.T) {
	t.Parallel()

	portrait := device.Resolution{Width: 1080, Height: 2400}
	letterboxed := Rect{X: 0, Y: 160, Width: 576, Height: 960}

	tests := []struct {
		name    string
		x, y    float64
		content Rect
		res     device.Resolution
		want    device.Point
		wantErr error
	}{
		{"center", 288, 640, letterboxed, portrait, device.Point{X: 540, Y: 1200}, nil},
		{"top bar", 10, 10, letterboxed, portrait, device.Point{}, ErrPointerOutsideContent},
		{"bottom bar", 100, 1200, letterboxed, portrait, device.Point{}, ErrPointerOutsideContent},
		{"origin", 0, 160, letterboxed, portrait, device.Point{X: 0, Y: 0}, nil},
		{"far corner clamps", 576, 1120, letterboxed, portrait, device.Point{X: 1079, Y: 2399}, nil},
		{"pillarbox left bar", 50, 300, Rect{X: 100, Y: 0, Width: 400, Height: 600}, device.Resolution{Width: 1000, Height: 1500}, device.Point{}, ErrPointerOutsideContent},
		{"pillarbox inside", 300, 300, Rect{X: 100, Y: 0, Width: 400, Height: 600}, device.Resolution{Width: 1000, Height: 1500}, device.Point{X: 500, Y: 750}, nil},
		{"empty rect", 1, 1, Rect{Width: 0, Height: 10}, portrait, device.Point{}, ErrEmptyContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Map(tt.x, tt.y, tt.content, tt.res)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Map(%v, %v): got err %v, want %v", tt.x, tt.y, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Map(%v, %v): %v", tt.x, tt.y, err)
			}
			if abs(got.X-tt.want.X) > 1 || abs(got.Y-tt.want.Y) > 1 {
				t.Errorf("Map(%v, %v): got %+v, want %+v", tt.x, tt.y, got, tt.want)
			}
		})
	}
}

func TestMapInvalidResolution(t *testing.T) {
	t.Parallel()
	if _, err := Map(1, 1, Rect{Width: 10, Height: 10}, device.Resolution{}); err == nil {
		t.Error("Map with zero resolution: got nil error")
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
