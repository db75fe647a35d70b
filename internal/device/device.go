// Package device defines the consumed device channels: the control channel
// that launches capture and injects input, and the still-frame capture
// channel used as the fallback while live streaming is unavailable.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrUnreachable is wrapped by every channel error caused by the device
// being offline, disconnected, or not answering.
var ErrUnreachable = errors.New("device: unreachable")

// Resolution is the device's physical screen size in pixels.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Valid reports whether both dimensions are positive.
func (r Resolution) Valid() bool { return r.Width > 0 && r.Height > 0 }

func (r Resolution) String() string { return fmt.Sprintf("%dx%d", r.Width, r.Height) }

// Point is a position in device pixels.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Endpoint is where the capture service's stream socket can be reached.
type Endpoint struct {
	// Addr is a TCP host:port.
	Addr string
	// Preamble is the number of bytes the service writes on a fresh
	// connection before the stream starts. A connection that closes before
	// delivering them is not yet being served.
	Preamble int
}

// Process is a handle to the running on-device capture service.
type Process interface {
	// Wait blocks until the service exits.
	Wait() error
	// Kill terminates the service. It is safe to call more than once.
	Kill() error
}

// Control is the device control channel.
type Control interface {
	StartCapture(ctx context.Context, deviceID string) (Process, Endpoint, error)
	StopCapture(ctx context.Context, deviceID string) error
	// Resolution returns ok=false when the device does not report a size.
	Resolution(ctx context.Context, deviceID string) (res Resolution, ok bool, err error)
	InjectTap(ctx context.Context, deviceID string, p Point) error
	InjectSwipe(ctx context.Context, deviceID string, points []Point, duration time.Duration) error
}

// Capture is the still-frame capture channel.
type Capture interface {
	// Screenshot writes one PNG-encoded frame to w and returns its size.
	Screenshot(ctx context.Context, deviceID string, w io.Writer) (Resolution, error)
}
