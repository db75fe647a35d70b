package capture

import (
	"errors"
	"fmt"
)

// Sentinel errors for capture supervision.
var (
	ErrCaptureStartFailed    = errors.New("capture: start failed")
	ErrResolutionUnavailable = errors.New("capture: resolution unavailable")
	ErrChannelClosed         = errors.New("capture: channel closed")
)

// StartError describes a failed Start. It matches ErrCaptureStartFailed
// under errors.Is and unwraps to the underlying cause.
type StartError struct {
	DeviceID string
	Stage    string // "launch" or "connect"
	Err      error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("capture: start %s: %s: %v", e.DeviceID, e.Stage, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Is reports whether target is ErrCaptureStartFailed.
func (e *StartError) Is(target error) bool { return target == ErrCaptureStartFailed }
