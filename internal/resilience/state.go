package resilience

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a device's live stream.
type State int32

const (
	// Idle: no capture session and none requested.
	Idle State = iota
	// Starting: a capture start is in flight.
	Starting
	// Streaming: the capture socket is open and units are flowing.
	Streaming
	// Degraded: the channel failed or stalled while viewers remain attached;
	// a restart is scheduled. Callers should fall back to still frames.
	Degraded
	// Stopped is terminal.
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Streaming:
		return "streaming"
	case Degraded:
		return "degraded"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for st := Idle; st <= Stopped; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("resilience: unknown state %q", b)
}

// Transition is one observed state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
	// Err is the failure that caused the transition, if any.
	Err error `json:"-"`
}

var (
	// ErrStopped is returned by operations on a stopped controller.
	ErrStopped = errors.New("resilience: controller stopped")
	// ErrStalled reports that no unit arrived within the health window.
	ErrStalled = errors.New("resilience: no units within health window")
	// ErrRetriesExhausted reports that the restart budget ran out.
	ErrRetriesExhausted = errors.New("resilience: restart attempts exhausted")
)
