package input

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/devrelay/internal/device"
)

// Kind is the phase of a pointer event.
type Kind int

const (
	Tap Kind = iota + 1
	SwipeStart
	SwipeMove
	SwipeEnd
)

var kindNames = map[Kind]string{
	Tap:        "tap",
	SwipeStart: "swipe_start",
	SwipeMove:  "swipe_move",
	SwipeEnd:   "swipe_end",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind accepts the canonical names and the touch aliases
// down, move and up.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "tap":
		return Tap, nil
	case "swipe_start", "down":
		return SwipeStart, nil
	case "swipe_move", "move":
		return SwipeMove, nil
	case "swipe_end", "up":
		return SwipeEnd, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

func (k Kind) MarshalJSON() ([]byte, error) { return json.Marshal(k.String()) }

func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// PointerEvent is a viewer pointer action in surface coordinates.
type PointerEvent struct {
	ViewerID string  `json:"viewer_id,omitempty"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Kind     Kind    `json:"kind"`
}

// Swipe duration bounds. A gesture's duration is the time between its
// start and end events, clamped to this range.
const (
	MinSwipeDuration = 100 * time.Millisecond
	MaxSwipeDuration = 5 * time.Second
	maxGesturePoints = 64
)

type gesture struct {
	points  []device.Point
	started time.Time
}

// Injector maps pointer events and forwards them to the device control
// channel. Swipe phases are collected per viewer and injected as a single
// swipe when the gesture ends.
type Injector struct {
	log  *slog.Logger
	ctrl device.Control
	now  func() time.Time

	mu       sync.Mutex
	gestures map[string]*gesture
}

// NewInjector creates an Injector that injects through ctrl.
func NewInjector(ctrl device.Control) *Injector {
	return &Injector{
		log:      slog.With("component", "input"),
		ctrl:     ctrl,
		now:      time.Now,
		gestures: make(map[string]*gesture),
	}
}

// Handle maps ev and acts on it. An event outside the content area fails
// with ErrPointerOutsideContent and leaves any gesture in progress
// untouched. A move or end without a preceding start is ignored.
func (in *Injector) Handle(ctx context.Context, deviceID string, ev PointerEvent, content Rect, res device.Resolution) error {
	p, err := Map(ev.X, ev.Y, content, res)
	if err != nil {
		return err
	}

	switch ev.Kind {
	case Tap:
		return in.Tap(ctx, deviceID, p)

	case SwipeStart:
		in.mu.Lock()
		in.gestures[ev.ViewerID] = &gesture{points: []device.Point{p}, started: in.now()}
		in.mu.Unlock()
		return nil

	case SwipeMove:
		in.mu.Lock()
		if g, ok := in.gestures[ev.ViewerID]; ok {
			if len(g.points) < maxGesturePoints-1 {
				g.points = append(g.points, p)
			} else {
				g.points[len(g.points)-1] = p
			}
		}
		in.mu.Unlock()
		return nil

	case SwipeEnd:
		in.mu.Lock()
		g, ok := in.gestures[ev.ViewerID]
		delete(in.gestures, ev.ViewerID)
		in.mu.Unlock()
		if !ok {
			return nil
		}
		points := append(g.points, p)
		d := min(max(in.now().Sub(g.started), MinSwipeDuration), MaxSwipeDuration)
		return in.swipe(ctx, deviceID, points, d)
	}
	return fmt.Errorf("%w: %d", ErrUnknownKind, int(ev.Kind))
}

// Tap injects a tap at a device-pixel position.
func (in *Injector) Tap(ctx context.Context, deviceID string, p device.Point) error {
	if err := in.ctrl.InjectTap(ctx, deviceID, p); err != nil {
		in.log.Warn("tap failed", "device", deviceID, "x", p.X, "y", p.Y, "error", err)
		return fmt.Errorf("%w: tap (%d,%d): %w", ErrInjectionFailed, p.X, p.Y, err)
	}
	in.log.Debug("tap", "device", deviceID, "x", p.X, "y", p.Y)
	return nil
}

// Swipe injects a straight swipe between two device-pixel positions.
func (in *Injector) Swipe(ctx context.Context, deviceID string, from, to device.Point, d time.Duration) error {
	if d <= 0 {
		d = 300 * time.Millisecond
	}
	return in.swipe(ctx, deviceID, []device.Point{from, to}, d)
}

func (in *Injector) swipe(ctx context.Context, deviceID string, points []device.Point, d time.Duration) error {
	if err := in.ctrl.InjectSwipe(ctx, deviceID, points, d); err != nil {
		in.log.Warn("swipe failed", "device", deviceID, "points", len(points), "error", err)
		return fmt.Errorf("%w: swipe: %w", ErrInjectionFailed, err)
	}
	in.log.Debug("swipe", "device", deviceID, "points", len(points), "duration", d)
	return nil
}

// Forget drops a viewer's unfinished gesture.
func (in *Injector) Forget(viewerID string) {
	in.mu.Lock()
	delete(in.gestures, viewerID)
	in.mu.Unlock()
}
