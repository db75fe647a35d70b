package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/zsiec/devrelay/internal/capture"
	"github.com/zsiec/devrelay/internal/device"
	"github.com/zsiec/devrelay/internal/input"
	"github.com/zsiec/devrelay/internal/resilience"
)

const deviceCallTimeout = 15 * time.Second

type pointerRequest struct {
	ViewerID string     `json:"viewer_id"`
	X        float64    `json:"x"`
	Y        float64    `json:"y"`
	Kind     input.Kind `json:"kind"`
	Content  input.Rect `json:"content"`
}

type tapRequest struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type swipeRequest struct {
	StartX     int `json:"start_x"`
	StartY     int `json:"start_y"`
	EndX       int `json:"end_x"`
	EndY       int `json:"end_y"`
	DurationMs int `json:"duration_ms"`
}

type streamInfo struct {
	DeviceID  string           `json:"device_id"`
	State     resilience.State `json:"state"`
	StartedAt time.Time        `json:"started_at"`
	Viewers   int              `json:"viewers"`
}

type screenshotResponse struct {
	Success bool   `json:"success"`
	Image   string `json:"image,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	streams := s.deps.Streams.List()
	out := make([]streamInfo, 0, len(streams))
	for _, st := range streams {
		out = append(out, streamInfo{
			DeviceID:  st.DeviceID,
			State:     st.Controller.State(),
			StartedAt: st.StartedAt,
			Viewers:   st.Controller.ViewerCount(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if s.deps.Devices == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), deviceCallTimeout)
	defer cancel()
	devices, err := s.deps.Devices.Devices(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handlePointer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req pointerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	st, ok := s.deps.Streams.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no active stream for device")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), deviceCallTimeout)
	defer cancel()
	ev := input.PointerEvent{ViewerID: req.ViewerID, X: req.X, Y: req.Y, Kind: req.Kind}
	if err := st.Controller.Pointer(ctx, ev, req.Content); err != nil {
		writeError(w, inputStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleTap(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req tapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), deviceCallTimeout)
	defer cancel()
	if err := s.deps.Injector.Tap(ctx, id, device.Point{X: req.X, Y: req.Y}); err != nil {
		writeError(w, inputStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSwipe(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req swipeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), deviceCallTimeout)
	defer cancel()
	from := device.Point{X: req.StartX, Y: req.StartY}
	to := device.Point{X: req.EndX, Y: req.EndY}
	d := time.Duration(req.DurationMs) * time.Millisecond
	if err := s.deps.Injector.Swipe(ctx, id, from, to, d); err != nil {
		writeError(w, inputStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, ok := s.deps.Streams.Get(id)
	if !ok {
		writeJSON(w, http.StatusOK, resilience.Stats{DeviceID: id, State: resilience.Idle})
		return
	}
	writeJSON(w, http.StatusOK, st.Controller.Stats())
}

func (s *Server) handleResolution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if st, ok := s.deps.Streams.Get(id); ok {
		if res, err := st.Controller.Resolution(); err == nil {
			writeJSON(w, http.StatusOK, res)
			return
		}
	}
	if s.deps.Control == nil {
		writeError(w, http.StatusServiceUnavailable, capture.ErrResolutionUnavailable.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), deviceCallTimeout)
	defer cancel()
	res, ok, err := s.deps.Control.Resolution(ctx, id)
	switch {
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	case !ok:
		writeError(w, http.StatusServiceUnavailable, capture.ErrResolutionUnavailable.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.deps.Capture == nil {
		writeJSON(w, http.StatusNotImplemented, screenshotResponse{Error: "screenshot capture not configured"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), deviceCallTimeout)
	defer cancel()

	var buf bytes.Buffer
	res, err := s.deps.Capture.Screenshot(ctx, id, &buf)
	if err != nil {
		s.log.Warn("screenshot failed", "device", id, "error", err)
		writeJSON(w, http.StatusBadGateway, screenshotResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, screenshotResponse{
		Success: true,
		Image:   base64.StdEncoding.EncodeToString(buf.Bytes()),
		Width:   res.Width,
		Height:  res.Height,
	})
}

// inputStatus maps input and device errors to HTTP status codes.
func inputStatus(err error) int {
	switch {
	case errors.Is(err, input.ErrPointerOutsideContent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, input.ErrEmptyContent), errors.Is(err, input.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrResolutionUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, input.ErrInjectionFailed), errors.Is(err, device.ErrUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
