package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zsiec/devrelay/internal/distribution"
	"github.com/zsiec/devrelay/internal/input"
	"github.com/zsiec/devrelay/internal/media"
	"github.com/zsiec/devrelay/internal/resilience"
	"github.com/zsiec/devrelay/internal/stream"
)

const maxViewerMessage = 4096

// notice is a text frame sent to a viewer alongside the binary units.
type notice struct {
	Type     string `json:"type"`
	ViewerID string `json:"viewer_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	State    string `json:"state,omitempty"`
	From     string `json:"from,omitempty"`
	Error    string `json:"error,omitempty"`
}

// viewerMessage is a text frame received from a viewer.
type viewerMessage struct {
	Type    string     `json:"type"`
	X       float64    `json:"x"`
	Y       float64    `json:"y"`
	Kind    input.Kind `json:"kind"`
	Content input.Rect `json:"content"`
}

// wsConn serializes writes to a websocket; gorilla connections allow one
// concurrent writer.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

func (c *wsConn) WriteUnit(u *media.CodedUnit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, u.Payload)
}

func (c *wsConn) writeNotice(n notice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(n)
}

func (c *wsConn) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
}

func (s *Server) handleVideoStream(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "device", deviceID, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxViewerMessage)
	wc := &wsConn{conn: conn, writeTimeout: s.cfg.WriteTimeout}

	// Browsers cannot read an HTTP error body on a failed upgrade, so
	// request errors go over the socket.
	if deviceID == "" {
		wc.writeNotice(notice{Type: "error", Error: "device_id is required"})
		wc.closeWith(websocket.ClosePolicyViolation, "device_id is required")
		return
	}

	viewerID := uuid.NewString()
	log := s.log.With("device", deviceID, "viewer", viewerID)

	st, v, err := s.deps.Streams.Attach(deviceID, viewerID)
	if err != nil {
		log.Warn("attach failed", "error", err)
		wc.writeNotice(notice{Type: "error", DeviceID: deviceID, Error: err.Error()})
		wc.closeWith(websocket.CloseTryAgainLater, "stream unavailable")
		return
	}
	defer func() {
		st.Controller.Detach(viewerID)
		if s.deps.Injector != nil {
			s.deps.Injector.Forget(viewerID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := wc.writeNotice(notice{
		Type:     "hello",
		ViewerID: viewerID,
		DeviceID: deviceID,
		State:    st.Controller.State().String(),
	}); err != nil {
		log.Debug("hello write failed", "error", err)
		return
	}
	log.Info("viewer connected")

	transitions, unwatch := st.Controller.Watch()
	defer unwatch()
	go forwardTransitions(ctx, wc, transitions)
	go s.readViewer(ctx, cancel, wc, st, viewerID)

	err = distribution.Serve(ctx, v, wc)
	switch {
	case errors.Is(err, distribution.ErrSlowConsumer):
		wc.writeNotice(notice{Type: "error", Error: err.Error()})
		wc.closeWith(websocket.CloseTryAgainLater, "slow consumer")
	case errors.Is(err, distribution.ErrRelayClosed):
		wc.closeWith(websocket.CloseGoingAway, "stream stopped")
	case err == nil, errors.Is(err, context.Canceled):
		wc.closeWith(websocket.CloseNormalClosure, "")
	}
	log.Info("viewer disconnected", "reason", err)
}

func forwardTransitions(ctx context.Context, wc *wsConn, transitions <-chan resilience.Transition) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-transitions:
			if !ok {
				return
			}
			n := notice{Type: "state", State: tr.To.String(), From: tr.From.String()}
			if tr.Err != nil {
				n.Error = tr.Err.Error()
			}
			if err := wc.writeNotice(n); err != nil {
				return
			}
		}
	}
}

// readViewer consumes pointer events until the viewer goes away, then
// cancels the stream context.
func (s *Server) readViewer(ctx context.Context, cancel context.CancelFunc, wc *wsConn, st *stream.Stream, viewerID string) {
	defer cancel()
	for {
		mt, data, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var msg viewerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			wc.writeNotice(notice{Type: "error", Error: "invalid message: " + err.Error()})
			continue
		}
		if msg.Type != "pointer" {
			continue
		}
		ev := input.PointerEvent{ViewerID: viewerID, X: msg.X, Y: msg.Y, Kind: msg.Kind}
		if err := st.Controller.Pointer(ctx, ev, msg.Content); err != nil {
			wc.writeNotice(notice{Type: "pointer_error", Error: err.Error()})
		}
	}
}

func (s *Server) handleVideoReset(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		if err := s.deps.Streams.ShutdownAll(ctx); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "all video streams reset"})
		return
	}

	err := s.deps.Streams.Reset(ctx, deviceID)
	switch {
	case errors.Is(err, stream.ErrNotFound):
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "no active stream for " + deviceID})
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "video stream reset for " + deviceID})
	}
}
