// Package stream keeps one resilience controller per device, creating it
// when the first viewer asks for the device and forgetting it once it stops.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/devrelay/internal/distribution"
	"github.com/zsiec/devrelay/internal/resilience"
)

// ErrNotFound is returned for a device with no active stream.
var ErrNotFound = errors.New("stream: no active stream for device")

// Factory builds the controller for a device.
type Factory func(deviceID string) *resilience.Controller

// Stream is one device's live stream.
type Stream struct {
	DeviceID   string
	StartedAt  time.Time
	Controller *resilience.Controller
}

// Manager manages the lifecycle of per-device streams.
type Manager struct {
	log     *slog.Logger
	factory Factory

	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager creates a new stream manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger, factory Factory) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "stream-manager"),
		factory: factory,
		streams: make(map[string]*Stream),
	}
}

// Acquire returns the device's stream, creating it if there is none or the
// previous one has stopped.
func (m *Manager) Acquire(deviceID string) *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.streams[deviceID]; ok && s.Controller.State() != resilience.Stopped {
		return s
	}

	s := &Stream{
		DeviceID:   deviceID,
		StartedAt:  time.Now(),
		Controller: m.factory(deviceID),
	}
	m.streams[deviceID] = s
	go m.reap(s)
	m.log.Info("stream created", "device", deviceID)
	return s
}

// reap forgets s once its controller stops.
func (m *Manager) reap(s *Stream) {
	<-s.Controller.Done()
	m.mu.Lock()
	removed := m.streams[s.DeviceID] == s
	if removed {
		delete(m.streams, s.DeviceID)
	}
	m.mu.Unlock()
	if removed {
		m.log.Info("stream removed", "device", s.DeviceID, "uptime", time.Since(s.StartedAt).Round(time.Second))
	}
}

// Attach attaches a viewer to the device's stream, starting it if needed.
// A stream that stops while the viewer attaches is replaced once.
func (m *Manager) Attach(deviceID, viewerID string) (*Stream, *distribution.Viewer, error) {
	var lastErr error
	for range 2 {
		s := m.Acquire(deviceID)
		v, err := s.Controller.Attach(viewerID)
		if err == nil {
			return s, v, nil
		}
		lastErr = err
		if !errors.Is(err, resilience.ErrStopped) {
			break
		}
	}
	return nil, nil, lastErr
}

// Get returns the device's stream if one is active.
func (m *Manager) Get(deviceID string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[deviceID]
	return s, ok
}

// Reset shuts the device's stream down and forgets it. The next viewer
// starts a fresh one.
func (m *Manager) Reset(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	s, ok := m.streams[deviceID]
	delete(m.streams, deviceID)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	m.log.Info("stream reset", "device", deviceID)
	return s.Controller.Shutdown(ctx)
}

// List returns all active streams ordered by device ID.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.RUnlock()

	sort.Slice(streams, func(i, j int) bool { return streams[i].DeviceID < streams[j].DeviceID })
	return streams
}

// ShutdownAll shuts every stream down concurrently and forgets them.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.mu.Lock()
	streams := make([]*Stream, 0, len(m.streams))
	for id, s := range m.streams {
		streams = append(streams, s)
		delete(m.streams, id)
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range streams {
		g.Go(func() error {
			return s.Controller.Shutdown(ctx)
		})
	}
	err := g.Wait()
	m.log.Info("all streams shut down", "count", len(streams), "error", err)
	return err
}
