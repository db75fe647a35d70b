// Package capture supervises the on-device capture service: it launches
// the service through the device control channel, connects to its stream
// socket and tears both down again. Restart policy is not decided here; an
// unexpected exit is reported through the notify hook.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/zsiec/devrelay/internal/device"
)

// Defaults for Config fields left zero.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultDialInterval   = 100 * time.Millisecond
	DefaultStopTimeout    = 5 * time.Second
)

// Config bounds the supervisor's waits.
type Config struct {
	// ConnectTimeout bounds the whole connect phase of Start, including
	// retries while the service is still binding its socket.
	ConnectTimeout time.Duration
	// DialInterval is the pause between connect attempts.
	DialInterval time.Duration
	// StopTimeout bounds the StopCapture call made during teardown.
	StopTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.DialInterval <= 0 {
		c.DialInterval = DefaultDialInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	return c
}

// Session is one running capture: the service process and its connected
// stream socket.
type Session struct {
	DeviceID   string
	Conn       net.Conn
	Resolution device.Resolution
	// HasResolution is false when the device did not report its size.
	HasResolution bool
	StartedAt     time.Time

	proc    device.Process
	exited  chan struct{}
	exitErr error
}

// Exited is closed when the capture process has exited, for any reason.
func (s *Session) Exited() <-chan struct{} { return s.exited }

// NotifyFunc receives unexpected session terminations. It is called from
// the supervisor's watcher goroutine and must not block.
type NotifyFunc func(sess *Session, err error)

// Supervisor owns at most one capture Session for one device.
type Supervisor struct {
	cfg      Config
	log      *slog.Logger
	ctrl     device.Control
	deviceID string
	dialer   net.Dialer

	mu      sync.Mutex
	session *Session
	notify  NotifyFunc
}

// NewSupervisor creates a supervisor for deviceID.
func NewSupervisor(ctrl device.Control, deviceID string, cfg Config) *Supervisor {
	return &Supervisor{
		cfg:      cfg.withDefaults(),
		log:      slog.With("component", "capture", "device", deviceID),
		ctrl:     ctrl,
		deviceID: deviceID,
	}
}

// DeviceID returns the supervised device.
func (s *Supervisor) DeviceID() string { return s.deviceID }

// SetNotify installs the hook called when a running session ends without
// Stop being called.
func (s *Supervisor) SetNotify(fn NotifyFunc) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

// Start launches the capture service and connects to its stream. A session
// left over from an earlier Start is stopped first. Every failure path
// releases what was acquired before returning a *StartError.
func (s *Supervisor) Start(ctx context.Context) (*Session, error) {
	if err := s.Stop(); err != nil {
		s.log.Warn("stopping previous session", "error", err)
	}

	start := time.Now()
	proc, ep, err := s.ctrl.StartCapture(ctx, s.deviceID)
	if err != nil {
		return nil, &StartError{DeviceID: s.deviceID, Stage: "launch", Err: err}
	}

	sess := &Session{
		DeviceID: s.deviceID,
		proc:     proc,
		exited:   make(chan struct{}),
	}
	go func() {
		sess.exitErr = proc.Wait()
		close(sess.exited)
	}()

	conn, err := s.connect(ctx, sess, ep)
	if err != nil {
		s.teardown(sess)
		return nil, &StartError{DeviceID: s.deviceID, Stage: "connect", Err: err}
	}
	sess.Conn = conn
	sess.StartedAt = time.Now()

	res, ok, err := s.ctrl.Resolution(ctx, s.deviceID)
	switch {
	case err != nil:
		s.log.Warn("resolution query failed", "error", err)
	case !ok || !res.Valid():
		s.log.Warn("device reported no resolution")
	default:
		sess.Resolution = res
		sess.HasResolution = true
	}

	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()

	go s.watch(sess)

	s.log.Info("capture session started",
		"addr", ep.Addr,
		"resolution", sess.Resolution,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return sess, nil
}

// connect dials ep until the preamble arrives or ConnectTimeout elapses.
// The service may not have bound its socket yet on the first attempts; the
// adb tunnel then accepts and immediately closes the connection.
func (s *Supervisor) connect(ctx context.Context, sess *Session, ep device.Endpoint) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; ; attempt++ {
		conn, err := s.dialOnce(ctx, ep)
		if err == nil {
			if attempt > 1 {
				s.log.Debug("connected", "attempts", attempt)
			}
			return conn, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("after %d attempts: %w", attempt, errors.Join(ctx.Err(), lastErr))
		case <-sess.exited:
			return nil, fmt.Errorf("capture process exited: %w", errors.Join(sess.exitErr, lastErr))
		case <-time.After(s.cfg.DialInterval):
		}
	}
}

func (s *Supervisor) dialOnce(ctx context.Context, ep device.Endpoint) (net.Conn, error) {
	conn, err := s.dialer.DialContext(ctx, "tcp", ep.Addr)
	if err != nil {
		return nil, err
	}
	if ep.Preamble > 0 {
		if dl, ok := ctx.Deadline(); ok {
			conn.SetReadDeadline(dl)
		}
		buf := make([]byte, ep.Preamble)
		if _, err := io.ReadFull(conn, buf); err != nil {
			conn.Close()
			return nil, fmt.Errorf("read preamble: %w", err)
		}
		conn.SetReadDeadline(time.Time{})
	}
	return conn, nil
}

// watch reports an exit that Stop did not cause.
func (s *Supervisor) watch(sess *Session) {
	<-sess.exited

	s.mu.Lock()
	current := s.session == sess
	if current {
		s.session = nil
	}
	notify := s.notify
	s.mu.Unlock()
	if !current {
		return
	}

	s.teardown(sess)
	err := fmt.Errorf("%w: capture process exited", ErrChannelClosed)
	if sess.exitErr != nil {
		err = fmt.Errorf("%w: capture process exited: %v", ErrChannelClosed, sess.exitErr)
	}
	s.log.Warn("capture session ended unexpectedly", "error", err)
	if notify != nil {
		notify(sess, err)
	}
}

// Stop closes the socket, kills the process and removes the device-side
// tunnel. It is idempotent.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	err := s.teardown(sess)
	s.log.Info("capture session stopped", "uptime", time.Since(sess.StartedAt).Round(time.Second))
	return err
}

func (s *Supervisor) teardown(sess *Session) error {
	var errs []error
	if sess.Conn != nil {
		if err := sess.Conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close socket: %w", err))
		}
	}
	if err := sess.proc.Kill(); err != nil {
		errs = append(errs, fmt.Errorf("kill process: %w", err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()
	if err := s.ctrl.StopCapture(ctx, s.deviceID); err != nil {
		errs = append(errs, fmt.Errorf("stop capture: %w", err))
	}
	return errors.Join(errs...)
}

// Session returns the running session, or nil.
func (s *Supervisor) Session() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Resolution returns the size reported by the device when the current
// session started.
func (s *Supervisor) Resolution() (device.Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || !s.session.HasResolution {
		return device.Resolution{}, ErrResolutionUnavailable
	}
	return s.session.Resolution, nil
}
