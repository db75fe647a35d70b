// Package resilience owns the lifecycle of one device's live stream. A
// Controller starts capture when the first viewer attaches, restarts it with
// backoff when the channel fails or stalls, and stops it after the last
// viewer has been gone for a grace period.
//
// All state lives in a single event-loop goroutine; the exported methods
// send requests to it and wait for the reply.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/zsiec/devrelay/internal/capture"
	"github.com/zsiec/devrelay/internal/device"
	"github.com/zsiec/devrelay/internal/distribution"
	"github.com/zsiec/devrelay/internal/input"
	"github.com/zsiec/devrelay/internal/media"
	"github.com/zsiec/devrelay/internal/paramcache"
	"github.com/zsiec/devrelay/internal/pipeline"
)

// Defaults for Config fields left zero.
const (
	DefaultHealthWindow   = 5 * time.Second
	DefaultGracePeriod    = 10 * time.Second
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
)

// Config tunes a Controller.
type Config struct {
	// HealthWindow is how long Streaming may go without a unit before the
	// channel counts as stalled.
	HealthWindow time.Duration
	// GracePeriod is how long capture keeps running with no viewers. Zero
	// selects DefaultGracePeriod.
	GracePeriod time.Duration
	// MaxAttempts bounds consecutive failed starts before Stopped.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	QueueSize        int
	MaxParameterSets int
	MaxUnitSize      int
}

func (c Config) withDefaults() Config {
	if c.HealthWindow <= 0 {
		c.HealthWindow = DefaultHealthWindow
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.QueueSize <= 0 {
		c.QueueSize = media.DefaultViewerQueueSize
	}
	if c.MaxParameterSets <= 0 {
		c.MaxParameterSets = media.DefaultMaxParameterSets
	}
	if c.MaxUnitSize <= 0 {
		c.MaxUnitSize = media.DefaultMaxUnitSize
	}
	return c
}

// newBackOff builds the restart policy: exponential delays, at most
// maxAttempts-1 retries after the first failure.
func (c Config) newBackOff() backoff.BackOff {
	if c.MaxAttempts <= 1 {
		return &backoff.StopBackOff{}
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.InitialBackoff
	exp.MaxInterval = c.MaxBackoff
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(c.MaxAttempts-1))
}

// Supervisor is the capture supervisor driven by the controller.
// *capture.Supervisor implements it.
type Supervisor interface {
	DeviceID() string
	Start(ctx context.Context) (*capture.Session, error)
	Stop() error
	Resolution() (device.Resolution, error)
	SetNotify(fn capture.NotifyFunc)
}

// Stats summarizes a controller for the state endpoint.
type Stats struct {
	DeviceID   string                     `json:"deviceId"`
	State      State                      `json:"state"`
	Since      time.Time                  `json:"since"`
	Starts     int64                      `json:"starts"`
	Failures   int64                      `json:"failures"`
	LastError  string                     `json:"lastError,omitempty"`
	Resolution *device.Resolution         `json:"resolution,omitempty"`
	Stream     *pipeline.Snapshot         `json:"stream,omitempty"`
	Relay      distribution.RelayStats    `json:"relay"`
	Viewers    []distribution.ViewerStats `json:"viewers"`
}

type attachReq struct {
	id    string
	reply chan attachResult
}

type attachResult struct {
	v   *distribution.Viewer
	err error
}

type detachReq struct {
	id    string
	reply chan bool
}

type startResult struct {
	sess *capture.Session
	err  error
}

type pipelineExit struct {
	p   *pipeline.Pipeline
	err error
}

type sessionExit struct {
	sess *capture.Session
	err  error
}

type shutdownReq struct {
	reply chan error
}

// Controller drives one device's capture lifecycle.
type Controller struct {
	log      *slog.Logger
	cfg      Config
	deviceID string
	sup      Supervisor
	injector *input.Injector
	cache    *paramcache.Cache
	relay    *distribution.Relay

	ctx    context.Context
	cancel context.CancelFunc
	events chan any
	done   chan struct{}

	state    atomic.Int32
	since    atomic.Int64
	starts   atomic.Int64
	failures atomic.Int64
	lastErr  atomic.Pointer[string]
	pipe     atomic.Pointer[pipeline.Pipeline]

	watchMu  sync.Mutex
	watchers map[chan Transition]struct{}

	// Owned by the event loop.
	policy      backoff.BackOff
	session     *capture.Session
	pipeCancel  context.CancelFunc
	pipeDone    chan struct{}
	nextSeq     uint64
	pending     chan startResult
	retryTimer  *time.Timer
	graceTimer  *time.Timer
	lastHealthy time.Time
}

// New creates a Controller in Idle and starts its event loop. Capture
// starts on the first Attach.
func New(sup Supervisor, injector *input.Injector, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	cache := paramcache.New(cfg.MaxParameterSets)
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		log:      slog.With("component", "resilience", "device", sup.DeviceID()),
		cfg:      cfg,
		deviceID: sup.DeviceID(),
		sup:      sup,
		injector: injector,
		cache:    cache,
		relay:    distribution.NewRelay(cache, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan any, 16),
		done:     make(chan struct{}),
		watchers: make(map[chan Transition]struct{}),
		policy:   cfg.newBackOff(),
	}
	c.since.Store(time.Now().UnixNano())
	sup.SetNotify(func(sess *capture.Session, err error) {
		c.post(sessionExit{sess: sess, err: err})
	})
	go c.run()
	return c
}

// DeviceID returns the controlled device.
func (c *Controller) DeviceID() string { return c.deviceID }

// State returns the current state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Done is closed once the controller has reached Stopped and released
// the capture session.
func (c *Controller) Done() <-chan struct{} { return c.done }

// post delivers an event to the loop unless it has exited.
func (c *Controller) post(ev any) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// Attach registers a viewer and starts capture if it is not running. The
// returned viewer stays empty until the stream is live. Attach fails only
// on a stopped controller.
func (c *Controller) Attach(viewerID string) (*distribution.Viewer, error) {
	reply := make(chan attachResult, 1)
	if !c.post(attachReq{id: viewerID, reply: reply}) {
		return nil, ErrStopped
	}
	select {
	case r := <-reply:
		return r.v, r.err
	case <-c.done:
		return nil, ErrStopped
	}
}

// Detach removes a viewer. When it was the last one, capture stops after
// the grace period unless another viewer attaches first.
func (c *Controller) Detach(viewerID string) bool {
	reply := make(chan bool, 1)
	if !c.post(detachReq{id: viewerID, reply: reply}) {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-c.done:
		return false
	}
}

// Shutdown detaches every viewer, then stops the capture session. It
// returns once the controller is Stopped or ctx expires.
func (c *Controller) Shutdown(ctx context.Context) error {
	reply := make(chan error, 1)
	if !c.post(shutdownReq{reply: reply}) {
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Watch returns a channel of state transitions. It is closed when the
// controller stops or cancel is called. Slow watchers miss transitions
// rather than stalling the controller.
func (c *Controller) Watch() (<-chan Transition, func()) {
	ch := make(chan Transition, 16)
	c.watchMu.Lock()
	if c.State() == Stopped {
		c.watchMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.watchers[ch] = struct{}{}
	c.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.watchMu.Lock()
			if _, ok := c.watchers[ch]; ok {
				delete(c.watchers, ch)
				close(ch)
			}
			c.watchMu.Unlock()
		})
	}
}

// Resolution returns the device size reported at capture start, falling
// back to the picture size of the cached SPS.
func (c *Controller) Resolution() (device.Resolution, error) {
	res, err := c.sup.Resolution()
	if err == nil {
		return res, nil
	}
	if w, h, ok := c.cache.Dimensions(); ok {
		return device.Resolution{Width: w, Height: h}, nil
	}
	return device.Resolution{}, err
}

// Pointer maps a viewer pointer event into the content rect and injects it.
func (c *Controller) Pointer(ctx context.Context, ev input.PointerEvent, content input.Rect) error {
	if c.injector == nil {
		return fmt.Errorf("%w: no injector configured", input.ErrInjectionFailed)
	}
	res, err := c.Resolution()
	if err != nil {
		return err
	}
	return c.injector.Handle(ctx, c.deviceID, ev, content, res)
}

// ViewerCount returns the number of attached viewers.
func (c *Controller) ViewerCount() int { return c.relay.ViewerCount() }

// Stats returns a snapshot of the controller's counters.
func (c *Controller) Stats() Stats {
	s := Stats{
		DeviceID: c.deviceID,
		State:    c.State(),
		Since:    time.Unix(0, c.since.Load()),
		Starts:   c.starts.Load(),
		Failures: c.failures.Load(),
		Relay:    c.relay.Stats(),
		Viewers:  c.relay.ViewerStatsAll(),
	}
	if msg := c.lastErr.Load(); msg != nil {
		s.LastError = *msg
	}
	if res, err := c.Resolution(); err == nil {
		s.Resolution = &res
	}
	if p := c.pipe.Load(); p != nil {
		snap := p.StreamSnapshot()
		s.Stream = &snap
	}
	return s
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Controller) run() {
	defer close(c.done)

	health := time.NewTicker(max(c.cfg.HealthWindow/4, time.Millisecond))
	defer health.Stop()

	for c.State() != Stopped {
		select {
		case ev := <-c.events:
			c.handle(ev)

		case r := <-c.pending:
			c.pending = nil
			c.onStartResult(r)

		case <-timerC(c.retryTimer):
			c.retryTimer = nil
			c.startAttempt()

		case <-timerC(c.graceTimer):
			c.graceTimer = nil
			if c.relay.ViewerCount() == 0 {
				c.log.Info("grace period expired, stopping capture")
				c.stop(nil)
			}

		case <-health.C:
			c.checkHealth()
		}
	}
}

func (c *Controller) handle(ev any) {
	switch ev := ev.(type) {
	case attachReq:
		v, err := c.relay.Attach(ev.id)
		if err == nil {
			stopTimer(&c.graceTimer)
			if c.State() == Idle {
				c.startAttempt()
			}
		}
		ev.reply <- attachResult{v: v, err: err}

	case detachReq:
		ok := c.relay.Detach(ev.id)
		if ok && c.injector != nil {
			c.injector.Forget(ev.id)
		}
		if ok && c.relay.ViewerCount() == 0 {
			stopTimer(&c.graceTimer)
			c.graceTimer = time.NewTimer(c.cfg.GracePeriod)
		}
		ev.reply <- ok

	case pipelineExit:
		if ev.p != c.pipe.Load() || c.State() != Streaming {
			return
		}
		c.degrade(ev.err)

	case sessionExit:
		if ev.sess != c.session {
			return
		}
		c.degrade(ev.err)

	case shutdownReq:
		c.log.Info("shutdown requested", "viewers", c.relay.ViewerCount())
		c.stop(nil)
		ev.reply <- nil
	}
}

func (c *Controller) setState(to State, err error) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	now := time.Now()
	c.since.Store(now.UnixNano())
	if err != nil {
		msg := err.Error()
		c.lastErr.Store(&msg)
	}

	attrs := []any{"from", from, "to", to}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	if to == Degraded || (to == Stopped && err != nil) {
		c.log.Warn("state transition", attrs...)
	} else {
		c.log.Info("state transition", attrs...)
	}

	t := Transition{From: from, To: to, At: now, Err: err}
	c.watchMu.Lock()
	for ch := range c.watchers {
		select {
		case ch <- t:
		default:
			c.log.Debug("watcher lagging, transition dropped", "to", to)
		}
		if to == Stopped {
			close(ch)
			delete(c.watchers, ch)
		}
	}
	c.watchMu.Unlock()
}

// startAttempt launches Supervisor.Start off the loop; the result comes
// back through c.pending.
func (c *Controller) startAttempt() {
	c.setState(Starting, nil)
	c.starts.Add(1)

	res := make(chan startResult, 1)
	c.pending = res
	go func() {
		sess, err := c.sup.Start(c.ctx)
		res <- startResult{sess: sess, err: err}
	}()
}

func (c *Controller) onStartResult(r startResult) {
	if r.err != nil {
		c.failures.Add(1)
		c.setState(Degraded, r.err)
		c.scheduleRetry(r.err)
		return
	}

	// The previous reader must be gone before the cache gets a new writer.
	c.waitPipeline()
	c.policy.Reset()
	c.session = r.sess
	c.cache.Reset()
	c.relay.Rebootstrap()

	p := pipeline.New(c.deviceID, r.sess.Conn, c.cache, c.relay, pipeline.Config{
		FirstSeq:    c.nextSeq,
		MaxUnitSize: c.cfg.MaxUnitSize,
	})
	pctx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})
	c.pipe.Store(p)
	c.pipeCancel = cancel
	c.pipeDone = done
	c.lastHealthy = time.Now()
	go func() {
		err := p.Run(pctx)
		close(done)
		if err != nil {
			c.post(pipelineExit{p: p, err: err})
		}
	}()

	c.setState(Streaming, nil)
}

// degrade tears down a failed session and schedules a restart. Viewers
// get nothing more until a new session delivers a random-access unit.
func (c *Controller) degrade(err error) {
	c.failures.Add(1)
	c.teardownSession()
	c.waitPipeline()
	c.relay.Rebootstrap()
	c.setState(Degraded, err)
	c.scheduleRetry(err)
}

func (c *Controller) scheduleRetry(cause error) {
	if c.relay.ViewerCount() == 0 {
		c.stop(nil)
		return
	}
	d := c.policy.NextBackOff()
	if d == backoff.Stop {
		c.stop(fmt.Errorf("%w: %w", ErrRetriesExhausted, cause))
		return
	}
	c.log.Info("restart scheduled", "in", d.Round(time.Millisecond))
	stopTimer(&c.retryTimer)
	c.retryTimer = time.NewTimer(d)
}

func (c *Controller) checkHealth() {
	if c.State() != Streaming {
		return
	}
	p := c.pipe.Load()
	if p == nil {
		return
	}
	last := p.LastUnitAt()
	if last.Before(c.lastHealthy) {
		last = c.lastHealthy
	}
	if idle := time.Since(last); idle > c.cfg.HealthWindow {
		c.degrade(fmt.Errorf("%w: idle %v", ErrStalled, idle.Round(time.Millisecond)))
	}
}

// teardownSession stops the reader and the capture session.
func (c *Controller) teardownSession() {
	if c.pipeCancel != nil {
		c.pipeCancel()
		c.pipeCancel = nil
	}
	if c.session != nil {
		c.session = nil
		if err := c.sup.Stop(); err != nil {
			c.log.Warn("stopping capture", "error", err)
		}
	}
}

// waitPipeline waits for the last reader to return and records where its
// sequence numbering ended. Its socket is closed, so the wait is short.
func (c *Controller) waitPipeline() {
	if c.pipeDone == nil {
		return
	}
	<-c.pipeDone
	c.pipeDone = nil
	if p := c.pipe.Load(); p != nil {
		c.nextSeq = p.NextSeq()
	}
}

// stop reaches Stopped: viewers are detached first, then any in-flight
// start is awaited, then the capture session is released.
func (c *Controller) stop(cause error) {
	stopTimer(&c.retryTimer)
	stopTimer(&c.graceTimer)

	c.relay.Close()
	c.cancel()

	if c.pending != nil {
		r := <-c.pending
		c.pending = nil
		if r.err == nil {
			c.session = r.sess
		}
	}
	if c.pipeCancel != nil {
		c.pipeCancel()
		c.pipeCancel = nil
	}
	if err := c.sup.Stop(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.log.Warn("stopping capture", "error", err)
	}
	c.session = nil
	c.waitPipeline()
	c.pipe.Store(nil)

	c.setState(Stopped, cause)
}
