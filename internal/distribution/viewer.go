package distribution

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/zsiec/devrelay/internal/media"
)

// Sentinel errors reported through Viewer.Err once a viewer's queue closes.
var (
	ErrSlowConsumer    = errors.New("distribution: viewer evicted, queue overflow")
	ErrRelayClosed     = errors.New("distribution: relay closed")
	ErrDuplicateViewer = errors.New("distribution: viewer already attached")
)

// ViewerState is the delivery state of an attached viewer.
type ViewerState int32

const (
	// ViewerBootstrapping viewers receive nothing until a random-access
	// picture (and its parameter sets) can be delivered first.
	ViewerBootstrapping ViewerState = iota
	// ViewerLive viewers receive every published unit in order.
	ViewerLive
	// ViewerClosing viewers have been detached or evicted; their queue is
	// closed and no further units are enqueued.
	ViewerClosing
)

func (s ViewerState) String() string {
	switch s {
	case ViewerBootstrapping:
		return "bootstrapping"
	case ViewerLive:
		return "live"
	case ViewerClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// ViewerStats captures per-viewer delivery metrics for the state API.
type ViewerStats struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	AttachedAt int64  `json:"attachedAt"`
	Enqueued   int64  `json:"enqueued"`
	Delivered  int64  `json:"delivered"`
	BytesSent  int64  `json:"bytesSent"`
	QueueDepth int    `json:"queueDepth"`
	LastSeq    int64  `json:"lastSeq"`
}

// Viewer is one attached consumer of the relay. Units are read from the
// channel returned by Units; the channel is closed when the viewer is
// detached, evicted, or the relay shuts down, after which Err reports why.
type Viewer struct {
	id         string
	attachedAt time.Time
	queue      chan *media.CodedUnit
	done       chan struct{}
	err        error

	// lastSeq is owned by the relay and only touched under Relay.mu.
	lastSeq uint64
	hasSeq  bool

	state     atomic.Int32
	enqueued  atomic.Int64
	delivered atomic.Int64
	bytesSent atomic.Int64
	lastSent  atomic.Int64
}

func newViewer(id string, queueSize int) *Viewer {
	v := &Viewer{
		id:         id,
		attachedAt: time.Now(),
		queue:      make(chan *media.CodedUnit, queueSize),
		done:       make(chan struct{}),
	}
	v.state.Store(int32(ViewerBootstrapping))
	v.lastSent.Store(-1)
	return v
}

// ID returns the viewer's identifier.
func (v *Viewer) ID() string { return v.id }

// AttachedAt returns when the viewer was attached.
func (v *Viewer) AttachedAt() time.Time { return v.attachedAt }

// Units returns the viewer's outbound queue.
func (v *Viewer) Units() <-chan *media.CodedUnit { return v.queue }

// Done is closed when the viewer stops receiving units.
func (v *Viewer) Done() <-chan struct{} { return v.done }

// Err returns why the viewer was closed: nil after a plain Detach,
// ErrSlowConsumer after eviction, ErrRelayClosed after shutdown. It is only
// meaningful once Done is closed.
func (v *Viewer) Err() error {
	select {
	case <-v.done:
		return v.err
	default:
		return nil
	}
}

// State returns the viewer's current delivery state.
func (v *Viewer) State() ViewerState { return ViewerState(v.state.Load()) }

// Stats returns a snapshot of the viewer's delivery counters.
func (v *Viewer) Stats() ViewerStats {
	return ViewerStats{
		ID:         v.id,
		State:      v.State().String(),
		AttachedAt: v.attachedAt.UnixMilli(),
		Enqueued:   v.enqueued.Load(),
		Delivered:  v.delivered.Load(),
		BytesSent:  v.bytesSent.Load(),
		QueueDepth: len(v.queue),
		LastSeq:    v.lastSent.Load(),
	}
}

// offer enqueues u without blocking. It reports false when the queue is
// full. Caller holds Relay.mu.
func (v *Viewer) offer(u *media.CodedUnit) bool {
	select {
	case v.queue <- u:
		v.lastSeq = u.Seq
		v.hasSeq = true
		v.enqueued.Add(1)
		return true
	default:
		return false
	}
}

// seen reports whether u was already enqueued (it is not newer than the
// last enqueued unit). Caller holds Relay.mu.
func (v *Viewer) seen(u *media.CodedUnit) bool {
	return v.hasSeq && u.Seq <= v.lastSeq
}

// close ends delivery. Caller holds Relay.mu, which makes the channel close
// race-free with respect to offer.
func (v *Viewer) close(err error) {
	if v.State() == ViewerClosing {
		return
	}
	v.state.Store(int32(ViewerClosing))
	v.err = err
	close(v.queue)
	close(v.done)
}

func (v *Viewer) recordDelivered(u *media.CodedUnit) {
	v.delivered.Add(1)
	v.bytesSent.Add(int64(len(u.Payload)))
	v.lastSent.Store(int64(u.Seq))
}
