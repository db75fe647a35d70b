package distribution

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/devrelay/internal/media"
	"github.com/zsiec/devrelay/internal/paramcache"
)

// SnapshotSource supplies the decoder bootstrap state handed to viewers.
// *paramcache.Cache implements it.
type SnapshotSource interface {
	Snapshot() *paramcache.Snapshot
}

// Relay is the fan-out hub for one device's stream. Every published unit is
// offered to each viewer's bounded queue; a viewer whose queue is full is
// evicted instead of slowing the publisher or the other viewers.
//
// New viewers are bootstrapped from the SnapshotSource (parameter sets then
// the last random-access picture) so they can decode immediately. Viewers
// that attach before any random-access picture exists stay in
// ViewerBootstrapping and receive nothing until one is published.
//
// Publish must be called after the unit has been observed by the snapshot
// source. Units already covered by a viewer's bootstrap are suppressed by
// sequence index, so a viewer attaching between those two steps does not
// receive a duplicate.
//
// After Rebootstrap the relay is paused: the source may still hold the old
// session's snapshot, so new viewers wait in ViewerBootstrapping until a
// random-access unit is published again.
type Relay struct {
	log       *slog.Logger
	source    SnapshotSource
	queueSize int

	mu      sync.Mutex
	viewers map[string]*Viewer
	closed  bool
	paused  bool

	published atomic.Int64
	evicted   atomic.Int64
}

// NewRelay creates a Relay with no viewers. queueSize is the capacity of
// each viewer queue; it is raised if needed so a full bootstrap always fits.
func NewRelay(source SnapshotSource, queueSize int) *Relay {
	if queueSize <= 0 {
		queueSize = media.DefaultViewerQueueSize
	}
	if min := media.DefaultMaxParameterSets + 1; queueSize < min {
		queueSize = min
	}
	return &Relay{
		log:       slog.With("component", "relay"),
		source:    source,
		queueSize: queueSize,
		viewers:   make(map[string]*Viewer),
	}
}

// Attach registers a viewer. If the snapshot source has a decodable entry
// point, the bootstrap units are enqueued before Attach returns and the
// viewer is live; otherwise it waits in ViewerBootstrapping.
func (r *Relay) Attach(id string) (*Viewer, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRelayClosed
	}
	if _, ok := r.viewers[id]; ok {
		r.mu.Unlock()
		return nil, ErrDuplicateViewer
	}

	v := newViewer(id, r.queueSize)
	r.viewers[id] = v
	if !r.paused {
		if snap := r.source.Snapshot(); snap.Ready() {
			r.bootstrapLocked(v, snap)
		}
	}
	count := len(r.viewers)
	r.mu.Unlock()

	r.log.Info("viewer attached", "viewer", id, "state", v.State(), "viewers", count)
	return v, nil
}

// Detach removes a viewer and closes its queue. It reports whether the
// viewer was attached.
func (r *Relay) Detach(id string) bool {
	r.mu.Lock()
	v, ok := r.viewers[id]
	if ok {
		delete(r.viewers, id)
		v.close(nil)
	}
	count := len(r.viewers)
	r.mu.Unlock()

	if ok {
		r.log.Info("viewer detached", "viewer", id, "viewers", count)
	}
	return ok
}

// Publish offers u to every attached viewer. It never blocks on a viewer.
func (r *Relay) Publish(u *media.CodedUnit) {
	r.published.Add(1)

	var evicted []*Viewer
	r.mu.Lock()
	if r.paused && u.Kind == media.KindRandomAccess {
		if snap := r.source.Snapshot(); snap.Ready() && snap.LastSeq() >= u.Seq {
			r.paused = false
		}
	}
	for id, v := range r.viewers {
		if !r.deliverLocked(v, u) {
			delete(r.viewers, id)
			v.close(ErrSlowConsumer)
			evicted = append(evicted, v)
		}
	}
	r.mu.Unlock()

	for _, v := range evicted {
		r.evicted.Add(1)
		r.log.Warn("viewer evicted, slow consumer",
			"viewer", v.ID(),
			"enqueued", v.enqueued.Load(),
			"delivered", v.delivered.Load())
	}
}

// deliverLocked routes u to v according to v's state. It returns false when
// v must be evicted.
func (r *Relay) deliverLocked(v *Viewer, u *media.CodedUnit) bool {
	switch v.State() {
	case ViewerLive:
		if v.seen(u) {
			return true
		}
		return v.offer(u)

	case ViewerBootstrapping:
		if u.Kind != media.KindRandomAccess {
			return true
		}
		snap := r.source.Snapshot()
		if !snap.Ready() || snap.LastSeq() < u.Seq {
			// The source has not observed this picture; without its
			// parameter sets the viewer could not decode it.
			return true
		}
		return r.bootstrapLocked(v, snap)
	}
	return true
}

// bootstrapLocked enqueues the snapshot's units and marks v live.
func (r *Relay) bootstrapLocked(v *Viewer, snap *paramcache.Snapshot) bool {
	for _, u := range snap.Units() {
		if v.seen(u) {
			continue
		}
		if !v.offer(u) {
			return false
		}
	}
	v.state.Store(int32(ViewerLive))
	return true
}

// Rebootstrap returns every live viewer to ViewerBootstrapping and pauses
// bootstrapping from the source until the next random-access unit is
// published. Called when a capture session ends or a new one starts:
// nothing from the old stream is decodable alongside the new one.
func (r *Relay) Rebootstrap() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
	for _, v := range r.viewers {
		if v.State() == ViewerLive {
			v.state.Store(int32(ViewerBootstrapping))
		}
	}
}

// Close detaches every viewer with ErrRelayClosed. Further attaches fail.
// When Close returns, every viewer's queue is closed.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	count := len(r.viewers)
	for id, v := range r.viewers {
		delete(r.viewers, id)
		v.close(ErrRelayClosed)
	}
	r.mu.Unlock()

	r.log.Info("relay closed", "viewers", count)
}

// Viewer returns the attached viewer with the given ID.
func (r *Relay) Viewer(id string) (*Viewer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.viewers[id]
	return v, ok
}

// ViewerCount returns the number of currently attached viewers.
func (r *Relay) ViewerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.viewers)
}

// ViewerStatsAll returns delivery metrics for every attached viewer.
func (r *Relay) ViewerStatsAll() []ViewerStats {
	r.mu.Lock()
	viewers := make([]*Viewer, 0, len(r.viewers))
	for _, v := range r.viewers {
		viewers = append(viewers, v)
	}
	r.mu.Unlock()

	stats := make([]ViewerStats, 0, len(viewers))
	for _, v := range viewers {
		stats = append(stats, v.Stats())
	}
	return stats
}

// RelayStats summarizes fan-out activity.
type RelayStats struct {
	Published int64 `json:"published"`
	Evicted   int64 `json:"evicted"`
	Viewers   int   `json:"viewers"`
}

// Stats returns relay-wide counters.
func (r *Relay) Stats() RelayStats {
	return RelayStats{
		Published: r.published.Load(),
		Evicted:   r.evicted.Load(),
		Viewers:   r.ViewerCount(),
	}
}
