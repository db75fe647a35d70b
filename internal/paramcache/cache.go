// Package paramcache keeps the decoder bootstrap state of a capture session:
// the most recent parameter sets and the most recent random-access picture.
// A viewer that attaches mid-stream receives this state first so it can start
// decoding without waiting for the device's next IDR.
package paramcache

import (
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/devrelay/internal/demux"
	"github.com/zsiec/devrelay/internal/media"
)

// Snapshot is an immutable view of the cache. ParameterSets are in arrival
// order and are sufficient to decode LastRandomAccess and every delta
// picture that follows it.
type Snapshot struct {
	ParameterSets    []*media.CodedUnit
	LastRandomAccess *media.CodedUnit
	Version          uint64
}

// Ready reports whether the snapshot holds a decodable entry point.
func (s *Snapshot) Ready() bool {
	return s != nil && s.LastRandomAccess != nil
}

// Units returns the bootstrap sequence for a new viewer: parameter sets
// followed by the random-access picture. It returns nil when the snapshot
// is not ready.
func (s *Snapshot) Units() []*media.CodedUnit {
	if !s.Ready() {
		return nil
	}
	out := make([]*media.CodedUnit, 0, len(s.ParameterSets)+1)
	out = append(out, s.ParameterSets...)
	return append(out, s.LastRandomAccess)
}

// LastSeq returns the highest sequence index contained in the snapshot.
func (s *Snapshot) LastSeq() uint64 {
	if !s.Ready() {
		return 0
	}
	return s.LastRandomAccess.Seq
}

var emptySnapshot = &Snapshot{}

// Cache holds the current Snapshot behind an atomic pointer. Observe has a
// single writer, the goroutine reading the capture socket; Snapshot and
// HasBootstrap may be called from any goroutine and never block.
//
// Parameter sets are staged until the random-access picture that uses them
// arrives, so a published snapshot never pairs a new SPS with an IDR encoded
// against the old one.
type Cache struct {
	log       *slog.Logger
	maxParams int
	pending   []*media.CodedUnit
	snap      atomic.Pointer[Snapshot]
}

// New creates an empty cache that retains at most maxParams parameter sets.
func New(maxParams int) *Cache {
	if maxParams <= 0 {
		maxParams = media.DefaultMaxParameterSets
	}
	c := &Cache{
		log:       slog.With("component", "paramcache"),
		maxParams: maxParams,
	}
	c.snap.Store(emptySnapshot)
	return c
}

// Observe folds a unit into the cache. It reports whether a new snapshot
// was published.
func (c *Cache) Observe(u *media.CodedUnit) bool {
	switch u.Kind {
	case media.KindParameterSet:
		c.pending = trimParams(append(c.pending, u), c.maxParams)
		return false

	case media.KindRandomAccess:
		prev := c.snap.Load()
		next := &Snapshot{
			ParameterSets:    c.commitParams(prev.ParameterSets),
			LastRandomAccess: u,
			Version:          prev.Version + 1,
		}
		c.pending = nil
		c.snap.Store(next)
		if !prev.Ready() {
			c.log.Debug("bootstrap available",
				"params", len(next.ParameterSets),
				"idrBytes", len(u.Payload),
				"seq", u.Seq)
		}
		return true
	}
	return false
}

// commitParams merges the staged parameter sets into the previous list. A
// staged SPS starts a new sequence, so the old list is dropped; otherwise
// the staged sets (PPS updates) are appended.
func (c *Cache) commitParams(prev []*media.CodedUnit) []*media.CodedUnit {
	if len(c.pending) == 0 {
		return prev
	}
	var merged []*media.CodedUnit
	if !containsSPS(c.pending) {
		merged = append(merged, prev...)
	}
	merged = append(merged, c.pending...)
	return trimParams(merged, c.maxParams)
}

// trimParams drops the oldest parameter sets beyond max, except that the
// newest SPS is always retained; without it the PPS entries are useless.
func trimParams(units []*media.CodedUnit, max int) []*media.CodedUnit {
	for len(units) > max {
		drop := 0
		if units[0].NALType == demux.NALTypeSPS && !containsSPS(units[1:]) {
			drop = 1
		}
		units = append(units[:drop:drop], units[drop+1:]...)
	}
	return units
}

func containsSPS(units []*media.CodedUnit) bool {
	for _, u := range units {
		if u.NALType == demux.NALTypeSPS {
			return true
		}
	}
	return false
}

// Snapshot returns the current snapshot. The result is never nil and must
// not be modified.
func (c *Cache) Snapshot() *Snapshot {
	return c.snap.Load()
}

// HasBootstrap reports whether at least one random-access picture has been
// observed since the cache was created or last reset.
func (c *Cache) HasBootstrap() bool {
	return c.snap.Load().Ready()
}

// Reset clears the cache for a new capture session. Like Observe it must be
// called from the writer goroutine, or while no writer is running.
func (c *Cache) Reset() {
	prev := c.snap.Load()
	c.pending = nil
	c.snap.Store(&Snapshot{Version: prev.Version + 1})
}

// Dimensions returns the coded picture size from the cached SPS. It is the
// fallback when the device does not report its resolution.
func (c *Cache) Dimensions() (width, height int, ok bool) {
	snap := c.snap.Load()
	for i := len(snap.ParameterSets) - 1; i >= 0; i-- {
		u := snap.ParameterSets[i]
		if u.NALType != demux.NALTypeSPS {
			continue
		}
		info, err := demux.ParseSPS(u.Body())
		if err != nil {
			c.log.Debug("cached SPS unparsable", "error", err)
			return 0, 0, false
		}
		return info.Width, info.Height, info.Width > 0 && info.Height > 0
	}
	return 0, 0, false
}
