// Package pipeline is the reader task of a capture session: it reads the
// capture socket, splits the byte stream into coded units, folds them into
// the parameter cache and publishes them to the relay, while collecting
// telemetry for the state endpoint.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/devrelay/internal/capture"
	"github.com/zsiec/devrelay/internal/demux"
	"github.com/zsiec/devrelay/internal/distribution"
	"github.com/zsiec/devrelay/internal/media"
)

// DefaultReadBuffer is the socket read size.
const DefaultReadBuffer = 64 * 1024

// Publisher is the subset of distribution.Relay that the pipeline uses to
// fan out units to viewers.
type Publisher interface {
	Publish(u *media.CodedUnit)
	ViewerCount() int
	ViewerStatsAll() []distribution.ViewerStats
}

// Observer is the subset of paramcache.Cache written by the pipeline.
type Observer interface {
	Observe(u *media.CodedUnit) bool
}

// VideoInfo describes the stream as parsed from its first SPS.
type VideoInfo struct {
	Codec  string `json:"codec"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Snapshot is a point-in-time view of the pipeline's health metrics,
// suitable for JSON serialization.
type Snapshot struct {
	Timestamp     int64                      `json:"ts"`
	UptimeMs      int64                      `json:"uptimeMs"`
	BytesRead     int64                      `json:"bytesRead"`
	Units         int64                      `json:"units"`
	ParameterSets int64                      `json:"parameterSets"`
	RandomAccess  int64                      `json:"randomAccess"`
	LastUnitAgoMs int64                      `json:"lastUnitAgoMs"`
	Video         *VideoInfo                 `json:"video,omitempty"`
	ViewerCount   int                        `json:"viewerCount"`
	Viewers       []distribution.ViewerStats `json:"viewers"`
}

// Pipeline bridges one capture socket to the cache and the relay. It is the
// only writer of the cache for the lifetime of the session.
type Pipeline struct {
	log       *slog.Logger
	input     io.Reader
	splitter  *demux.Splitter
	cache     Observer
	relay     Publisher
	readSize  int
	startTime time.Time

	bytesRead     atomic.Int64
	units         atomic.Int64
	paramSets     atomic.Int64
	randomAccess  atomic.Int64
	lastUnitNanos atomic.Int64
	video         atomic.Pointer[VideoInfo]
}

// Config configures a Pipeline.
type Config struct {
	// FirstSeq is the sequence index of the first unit; pass the previous
	// session's NextSeq so indexes stay monotonic across reconnects.
	FirstSeq    uint64
	MaxUnitSize int
	ReadBuffer  int
}

// New creates a Pipeline reading from input. If input is an io.Closer it
// is closed when Run's context is cancelled, unblocking a pending read.
func New(deviceID string, input io.Reader, cache Observer, relay Publisher, cfg Config) *Pipeline {
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = DefaultReadBuffer
	}
	p := &Pipeline{
		log:   slog.With("component", "pipeline", "device", deviceID),
		input: input,
		splitter: demux.NewSplitter(demux.SplitterConfig{
			MaxUnitSize: cfg.MaxUnitSize,
			FirstSeq:    cfg.FirstSeq,
		}),
		cache:     cache,
		relay:     relay,
		readSize:  cfg.ReadBuffer,
		startTime: time.Now(),
	}
	p.lastUnitNanos.Store(p.startTime.UnixNano())
	return p
}

// Run reads until the socket fails or ctx is cancelled. Cancellation
// returns nil. A unit still open when the socket fails is discarded. Any other end of the stream is a channel failure and is
// returned wrapped in capture.ErrChannelClosed, or demux.ErrMalformedUnit
// when the bytes stopped looking like an elementary stream.
func (p *Pipeline) Run(ctx context.Context) error {
	if c, ok := p.input.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
	}

	buf := make([]byte, p.readSize)
	for {
		n, err := p.input.Read(buf)
		if n > 0 {
			p.bytesRead.Add(int64(n))
			units, perr := p.splitter.Push(buf[:n])
			p.forward(units)
			if perr != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.log.Warn("malformed stream", "error", perr, "bytesRead", p.bytesRead.Load())
				return fmt.Errorf("pipeline: %w", perr)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// The held-back unit ends wherever the socket died, so it is
			// most likely truncated.
			p.splitter.Reset()
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			p.log.Info("capture socket closed", "error", err, "units", p.units.Load())
			return fmt.Errorf("%w: %w", capture.ErrChannelClosed, err)
		}
	}
}

func (p *Pipeline) forward(units []*media.CodedUnit) {
	if len(units) == 0 {
		return
	}
	for _, u := range units {
		p.cache.Observe(u)
		p.relay.Publish(u)

		switch u.Kind {
		case media.KindParameterSet:
			p.paramSets.Add(1)
			if u.NALType == demux.NALTypeSPS && p.video.Load() == nil {
				p.recordVideoInfo(u)
			}
		case media.KindRandomAccess:
			p.randomAccess.Add(1)
		}
	}
	p.units.Add(int64(len(units)))
	p.lastUnitNanos.Store(time.Now().UnixNano())
}

func (p *Pipeline) recordVideoInfo(u *media.CodedUnit) {
	info, err := demux.ParseSPS(u.Body())
	if err != nil {
		p.log.Debug("SPS unparsable", "error", err)
		return
	}
	vi := &VideoInfo{Codec: info.CodecString(), Width: info.Width, Height: info.Height}
	p.video.Store(vi)
	p.log.Info("video stream", "codec", vi.Codec, "width", vi.Width, "height", vi.Height)
}

// NextSeq returns the sequence index the next unit would receive.
func (p *Pipeline) NextSeq() uint64 { return p.splitter.NextSeq() }

// LastUnitAt returns when the most recent unit was forwarded, or when the
// pipeline was created if none has been.
func (p *Pipeline) LastUnitAt() time.Time {
	return time.Unix(0, p.lastUnitNanos.Load())
}

// Units returns the number of units forwarded so far.
func (p *Pipeline) Units() int64 { return p.units.Load() }

// Video returns the stream description, or nil before the first SPS.
func (p *Pipeline) Video() *VideoInfo { return p.video.Load() }

// StreamSnapshot returns the pipeline's health metrics.
func (p *Pipeline) StreamSnapshot() Snapshot {
	now := time.Now()
	return Snapshot{
		Timestamp:     now.UnixMilli(),
		UptimeMs:      now.Sub(p.startTime).Milliseconds(),
		BytesRead:     p.bytesRead.Load(),
		Units:         p.units.Load(),
		ParameterSets: p.paramSets.Load(),
		RandomAccess:  p.randomAccess.Load(),
		LastUnitAgoMs: now.Sub(p.LastUnitAt()).Milliseconds(),
		Video:         p.video.Load(),
		ViewerCount:   p.relay.ViewerCount(),
		Viewers:       p.relay.ViewerStatsAll(),
	}
}
