package demux

import (
	"bytes"
	"errors"

	"github.com/zsiec/devrelay/internal/media"
)

// ErrMalformedUnit is returned when a unit boundary cannot be located within
// the splitter's scan window. The stream is corrupt or not Annex B; callers
// treat it as a channel failure.
var ErrMalformedUnit = errors.New("demux: malformed unit")

var startCode3 = []byte{0, 0, 1}

// SplitterConfig configures a Splitter.
type SplitterConfig struct {
	// MaxUnitSize bounds how many bytes may accumulate without a unit
	// boundary. Defaults to media.DefaultMaxUnitSize.
	MaxUnitSize int

	// FirstSeq is the sequence index given to the first emitted unit.
	// Reconnects pass the previous splitter's NextSeq so indexes keep
	// increasing across capture sessions.
	FirstSeq uint64
}

// Splitter turns an Annex B byte stream, delivered in reads of arbitrary
// size, into coded units. A unit is emitted once the start code of the
// following unit has been seen, so the most recent unit is held back until
// more data (or Flush) arrives.
//
// A Splitter is not safe for concurrent use; it belongs to the single
// goroutine reading the capture socket. Create one per connection.
type Splitter struct {
	maxUnit int
	nextSeq uint64

	buf       []byte
	started   bool // buf[0] is the first byte of a start code
	bodyStart int  // offset of the NAL header within buf
	scanPos   int  // resume offset for the next start code search
	skipped   int  // garbage bytes discarded before the first start code
}

// NewSplitter creates a Splitter.
func NewSplitter(cfg SplitterConfig) *Splitter {
	if cfg.MaxUnitSize <= 0 {
		cfg.MaxUnitSize = media.DefaultMaxUnitSize
	}
	return &Splitter{
		maxUnit: cfg.MaxUnitSize,
		nextSeq: cfg.FirstSeq,
	}
}

// NextSeq returns the sequence index the next emitted unit will carry.
func (s *Splitter) NextSeq() uint64 { return s.nextSeq }

// Buffered returns the number of bytes held for the unit in progress.
func (s *Splitter) Buffered() int { return len(s.buf) }

// Push appends p to the internal buffer and returns every unit whose end
// boundary is now known. On ErrMalformedUnit the buffer is discarded and any
// units completed earlier in the same call are still returned.
func (s *Splitter) Push(p []byte) ([]*media.CodedUnit, error) {
	s.buf = append(s.buf, p...)

	if !s.started {
		i, scLen := findStartCode(s.buf, 0, 0)
		if i < 0 {
			// Keep a possible partial start code at the tail.
			if keep := 3; len(s.buf) > keep {
				s.skipped += len(s.buf) - keep
				s.buf = s.buf[len(s.buf)-keep:]
			}
			if s.skipped > s.maxUnit {
				s.Reset()
				return nil, ErrMalformedUnit
			}
			return nil, nil
		}
		s.skipped = 0
		s.buf = s.buf[i:]
		s.started = true
		s.bodyStart = scLen
		s.scanPos = scLen
	}

	var units []*media.CodedUnit
	for {
		i, scLen := findStartCode(s.buf, s.scanPos, s.bodyStart)
		if i < 0 {
			break
		}
		if u := s.emit(s.buf[:i:i]); u != nil {
			units = append(units, u)
		}
		s.buf = s.buf[i:]
		s.bodyStart = scLen
		s.scanPos = scLen
	}

	if tail := len(s.buf) - len(startCode3); tail > s.scanPos {
		s.scanPos = tail
	}

	if len(s.buf) > s.maxUnit {
		s.Reset()
		return units, ErrMalformedUnit
	}
	return units, nil
}

// Flush emits the unit in progress, if any. Call it when the stream ends
// cleanly; the unit's end boundary is the end of the stream.
func (s *Splitter) Flush() *media.CodedUnit {
	if !s.started {
		s.Reset()
		return nil
	}
	u := s.emit(s.buf[:len(s.buf):len(s.buf)])
	s.Reset()
	return u
}

// Reset drops any buffered bytes. The sequence counter is preserved.
func (s *Splitter) Reset() {
	s.buf = nil
	s.started = false
	s.bodyStart = 0
	s.scanPos = 0
	s.skipped = 0
}

// emit wraps a complete unit (start code included) into a CodedUnit. Units
// with no NAL header byte are skipped. The payload aliases the read buffer;
// the splitter never writes behind its current buffer start, so the bytes
// stay stable.
func (s *Splitter) emit(data []byte) *media.CodedUnit {
	if len(data) <= s.bodyStart {
		return nil
	}
	nalType := NALType(data[s.bodyStart])
	u := &media.CodedUnit{
		Kind:    Classify(nalType),
		NALType: nalType,
		Payload: data,
		Seq:     s.nextSeq,
	}
	s.nextSeq++
	return u
}

// findStartCode returns the offset and length of the first Annex B start
// code at or after from. A zero byte immediately before a 3-byte code makes
// it a 4-byte code, provided that byte lies at or after floor.
func findStartCode(buf []byte, from, floor int) (int, int) {
	if from >= len(buf) {
		return -1, 0
	}
	j := bytes.Index(buf[from:], startCode3)
	if j < 0 {
		return -1, 0
	}
	j += from
	if j > floor && j-1 >= floor && buf[j-1] == 0 {
		return j - 1, 4
	}
	return j, 3
}
