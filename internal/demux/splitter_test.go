package demux

import (
	"bytes"
	"errors"
	"testing"

	"github.com/zsiec/devrelay/internal/media"
)

// annexB joins NAL bodies with 4-byte start codes.
func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

var (
	testSPS   = []byte{0x67, 0x42, 0xE0, 0x1E}
	testPPS   = []byte{0x68, 0xCE, 0x38, 0x80}
	testIDR   = []byte{0x65, 0x88, 0x84, 0x00, 0xFF, 0xFE}
	testSlice = []byte{0x41, 0x9A, 0x02, 0x03}
)

func pushAll(t *testing.T, s *Splitter, data []byte, chunk int) []*media.CodedUnit {
	t.Helper()
	var units []*media.CodedUnit
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		got, err := s.Push(data[off:end])
		if err != nil {
			t.Fatalf("Push: %v", err)
		}
		units = append(units, got...)
	}
	if u := s.Flush(); u != nil {
		units = append(units, u)
	}
	return units
}

func TestSplitterClassifiesUnits(t *testing.T) {
	t.Parallel()

	s := NewSplitter(SplitterConfig{})
	units := pushAll(t, s, annexB(testSPS, testPPS, testIDR, testSlice), 1<<10)

	want := []struct {
		kind    media.UnitKind
		nalType byte
		body    []byte
	}{
		{media.KindParameterSet, NALTypeSPS, testSPS},
		{media.KindParameterSet, NALTypePPS, testPPS},
		{media.KindRandomAccess, NALTypeIDR, testIDR},
		{media.KindDelta, NALTypeSlice, testSlice},
	}
	if len(units) != len(want) {
		t.Fatalf("got %d units, want %d", len(units), len(want))
	}
	for i, w := range want {
		u := units[i]
		if u.Kind != w.kind || u.NALType != w.nalType {
			t.Errorf("unit %d: got %s/%d, want %s/%d", i, u.Kind, u.NALType, w.kind, w.nalType)
		}
		if !bytes.Equal(u.Body(), w.body) {
			t.Errorf("unit %d body: got %x, want %x", i, u.Body(), w.body)
		}
		if u.Seq != uint64(i) {
			t.Errorf("unit %d seq: got %d, want %d", i, u.Seq, i)
		}
	}
}

func TestSplitterHandlesSplitReads(t *testing.T) {
	t.Parallel()

	stream := annexB(testSPS, testPPS, testIDR, testSlice, testSlice, testIDR)
	whole := pushAll(t, NewSplitter(SplitterConfig{}), stream, len(stream))

	for _, chunk := range []int{1, 2, 3, 5, 7} {
		got := pushAll(t, NewSplitter(SplitterConfig{}), stream, chunk)
		if len(got) != len(whole) {
			t.Fatalf("chunk %d: got %d units, want %d", chunk, len(got), len(whole))
		}
		for i := range whole {
			if !bytes.Equal(got[i].Payload, whole[i].Payload) {
				t.Errorf("chunk %d unit %d: got %x, want %x", chunk, i, got[i].Payload, whole[i].Payload)
			}
		}
	}
}

func TestSplitterHoldsLastUnitUntilNextStartCode(t *testing.T) {
	t.Parallel()

	s := NewSplitter(SplitterConfig{})
	units, err := s.Push(annexB(testSPS))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(units) != 0 {
		t.Fatalf("got %d units before boundary, want 0", len(units))
	}

	units, err = s.Push([]byte{0, 0, 1})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(units) != 1 || units[0].NALType != NALTypeSPS {
		t.Fatalf("expected SPS once the next start code arrived, got %v", units)
	}
}

func TestSplitterMixedStartCodes(t *testing.T) {
	t.Parallel()

	data := []byte{
		0x00, 0x00, 0x01, 0x67, 0x42,
		0x00, 0x00, 0x00, 0x01, 0x68, 0xCE,
		0x00, 0x00, 0x01, 0x65, 0x88,
	}
	units := pushAll(t, NewSplitter(SplitterConfig{}), data, 4)
	if len(units) != 3 {
		t.Fatalf("got %d units, want 3", len(units))
	}
	if !bytes.Equal(units[0].Payload, []byte{0x00, 0x00, 0x01, 0x67, 0x42}) {
		t.Errorf("unit 0 payload = %x", units[0].Payload)
	}
	if !bytes.Equal(units[1].Payload, []byte{0x00, 0x00, 0x00, 0x01, 0x68, 0xCE}) {
		t.Errorf("unit 1 payload = %x", units[1].Payload)
	}
}

func TestSplitterSkipsLeadingGarbage(t *testing.T) {
	t.Parallel()

	data := append([]byte{0xDE, 0xAD, 0xBE, 0xEF}, annexB(testSPS, testPPS)...)
	units := pushAll(t, NewSplitter(SplitterConfig{}), data, 3)
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	if units[0].NALType != NALTypeSPS {
		t.Errorf("first unit type = %d, want SPS", units[0].NALType)
	}
}

func TestSplitterMalformedUnit(t *testing.T) {
	t.Parallel()

	s := NewSplitter(SplitterConfig{MaxUnitSize: 64})
	_, err := s.Push(annexB(testSPS))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	_, err = s.Push(bytes.Repeat([]byte{0xAB}, 128))
	if !errors.Is(err, ErrMalformedUnit) {
		t.Fatalf("err = %v, want ErrMalformedUnit", err)
	}
	if s.Buffered() != 0 {
		t.Errorf("Buffered = %d after malformed unit, want 0", s.Buffered())
	}

	// The splitter recovers on the next start code.
	units := pushAll(t, s, annexB(testIDR, testSlice), 16)
	if len(units) != 2 || units[0].Kind != media.KindRandomAccess {
		t.Fatalf("expected recovery after reset, got %d units", len(units))
	}
}

func TestSplitterMalformedWithoutStartCode(t *testing.T) {
	t.Parallel()

	s := NewSplitter(SplitterConfig{MaxUnitSize: 32})
	var err error
	for i := 0; i < 8 && err == nil; i++ {
		_, err = s.Push(bytes.Repeat([]byte{0xFF}, 16))
	}
	if !errors.Is(err, ErrMalformedUnit) {
		t.Fatalf("err = %v, want ErrMalformedUnit", err)
	}
}

func TestSplitterSequenceContinues(t *testing.T) {
	t.Parallel()

	s := NewSplitter(SplitterConfig{FirstSeq: 100})
	units := pushAll(t, s, annexB(testSPS, testPPS, testIDR), 8)
	for i, u := range units {
		if u.Seq != uint64(100+i) {
			t.Errorf("unit %d seq = %d, want %d", i, u.Seq, 100+i)
		}
	}
	if s.NextSeq() != 103 {
		t.Errorf("NextSeq = %d, want 103", s.NextSeq())
	}
}

func TestSplitterPayloadsStableAcrossPushes(t *testing.T) {
	t.Parallel()

	s := NewSplitter(SplitterConfig{})
	first, err := s.Push(annexB(testSPS, testPPS))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("got %d units, want 1", len(first))
	}
	snapshot := append([]byte(nil), first[0].Payload...)

	pushAll(t, s, annexB(testIDR, testSlice, testSlice), 2)

	if !bytes.Equal(first[0].Payload, snapshot) {
		t.Errorf("payload changed after later pushes: %x, want %x", first[0].Payload, snapshot)
	}
}
