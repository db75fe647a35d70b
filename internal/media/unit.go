// Package media defines the coded unit type that flows through the relay,
// from the bitstream splitter through the parameter cache to viewer queues.
package media

import "fmt"

// Queue sizes shared by the splitter (producer side) and viewer sessions
// (consumer side). DefaultViewerQueueSize holds roughly half a second of a
// 60 fps scrcpy stream, which is one NAL unit per picture plus the
// occasional parameter set.
const (
	DefaultViewerQueueSize  = 32
	DefaultMaxParameterSets = 4
	DefaultMaxUnitSize      = 4 << 20
)

// UnitKind classifies a coded unit by what a decoder needs it for.
type UnitKind uint8

const (
	KindParameterSet UnitKind = iota + 1
	KindRandomAccess
	KindDelta
)

func (k UnitKind) String() string {
	switch k {
	case KindParameterSet:
		return "parameter-set"
	case KindRandomAccess:
		return "random-access"
	case KindDelta:
		return "delta"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// CodedUnit is one delimited NAL unit of the device's H.264 elementary
// stream. Payload is in Annex B form with its start code, so viewers can
// feed it straight into a byte-stream decoder. A CodedUnit is immutable once
// the splitter emits it and is shared by every viewer queue that holds it.
type CodedUnit struct {
	Kind    UnitKind
	NALType byte
	Payload []byte
	Seq     uint64
}

// Body returns the NAL data without its start code.
func (u *CodedUnit) Body() []byte {
	p := u.Payload
	for len(p) > 0 && p[0] == 0 {
		p = p[1:]
	}
	if len(p) > 0 && p[0] == 1 {
		return p[1:]
	}
	return u.Payload
}
