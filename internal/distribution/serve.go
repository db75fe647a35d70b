package distribution

import (
	"context"
	"fmt"

	"github.com/zsiec/devrelay/internal/media"
)

// UnitWriter writes one coded unit to a viewer's transport.
type UnitWriter interface {
	WriteUnit(u *media.CodedUnit) error
}

// UnitWriterFunc adapts a function to UnitWriter.
type UnitWriterFunc func(u *media.CodedUnit) error

// WriteUnit calls f(u).
func (f UnitWriterFunc) WriteUnit(u *media.CodedUnit) error { return f(u) }

// Serve drains v's queue into w until the viewer is closed, ctx is
// cancelled, or a write fails. It is the per-viewer writer task: a blocked
// w only stalls this viewer, whose queue then overflows and gets it evicted.
//
// Serve returns v.Err() when the viewer is closed (nil after a plain
// detach), ctx.Err() on cancellation, or the wrapped write error.
func Serve(ctx context.Context, v *Viewer, w UnitWriter) error {
	for {
		// A closed viewer stops promptly even if units are still buffered.
		select {
		case <-v.Done():
			return v.Err()
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-v.Done():
			return v.Err()
		case u, ok := <-v.Units():
			if !ok {
				return v.Err()
			}
			if err := w.WriteUnit(u); err != nil {
				return fmt.Errorf("write unit %d: %w", u.Seq, err)
			}
			v.recordDelivered(u)
		}
	}
}
