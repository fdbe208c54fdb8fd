// Package capture defines the screen capture collaborator and ships sources
// that need no OS capture API: a synthetic desktop and an image slideshow.
package capture

import (
	"context"
	"errors"

	"github.com/tomaslejdung/peepcast/pkg/frame"
)

// ErrClosed is returned by Capture after Close.
var ErrClosed = errors.New("capture source closed")

// Source produces frames on demand. Returned frames are never modified by
// the source afterwards.
type Source interface {
	// Capture grabs the current screen content at the given resolution scale
	Capture(ctx context.Context, scale float64) (*frame.Frame, error)

	// Close releases the source
	Close() error
}

// Func adapts a function to Source.
type Func func(ctx context.Context, scale float64) (*frame.Frame, error)

func (f Func) Capture(ctx context.Context, scale float64) (*frame.Frame, error) {
	return f(ctx, scale)
}

func (f Func) Close() error { return nil }
