package capture

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/tomaslejdung/peepcast/pkg/frame"
)

// Slideshow replays still images (PNG, JPEG, GIF, BMP, WebP), showing
// each for Hold captures. Useful for demos and for reproducing a bug
// report from screenshots.
type Slideshow struct {
	frames []*frame.Frame
	hold   int

	mu     sync.Mutex
	n      int
	seq    uint64
	closed bool
}

// NewSlideshow decodes every path into a frame of the given format.
func NewSlideshow(paths []string, format frame.PixelFormat, hold int) (*Slideshow, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("slideshow needs at least one image")
	}
	s := &Slideshow{hold: max(hold, 1)}
	for _, p := range paths {
		f, err := loadImage(p, format)
		if err != nil {
			return nil, err
		}
		s.frames = append(s.frames, f)
	}
	return s, nil
}

func loadImage(path string, format frame.PixelFormat) (*frame.Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return frame.FromImage(img, format)
}

// Capture returns the current slide.
func (s *Slideshow) Capture(ctx context.Context, scale float64) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	slide := s.frames[(s.n/s.hold)%len(s.frames)]
	s.n++
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	f := *slide
	f.Seq = seq
	f.Captured = time.Now()
	return frame.Scale(&f, scale)
}

// Close stops the source.
func (s *Slideshow) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
