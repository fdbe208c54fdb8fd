package capture

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/tomaslejdung/peepcast/pkg/frame"
)

// Pattern selects what a synthetic source draws.
type Pattern string

const (
	// PatternDesktop draws windows with a window dragged around for a
	// while, then left alone, in a loop.
	PatternDesktop Pattern = "desktop"
	// PatternStatic never changes after the first frame.
	PatternStatic Pattern = "static"
	// PatternNoise repaints random blocks all over the screen every frame.
	PatternNoise Pattern = "noise"
)

// SyntheticConfig configures a synthetic source.
type SyntheticConfig struct {
	Width   int
	Height  int
	Format  frame.PixelFormat
	Pattern Pattern
	Active  int // frames of motion per cycle (desktop)
	Idle    int // frames of stillness per cycle (desktop)
	Seed    int64
}

// DefaultSyntheticConfig returns a 1280x720 desktop pattern.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Width:   1280,
		Height:  720,
		Format:  frame.FormatBGRA,
		Pattern: PatternDesktop,
		Active:  90,
		Idle:    150,
		Seed:    1,
	}
}

var (
	desktopColor = [4]byte{0x5a, 0x3d, 0x2b, 0xff}
	titleColor   = [4]byte{0xe0, 0xe0, 0xe0, 0xff}
	bodyColor    = [4]byte{0xff, 0xff, 0xff, 0xff}
	movingColor  = [4]byte{0x30, 0x90, 0xf0, 0xff}
)

// Synthetic renders test content. It is safe for concurrent use.
type Synthetic struct {
	cfg SyntheticConfig

	mu     sync.Mutex
	rng    *rand.Rand
	base   *frame.Frame // desktop without the moving window
	work   *frame.Frame
	tick   int
	seq    uint64
	closed bool
}

// NewSynthetic creates a synthetic source.
func NewSynthetic(cfg SyntheticConfig) (*Synthetic, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid synthetic size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Format == 0 {
		cfg.Format = frame.FormatBGRA
	}
	if !cfg.Format.Valid() {
		return nil, fmt.Errorf("invalid pixel format %d", cfg.Format)
	}
	switch cfg.Pattern {
	case "":
		cfg.Pattern = PatternDesktop
	case PatternDesktop, PatternStatic, PatternNoise:
	default:
		return nil, fmt.Errorf("unknown pattern %q", cfg.Pattern)
	}
	if cfg.Active <= 0 {
		cfg.Active = 1
	}

	s := &Synthetic{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
	s.base = frame.New(cfg.Width, cfg.Height, cfg.Format)
	s.paint(s.base, s.base.Bounds(), desktopColor)
	for i := 0; i < 3; i++ {
		w, h := cfg.Width/3, cfg.Height/3
		win := frame.Rect{X: i * cfg.Width / 4, Y: i * cfg.Height / 5, W: w, H: h}
		s.paint(s.base, win, bodyColor)
		s.paint(s.base, frame.Rect{X: win.X, Y: win.Y, W: win.W, H: min(24, h)}, titleColor)
	}
	s.work = s.base.Clone()
	return s, nil
}

// paint fills r with an RGBA colour converted to the source format.
func (s *Synthetic) paint(f *frame.Frame, r frame.Rect, rgba [4]byte) {
	var px []byte
	switch f.Format {
	case frame.FormatBGRA:
		px = []byte{rgba[2], rgba[1], rgba[0], rgba[3]}
	case frame.FormatRGBA:
		px = rgba[:]
	case frame.FormatRGB:
		px = rgba[:3]
	case frame.FormatGray:
		px = []byte{byte((299*int(rgba[0]) + 587*int(rgba[1]) + 114*int(rgba[2])) / 1000)}
	}
	f.Fill(r, px)
}

func (s *Synthetic) step() {
	switch s.cfg.Pattern {
	case PatternStatic:
	case PatternNoise:
		for i := 0; i < 64; i++ {
			r := frame.Rect{X: s.rng.Intn(s.cfg.Width), Y: s.rng.Intn(s.cfg.Height), W: 32, H: 32}
			s.paint(s.work, r, [4]byte{byte(s.rng.Intn(256)), byte(s.rng.Intn(256)), byte(s.rng.Intn(256)), 0xff})
		}
	case PatternDesktop:
		cycle := s.cfg.Active + s.cfg.Idle
		phase := s.tick % cycle
		if phase >= s.cfg.Active {
			return
		}
		w, h := max(s.cfg.Width/6, 1), max(s.cfg.Height/6, 1)
		span := max(s.cfg.Width-w, 1)
		x := (s.tick/cycle*s.cfg.Active + phase) * 7 % span
		y := s.cfg.Height / 2
		if y+h > s.cfg.Height {
			y = 0
		}
		copy(s.work.Pix, s.base.Pix)
		s.paint(s.work, frame.Rect{X: x, Y: y, W: w, H: h}, movingColor)
	}
}

// Capture renders the next frame.
func (s *Synthetic) Capture(ctx context.Context, scale float64) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.seq > 0 {
		s.step()
		s.tick++
	}
	s.seq++
	f := s.work.Clone()
	f.Seq = s.seq
	s.mu.Unlock()

	f.Captured = time.Now()
	return frame.Scale(f, scale)
}

// Close stops the source.
func (s *Synthetic) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
