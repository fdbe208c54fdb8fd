package quality

import (
	"sync"
	"time"
)

// Config holds the controller thresholds.
type Config struct {
	HighLoss    float64       // step down above this loss rate
	LowLoss     float64       // clean below this loss rate
	HighRTT     time.Duration // step down above this RTT
	LowRTT      time.Duration // clean below this RTT
	DownTicks   int           // consecutive bad ticks before stepping down
	UpDwell     int           // consecutive clean ticks before stepping up
	InitialTier int
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		HighLoss:    0.05,
		LowLoss:     0.01,
		HighRTT:     250 * time.Millisecond,
		LowRTT:      120 * time.Millisecond,
		DownTicks:   2,
		UpDwell:     6,
		InitialTier: DefaultTierIndex(),
	}
}

// Feedback is one tick's view of the network.
type Feedback struct {
	LossRate   float64
	RTT        time.Duration
	Throughput float64 // bytes per second sent
	Sent       int
	Dropped    int
	Stale      bool // no viewer report arrived for too long
}

func (c Config) bad(fb Feedback) bool {
	return fb.Stale || fb.LossRate > c.HighLoss || fb.RTT > c.HighRTT
}

func (c Config) clean(fb Feedback) bool {
	return !fb.Stale && fb.LossRate < c.LowLoss && fb.RTT < c.LowRTT
}

// Controller is a discrete-tick state machine over Tiers. It moves at most
// one tier per Tick.
type Controller struct {
	cfg Config

	mu       sync.Mutex
	tier     int
	maxTier  int
	adaptive bool
	badRun   int
	cleanRun int
}

// NewController creates a controller starting at cfg.InitialTier.
func NewController(cfg Config) *Controller {
	if cfg.DownTicks <= 0 {
		cfg.DownTicks = 1
	}
	if cfg.UpDwell <= 0 {
		cfg.UpDwell = 1
	}
	return &Controller{
		cfg:      cfg,
		tier:     ClampTier(cfg.InitialTier),
		maxTier:  TopTierIndex(),
		adaptive: true,
	}
}

// Tick consumes one feedback sample and returns the directive for the next
// interval.
func (c *Controller) Tick(fb Feedback) Directive {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.tier > c.maxTier:
		// Viewer lowered the cap; walk down to it.
		c.tier--
		c.badRun, c.cleanRun = 0, 0
	case !c.adaptive:
		// Pinned by the user.
	case c.cfg.bad(fb):
		c.cleanRun = 0
		c.badRun++
		if c.badRun >= c.cfg.DownTicks {
			c.badRun = 0
			if c.tier > 0 {
				c.tier--
			}
		}
	case c.cfg.clean(fb):
		c.badRun = 0
		c.cleanRun++
		if c.cleanRun >= c.cfg.UpDwell {
			c.cleanRun = 0
			if c.tier < c.maxTier {
				c.tier++
			}
		}
	default:
		c.badRun, c.cleanRun = 0, 0
	}
	return DirectiveFor(c.tier)
}

// Directive returns the current directive without advancing.
func (c *Controller) Directive() Directive {
	c.mu.Lock()
	defer c.mu.Unlock()
	return DirectiveFor(c.tier)
}

// SetMaxTier caps the tier, as requested by a viewer Quality message.
func (c *Controller) SetMaxTier(i int) {
	c.mu.Lock()
	c.maxTier = ClampTier(i)
	c.mu.Unlock()
}

// MaxTier returns the current cap.
func (c *Controller) MaxTier() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxTier
}

// SetAdaptive enables or disables automatic tier changes. A fixed
// controller still honours the viewer's cap.
func (c *Controller) SetAdaptive(on bool) {
	c.mu.Lock()
	c.adaptive = on
	c.badRun, c.cleanRun = 0, 0
	c.mu.Unlock()
}

// Adaptive reports whether automatic tier changes are enabled.
func (c *Controller) Adaptive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adaptive
}

// SetTier jumps to tier i (user override from the dashboard).
func (c *Controller) SetTier(i int) Directive {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tier = min(ClampTier(i), c.maxTier)
	c.badRun, c.cleanRun = 0, 0
	return DirectiveFor(c.tier)
}
