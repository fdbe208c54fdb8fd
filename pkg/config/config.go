// Package config loads the peepcast runtime configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tomaslejdung/peepcast/pkg/capture"
	"github.com/tomaslejdung/peepcast/pkg/codec"
	"github.com/tomaslejdung/peepcast/pkg/frame"
	"github.com/tomaslejdung/peepcast/pkg/protocol"
	"github.com/tomaslejdung/peepcast/pkg/quality"
	"github.com/tomaslejdung/peepcast/pkg/signal"
	"github.com/tomaslejdung/peepcast/pkg/stream"
	"github.com/tomaslejdung/peepcast/pkg/transport"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete peepcast configuration
type Config struct {
	Capture   CaptureConfig   `yaml:"capture"`
	Codec     CodecConfig     `yaml:"codec"`
	Transport TransportConfig `yaml:"transport"`
	Quality   QualityConfig   `yaml:"quality"`
	Server    ServerConfig    `yaml:"server"`
	ICE       ICEConfig       `yaml:"ice"`
}

// CaptureConfig selects the frame source and tunes the differencer
type CaptureConfig struct {
	Source      string   `yaml:"source"`  // synthetic, images
	Pattern     string   `yaml:"pattern"` // desktop, static, noise (synthetic)
	Width       int      `yaml:"width"`   // synthetic screen size
	Height      int      `yaml:"height"`
	Images      []string `yaml:"images"`       // slideshow files (images)
	ImageHold   int      `yaml:"image_hold"`   // captures per image
	BlockSize   int      `yaml:"block_size"`   // differencer grid, pixels
	Threshold   int      `yaml:"threshold"`    // per-byte tolerance 0-255, 0 = exact
	SparseRatio float64  `yaml:"sparse_ratio"` // below this dirty ratio regions are row-runs
}

// CodecConfig names the per-region codec pair
type CodecConfig struct {
	Pixel      string `yaml:"pixel"`      // raw, planar
	Compressor string `yaml:"compressor"` // zstd, lz4, none
}

// TransportConfig contains chunking and session timing
type TransportConfig struct {
	Mode              string        `yaml:"mode"` // websocket, webrtc
	MaxPayload        int           `yaml:"max_payload"`
	MaxChunks         int           `yaml:"max_chunks"`
	ReassemblyTimeout time.Duration `yaml:"reassembly_timeout"`
	MaxPending        int           `yaml:"max_pending"`
	QueueDepth        int           `yaml:"queue_depth"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	IdleThreshold     time.Duration `yaml:"idle_threshold"`
	SessionTimeout    time.Duration `yaml:"session_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
}

// QualityConfig contains the adaptive controller settings
type QualityConfig struct {
	Tier             string        `yaml:"tier"`     // initial tier: name, alias or index
	Adaptive         bool          `yaml:"adaptive"` // false pins the tier
	MaxTier          string        `yaml:"max_tier"` // viewer cap, empty for none
	Tick             time.Duration `yaml:"tick"`
	FeedbackInterval time.Duration `yaml:"feedback_interval"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	HighLoss         float64       `yaml:"high_loss"`
	LowLoss          float64       `yaml:"low_loss"`
	HighRTT          time.Duration `yaml:"high_rtt"`
	LowRTT           time.Duration `yaml:"low_rtt"`
	DownTicks        int           `yaml:"down_ticks"`
	UpDwell          int           `yaml:"up_dwell"`
}

// ServerConfig contains the viewer's HTTP settings
type ServerConfig struct {
	Listen      string `yaml:"listen"`
	MetricsPath string `yaml:"metrics_path"` // empty disables /metrics
	MaxSessions int    `yaml:"max_sessions"` // 0 = unbounded
	Room        string `yaml:"room"`         // fixed room code, generated when empty
}

// ICEConfig contains STUN/TURN settings for WebRTC mode
type ICEConfig struct {
	STUNServers []string `yaml:"stun_servers"`
	TURNServer  string   `yaml:"turn_server"`
	TURNUser    string   `yaml:"turn_user"`
	TURNPass    string   `yaml:"turn_pass"`
	ForceRelay  bool     `yaml:"force_relay"`
	LANOnly     bool     `yaml:"lan_only"`
}

// Default returns the built-in configuration.
func Default() *Config {
	opts := stream.DefaultOptions()
	synth := capture.DefaultSyntheticConfig()
	return &Config{
		Capture: CaptureConfig{
			Source:      "synthetic",
			Pattern:     string(synth.Pattern),
			Width:       synth.Width,
			Height:      synth.Height,
			ImageHold:   30,
			BlockSize:   opts.BlockSize,
			Threshold:   int(opts.Threshold),
			SparseRatio: opts.SparseRatio,
		},
		Codec: CodecConfig{
			Pixel:      opts.Codec,
			Compressor: opts.Compressor,
		},
		Transport: TransportConfig{
			Mode:              string(signal.ModeWebSocket),
			MaxPayload:        opts.MaxPayload,
			MaxChunks:         opts.MaxChunks,
			ReassemblyTimeout: opts.ReassemblyTimeout,
			MaxPending:        opts.MaxPending,
			QueueDepth:        opts.QueueDepth,
			KeepAliveInterval: opts.KeepAliveInterval,
			IdleThreshold:     opts.IdleThreshold,
			SessionTimeout:    opts.SessionTimeout,
			ConnectTimeout:    opts.ConnectTimeout,
		},
		Quality: QualityConfig{
			Tier:             quality.Tiers[opts.Quality.InitialTier].Name,
			Adaptive:         true,
			Tick:             opts.QualityTick,
			FeedbackInterval: opts.FeedbackInterval,
			StaleAfter:       opts.StaleAfter,
			HighLoss:         opts.Quality.HighLoss,
			LowLoss:          opts.Quality.LowLoss,
			HighRTT:          opts.Quality.HighRTT,
			LowRTT:           opts.Quality.LowRTT,
			DownTicks:        opts.Quality.DownTicks,
			UpDwell:          opts.Quality.UpDwell,
		},
		Server: ServerConfig{
			Listen:      ":8080",
			MetricsPath: "/metrics",
			MaxSessions: 4,
		},
	}
}

// Load reads a YAML file on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func tierValid(value string) bool {
	_, ok := quality.LookupTier(value)
	return ok
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch c.Capture.Source {
	case "synthetic":
		if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
			bad("capture size %dx%d", c.Capture.Width, c.Capture.Height)
		}
		switch capture.Pattern(c.Capture.Pattern) {
		case capture.PatternDesktop, capture.PatternStatic, capture.PatternNoise:
		default:
			bad("capture pattern %q", c.Capture.Pattern)
		}
	case "images":
		if len(c.Capture.Images) == 0 {
			bad("capture source images needs at least one image")
		}
	default:
		bad("capture source %q", c.Capture.Source)
	}
	if c.Capture.BlockSize < 4 || c.Capture.BlockSize > 256 {
		bad("block size %d outside 4-256", c.Capture.BlockSize)
	}
	if c.Capture.Threshold < 0 || c.Capture.Threshold > 255 {
		bad("threshold %d outside 0-255", c.Capture.Threshold)
	}
	if c.Capture.SparseRatio < 0 || c.Capture.SparseRatio > 1 {
		bad("sparse ratio %v outside 0-1", c.Capture.SparseRatio)
	}

	if _, err := codec.CodecByName(c.Codec.Pixel); err != nil {
		bad("%v", err)
	}
	if _, err := codec.CompressorByName(c.Codec.Compressor); err != nil {
		bad("%v", err)
	}

	switch signal.Mode(c.Transport.Mode) {
	case signal.ModeWebSocket, signal.ModeWebRTC:
	default:
		bad("transport mode %q", c.Transport.Mode)
	}
	if c.Transport.MaxPayload <= 0 || c.Transport.MaxPayload > protocol.MaxChunkPayload {
		bad("max payload %d outside 1-%d", c.Transport.MaxPayload, protocol.MaxChunkPayload)
	}
	if c.Transport.MaxChunks <= 0 || c.Transport.MaxChunks > 1<<16-1 {
		bad("max chunks %d", c.Transport.MaxChunks)
	}
	for name, d := range map[string]time.Duration{
		"reassembly_timeout": c.Transport.ReassemblyTimeout,
		"keepalive_interval": c.Transport.KeepAliveInterval,
		"idle_threshold":     c.Transport.IdleThreshold,
		"session_timeout":    c.Transport.SessionTimeout,
		"connect_timeout":    c.Transport.ConnectTimeout,
		"quality.tick":       c.Quality.Tick,
		"feedback_interval":  c.Quality.FeedbackInterval,
		"stale_after":        c.Quality.StaleAfter,
	} {
		if d <= 0 {
			bad("%s must be positive", name)
		}
	}
	if c.Transport.SessionTimeout <= c.Transport.KeepAliveInterval {
		bad("session timeout %s must exceed keep-alive interval %s",
			c.Transport.SessionTimeout, c.Transport.KeepAliveInterval)
	}

	if !tierValid(c.Quality.Tier) {
		bad("quality tier %q", c.Quality.Tier)
	}
	if c.Quality.MaxTier != "" && !tierValid(c.Quality.MaxTier) {
		bad("quality max tier %q", c.Quality.MaxTier)
	}
	if c.Quality.LowLoss > c.Quality.HighLoss {
		bad("low loss %v above high loss %v", c.Quality.LowLoss, c.Quality.HighLoss)
	}
	if c.Quality.LowRTT > c.Quality.HighRTT {
		bad("low rtt %s above high rtt %s", c.Quality.LowRTT, c.Quality.HighRTT)
	}

	if c.Server.MetricsPath != "" && !strings.HasPrefix(c.Server.MetricsPath, "/") {
		bad("metrics path %q must start with /", c.Server.MetricsPath)
	}
	if c.Server.Room != "" && !signal.ValidateRoomCode(signal.NormalizeRoomCode(c.Server.Room)) {
		bad("room code %q", c.Server.Room)
	}

	return errors.Join(errs...)
}

// StreamOptions maps the configuration onto stream options.
func (c *Config) StreamOptions() stream.Options {
	opts := stream.DefaultOptions()
	opts.BlockSize = c.Capture.BlockSize
	opts.Threshold = uint8(c.Capture.Threshold)
	opts.SparseRatio = c.Capture.SparseRatio
	opts.Codec = c.Codec.Pixel
	opts.Compressor = c.Codec.Compressor
	opts.MaxPayload = c.Transport.MaxPayload
	opts.MaxChunks = c.Transport.MaxChunks
	opts.ReassemblyTimeout = c.Transport.ReassemblyTimeout
	opts.MaxPending = c.Transport.MaxPending
	opts.QueueDepth = c.Transport.QueueDepth
	opts.KeepAliveInterval = c.Transport.KeepAliveInterval
	opts.IdleThreshold = c.Transport.IdleThreshold
	opts.SessionTimeout = c.Transport.SessionTimeout
	opts.ConnectTimeout = c.Transport.ConnectTimeout

	opts.Quality = quality.Config{
		HighLoss:    c.Quality.HighLoss,
		LowLoss:     c.Quality.LowLoss,
		HighRTT:     c.Quality.HighRTT,
		LowRTT:      c.Quality.LowRTT,
		DownTicks:   c.Quality.DownTicks,
		UpDwell:     c.Quality.UpDwell,
		InitialTier: quality.ParseTierFlag(c.Quality.Tier),
	}
	opts.Fixed = !c.Quality.Adaptive
	opts.QualityTick = c.Quality.Tick
	opts.FeedbackInterval = c.Quality.FeedbackInterval
	opts.StaleAfter = c.Quality.StaleAfter
	if c.Quality.MaxTier != "" {
		opts.CapTier = true
		opts.MaxTier = quality.ParseTierFlag(c.Quality.MaxTier)
	}
	return opts
}

// TransportICE returns the WebRTC ICE settings.
func (c *Config) TransportICE() transport.ICEConfig {
	return transport.ICEConfig{
		STUNServers: c.ICE.STUNServers,
		TURNServer:  c.ICE.TURNServer,
		TURNUser:    c.ICE.TURNUser,
		TURNPass:    c.ICE.TURNPass,
		ForceRelay:  c.ICE.ForceRelay,
		LANOnly:     c.ICE.LANOnly,
	}
}

// Source builds the configured capture source.
func (c *Config) Source() (capture.Source, error) {
	if c.Capture.Source == "images" {
		show, err := capture.NewSlideshow(c.Capture.Images, frame.FormatBGRA, c.Capture.ImageHold)
		if err != nil {
			return nil, err
		}
		return show, nil
	}
	synth, err := capture.NewSynthetic(capture.SyntheticConfig{
		Width:   c.Capture.Width,
		Height:  c.Capture.Height,
		Format:  frame.FormatBGRA,
		Pattern: capture.Pattern(c.Capture.Pattern),
		Active:  90,
		Idle:    150,
		Seed:    time.Now().UnixNano(),
	})
	if err != nil {
		return nil, err
	}
	return synth, nil
}
