package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/peepcast/pkg/capture"
	"github.com/tomaslejdung/peepcast/pkg/stream"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	opts := cfg.StreamOptions()
	def := stream.DefaultOptions()
	assert.Equal(t, def.BlockSize, opts.BlockSize)
	assert.Equal(t, def.MaxPayload, opts.MaxPayload)
	assert.Equal(t, def.SessionTimeout, opts.SessionTimeout)
	assert.Equal(t, def.Quality.InitialTier, opts.Quality.InitialTier)
	assert.False(t, opts.Fixed)
	assert.False(t, opts.CapTier)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
capture:
  pattern: static
  width: 320
  height: 200
  block_size: 16
codec:
  pixel: planar
  compressor: lz4
transport:
  mode: webrtc
  max_payload: 900
  keepalive_interval: 2s
  session_timeout: 6s
quality:
  tier: hi
  adaptive: false
  max_tier: medium
server:
  room: sunny-otter-42
`))
	require.NoError(t, err)

	assert.Equal(t, "static", cfg.Capture.Pattern)
	assert.Equal(t, 320, cfg.Capture.Width)
	assert.Equal(t, "webrtc", cfg.Transport.Mode)
	assert.Equal(t, 2*time.Second, cfg.Transport.KeepAliveInterval)
	// untouched keys keep their defaults
	assert.Equal(t, Default().Transport.ConnectTimeout, cfg.Transport.ConnectTimeout)
	assert.Equal(t, ":8080", cfg.Server.Listen)

	opts := cfg.StreamOptions()
	assert.Equal(t, 16, opts.BlockSize)
	assert.Equal(t, "planar", opts.Codec)
	assert.Equal(t, "lz4", opts.Compressor)
	assert.Equal(t, 900, opts.MaxPayload)
	assert.Equal(t, 6*time.Second, opts.SessionTimeout)
	assert.Equal(t, 4, opts.Quality.InitialTier)
	assert.True(t, opts.Fixed)
	assert.True(t, opts.CapTier)
	assert.Equal(t, 2, opts.MaxTier)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Capture.Source = "camera"
	cfg.Capture.BlockSize = 2
	cfg.Codec.Pixel = "h264"
	cfg.Transport.Mode = "carrier-pigeon"
	cfg.Transport.SessionTimeout = time.Second
	cfg.Transport.KeepAliveInterval = 5 * time.Second
	cfg.Quality.Tier = "ultra"
	cfg.Server.Room = "nope"

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))

	msg := err.Error()
	for _, want := range []string{
		`capture source "camera"`,
		"block size 2",
		"h264",
		`transport mode "carrier-pigeon"`,
		"must exceed keep-alive interval",
		`quality tier "ultra"`,
		`room code "nope"`,
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateRejectsZeroDurations(t *testing.T) {
	cfg := Default()
	cfg.Quality.FeedbackInterval = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feedback_interval must be positive")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peepcast.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: 127.0.0.1:9000\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestSource(t *testing.T) {
	cfg := Default()
	cfg.Capture.Width = 64
	cfg.Capture.Height = 32

	src, err := cfg.Source()
	require.NoError(t, err)
	defer src.Close()
	assert.IsType(t, &capture.Synthetic{}, src)

	cfg.Capture.Source = "images"
	cfg.Capture.Images = []string{filepath.Join(t.TempDir(), "missing.png")}
	src, err = cfg.Source()
	assert.Error(t, err)
	assert.Nil(t, src)
}

func TestTransportICE(t *testing.T) {
	cfg := Default()
	cfg.ICE = ICEConfig{
		STUNServers: []string{"stun:stun.example.org:3478"},
		TURNServer:  "turn:turn.example.org:3478",
		TURNUser:    "u",
		TURNPass:    "p",
		ForceRelay:  true,
	}
	ice := cfg.TransportICE()
	assert.Equal(t, cfg.ICE.STUNServers, ice.STUNServers)
	assert.Equal(t, "turn:turn.example.org:3478", ice.TURNServer)
	assert.True(t, ice.ForceRelay)
	assert.False(t, ice.LANOnly)
}
