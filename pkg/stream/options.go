// Package stream wires the differencer, packager, chunk transport and
// quality controller into the two ends of a screen share: the Sharer that
// captures and sends, and the Viewer that reassembles and reconstructs.
package stream

import (
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/tomaslejdung/peepcast/pkg/pcc"
	"github.com/tomaslejdung/peepcast/pkg/protocol"
	"github.com/tomaslejdung/peepcast/pkg/quality"
)

const (
	DefaultQueueDepth        = 8
	DefaultKeepAliveInterval = 5 * time.Second
	DefaultIdleThreshold     = time.Second
	DefaultSessionTimeout    = 15 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultQualityTick       = time.Second
	DefaultFeedbackInterval  = 500 * time.Millisecond
	DefaultStaleAfter        = 3 * time.Second

	// keyframeRetry bounds how often the viewer repeats a keyframe request
	// while waiting for the sharer to resync.
	keyframeRetry = 500 * time.Millisecond

	// openRetry is how often the sharer repeats Open until Opened arrives.
	openRetry = 500 * time.Millisecond
)

var (
	// ErrRemoteClosed is returned when the other side ended the session.
	ErrRemoteClosed = errors.New("session closed by remote")
	// ErrOpenTimeout is returned when the session handshake did not finish
	// within the connect timeout.
	ErrOpenTimeout = errors.New("session open timed out")
	// ErrSessionTimeout is returned when nothing arrived for the session timeout.
	ErrSessionTimeout = errors.New("session timed out")
	// ErrUnexpectedMessage is returned for a control message that is not
	// valid in the current session state.
	ErrUnexpectedMessage = errors.New("unexpected control message")
)

// Options tunes both ends of a stream. Zero fields take the defaults.
type Options struct {
	// Differencer
	BlockSize   int
	Threshold   uint8
	SparseRatio float64

	// Packager
	Codec      string
	Compressor string

	// Chunk transport
	MaxPayload        int
	MaxChunks         int
	ReassemblyTimeout time.Duration
	MaxPending        int
	QueueDepth        int

	// Session
	KeepAliveInterval time.Duration
	IdleThreshold     time.Duration
	SessionTimeout    time.Duration
	ConnectTimeout    time.Duration

	// Quality
	Quality          quality.Config
	Fixed            bool // pin Quality.InitialTier instead of adapting
	QualityTick      time.Duration
	FeedbackInterval time.Duration
	StaleAfter       time.Duration

	// Viewer-side tier cap, sent to the sharer when CapTier is set
	CapTier bool
	MaxTier int
}

// DefaultOptions returns the defaults used by the binary.
func DefaultOptions() Options {
	return Options{
		BlockSize:         pcc.DefaultBlockSize,
		SparseRatio:       pcc.DefaultSparseRatio,
		Codec:             "raw",
		Compressor:        "zstd",
		MaxPayload:        protocol.DefaultMaxPayload,
		MaxChunks:         protocol.DefaultMaxChunks,
		ReassemblyTimeout: protocol.DefaultReassemblyTimeout,
		MaxPending:        protocol.DefaultMaxPending,
		QueueDepth:        DefaultQueueDepth,
		KeepAliveInterval: DefaultKeepAliveInterval,
		IdleThreshold:     DefaultIdleThreshold,
		SessionTimeout:    DefaultSessionTimeout,
		ConnectTimeout:    DefaultConnectTimeout,
		Quality:           quality.DefaultConfig(),
		QualityTick:       DefaultQualityTick,
		FeedbackInterval:  DefaultFeedbackInterval,
		StaleAfter:        DefaultStaleAfter,
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BlockSize <= 0 {
		o.BlockSize = d.BlockSize
	}
	if o.SparseRatio <= 0 {
		o.SparseRatio = d.SparseRatio
	}
	if o.Codec == "" {
		o.Codec = d.Codec
	}
	if o.Compressor == "" {
		o.Compressor = d.Compressor
	}
	if o.MaxPayload <= 0 {
		o.MaxPayload = d.MaxPayload
	}
	if o.MaxChunks <= 0 {
		o.MaxChunks = d.MaxChunks
	}
	if o.ReassemblyTimeout <= 0 {
		o.ReassemblyTimeout = d.ReassemblyTimeout
	}
	if o.MaxPending <= 0 {
		o.MaxPending = d.MaxPending
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = d.QueueDepth
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = d.KeepAliveInterval
	}
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = d.IdleThreshold
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = d.SessionTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.Quality == (quality.Config{}) {
		o.Quality = d.Quality
	}
	if o.QualityTick <= 0 {
		o.QualityTick = d.QualityTick
	}
	if o.FeedbackInterval <= 0 {
		o.FeedbackInterval = d.FeedbackInterval
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = d.StaleAfter
	}
	return o
}

func (o Options) chunker() *protocol.Chunker {
	return &protocol.Chunker{MaxPayload: o.MaxPayload, MaxChunks: o.MaxChunks}
}

// throttledLog logs the first few failures of a run, like the encode loop
// does for a misbehaving encoder. reset starts a new run.
type throttledLog struct {
	n atomic.Uint64
}

const throttleBurst = 5

func (t *throttledLog) Printf(format string, args ...any) {
	if n := t.n.Add(1); n <= throttleBurst {
		log.Printf(format+" (error #%d)", append(args, n)...)
	}
}

func (t *throttledLog) reset() { t.n.Store(0) }
