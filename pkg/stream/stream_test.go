package stream

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/peepcast/pkg/capture"
	"github.com/tomaslejdung/peepcast/pkg/codec"
	"github.com/tomaslejdung/peepcast/pkg/frame"
	"github.com/tomaslejdung/peepcast/pkg/protocol"
	"github.com/tomaslejdung/peepcast/pkg/session"
	"github.com/tomaslejdung/peepcast/pkg/transport"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.Fixed = true
	opts.Quality.InitialTier = 5 // 60fps, full scale
	opts.MaxPayload = 256
	opts.IdleThreshold = 50 * time.Millisecond
	opts.KeepAliveInterval = 50 * time.Millisecond
	opts.FeedbackInterval = 20 * time.Millisecond
	opts.QualityTick = 50 * time.Millisecond
	opts.ReassemblyTimeout = 100 * time.Millisecond
	opts.SessionTimeout = 2 * time.Second
	opts.ConnectTimeout = 2 * time.Second
	return opts
}

// scripted serves a fixed list of frames, then repeats the last one.
type scripted struct {
	mu     sync.Mutex
	frames []*frame.Frame
	n      int
}

func newScripted(count int) *scripted {
	base := frame.New(64, 48, frame.FormatBGRA)
	base.Fill(base.Bounds(), []byte{40, 40, 40, 255})
	s := &scripted{frames: []*frame.Frame{base}}
	for i := 1; i < count; i++ {
		f := s.frames[i-1].Clone()
		f.Fill(frame.Rect{X: (i * 9) % 56, Y: (i * 5) % 40, W: 8, H: 8}, []byte{byte(i * 20), 0, 255, 255})
		s.frames = append(s.frames, f)
	}
	return s
}

func (s *scripted) last() *frame.Frame { return s.frames[len(s.frames)-1] }

func (s *scripted) Capture(ctx context.Context, scale float64) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	f := *s.frames[min(s.n, len(s.frames)-1)]
	s.n++
	f.Seq = uint64(s.n)
	s.mu.Unlock()
	f.Captured = time.Now()
	return frame.Scale(&f, scale)
}

func (s *scripted) Close() error { return nil }

type pair struct {
	sharer   *Sharer
	viewer   *Viewer
	registry *session.Registry
	stop     context.CancelFunc
	shareErr chan error
	viewErr  chan error
}

func startPair(t *testing.T, src capture.Source, opts Options, pipeOpts ...transport.PipeOption) *pair {
	t.Helper()
	a, b := transport.Pipe(pipeOpts...)

	registry := session.NewRegistry(4)
	viewer := NewViewer(b, registry, opts)
	sharer, err := NewSharer(src, a, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	p := &pair{
		sharer:   sharer,
		viewer:   viewer,
		registry: registry,
		stop:     cancel,
		shareErr: make(chan error, 1),
		viewErr:  make(chan error, 1),
	}
	go func() { p.viewErr <- viewer.Serve(context.Background()) }()
	go func() { p.shareErr <- sharer.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		a.Close()
	})
	return p
}

func (p *pair) viewerShows(want *frame.Frame) func() bool {
	return func() bool {
		f := p.viewer.Frame()
		return f != nil && f.Equal(want)
	}
}

func TestStreamReproducesFinalFrame(t *testing.T) {
	src := newScripted(12)
	p := startPair(t, src, testOptions())

	require.Eventually(t, p.viewerShows(src.last()), 5*time.Second, 10*time.Millisecond)

	p.stop()
	require.NoError(t, <-p.shareErr)
	require.NoError(t, <-p.viewErr)
	<-p.viewer.Done()

	assert.True(t, p.viewer.Frame().Equal(src.last()), "last frame must be retained after close")
	assert.Equal(t, session.Closed, p.viewer.Session().State())
	assert.Equal(t, "sharer stopped", p.viewer.Session().Reason())
	assert.Zero(t, p.registry.Len())

	st := p.sharer.Stats()
	assert.GreaterOrEqual(t, st.Keyframes, uint64(1))
	assert.Greater(t, st.Updates, uint64(1))
}

func TestIdleSendsOnlyKeepAlives(t *testing.T) {
	src := newScripted(1)
	p := startPair(t, src, testOptions())

	require.Eventually(t, func() bool {
		return p.viewer.Stats().KeepAlives >= 1
	}, 5*time.Second, 10*time.Millisecond)
	applied := p.viewer.Stats().Applied

	require.Eventually(t, func() bool {
		return p.viewer.Stats().KeepAlives >= 4
	}, 5*time.Second, 10*time.Millisecond)

	st := p.viewer.Stats()
	assert.Equal(t, applied, st.Applied, "no updates while idle")
	assert.Equal(t, uint64(1), st.LastSeq)
	assert.Equal(t, session.Idle, st.Session.State)
	assert.True(t, p.sharer.Stats().Idle)
	assert.True(t, p.viewer.Frame().Equal(src.last()))
}

func TestIdleSessionWakesOnChange(t *testing.T) {
	var changed atomic.Bool
	static := newScripted(1).last()
	moved := static.Clone()
	moved.Fill(frame.Rect{X: 10, Y: 10, W: 4, H: 4}, []byte{0, 255, 0, 255})
	src := capture.Func(func(ctx context.Context, scale float64) (*frame.Frame, error) {
		f := static.Clone()
		if changed.Load() {
			f = moved.Clone()
		}
		f.Captured = time.Now()
		return f, nil
	})
	p := startPair(t, src, testOptions())

	require.Eventually(t, func() bool {
		return p.viewer.Stats().Session.State == session.Idle
	}, 5*time.Second, 10*time.Millisecond)

	changed.Store(true)
	require.Eventually(t, p.viewerShows(moved), 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, session.Active, p.viewer.Stats().Session.State)
}

func TestLossyLinkResyncs(t *testing.T) {
	var n atomic.Int64
	dropUpdates := transport.WithDrop(func(d []byte) bool {
		c, err := protocol.DecodeChunk(d)
		return err == nil && c.Kind == protocol.KindUpdate && n.Add(1)%5 == 0
	})

	src := newScripted(20)
	p := startPair(t, src, testOptions(), dropUpdates)

	require.Eventually(t, p.viewerShows(src.last()), 10*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return p.sharer.Stats().Keyframes >= 2
	}, 5*time.Second, 10*time.Millisecond, "lost updates must be repaired by a keyframe")
}

// rawEnd drives one side of a link by hand.
type rawEnd struct {
	t       *testing.T
	link    transport.Link
	chunker *protocol.Chunker
	reasm   *protocol.Reassembler
	id      uint32
}

func newRawEnd(t *testing.T, link transport.Link) *rawEnd {
	return &rawEnd{t: t, link: link, chunker: protocol.NewChunker(), reasm: protocol.NewReassembler(0, 0)}
}

func (r *rawEnd) send(kind protocol.Kind, flags byte, body []byte) {
	r.t.Helper()
	r.id++
	chunks, err := r.chunker.Split(kind, flags, r.id, body)
	require.NoError(r.t, err)
	for _, c := range chunks {
		require.NoError(r.t, r.link.Send(context.Background(), c))
	}
}

func (r *rawEnd) sendControl(m protocol.ControlMessage) {
	r.t.Helper()
	r.send(protocol.KindControl, 0, protocol.EncodeControl(m))
}

// expect reads messages until a control message satisfies match.
func (r *rawEnd) expect(match func(protocol.ControlMessage) bool) protocol.ControlMessage {
	r.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		data, err := r.link.Receive(ctx)
		require.NoError(r.t, err)
		c, err := protocol.DecodeChunk(data)
		require.NoError(r.t, err)
		msg, complete, err := r.reasm.Add(c, time.Now())
		require.NoError(r.t, err)
		if !complete || msg.Kind != protocol.KindControl {
			continue
		}
		cm, err := protocol.DecodeControl(msg.Body)
		require.NoError(r.t, err)
		if match(cm) {
			return cm
		}
	}
}

func isType[T protocol.ControlMessage](cm protocol.ControlMessage) bool {
	_, ok := cm.(T)
	return ok
}

func (r *rawEnd) open() protocol.Opened {
	r.t.Helper()
	r.sendControl(protocol.Open{Width: 32, Height: 32, Tier: 3, Codec: "raw", Compressor: "zstd"})
	return r.expect(isType[protocol.Opened]).(protocol.Opened)
}

func grayUpdate(t *testing.T, p *codec.Packager, seq uint64, full bool, r frame.Rect, v byte) []byte {
	t.Helper()
	u := &codec.Update{
		Seq:       seq,
		Captured:  time.Now(),
		Width:     32,
		Height:    32,
		Format:    frame.FormatGray,
		FullFrame: full,
		Regions:   []frame.DirtyRegion{{Rect: r, Pix: bytes.Repeat([]byte{v}, r.Area())}},
	}
	body, err := p.Pack(u, 3)
	require.NoError(t, err)
	return body
}

func startViewer(t *testing.T, registry *session.Registry, opts Options) (*Viewer, *rawEnd, chan error) {
	t.Helper()
	a, b := transport.Pipe()
	t.Cleanup(func() { a.Close() })
	v := NewViewer(b, registry, opts)
	errc := make(chan error, 1)
	go func() { errc <- v.Serve(context.Background()) }()
	return v, newRawEnd(t, a), errc
}

func TestViewerOrdersUpdates(t *testing.T) {
	v, raw, _ := startViewer(t, session.NewRegistry(0), testOptions())
	opened := raw.open()
	assert.NotEqual(t, uuid.Nil, opened.SessionID)

	pk := codec.NewPackager(codec.Identity{}, codec.NewZstd())
	full := frame.Rect{W: 32, H: 32}
	patch := frame.Rect{X: 8, Y: 8, W: 8, H: 8}
	raw.send(protocol.KindUpdate, protocol.FlagKeyframe, grayUpdate(t, pk, 1, true, full, 10))
	raw.send(protocol.KindUpdate, 0, grayUpdate(t, pk, 3, false, patch, 200))
	raw.send(protocol.KindUpdate, 0, grayUpdate(t, pk, 2, false, full, 99))

	req := raw.expect(isType[protocol.KeyframeRequest]).(protocol.KeyframeRequest)
	assert.Equal(t, "gap", req.Reason)

	require.Eventually(t, func() bool {
		st := v.Stats()
		return st.Applied == 2 && st.Stale == 1
	}, 3*time.Second, 5*time.Millisecond)

	st := v.Stats()
	assert.Equal(t, uint64(1), st.Gaps)
	assert.Equal(t, uint64(3), st.LastSeq)

	want := frame.New(32, 32, frame.FormatGray)
	want.Fill(full, []byte{10})
	want.Fill(patch, []byte{200})
	assert.True(t, v.Frame().Equal(want), "stale update must not be applied")

	fb := raw.expect(func(cm protocol.ControlMessage) bool {
		fb, ok := cm.(protocol.Feedback)
		return ok && fb.LastSeq == 3
	}).(protocol.Feedback)
	assert.Equal(t, uint32(2), fb.Completed)
	assert.Equal(t, uint32(1), fb.Gaps)
}

func TestViewerRequestsKeyframeWithoutBaseline(t *testing.T) {
	v, raw, _ := startViewer(t, session.NewRegistry(0), testOptions())
	raw.open()

	pk := codec.NewPackager(codec.Identity{}, codec.NewZstd())
	raw.send(protocol.KindUpdate, 0, grayUpdate(t, pk, 5, false, frame.Rect{W: 4, H: 4}, 1))

	req := raw.expect(isType[protocol.KeyframeRequest]).(protocol.KeyframeRequest)
	assert.Equal(t, "baseline", req.Reason)
	assert.Nil(t, v.Frame())
}

func TestViewerSessionTimeout(t *testing.T) {
	opts := testOptions()
	opts.SessionTimeout = 150 * time.Millisecond
	registry := session.NewRegistry(0)
	v, raw, errc := startViewer(t, registry, opts)
	raw.open()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrSessionTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("session did not time out")
	}
	<-v.Done()
	assert.Equal(t, session.Closed, v.Session().State())
	assert.Equal(t, "timeout", v.Session().Reason())
	assert.Zero(t, registry.Len())

	cl := raw.expect(isType[protocol.Close]).(protocol.Close)
	assert.Equal(t, v.Session().ID, cl.SessionID)
}

func TestViewerClosedBySharer(t *testing.T) {
	v, raw, errc := startViewer(t, session.NewRegistry(0), testOptions())
	opened := raw.open()
	raw.sendControl(protocol.Close{SessionID: opened.SessionID, Reason: "bye"})

	require.NoError(t, <-errc)
	assert.Equal(t, session.Closed, v.Session().State())
	assert.Equal(t, "bye", v.Session().Reason())
}

func TestViewerRejectsWhenFull(t *testing.T) {
	registry := session.NewRegistry(1)
	_, err := registry.Create(time.Now())
	require.NoError(t, err)

	_, raw, errc := startViewer(t, registry, testOptions())
	assert.ErrorIs(t, <-errc, session.ErrFull)

	e := raw.expect(isType[protocol.Error]).(protocol.Error)
	assert.Equal(t, protocol.ErrorCodeBusy, e.Code)
}

func TestViewerRejectsUnknownCodec(t *testing.T) {
	_, raw, errc := startViewer(t, session.NewRegistry(0), testOptions())
	raw.sendControl(protocol.Open{Width: 8, Height: 8, Codec: "h265", Compressor: "zstd"})

	e := raw.expect(isType[protocol.Error]).(protocol.Error)
	assert.Equal(t, protocol.ErrorCodeUnsupported, e.Code)
	assert.ErrorIs(t, <-errc, codec.ErrCodec)
}

func startSharer(t *testing.T, src capture.Source, opts Options) (*Sharer, *rawEnd, context.CancelFunc, chan error) {
	t.Helper()
	a, b := transport.Pipe()
	t.Cleanup(func() { a.Close() })
	s, err := NewSharer(src, a, opts)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	return s, newRawEnd(t, b), cancel, errc
}

func TestSharerOpenTimeout(t *testing.T) {
	opts := testOptions()
	opts.ConnectTimeout = 100 * time.Millisecond
	_, _, _, errc := startSharer(t, newScripted(1), opts)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrOpenTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("open did not time out")
	}
}

func TestSharerRejected(t *testing.T) {
	_, raw, _, errc := startSharer(t, newScripted(1), testOptions())
	raw.expect(isType[protocol.Open])
	raw.sendControl(protocol.Error{Code: protocol.ErrorCodeBusy, Message: "room busy"})

	err := <-errc
	var perr protocol.Error
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Equal(t, protocol.ErrorCodeBusy, perr.Code)
}

func TestSharerHonoursQualityCap(t *testing.T) {
	src, err := capture.NewSynthetic(capture.SyntheticConfig{Width: 160, Height: 90, Pattern: capture.PatternStatic})
	require.NoError(t, err)

	opts := testOptions()
	opts.Fixed = false
	opts.Quality.InitialTier = 3
	opts.QualityTick = 20 * time.Millisecond
	s, raw, cancel, errc := startSharer(t, src, opts)

	open := raw.expect(isType[protocol.Open]).(protocol.Open)
	assert.Equal(t, 160, open.Width)
	assert.Equal(t, "raw", open.Codec)
	assert.Equal(t, "zstd", open.Compressor)

	raw.sendControl(protocol.Opened{SessionID: uuid.New()})
	raw.sendControl(protocol.Quality{MaxTier: 1})

	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.Directive.Tier == 1 && st.Width == 80
	}, 3*time.Second, 5*time.Millisecond, "capped tier must also halve the capture scale")
	assert.Equal(t, 1, s.Stats().MaxTier)

	cancel()
	require.NoError(t, <-errc)
	cl := raw.expect(isType[protocol.Close]).(protocol.Close)
	assert.Equal(t, "sharer stopped", cl.Reason)
}

func TestSharerFeedbackUpdatesStats(t *testing.T) {
	s, raw, _, _ := startSharer(t, newScripted(1), testOptions())
	raw.expect(isType[protocol.Open])
	raw.sendControl(protocol.Opened{SessionID: uuid.New()})

	raw.sendControl(protocol.Feedback{
		LastSeq:   1,
		Completed: 1,
		Echo:      time.Now().Add(-40 * time.Millisecond),
		Hold:      10 * time.Millisecond,
	})
	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.LastAckSeq == 1 && st.RTT > 0
	}, 3*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, s.Stats().RTT, 25*time.Millisecond)
}

// dropFirstControl loses the first control message of type ct, in either
// direction.
func dropFirstControl(ct protocol.ControlType) transport.PipeOption {
	var dropped atomic.Bool
	return transport.WithDrop(func(d []byte) bool {
		c, err := protocol.DecodeChunk(d)
		if err != nil || c.Kind != protocol.KindControl || c.Index != 0 || len(c.Payload) == 0 {
			return false
		}
		return protocol.ControlType(c.Payload[0]) == ct && dropped.CompareAndSwap(false, true)
	})
}

func TestHandshakeSurvivesLostOpen(t *testing.T) {
	src := newScripted(4)
	p := startPair(t, src, testOptions(), dropFirstControl(protocol.ControlOpen))

	require.Eventually(t, p.viewerShows(src.last()), 5*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, uuid.Nil, p.sharer.Stats().SessionID)
}

func TestHandshakeSurvivesLostOpened(t *testing.T) {
	src := newScripted(4)
	p := startPair(t, src, testOptions(), dropFirstControl(protocol.ControlOpened))

	require.Eventually(t, p.viewerShows(src.last()), 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, p.viewer.Session().ID, p.sharer.Stats().SessionID)
}

func TestLostQualityCapIsRepeated(t *testing.T) {
	opts := testOptions()
	opts.Fixed = false
	opts.Quality.InitialTier = 3
	opts.QualityTick = 20 * time.Millisecond
	opts.CapTier = true
	opts.MaxTier = 1

	p := startPair(t, newScripted(4), opts, dropFirstControl(protocol.ControlQuality))

	require.Eventually(t, func() bool {
		st := p.sharer.Stats()
		return st.MaxTier == 1 && st.Directive.Tier == 1
	}, 5*time.Second, 10*time.Millisecond, "the cap must reach the sharer despite the lost message")
}
