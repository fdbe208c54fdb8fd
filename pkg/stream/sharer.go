package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tomaslejdung/peepcast/pkg/capture"
	"github.com/tomaslejdung/peepcast/pkg/codec"
	"github.com/tomaslejdung/peepcast/pkg/frame"
	"github.com/tomaslejdung/peepcast/pkg/metrics"
	"github.com/tomaslejdung/peepcast/pkg/pcc"
	"github.com/tomaslejdung/peepcast/pkg/protocol"
	"github.com/tomaslejdung/peepcast/pkg/quality"
	"github.com/tomaslejdung/peepcast/pkg/transport"
)

// closeGrace bounds how long Run waits to tell the viewer it is leaving.
const closeGrace = time.Second

// outgoing is one whole message waiting in the send queue.
type outgoing struct {
	kind     protocol.Kind
	seq      uint64
	keyframe bool
	chunks   [][]byte
	size     int
}

// SharerStats is a point-in-time view of a running Sharer.
type SharerStats struct {
	SessionID  uuid.UUID
	Link       string
	Directive  quality.Directive
	MaxTier    int
	Adaptive   bool
	Idle       bool
	Width      int
	Height     int
	FPS        float64 // updates sent per second over the last quality tick
	Bitrate    float64 // kbps over the last quality tick
	RTT        time.Duration
	LossRate   float64
	Updates    uint64
	Keyframes  uint64
	KeepAlives uint64
	Dropped    uint64 // updates lost before sending, each followed by a keyframe
	Evicted    uint64 // send queue evictions of any kind
	Queued     int    // messages waiting in the send queue
	Bytes      uint64
	LastAckSeq uint64
}

// Sharer captures frames, sends only what changed and adapts to the
// viewer's feedback. One Sharer serves one session over one link.
type Sharer struct {
	opts     Options
	src      capture.Source
	link     transport.Link
	diff     *pcc.Differencer
	packager *codec.Packager
	chunker  *protocol.Chunker
	ctrl     *quality.Controller
	tracker  *quality.Tracker
	queue    *transport.Queue[outgoing]
	reasm    *protocol.Reassembler

	nextID atomic.Uint32
	opened chan error

	keyMu     sync.Mutex
	keyReason string

	captureErrs throttledLog
	packErrs    throttledLog
	recvErrs    throttledLog

	updates    atomic.Uint64
	keyframes  atomic.Uint64
	keepAlives atomic.Uint64
	dropped    atomic.Uint64
	bytes      atomic.Uint64
	lastAck    atomic.Uint64
	idle       atomic.Bool

	mu           sync.Mutex
	sessionID    uuid.UUID
	width        int
	height       int
	lastFB       quality.Feedback
	fps          float64
	bitrate      float64
	remoteClosed bool
}

// NewSharer creates a sharer reading from src and writing to link.
func NewSharer(src capture.Source, link transport.Link, opts Options) (*Sharer, error) {
	opts = opts.withDefaults()
	pc, err := codec.CodecByName(opts.Codec)
	if err != nil {
		return nil, err
	}
	comp, err := codec.CompressorByName(opts.Compressor)
	if err != nil {
		return nil, err
	}

	ctrl := quality.NewController(opts.Quality)
	ctrl.SetAdaptive(!opts.Fixed)

	return &Sharer{
		opts: opts,
		src:  src,
		link: link,
		diff: pcc.NewDifferencer(
			pcc.WithBlockSize(opts.BlockSize),
			pcc.WithThreshold(opts.Threshold),
			pcc.WithSparseRatio(opts.SparseRatio),
		),
		packager: codec.NewPackager(pc, comp),
		chunker:  opts.chunker(),
		ctrl:     ctrl,
		tracker:  quality.NewTracker(time.Now(), opts.StaleAfter),
		queue:    transport.NewQueue[outgoing](opts.QueueDepth),
		reasm:    protocol.NewReassembler(opts.ReassemblyTimeout, opts.MaxPending),
		opened:   make(chan error, 1),
	}, nil
}

// Run opens the session and streams until ctx is cancelled, the viewer
// closes the session or the link fails. A cancelled ctx returns nil.
func (s *Sharer) Run(ctx context.Context) error {
	parent := ctx
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.receiveLoop(ctx) })
	g.Go(func() error {
		first, err := s.open(ctx)
		if err != nil {
			return err
		}
		g.Go(func() error { return s.sendLoop(ctx) })
		g.Go(func() error { return s.qualityLoop(ctx) })
		return s.captureLoop(ctx, first)
	})

	err := g.Wait()
	s.shutdown()

	if parent.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Sharer) shutdown() {
	s.mu.Lock()
	id, remote := s.sessionID, s.remoteClosed
	s.mu.Unlock()

	if id != uuid.Nil && !remote {
		ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
		err := s.sendControl(ctx, protocol.Close{SessionID: id, Reason: "sharer stopped"})
		if err != nil && !errors.Is(err, transport.ErrClosed) {
			log.Printf("Sharer: failed to send close: %v", err)
		}
		cancel()
	}
	s.queue.Close()
	s.reasm.Close()
	s.link.Close()
}

// open captures the first frame and performs the Open/Opened handshake.
func (s *Sharer) open(ctx context.Context) (*frame.Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	dir := s.ctrl.Directive()
	first, err := s.src.Capture(ctx, dir.Scale)
	if err != nil {
		return nil, fmt.Errorf("first capture: %w", err)
	}

	open := protocol.Open{
		Width:      first.Width,
		Height:     first.Height,
		Tier:       dir.Tier,
		Codec:      s.packager.Codec().Name(),
		Compressor: s.packager.Compressor().Name(),
	}
	if err := s.sendControl(ctx, open); err != nil {
		return nil, fmt.Errorf("send open: %w", err)
	}

	// Open or Opened may be lost on an unreliable link; repeat until answered.
	retry := time.NewTicker(openRetry)
	defer retry.Stop()
wait:
	for {
		select {
		case err := <-s.opened:
			if err != nil {
				return nil, err
			}
			break wait
		case <-retry.C:
			if err := s.sendControl(ctx, open); err != nil && ctx.Err() == nil {
				return nil, fmt.Errorf("send open: %w", err)
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrOpenTimeout
			}
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	id := s.sessionID
	s.mu.Unlock()
	log.Printf("Sharer: session %s opened over %s (%dx%d, tier %s)",
		id, s.link.Name(), first.Width, first.Height, quality.Tiers[dir.Tier].Name)
	metrics.SetTier(dir.Tier)
	return first, nil
}

// RequestKeyframe makes the next captured frame a full frame.
func (s *Sharer) RequestKeyframe(reason string) {
	s.keyMu.Lock()
	if s.keyReason == "" {
		s.keyReason = reason
	}
	s.keyMu.Unlock()
}

func (s *Sharer) takeKeyframe() string {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	r := s.keyReason
	s.keyReason = ""
	return r
}

// captureLoop is the producer: capture, diff, pack, chunk and enqueue at
// the directive's frame rate. first is the frame captured during open.
func (s *Sharer) captureLoop(ctx context.Context, first *frame.Frame) error {
	dir := s.ctrl.Directive()
	ticker := time.NewTicker(dir.Interval())
	defer ticker.Stop()

	var (
		seq           uint64
		lastChange    = time.Now()
		lastKeepAlive time.Time
	)

	f := first
	for {
		if f != nil {
			reason := s.takeKeyframe()
			if reason != "" {
				s.diff.ForceKeyframe()
			}

			start := time.Now()
			res, err := s.diff.Diff(f)
			if err != nil {
				s.captureErrs.Printf("Sharer: diff failed: %v", err)
			} else {
				metrics.RecordDiff(time.Since(start), res.DirtyBlocks, res.TotalBlocks)
				now := time.Now()
				switch {
				case !res.Empty():
					if s.idle.Swap(false) {
						log.Printf("Sharer: content changed, leaving idle")
					}
					lastChange, lastKeepAlive = now, time.Time{}
					seq++
					if res.FullFrame {
						if reason == "" {
							reason = "resize"
							if seq == 1 {
								reason = "first"
							}
						}
						metrics.RecordKeyframe(reason)
					}
					s.enqueueUpdate(f, res, seq, dir.Level)
				case now.Sub(lastChange) >= s.opts.IdleThreshold:
					if !s.idle.Swap(true) {
						log.Printf("Sharer: no changes for %s, sending keep-alives", s.opts.IdleThreshold)
					}
					if s.lastAck.Load() < seq && now.Sub(lastChange) >= s.opts.IdleThreshold+s.ackGrace() {
						// The last update never showed up in feedback and no
						// later diff will reveal the gap to the viewer.
						s.RequestKeyframe("ack")
					}
					if now.Sub(lastKeepAlive) >= s.opts.KeepAliveInterval {
						lastKeepAlive = now
						s.enqueueKeepAlive(now)
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		next := s.ctrl.Directive()
		if next != dir {
			if next.ScaleChanged(dir) {
				s.diff.Reset()
				s.RequestKeyframe("scale")
			}
			if next.FPS != dir.FPS {
				ticker.Reset(next.Interval())
			}
			dir = next
		}

		var err error
		f, err = s.src.Capture(ctx, dir.Scale)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, capture.ErrClosed) {
				return err
			}
			s.captureErrs.Printf("Sharer: capture failed: %v", err)
			f = nil
			continue
		}
		s.captureErrs.reset()
	}
}

// ackGrace is how long after going idle the viewer's feedback should have
// confirmed the last update.
func (s *Sharer) ackGrace() time.Duration {
	return 2*s.opts.FeedbackInterval + s.tracker.RTT()
}

func (s *Sharer) enqueueUpdate(f *frame.Frame, res pcc.Result, seq uint64, level int) {
	u := &codec.Update{
		Seq:       seq,
		Captured:  f.Captured,
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format,
		FullFrame: res.FullFrame,
		Regions:   res.Regions,
	}
	body, err := s.packager.Pack(u, level)
	if err != nil {
		s.packErrs.Printf("Sharer: pack update %d failed: %v", seq, err)
		s.dropUpdate("pack")
		return
	}

	var flags byte
	if res.FullFrame {
		flags |= protocol.FlagKeyframe
	}
	chunks, err := s.chunker.Split(protocol.KindUpdate, flags, s.nextID.Add(1), body)
	if err != nil {
		s.packErrs.Printf("Sharer: update %d (%d bytes) not sent: %v", seq, len(body), err)
		s.dropUpdate("oversize")
		return
	}
	s.packErrs.reset()

	s.mu.Lock()
	s.width, s.height = f.Width, f.Height
	s.mu.Unlock()

	s.push(outgoing{
		kind:     protocol.KindUpdate,
		seq:      seq,
		keyframe: res.FullFrame,
		chunks:   chunks,
		size:     len(body),
	})
}

func (s *Sharer) enqueueKeepAlive(now time.Time) {
	s.mu.Lock()
	id := s.sessionID
	s.mu.Unlock()

	body := protocol.EncodeKeepAlive(protocol.KeepAlive{SessionID: id, Timestamp: now})
	chunks, err := s.chunker.Split(protocol.KindKeepAlive, 0, s.nextID.Add(1), body)
	if err != nil {
		log.Printf("Sharer: keep-alive: %v", err)
		return
	}
	s.push(outgoing{kind: protocol.KindKeepAlive, chunks: chunks, size: len(body)})
}

// push hands a message to the send loop. A full queue evicts its oldest
// message; losing an update means the viewer's baseline diverged.
func (s *Sharer) push(out outgoing) {
	evicted, ok := s.queue.Push(out)
	if ok && evicted.kind == protocol.KindUpdate {
		s.dropUpdate("drop")
	}
}

func (s *Sharer) dropUpdate(reason string) {
	s.dropped.Add(1)
	s.tracker.OnDropped()
	metrics.RecordUpdate("sharer", "dropped")
	s.RequestKeyframe(reason)
}

// sendLoop is the consumer: it drains the queue as fast as the link takes
// datagrams. A congested link drops the rest of the message.
func (s *Sharer) sendLoop(ctx context.Context) error {
	for {
		out, err := s.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}

		sent := 0
		for _, c := range out.chunks {
			if err = s.link.Send(ctx, c); err != nil {
				break
			}
			sent += len(c)
		}
		if sent > 0 {
			metrics.RecordBytes("tx", sent)
		}

		switch {
		case errors.Is(err, transport.ErrCongested):
			if out.kind == protocol.KindUpdate {
				s.dropUpdate("drop")
			}
			continue
		case err != nil:
			return fmt.Errorf("send: %w", err)
		}

		metrics.RecordChunks("sent", len(out.chunks))
		s.tracker.OnSent(sent)
		s.bytes.Add(uint64(sent))
		if out.kind == protocol.KindKeepAlive {
			s.keepAlives.Add(1)
			metrics.RecordKeepAlive()
			continue
		}
		s.updates.Add(1)
		if out.keyframe {
			s.keyframes.Add(1)
		}
		metrics.RecordUpdate("sharer", "sent")
	}
}

// sendControl chunks and writes a control message, bypassing the queue.
func (s *Sharer) sendControl(ctx context.Context, m protocol.ControlMessage) error {
	chunks, err := s.chunker.Split(protocol.KindControl, 0, s.nextID.Add(1), protocol.EncodeControl(m))
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := s.link.Send(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// qualityLoop runs the controller on its own tick.
func (s *Sharer) qualityLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.QualityTick)
	defer ticker.Stop()

	var lastUpdates, lastBytes uint64
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			fb := s.tracker.Sample(now)
			prev := s.ctrl.Directive()
			dir := s.ctrl.Tick(fb)
			if dir.Tier != prev.Tier {
				log.Printf("Sharer: quality %s -> %s (loss %.1f%%, rtt %s, stale %v)",
					quality.Tiers[prev.Tier].Name, quality.Tiers[dir.Tier].Name,
					fb.LossRate*100, fb.RTT.Round(time.Millisecond), fb.Stale)
				metrics.SetTier(dir.Tier)
			}

			updates, bytes := s.updates.Load(), s.bytes.Load()
			s.mu.Lock()
			s.lastFB = fb
			if elapsed := now.Sub(last).Seconds(); elapsed > 0 {
				s.fps = float64(updates-lastUpdates) / elapsed
				s.bitrate = float64(bytes-lastBytes) * 8 / elapsed / 1000
			}
			s.mu.Unlock()
			lastUpdates, lastBytes, last = updates, bytes, now
		}
	}
}

// receiveLoop handles viewer control messages.
func (s *Sharer) receiveLoop(ctx context.Context) error {
	for {
		data, err := s.link.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receive: %w", err)
		}
		metrics.RecordBytes("rx", len(data))

		now := time.Now()
		c, err := protocol.DecodeChunk(data)
		if err != nil {
			metrics.RecordChunks("invalid", 1)
			s.recvErrs.Printf("Sharer: bad chunk: %v", err)
			continue
		}
		msg, complete, err := s.reasm.Add(c, now)
		if err != nil {
			s.recvErrs.Printf("Sharer: reassembly: %v", err)
			continue
		}
		if !complete || msg.Kind != protocol.KindControl {
			continue
		}
		cm, err := protocol.DecodeControl(msg.Body)
		if err != nil {
			s.recvErrs.Printf("Sharer: bad control message: %v", err)
			continue
		}
		if err := s.handleControl(cm, now); err != nil {
			return err
		}
	}
}

func (s *Sharer) handleControl(cm protocol.ControlMessage, now time.Time) error {
	switch m := cm.(type) {
	case protocol.Opened:
		s.mu.Lock()
		first := s.sessionID == uuid.Nil
		s.sessionID = m.SessionID
		s.mu.Unlock()
		if first {
			s.signalOpen(nil)
		}

	case protocol.Error:
		log.Printf("Sharer: viewer error: %v", m)
		s.signalOpen(m)
		if m.Code == protocol.ErrorCodeBusy || m.Code == protocol.ErrorCodeUnsupported {
			return m
		}

	case protocol.Quality:
		// The viewer repeats its cap with every feedback; log changes only.
		prev := s.ctrl.MaxTier()
		s.ctrl.SetMaxTier(m.MaxTier)
		if cur := s.ctrl.MaxTier(); cur != prev {
			log.Printf("Sharer: viewer capped quality at %s", quality.Tiers[cur].Name)
		}

	case protocol.KeyframeRequest:
		s.RequestKeyframe("request")

	case protocol.Feedback:
		s.tracker.OnReport(now, uint64(m.Completed), uint64(m.Gaps))
		if !m.Echo.IsZero() {
			if rtt := now.Sub(m.Echo) - m.Hold; rtt > 0 {
				s.tracker.OnRTT(rtt)
				metrics.RecordRTT(rtt)
			}
		}
		s.lastAck.Store(m.LastSeq)

	case protocol.Close:
		log.Printf("Sharer: viewer closed session: %s", m.Reason)
		s.mu.Lock()
		s.remoteClosed = true
		s.mu.Unlock()
		return ErrRemoteClosed

	default:
		return fmt.Errorf("%w: %T", ErrUnexpectedMessage, cm)
	}
	return nil
}

func (s *Sharer) signalOpen(err error) {
	select {
	case s.opened <- err:
	default:
	}
}

// SetTier pins the controller to tier i.
func (s *Sharer) SetTier(i int) {
	dir := s.ctrl.SetTier(i)
	metrics.SetTier(dir.Tier)
}

// SetAdaptive toggles automatic tier changes.
func (s *Sharer) SetAdaptive(on bool) {
	s.ctrl.SetAdaptive(on)
}

// Stats returns a snapshot of the sharer's counters.
func (s *Sharer) Stats() SharerStats {
	s.mu.Lock()
	st := SharerStats{
		SessionID: s.sessionID,
		Width:     s.width,
		Height:    s.height,
		FPS:       s.fps,
		Bitrate:   s.bitrate,
		LossRate:  s.lastFB.LossRate,
	}
	s.mu.Unlock()

	st.Link = s.link.Name()
	st.Directive = s.ctrl.Directive()
	st.MaxTier = s.ctrl.MaxTier()
	st.Adaptive = s.ctrl.Adaptive()
	st.Idle = s.idle.Load()
	st.RTT = s.tracker.RTT()
	st.Updates = s.updates.Load()
	st.Keyframes = s.keyframes.Load()
	st.KeepAlives = s.keepAlives.Load()
	st.Dropped = s.dropped.Load()
	st.Evicted = s.queue.Dropped()
	st.Queued = s.queue.Len()
	st.Bytes = s.bytes.Load()
	st.LastAckSeq = s.lastAck.Load()
	return st
}
