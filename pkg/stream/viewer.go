package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomaslejdung/peepcast/pkg/codec"
	"github.com/tomaslejdung/peepcast/pkg/frame"
	"github.com/tomaslejdung/peepcast/pkg/metrics"
	"github.com/tomaslejdung/peepcast/pkg/protocol"
	"github.com/tomaslejdung/peepcast/pkg/reconstruct"
	"github.com/tomaslejdung/peepcast/pkg/session"
	"github.com/tomaslejdung/peepcast/pkg/transport"
)

// ViewerStats is a point-in-time view of a Viewer.
type ViewerStats struct {
	Session          session.Snapshot
	Link             string
	LastSeq          uint64
	Applied          uint64
	Stale            uint64
	Gaps             uint64
	KeyframeRequests uint64
	RegionErrors     uint64
	KeepAlives       uint64
	Bytes            uint64
	Reassembly       protocol.ReassemblyStats
}

// Viewer is the receiving end of one session: it reassembles chunks,
// applies updates in sequence order and reports feedback to the sharer.
// The reconstructed frame outlives the session.
type Viewer struct {
	opts     Options
	link     transport.Link
	registry *session.Registry
	recon    *reconstruct.Reconstructor
	reasm    *protocol.Reassembler
	chunker  *protocol.Chunker

	// receive loop only
	packager   *codec.Packager
	lastKeyReq time.Time

	nextID atomic.Uint32
	done   chan struct{}
	served atomic.Bool

	recvErrs  throttledLog
	applyErrs throttledLog
	sendErrs  throttledLog

	applied    atomic.Uint64
	stale      atomic.Uint64
	gaps       atomic.Uint64
	keyReqs    atomic.Uint64
	regionErrs atomic.Uint64
	keepAlives atomic.Uint64
	bytes      atomic.Uint64

	mu      sync.Mutex
	sess    *session.Session
	echo    time.Time
	echoAt  time.Time
	capTier bool
	maxTier int
}

// NewViewer creates a viewer for one incoming link. Its session is
// registered in registry while Serve runs.
func NewViewer(link transport.Link, registry *session.Registry, opts Options) *Viewer {
	opts = opts.withDefaults()
	return &Viewer{
		opts:     opts,
		link:     link,
		registry: registry,
		recon:    reconstruct.New(),
		reasm:    protocol.NewReassembler(opts.ReassemblyTimeout, opts.MaxPending),
		chunker:  opts.chunker(),
		done:     make(chan struct{}),
		capTier:  opts.CapTier,
		maxTier:  opts.MaxTier,
	}
}

// Serve runs the session until the sharer closes it, it times out, the
// link fails or ctx is cancelled. A sharer-initiated close and a
// cancelled ctx return nil. Serve may be called once.
func (v *Viewer) Serve(ctx context.Context) error {
	if v.served.Swap(true) {
		return errors.New("viewer already served")
	}
	defer close(v.done)

	sess, err := v.registry.Create(time.Now())
	if err != nil {
		v.sendControl(ctx, protocol.Error{Code: protocol.ErrorCodeBusy, Message: err.Error()})
		v.reasm.Close()
		v.link.Close()
		return err
	}
	metrics.SessionTransition("", sess.State().String())
	sess.OnChange(func(from, to session.State) {
		metrics.SessionTransition(from.String(), to.String())
		log.Printf("Session %s: %s -> %s", sess.ID, from, to)
	})
	v.mu.Lock()
	v.sess = sess
	v.mu.Unlock()

	parent := ctx
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return v.receiveLoop(ctx) })
	g.Go(func() error { return v.sweepLoop(ctx) })
	g.Go(func() error { return v.feedbackLoop(ctx) })
	err = g.Wait()

	reason := "viewer stopped"
	switch {
	case errors.Is(err, ErrRemoteClosed):
		reason = sess.Reason()
	case errors.Is(err, ErrSessionTimeout):
		reason = "timeout"
	case errors.Is(err, ErrOpenTimeout):
		reason = "open timeout"
	case err != nil && parent.Err() == nil:
		reason = err.Error()
	}
	v.finish(sess, reason, !errors.Is(err, ErrRemoteClosed))

	if errors.Is(err, ErrRemoteClosed) || (parent.Err() != nil && errors.Is(err, context.Canceled)) {
		return nil
	}
	return err
}

// finish moves the session to Closed and releases its resources. Late
// chunks for the session are discarded by the closed reassembler.
func (v *Viewer) finish(sess *session.Session, reason string, notify bool) {
	if notify && sess.State() != session.Connecting {
		ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
		v.sendControl(ctx, protocol.Close{SessionID: sess.ID, Reason: reason})
		cancel()
	}
	if err := sess.Close(reason); err != nil {
		log.Printf("Session %s: close: %v", sess.ID, err)
	}
	metrics.SessionTransition(session.Closed.String(), "")
	v.registry.Remove(sess.ID)
	v.reasm.Close()
	v.link.Close()
	log.Printf("Session %s: stream ended (%s), last frame retained", sess.ID, reason)
}

func (v *Viewer) session() *session.Session {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sess
}

func (v *Viewer) receiveLoop(ctx context.Context) error {
	for {
		data, err := v.link.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receive: %w", err)
		}
		v.bytes.Add(uint64(len(data)))
		metrics.RecordBytes("rx", len(data))

		now := time.Now()
		c, err := protocol.DecodeChunk(data)
		if err != nil {
			metrics.RecordChunks("invalid", 1)
			v.recvErrs.Printf("Viewer: bad chunk: %v", err)
			continue
		}
		metrics.RecordChunks("received", 1)

		msg, complete, err := v.reasm.Add(c, now)
		if err != nil {
			if errors.Is(err, protocol.ErrReassemblerClosed) {
				return nil
			}
			v.recvErrs.Printf("Viewer: reassembly: %v", err)
			continue
		}
		if !complete {
			continue
		}
		v.recvErrs.reset()

		switch msg.Kind {
		case protocol.KindUpdate:
			v.handleUpdate(ctx, msg, now)
		case protocol.KindKeepAlive:
			v.handleKeepAlive(msg, now)
		case protocol.KindControl:
			if err := v.handleControl(ctx, msg, now); err != nil {
				return err
			}
		}
	}
}

func (v *Viewer) handleControl(ctx context.Context, msg protocol.Message, now time.Time) error {
	cm, err := protocol.DecodeControl(msg.Body)
	if err != nil {
		v.recvErrs.Printf("Viewer: bad control message: %v", err)
		return nil
	}
	sess := v.session()

	switch m := cm.(type) {
	case protocol.Open:
		if v.packager != nil {
			// Our Opened was lost; repeat it.
			v.sendControl(ctx, protocol.Opened{SessionID: sess.ID})
			return nil
		}
		pc, err := codec.CodecByName(m.Codec)
		var comp codec.Compressor
		if err == nil {
			comp, err = codec.CompressorByName(m.Compressor)
		}
		if err != nil {
			v.sendControl(ctx, protocol.Error{Code: protocol.ErrorCodeUnsupported, Message: err.Error()})
			sess.Terminate("unsupported codec")
			return fmt.Errorf("open: %w", err)
		}
		v.packager = codec.NewPackager(pc, comp)

		sess.SetGeometry(m.Width, m.Height)
		sess.SetTier(m.Tier)
		sess.Touch(now)
		if err := sess.Transition(session.Active); err != nil {
			return err
		}
		v.sendControl(ctx, protocol.Opened{SessionID: sess.ID})
		log.Printf("Session %s: opened %dx%d over %s (codec %s, compressor %s)",
			sess.ID, m.Width, m.Height, v.link.Name(), m.Codec, m.Compressor)

		v.mu.Lock()
		capTier, maxTier := v.capTier, v.maxTier
		v.mu.Unlock()
		if capTier {
			v.sendControl(ctx, protocol.Quality{MaxTier: maxTier})
		}

	case protocol.Close:
		log.Printf("Session %s: sharer closed: %s", sess.ID, m.Reason)
		sess.Terminate(m.Reason)
		return ErrRemoteClosed

	default:
		v.recvErrs.Printf("Viewer: ignoring %T from sharer", cm)
	}
	return nil
}

func (v *Viewer) handleUpdate(ctx context.Context, msg protocol.Message, now time.Time) {
	sess := v.session()
	if v.packager == nil {
		v.recvErrs.Printf("Viewer: update before open")
		return
	}
	sess.Touch(now)
	if sess.State() == session.Idle {
		sess.Transition(session.Active)
	}

	u, regionErrs, err := v.packager.Unpack(msg.Body)
	if err != nil {
		metrics.RecordUpdate("viewer", "rejected")
		v.applyErrs.Printf("Viewer: %v", err)
		v.requestKeyframe(ctx, "malformed", now)
		return
	}
	v.setEcho(u.Captured, now)

	if v.recon.HasFrame() {
		last := v.recon.LastSeq()
		if u.Seq <= last {
			v.stale.Add(1)
			metrics.RecordUpdate("viewer", "stale")
			return
		}
		if gap := u.Seq - last - 1; gap > 0 {
			v.gaps.Add(gap)
			if !u.FullFrame {
				v.requestKeyframe(ctx, "gap", now)
			}
		}
	}

	applied, err := v.recon.Apply(u)
	switch {
	case errors.Is(err, reconstruct.ErrNoBaseline):
		metrics.RecordUpdate("viewer", "rejected")
		v.requestKeyframe(ctx, "baseline", now)
		return
	case err != nil:
		metrics.RecordUpdate("viewer", "rejected")
		v.applyErrs.Printf("Viewer: update %d: %v", u.Seq, err)
		v.requestKeyframe(ctx, "bounds", now)
		return
	}

	if applied {
		v.applied.Add(1)
		metrics.RecordUpdate("viewer", "applied")
		sess.Ack(u.Seq)
		if u.FullFrame {
			sess.SetGeometry(u.Width, u.Height)
			v.lastKeyReq = time.Time{}
		}
		v.applyErrs.reset()
	}
	if len(regionErrs) > 0 {
		v.regionErrs.Add(uint64(len(regionErrs)))
		v.applyErrs.Printf("Viewer: update %d: %d region(s) failed, first: %v", u.Seq, len(regionErrs), regionErrs[0])
		v.requestKeyframe(ctx, "decode", now)
	}
}

func (v *Viewer) handleKeepAlive(msg protocol.Message, now time.Time) {
	k, err := protocol.DecodeKeepAlive(msg.Body)
	if err != nil {
		v.recvErrs.Printf("Viewer: %v", err)
		return
	}
	sess := v.session()
	if k.SessionID != sess.ID {
		v.recvErrs.Printf("Viewer: keep-alive for unknown session %s", k.SessionID)
		return
	}
	sess.Touch(now)
	v.keepAlives.Add(1)
	v.setEcho(k.Timestamp, now)
	if sess.State() == session.Active {
		sess.Transition(session.Idle)
	}
}

// requestKeyframe asks the sharer for a full frame, at most once per
// keyframeRetry until one arrives.
func (v *Viewer) requestKeyframe(ctx context.Context, reason string, now time.Time) {
	if !v.lastKeyReq.IsZero() && now.Sub(v.lastKeyReq) < keyframeRetry {
		return
	}
	v.lastKeyReq = now
	v.keyReqs.Add(1)
	v.sendControl(ctx, protocol.KeyframeRequest{LastSeq: v.recon.LastSeq(), Reason: reason})
}

func (v *Viewer) setEcho(ts, now time.Time) {
	if ts.IsZero() {
		return
	}
	v.mu.Lock()
	v.echo, v.echoAt = ts, now
	v.mu.Unlock()
}

// sweepLoop expires partial messages and enforces the open and session
// timeouts.
func (v *Viewer) sweepLoop(ctx context.Context) error {
	interval := max(min(v.opts.ReassemblyTimeout/2, 250*time.Millisecond), 10*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sess := v.session()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if n := v.reasm.Expire(now); n > 0 {
				metrics.RecordChunks("expired", n)
			}
			switch sess.State() {
			case session.Connecting:
				if now.Sub(sess.Created) > v.opts.ConnectTimeout {
					sess.Terminate("open timeout")
					return ErrOpenTimeout
				}
			case session.Active, session.Idle:
				if sess.TimedOut(now, v.opts.SessionTimeout) {
					sess.Terminate("timeout")
					return ErrSessionTimeout
				}
			}
		}
	}
}

// feedbackLoop reports progress to the sharer on a fixed cadence.
func (v *Viewer) feedbackLoop(ctx context.Context) error {
	ticker := time.NewTicker(v.opts.FeedbackInterval)
	defer ticker.Stop()

	sess := v.session()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			switch sess.State() {
			case session.Active, session.Idle:
			default:
				continue
			}

			rs := v.reasm.Stats()
			fb := protocol.Feedback{
				LastSeq:   v.recon.LastSeq(),
				Completed: uint32(v.applied.Load()),
				Expired:   uint32(rs.Expired + rs.Evicted),
				Gaps:      uint32(v.gaps.Load()),
				Bytes:     v.bytes.Load(),
			}
			v.mu.Lock()
			if !v.echo.IsZero() {
				fb.Echo = v.echo
				fb.Hold = now.Sub(v.echoAt)
			}
			capTier, maxTier := v.capTier, v.maxTier
			v.mu.Unlock()

			if err := v.sendControl(ctx, fb); errors.Is(err, transport.ErrClosed) {
				return fmt.Errorf("feedback: %w", err)
			}
			// Repeat the cap so a lost Quality message does not stick.
			if capTier {
				if err := v.sendControl(ctx, protocol.Quality{MaxTier: maxTier}); errors.Is(err, transport.ErrClosed) {
					return fmt.Errorf("quality: %w", err)
				}
			}
		}
	}
}

func (v *Viewer) sendControl(ctx context.Context, m protocol.ControlMessage) error {
	chunks, err := v.chunker.Split(protocol.KindControl, 0, v.nextID.Add(1), protocol.EncodeControl(m))
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := v.link.Send(ctx, c); err != nil {
			if ctx.Err() == nil {
				v.sendErrs.Printf("Viewer: send %T: %v", m, err)
			}
			return err
		}
	}
	v.sendErrs.reset()
	return nil
}

// SetMaxTier caps the sharer's quality tier. The cap is sent now if a
// session is open, and again with every feedback report.
func (v *Viewer) SetMaxTier(ctx context.Context, tier int) error {
	v.mu.Lock()
	v.capTier, v.maxTier = true, tier
	sess := v.sess
	v.mu.Unlock()

	if sess == nil {
		return nil
	}
	switch sess.State() {
	case session.Active, session.Idle:
		return v.sendControl(ctx, protocol.Quality{MaxTier: tier})
	}
	return nil
}

// Frame returns the latest reconstructed frame, or nil before the first
// keyframe. It keeps returning the last frame after the session ends.
func (v *Viewer) Frame() *frame.Frame {
	return v.recon.Frame()
}

// Done is closed when Serve returns.
func (v *Viewer) Done() <-chan struct{} {
	return v.done
}

// Session returns the viewer's session, or nil before Serve registered it.
func (v *Viewer) Session() *session.Session {
	return v.session()
}

// Stats returns a snapshot of the viewer's counters.
func (v *Viewer) Stats() ViewerStats {
	st := ViewerStats{
		Link:             v.link.Name(),
		LastSeq:          v.recon.LastSeq(),
		Applied:          v.applied.Load(),
		Stale:            v.stale.Load(),
		Gaps:             v.gaps.Load(),
		KeyframeRequests: v.keyReqs.Load(),
		RegionErrors:     v.regionErrs.Load(),
		KeepAlives:       v.keepAlives.Load(),
		Bytes:            v.bytes.Load(),
		Reassembly:       v.reasm.Stats(),
	}
	if sess := v.session(); sess != nil {
		st.Session = sess.Snapshot()
	}
	return st
}
