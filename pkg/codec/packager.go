package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomaslejdung/peepcast/pkg/frame"
)

const (
	updateHeaderLen = 8 + 8 + 2 + 2 + 1 + 1 + 2
	regionHeaderLen = 2 + 2 + 2 + 2 + 4

	flagFullFrame byte = 0x01

	maxDimension = 1<<16 - 1
)

// ErrMalformed is returned when an update payload cannot be parsed at all.
var ErrMalformed = errors.New("malformed update payload")

// Update is one frame's worth of changes: the UpdateMessage of the wire
// protocol before chunking.
type Update struct {
	Seq       uint64
	Captured  time.Time
	Width     int
	Height    int
	Format    frame.PixelFormat
	FullFrame bool
	Regions   []frame.DirtyRegion
}

// Bounds returns the frame rectangle the regions live in.
func (u *Update) Bounds() frame.Rect { return frame.Rect{W: u.Width, H: u.Height} }

// RegionError reports one region that could not be decoded. The rest of the
// update is still usable; the receiver should ask for a keyframe.
type RegionError struct {
	Index int
	Rect  frame.Rect
	Err   error
}

func (e RegionError) Error() string {
	return fmt.Sprintf("region %d (%s): %v", e.Index, e.Rect, e.Err)
}

func (e RegionError) Unwrap() error { return e.Err }

// Packager serializes updates. It is safe for concurrent use.
type Packager struct {
	codec      PixelCodec
	compressor Compressor
	workers    int
}

// NewPackager creates a packager for the negotiated codec pair.
func NewPackager(codec PixelCodec, compressor Compressor) *Packager {
	return &Packager{
		codec:      codec,
		compressor: compressor,
		workers:    runtime.GOMAXPROCS(0),
	}
}

// Codec returns the pixel codec in use.
func (p *Packager) Codec() PixelCodec { return p.codec }

// Compressor returns the byte compressor in use.
func (p *Packager) Compressor() Compressor { return p.compressor }

// Pack encodes and compresses every region at the given level and lays out
//
//	seq u64 | captured unix-nano i64 | width u16 | height u16 | format u8 |
//	flags u8 | region count u16 | { x u16 | y u16 | w u16 | h u16 | len u32 | payload }*
func (p *Packager) Pack(u *Update, level int) ([]byte, error) {
	if u.Width <= 0 || u.Height <= 0 || u.Width > maxDimension || u.Height > maxDimension {
		return nil, fmt.Errorf("%w: dimensions %dx%d", ErrMalformed, u.Width, u.Height)
	}
	if !u.Format.Valid() {
		return nil, fmt.Errorf("%w: pixel format %d", ErrMalformed, u.Format)
	}
	if len(u.Regions) > maxDimension {
		return nil, fmt.Errorf("%w: %d regions", ErrMalformed, len(u.Regions))
	}

	for _, r := range u.Regions {
		if r.Empty() || !u.Bounds().Contains(r.Rect) {
			return nil, fmt.Errorf("%w: region %s outside %dx%d", ErrMalformed, r.Rect, u.Width, u.Height)
		}
	}

	payloads := make([][]byte, len(u.Regions))
	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, r := range u.Regions {
		g.Go(func() error {
			enc, err := p.codec.Encode(u.Format, r)
			if err != nil {
				return err
			}
			payloads[i], err = p.compressor.Compress(enc, level)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	size := updateHeaderLen
	for _, pl := range payloads {
		size += regionHeaderLen + len(pl)
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint64(buf, u.Seq)
	var captured int64
	if !u.Captured.IsZero() {
		captured = u.Captured.UnixNano()
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(captured))
	buf = binary.BigEndian.AppendUint16(buf, uint16(u.Width))
	buf = binary.BigEndian.AppendUint16(buf, uint16(u.Height))
	buf = append(buf, byte(u.Format))
	var flags byte
	if u.FullFrame {
		flags |= flagFullFrame
	}
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(u.Regions)))
	for i, r := range u.Regions {
		buf = binary.BigEndian.AppendUint16(buf, uint16(r.X))
		buf = binary.BigEndian.AppendUint16(buf, uint16(r.Y))
		buf = binary.BigEndian.AppendUint16(buf, uint16(r.W))
		buf = binary.BigEndian.AppendUint16(buf, uint16(r.H))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(payloads[i])))
		buf = append(buf, payloads[i]...)
	}
	return buf, nil
}

// Unpack parses a payload produced by Pack. A structurally broken payload
// returns ErrMalformed. Regions that fail to decompress or decode are left
// out of the update and reported individually.
func (p *Packager) Unpack(data []byte) (*Update, []RegionError, error) {
	if len(data) < updateHeaderLen {
		return nil, nil, fmt.Errorf("%w: %d byte header", ErrMalformed, len(data))
	}
	u := &Update{
		Seq:    binary.BigEndian.Uint64(data[0:8]),
		Width:  int(binary.BigEndian.Uint16(data[16:18])),
		Height: int(binary.BigEndian.Uint16(data[18:20])),
		Format: frame.PixelFormat(data[20]),
	}
	if ns := int64(binary.BigEndian.Uint64(data[8:16])); ns != 0 {
		u.Captured = time.Unix(0, ns)
	}
	flags := data[21]
	if flags&^flagFullFrame != 0 {
		return nil, nil, fmt.Errorf("%w: unknown flags %#x", ErrMalformed, flags)
	}
	u.FullFrame = flags&flagFullFrame != 0
	if u.Width == 0 || u.Height == 0 || !u.Format.Valid() {
		return nil, nil, fmt.Errorf("%w: geometry %dx%d %s", ErrMalformed, u.Width, u.Height, u.Format)
	}
	count := int(binary.BigEndian.Uint16(data[22:24]))
	rest := data[updateHeaderLen:]

	var regionErrs []RegionError
	u.Regions = make([]frame.DirtyRegion, 0, count)
	for i := 0; i < count; i++ {
		if len(rest) < regionHeaderLen {
			return nil, nil, fmt.Errorf("%w: truncated region %d header", ErrMalformed, i)
		}
		rect := frame.Rect{
			X: int(binary.BigEndian.Uint16(rest[0:2])),
			Y: int(binary.BigEndian.Uint16(rest[2:4])),
			W: int(binary.BigEndian.Uint16(rest[4:6])),
			H: int(binary.BigEndian.Uint16(rest[6:8])),
		}
		n := int(binary.BigEndian.Uint32(rest[8:12]))
		rest = rest[regionHeaderLen:]
		if n > len(rest) {
			return nil, nil, fmt.Errorf("%w: region %d payload %d exceeds %d remaining", ErrMalformed, i, n, len(rest))
		}
		payload := rest[:n]
		rest = rest[n:]

		pix, err := p.decodeRegion(u, rect, payload)
		if err != nil {
			regionErrs = append(regionErrs, RegionError{Index: i, Rect: rect, Err: err})
			continue
		}
		u.Regions = append(u.Regions, frame.DirtyRegion{Rect: rect, Pix: pix})
	}
	if len(rest) != 0 {
		return nil, nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
	}
	return u, regionErrs, nil
}

func (p *Packager) decodeRegion(u *Update, rect frame.Rect, payload []byte) ([]byte, error) {
	if rect.Empty() || !u.Bounds().Contains(rect) {
		return nil, fmt.Errorf("%w: region outside %dx%d", ErrCodec, u.Width, u.Height)
	}
	raw, err := p.compressor.Decompress(payload, regionSize(u.Format, rect)*2+64)
	if err != nil {
		return nil, err
	}
	return p.codec.Decode(u.Format, rect, raw)
}
