package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression levels run from 0 (store) to 9 (smallest output).
const (
	MinLevel     = 0
	MaxLevel     = 9
	DefaultLevel = 3
)

// method tags the first byte of every compressed payload so that stored and
// compressed payloads can be told apart on the wire.
type method byte

const (
	methodStored method = 0
	methodZstd   method = 1
	methodLZ4    method = 2
)

// ErrCorrupt is returned when a compressed payload cannot be decoded.
var ErrCorrupt = errors.New("corrupt compressed payload")

// Compressor is a general-purpose byte compressor applied to each region's
// encoded pixels independently.
type Compressor interface {
	Name() string
	Compress(src []byte, level int) ([]byte, error)
	Decompress(src []byte, maxSize int) ([]byte, error)
}

// CompressorByName returns the compressor for a config/flag value.
func CompressorByName(name string) (Compressor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "zstd":
		return NewZstd(), nil
	case "lz4":
		return LZ4{}, nil
	case "none", "store":
		return Stored{}, nil
	default:
		return nil, fmt.Errorf("unknown compressor %q", name)
	}
}

func clampLevel(level int) int {
	return max(MinLevel, min(MaxLevel, level))
}

// envelope prepends the method tag, the raw length and a CRC-32 of the raw
// bytes. The checksum catches corruption that a decoder would otherwise
// turn into wrong pixels.
func envelope(m method, raw, body []byte) []byte {
	out := make([]byte, 0, 1+binary.MaxVarintLen32+4+len(body))
	out = append(out, byte(m))
	out = binary.AppendUvarint(out, uint64(len(raw)))
	out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(raw))
	return append(out, body...)
}

type sealed struct {
	method method
	rawLen int
	sum    uint32
	body   []byte
}

func openEnvelope(src []byte, maxSize int) (sealed, error) {
	if len(src) < 2 {
		return sealed{}, fmt.Errorf("%w: %d bytes", ErrCorrupt, len(src))
	}
	rawLen, n := binary.Uvarint(src[1:])
	if n <= 0 {
		return sealed{}, fmt.Errorf("%w: bad length prefix", ErrCorrupt)
	}
	if rawLen > uint64(maxSize) {
		return sealed{}, fmt.Errorf("%w: declares %d bytes, limit %d", ErrCorrupt, rawLen, maxSize)
	}
	rest := src[1+n:]
	if len(rest) < 4 {
		return sealed{}, fmt.Errorf("%w: missing checksum", ErrCorrupt)
	}
	return sealed{
		method: method(src[0]),
		rawLen: int(rawLen),
		sum:    binary.BigEndian.Uint32(rest),
		body:   rest[4:],
	}, nil
}

// decompressAny decodes a payload written by any of the compressors, so a
// viewer can read whatever the sharer picked.
func decompressAny(src []byte, maxSize int) ([]byte, error) {
	env, err := openEnvelope(src, maxSize)
	if err != nil {
		return nil, err
	}
	var out []byte
	switch env.method {
	case methodStored:
		out = append([]byte(nil), env.body...)
	case methodZstd:
		out, err = zstdDecoder().DecodeAll(env.body, make([]byte, 0, env.rawLen))
	case methodLZ4:
		out = make([]byte, env.rawLen)
		var n int
		n, err = lz4.UncompressBlock(env.body, out)
		out = out[:max(n, 0)]
	default:
		return nil, fmt.Errorf("%w: unknown method %d", ErrCorrupt, env.method)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if len(out) != env.rawLen {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrCorrupt, len(out), env.rawLen)
	}
	if crc32.ChecksumIEEE(out) != env.sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return out, nil
}

// Stored never compresses; useful on LAN links where CPU matters more than bytes.
type Stored struct{}

func (Stored) Name() string { return "none" }

func (Stored) Compress(src []byte, _ int) ([]byte, error) {
	return envelope(methodStored, src, src), nil
}

func (Stored) Decompress(src []byte, maxSize int) ([]byte, error) {
	return decompressAny(src, maxSize)
}

// Zstd compresses with klauspost/compress. Encoders are cached per level
// and shared; EncodeAll is safe for concurrent use.
type Zstd struct {
	mu       sync.Mutex
	encoders map[zstd.EncoderLevel]*zstd.Encoder
}

// NewZstd creates a zstd compressor.
func NewZstd() *Zstd {
	return &Zstd{encoders: make(map[zstd.EncoderLevel]*zstd.Encoder)}
}

func (z *Zstd) Name() string { return "zstd" }

func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 2:
		return zstd.SpeedFastest
	case level <= 5:
		return zstd.SpeedDefault
	case level <= 7:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func (z *Zstd) encoder(level zstd.EncoderLevel) (*zstd.Encoder, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if enc, ok := z.encoders[level]; ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	z.encoders[level] = enc
	return enc, nil
}

func (z *Zstd) Compress(src []byte, level int) ([]byte, error) {
	level = clampLevel(level)
	if level == 0 {
		return envelope(methodStored, src, src), nil
	}
	enc, err := z.encoder(zstdLevel(level))
	if err != nil {
		return nil, err
	}
	return envelope(methodZstd, src, enc.EncodeAll(src, nil)), nil
}

func (z *Zstd) Decompress(src []byte, maxSize int) ([]byte, error) {
	return decompressAny(src, maxSize)
}

var (
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

func zstdDecoder() *zstd.Decoder {
	decoderOnce.Do(func() {
		// NewReader(nil) only fails on invalid options.
		decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return decoder
}

// LZ4 compresses with pierrec/lz4 block mode: level 1 is the fast
// compressor, 2-9 select the HC depth.
type LZ4 struct{}

func (LZ4) Name() string { return "lz4" }

var lz4Levels = [...]lz4.CompressionLevel{
	lz4.Fast, lz4.Fast, lz4.Level2, lz4.Level3, lz4.Level4,
	lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

func (LZ4) Compress(src []byte, level int) ([]byte, error) {
	level = clampLevel(level)
	if level == 0 || len(src) == 0 {
		return envelope(methodStored, src, src), nil
	}

	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	var (
		n   int
		err error
	)
	if lz4Levels[level] == lz4.Fast {
		var c lz4.Compressor
		n, err = c.CompressBlock(src, dst)
	} else {
		c := lz4.CompressorHC{Level: lz4Levels[level]}
		n, err = c.CompressBlock(src, dst)
	}
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(src) {
		// Incompressible
		return envelope(methodStored, src, src), nil
	}
	return envelope(methodLZ4, src, dst[:n]), nil
}

func (LZ4) Decompress(src []byte, maxSize int) ([]byte, error) {
	return decompressAny(src, maxSize)
}
