// Package compress implements the per-record compression algorithms.
//
// Every stored record carries its Type, so records compressed with different
// algorithms can live side by side in one segment.
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type identifies a compression algorithm. The numeric values are persisted.
type Type uint8

const (
	// None stores data as-is.
	None Type = 0
	// LZ4 uses LZ4 block compression (fast, good for hot data).
	LZ4 Type = 1
	// Zstd uses Zstandard (better ratio, good for cold data).
	Zstd Type = 2
	// Snappy uses the Snappy block format via S2.
	Snappy Type = 3
)

// MinSize is the smallest input worth compressing.
const MinSize = 64

var (
	ErrUnknownType  = errors.New("unknown compression type")
	ErrCorruptBlock = errors.New("corrupt compressed block")
)

// String returns the configuration name of the type.
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	case Snappy:
		return "snappy"
	default:
		return fmt.Sprintf("compression(%d)", uint8(t))
	}
}

// ParseType returns the type with the given name.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	case "snappy", "s2":
		return Snappy, nil
	}
	return None, fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// Compressor compresses with one algorithm and level.
// It is safe for concurrent use.
type Compressor struct {
	typ      Type
	level    int
	encoders sync.Pool
}

// New returns a Compressor. level only affects Zstd; 0 selects the default.
func New(t Type, level int) (*Compressor, error) {
	if t > Snappy {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	c := &Compressor{typ: t, level: level}
	c.encoders.New = func() any {
		lvl := zstd.SpeedDefault
		if c.level > 0 {
			lvl = zstd.EncoderLevelFromZstd(c.level)
		}
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(lvl), zstd.WithEncoderConcurrency(1))
		return enc
	}
	return c, nil
}

// Type returns the configured algorithm.
func (c *Compressor) Type() Type { return c.typ }

// Compress returns the encoded form of src and the type actually applied.
// Inputs below MinSize, or that do not shrink by at least 10%, are returned
// unchanged with type None.
//
// Encoded layout: [UncompressedSize uint32][Data...]
func (c *Compressor) Compress(src []byte) ([]byte, Type, error) {
	if c == nil || c.typ == None || len(src) < MinSize {
		return src, None, nil
	}

	out := make([]byte, 4, 4+len(src))
	binary.LittleEndian.PutUint32(out, uint32(len(src)))

	switch c.typ {
	case LZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(src)))
		n, err := lz4.CompressBlock(src, buf, nil)
		if err != nil {
			return nil, None, err
		}
		if n == 0 {
			return src, None, nil
		}
		out = append(out, buf[:n]...)
	case Zstd:
		enc := c.encoders.Get().(*zstd.Encoder)
		out = enc.EncodeAll(src, out)
		c.encoders.Put(enc)
	case Snappy:
		out = append(out, s2.EncodeSnappy(nil, src)...)
	}

	if float64(len(out)) > float64(len(src))*0.9 {
		return src, None, nil
	}
	return out, c.typ, nil
}

var decoderPool = sync.Pool{
	New: func() any {
		dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		return dec
	},
}

// Decompress reverses Compress for data written with type t.
func Decompress(t Type, data []byte) ([]byte, error) {
	if t == None {
		return data, nil
	}
	if len(data) < 4 {
		return nil, ErrCorruptBlock
	}
	size := binary.LittleEndian.Uint32(data)
	body := data[4:]

	switch t {
	case LZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptBlock, err)
		}
		if uint32(n) != size {
			return nil, fmt.Errorf("%w: size mismatch", ErrCorruptBlock)
		}
		return out, nil
	case Zstd:
		dec := decoderPool.Get().(*zstd.Decoder)
		defer decoderPool.Put(dec)
		out, err := dec.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptBlock, err)
		}
		if uint32(len(out)) != size {
			return nil, fmt.Errorf("%w: size mismatch", ErrCorruptBlock)
		}
		return out, nil
	case Snappy:
		out, err := s2.Decode(make([]byte, size), body)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptBlock, err)
		}
		if uint32(len(out)) != size {
			return nil, fmt.Errorf("%w: size mismatch", ErrCorruptBlock)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
}
