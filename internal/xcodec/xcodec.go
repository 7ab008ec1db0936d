// Package xcodec is the in-band compression adapter. A frame payload is
// transformed by up to three stages, each named by a method code carried in
// the frame header so the receiver can invert them:
//
//	difference: pixel differencing (value minus previous value)
//	reorder:    zigzag byte-plane split, so small signed differences
//	            concentrate their entropy in one plane
//	compress:   LZ4 block compression
//
// The difference and reorder stages are defined for 16-bit pixel data only;
// SetGeometry downgrades them to none for any other datatype, the way the
// server has always served non-16-bit streams uncompressed. When every
// stage is none, Encode is a plain copy and the compressed size equals the
// raw size.
//
// A Codec is single-threaded: one instance per serve loop and one per
// receive loop.
package xcodec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"

	"github.com/jaredmales/milkzmq/internal/shmim"
)

// Method codes carried in the frame header. Part of the wire contract.
const (
	DifferenceNone  int16 = 0
	DifferencePixel int16 = 1

	ReorderNone             int16 = 0
	ReorderBytepackRenibble int16 = 2

	CompressNone int16 = 0
	CompressLZ4  int16 = 1
)

var (
	// ErrUnsupportedMethod is returned when a header carries a method code
	// this codec does not implement. The receive loop treats it as an
	// invalid frame and reconnects.
	ErrUnsupportedMethod = errors.New("xcodec: unsupported method")

	// ErrBadPayload is returned when a payload does not decode to the
	// expected raw size.
	ErrBadPayload = errors.New("xcodec: corrupt payload")
)

// Methods is a (difference, reorder, compress) triple.
type Methods struct {
	Difference int16
	Reorder    int16
	Compress   int16
}

// None reports whether every stage is disabled.
func (m Methods) None() bool {
	return m.Difference == DifferenceNone && m.Reorder == ReorderNone && m.Compress == CompressNone
}

// DefaultCompression is the compression enabled by the server's -x flag.
func DefaultCompression() Methods {
	return Methods{
		Difference: DifferencePixel,
		Reorder:    ReorderBytepackRenibble,
		Compress:   CompressLZ4,
	}
}

// NoCompression disables every stage.
func NoCompression() Methods {
	return Methods{}
}

// Codec holds the configured methods and the scratch buffers sized for the
// current geometry.
type Codec struct {
	want Methods // configured methods
	eff  Methods // effective methods after the 16-bit guard

	dtype   shmim.DataType
	rawSize int

	work [2][]byte // difference / reorder stages
	zbuf []byte    // LZ4 output before the final copy into dst
}

// New returns a codec with no methods configured.
func New() *Codec {
	return &Codec{}
}

// Configure sets the methods for subsequent encodes. Unknown codes are
// rejected here rather than at encode time.
func (c *Codec) Configure(m Methods) error {
	if err := checkMethods(m); err != nil {
		return err
	}
	c.want = m
	c.applyGuard()
	return nil
}

func checkMethods(m Methods) error {
	switch m.Difference {
	case DifferenceNone, DifferencePixel:
	default:
		return fmt.Errorf("%w: difference %d", ErrUnsupportedMethod, m.Difference)
	}
	switch m.Reorder {
	case ReorderNone, ReorderBytepackRenibble:
	default:
		return fmt.Errorf("%w: reorder %d", ErrUnsupportedMethod, m.Reorder)
	}
	switch m.Compress {
	case CompressNone, CompressLZ4:
	default:
		return fmt.Errorf("%w: compress %d", ErrUnsupportedMethod, m.Compress)
	}
	return nil
}

// SetGeometry sizes the scratch buffers for the worst case and applies the
// 16-bit compressibility guard. It returns the effective methods that
// Encode will use for this geometry.
func (c *Codec) SetGeometry(dt shmim.DataType, width, height uint32) Methods {
	c.dtype = dt
	c.rawSize = int(width) * int(height) * dt.Size()
	c.applyGuard()

	if c.eff.Difference != DifferenceNone || c.eff.Reorder != ReorderNone {
		for i := range c.work {
			if cap(c.work[i]) < c.rawSize {
				c.work[i] = make([]byte, c.rawSize)
			}
			c.work[i] = c.work[i][:c.rawSize]
		}
	}
	if c.eff.Compress == CompressLZ4 {
		bound := lz4.CompressBlockBound(c.rawSize)
		if cap(c.zbuf) < bound {
			c.zbuf = make([]byte, bound)
		}
		c.zbuf = c.zbuf[:bound]
	}
	return c.eff
}

func (c *Codec) applyGuard() {
	c.eff = c.want
	if c.dtype != shmim.Int16 && c.dtype != shmim.UInt16 {
		c.eff = Methods{}
	}
}

// Effective returns the methods Encode will use for the current geometry.
func (c *Codec) Effective() Methods { return c.eff }

// MinRawSize returns the payload buffer length a caller must provide to
// Encode and Decode for the current geometry.
func (c *Codec) MinRawSize() int { return c.rawSize }

// Encode transforms src (rawSize pixel bytes) into dst and returns the
// payload size and the methods actually applied. src and dst may alias:
// the serve loop encodes in place inside its message buffer.
//
// LZ4 output that would not shrink the payload is discarded and the stage
// reports CompressNone, so the payload never expands past rawSize.
func (c *Codec) Encode(src, dst []byte) (int, Methods, error) {
	if c.rawSize == 0 {
		// Zero-area geometry: nothing to transform or send.
		return 0, Methods{}, nil
	}
	if len(src) != c.rawSize || len(dst) < c.rawSize {
		return 0, Methods{}, fmt.Errorf("xcodec: encode buffer sizes %d/%d, raw %d",
			len(src), len(dst), c.rawSize)
	}
	m := c.eff
	stage := src
	if m.Difference == DifferencePixel {
		diffPixel16(stage, c.work[0])
		stage = c.work[0]
	}
	if m.Reorder == ReorderBytepackRenibble {
		reorderSplit16(stage, c.work[1])
		stage = c.work[1]
	}
	if m.Compress == CompressLZ4 {
		n, err := lz4.CompressBlock(stage, c.zbuf, nil)
		if err == nil && n > 0 && n < c.rawSize {
			copy(dst, c.zbuf[:n])
			return n, m, nil
		}
		// Incompressible; fall through and send the reordered bytes raw.
		m.Compress = CompressNone
	}
	if &dst[0] != &stage[0] {
		copy(dst, stage)
	}
	return c.rawSize, m, nil
}

// Decode inverts the stages named by m, writing rawSize pixel bytes into
// dst. src holds compSize payload bytes as received.
func (c *Codec) Decode(m Methods, src []byte, dst []byte) error {
	if err := checkMethods(m); err != nil {
		return err
	}
	if c.rawSize == 0 {
		return nil
	}
	if len(dst) < c.rawSize {
		return fmt.Errorf("xcodec: decode buffer %d, raw %d", len(dst), c.rawSize)
	}
	stage := src
	if m.Compress == CompressLZ4 {
		if cap(c.zbuf) < c.rawSize {
			c.zbuf = make([]byte, c.rawSize)
		}
		n, err := lz4.UncompressBlock(src, c.zbuf[:c.rawSize])
		if err != nil {
			return fmt.Errorf("%w: lz4: %v", ErrBadPayload, err)
		}
		if n != c.rawSize {
			return fmt.Errorf("%w: lz4 expanded to %d, want %d", ErrBadPayload, n, c.rawSize)
		}
		stage = c.zbuf[:c.rawSize]
	} else if len(stage) != c.rawSize {
		return fmt.Errorf("%w: payload %d, want %d", ErrBadPayload, len(stage), c.rawSize)
	}
	if m.Reorder == ReorderBytepackRenibble {
		if cap(c.work[1]) < c.rawSize {
			c.work[1] = make([]byte, c.rawSize)
		}
		unreorderSplit16(stage, c.work[1][:c.rawSize])
		stage = c.work[1][:c.rawSize]
	}
	if m.Difference == DifferencePixel {
		undiffPixel16(stage, dst[:c.rawSize])
		return nil
	}
	if &dst[0] != &stage[0] {
		copy(dst, stage)
	}
	return nil
}

// diffPixel16 stores the first 16-bit value verbatim and each subsequent
// value as the wrapping difference from its predecessor.
func diffPixel16(src, dst []byte) {
	n := len(src) / 2
	var prev uint16
	for i := 0; i < n; i++ {
		v := binary.LittleEndian.Uint16(src[2*i:])
		binary.LittleEndian.PutUint16(dst[2*i:], v-prev)
		prev = v
	}
}

func undiffPixel16(src, dst []byte) {
	n := len(src) / 2
	var acc uint16
	for i := 0; i < n; i++ {
		acc += binary.LittleEndian.Uint16(src[2*i:])
		binary.LittleEndian.PutUint16(dst[2*i:], acc)
	}
}

// reorderSplit16 zigzag-maps each 16-bit value (so small signed differences
// become small unsigned ones) and splits the result into a low-byte plane
// followed by a high-byte plane. After pixel differencing the high plane is
// almost entirely zero, which is what LZ4 eats best.
func reorderSplit16(src, dst []byte) {
	n := len(src) / 2
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(src[2*i:]))
		z := uint16(v<<1) ^ uint16(v>>15)
		dst[i] = byte(z)
		dst[n+i] = byte(z >> 8)
	}
}

func unreorderSplit16(src, dst []byte) {
	n := len(src) / 2
	for i := 0; i < n; i++ {
		z := uint16(src[i]) | uint16(src[n+i])<<8
		v := int16(z>>1) ^ -int16(z&1)
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(v))
	}
}
