// Package wire implements the frame message format: a fixed 256-byte
// self-describing header followed by the (possibly compressed) pixel
// payload. Requests travel the other way as a plain NUL-terminated stream
// name.
//
// All multi-byte integers are little-endian. The layout leaves room to grow;
// bytes past the compressed-size field are reserved and sent as zero.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jaredmales/milkzmq/internal/shmim"
)

// Header field offsets. Fixed; the header is exactly HeaderSize bytes and
// the payload starts immediately after it.
const (
	HeaderSize = 256

	NameSize = 128

	offName     = 0
	offDataType = NameSize               // 128
	offWidth    = offDataType + 1        // 129
	offHeight   = offWidth + 4           // 133
	offCnt0     = offHeight + 4          // 137
	offTvSec    = offCnt0 + 8            // 145
	offTvNsec   = offTvSec + 8           // 153
	offDiff     = offTvNsec + 8          // 161
	offReorder  = offDiff + 2            // 163
	offCompress = offReorder + 2         // 165
	offCompSize = offCompress + 2        // 167
	endOfHeader = offCompSize + 4        // 171, rest is reserved
)

// MaxRequestName bounds the stream name accepted from a request body.
const MaxRequestName = 1023

// ErrInvalidFrame is returned when a received message fails header
// validation. The receive loop logs it and reconnects.
var ErrInvalidFrame = errors.New("wire: invalid frame")

// Header is the decoded form of the fixed frame header.
type Header struct {
	Name     string
	DataType shmim.DataType
	Width    uint32
	Height   uint32
	Cnt0     uint64
	TvSec    uint64
	TvNsec   uint64

	Difference int16
	Reorder    int16
	Compress   int16
	CompSize   uint32
}

// RawSize returns the uncompressed payload length implied by the geometry.
func (h *Header) RawSize() int {
	return int(h.Width) * int(h.Height) * h.DataType.Size()
}

// EncodeHeader writes h into buf[:HeaderSize]. The payload is expected to
// already reside at buf[HeaderSize:]; the encoder writes there directly so
// no copy is needed here.
func EncodeHeader(buf []byte, h *Header) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("wire: header buffer too small: %d", len(buf))
	}
	if len(h.Name) >= NameSize {
		return fmt.Errorf("wire: stream name too long: %q", h.Name)
	}
	for i := 0; i < HeaderSize; i++ {
		buf[i] = 0
	}
	copy(buf[offName:], h.Name)
	buf[offDataType] = byte(h.DataType)
	binary.LittleEndian.PutUint32(buf[offWidth:], h.Width)
	binary.LittleEndian.PutUint32(buf[offHeight:], h.Height)
	binary.LittleEndian.PutUint64(buf[offCnt0:], h.Cnt0)
	binary.LittleEndian.PutUint64(buf[offTvSec:], h.TvSec)
	binary.LittleEndian.PutUint64(buf[offTvNsec:], h.TvNsec)
	binary.LittleEndian.PutUint16(buf[offDiff:], uint16(h.Difference))
	binary.LittleEndian.PutUint16(buf[offReorder:], uint16(h.Reorder))
	binary.LittleEndian.PutUint16(buf[offCompress:], uint16(h.Compress))
	binary.LittleEndian.PutUint32(buf[offCompSize:], h.CompSize)
	return nil
}

// DecodeHeader parses and validates the header of a received message. The
// whole message is passed so the compressed-size field can be checked
// against the actual payload length.
//
// Validation failures all yield an error wrapping ErrInvalidFrame.
func DecodeHeader(msg []byte) (*Header, error) {
	if len(msg) < HeaderSize {
		return nil, fmt.Errorf("%w: short message (%d bytes)", ErrInvalidFrame, len(msg))
	}
	nul := bytes.IndexByte(msg[offName:offName+NameSize], 0)
	if nul < 0 {
		return nil, fmt.Errorf("%w: stream name not NUL-terminated", ErrInvalidFrame)
	}
	h := &Header{
		Name:       string(msg[offName : offName+nul]),
		DataType:   shmim.DataType(msg[offDataType]),
		Width:      binary.LittleEndian.Uint32(msg[offWidth:]),
		Height:     binary.LittleEndian.Uint32(msg[offHeight:]),
		Cnt0:       binary.LittleEndian.Uint64(msg[offCnt0:]),
		TvSec:      binary.LittleEndian.Uint64(msg[offTvSec:]),
		TvNsec:     binary.LittleEndian.Uint64(msg[offTvNsec:]),
		Difference: int16(binary.LittleEndian.Uint16(msg[offDiff:])),
		Reorder:    int16(binary.LittleEndian.Uint16(msg[offReorder:])),
		Compress:   int16(binary.LittleEndian.Uint16(msg[offCompress:])),
		CompSize:   binary.LittleEndian.Uint32(msg[offCompSize:]),
	}
	if !h.DataType.Valid() {
		return nil, fmt.Errorf("%w: unknown datatype code %d", ErrInvalidFrame, msg[offDataType])
	}
	if uint64(h.Width)*uint64(h.Height) > (1<<63)/uint64(h.DataType.Size()) {
		return nil, fmt.Errorf("%w: geometry %dx%d overflows", ErrInvalidFrame, h.Width, h.Height)
	}
	if int64(h.CompSize) > int64(len(msg)-HeaderSize) {
		return nil, fmt.Errorf("%w: compressed size %d exceeds payload %d",
			ErrInvalidFrame, h.CompSize, len(msg)-HeaderSize)
	}
	return h, nil
}

// RequestName interprets a request message body as a stream name: truncated
// to MaxRequestName bytes and cut at the first NUL.
func RequestName(body []byte) string {
	if len(body) > MaxRequestName {
		body = body[:MaxRequestName]
	}
	if i := bytes.IndexByte(body, 0); i >= 0 {
		body = body[:i]
	}
	return string(body)
}
