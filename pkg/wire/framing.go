package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"

	"github.com/Tigro14/meshbot-sub001/pkg/wire/codec"
)

// Stream framing to a radio node: two magic bytes, u16 BE payload length,
// then one CBOR-encoded Frame. The magic bytes let a reader resync after
// noise on a serial line.
const (
	FrameMagic1 = 0x94
	FrameMagic2 = 0xC3
	FrameMax    = 1 << 14
)

var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// EncodeFrame renders one frame including the stream header.
func EncodeFrame(cdc codec.Codec, f Frame) ([]byte, error) {
	body, err := cdc.Marshal(f)
	if err != nil {
		return nil, err
	}
	if len(body) > FrameMax {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, 4+len(body))
	out[0] = FrameMagic1
	out[1] = FrameMagic2
	binary.BigEndian.PutUint16(out[2:4], uint16(len(body)))
	copy(out[4:], body)
	return out, nil
}

// ReadFrameBody scans to the next magic pair and returns the raw frame
// body. Oversized length prefixes are treated as desync and skipped.
func ReadFrameBody(br *bufio.Reader) ([]byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != FrameMagic1 {
			continue
		}
		b, err = br.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != FrameMagic2 {
			continue
		}
		var lenbuf [2]byte
		if _, err := io.ReadFull(br, lenbuf[:]); err != nil {
			return nil, err
		}
		n := int(binary.BigEndian.Uint16(lenbuf[:]))
		if n > FrameMax {
			continue
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}
}

// ReadFrame scans to the next frame and decodes it.
func ReadFrame(br *bufio.Reader, cdc codec.Codec) (Frame, error) {
	raw, err := ReadFrameBody(br)
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := cdc.Unmarshal(raw, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}
