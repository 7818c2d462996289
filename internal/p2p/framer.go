package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/WendelHime/swarm/internal/shared/models"
)

// DefaultMaxFrame fits a 16 KiB block plus headers with room for large
// bitfields.
const DefaultMaxFrame = 1 << 20

// retainedBuffer is the largest buffer kept once every frame is drained.
const retainedBuffer = 64 * 1024

var ErrFrameTooLarge = errors.New("frame exceeds limit")

// Framer reassembles messages from a byte stream. The first message is always
// the fixed-length handshake; everything after it is length-prefixed.
type Framer struct {
	buf []byte
	// off is where the unread bytes of buf start.
	off        int
	maxFrame   int
	handshaken bool
}

func NewFramer(maxFrame int) *Framer {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Framer{maxFrame: maxFrame}
}

// Feed appends bytes read from the stream. Bytes already decoded are dropped
// here, once per read.
func (f *Framer) Feed(data []byte) {
	f.compact()
	f.buf = append(f.buf, data...)
}

func (f *Framer) compact() {
	if f.off == 0 {
		return
	}
	rest := len(f.buf) - f.off
	switch {
	case rest == 0 && cap(f.buf) > retainedBuffer:
		f.buf = nil
	case rest == 0:
		f.buf = f.buf[:0]
	default:
		f.buf = f.buf[:copy(f.buf, f.buf[f.off:])]
	}
	f.off = 0
}

// Buffered is the number of bytes waiting for a complete frame.
func (f *Framer) Buffered() int {
	return len(f.buf) - f.off
}

// Next returns the next complete message. ok is false when more bytes are
// needed. Keep-alives and unknown message ids are consumed silently. Any
// error leaves the stream unusable.
func (f *Framer) Next() (Message, bool, error) {
	if !f.handshaken {
		pending := f.buf[f.off:]
		if len(pending) == 0 {
			return Message{}, false, nil
		}
		if int(pending[0]) != len(protocolLabel) {
			return Message{}, false, ErrBadHandshake
		}
		if len(pending) < HandshakeLen {
			return Message{}, false, nil
		}
		h, err := decodeHandshake(pending[:HandshakeLen])
		if err != nil {
			return Message{}, false, err
		}
		f.consume(HandshakeLen)
		f.handshaken = true
		return Message{ID: models.MessageIDHandshake, Handshake: &h}, true, nil
	}

	for {
		pending := f.buf[f.off:]
		if len(pending) < 4 {
			return Message{}, false, nil
		}
		length := int(binary.BigEndian.Uint32(pending))
		if length > f.maxFrame {
			return Message{}, false, fmt.Errorf("%d bytes: %w", length, ErrFrameTooLarge)
		}
		if len(pending) < 4+length {
			return Message{}, false, nil
		}
		if length == 0 {
			f.consume(4)
			continue
		}

		msg, err := decodeMessage(pending[4 : 4+length])
		f.consume(4 + length)
		if errors.Is(err, errUnknownMessage) {
			continue
		}
		if err != nil {
			return Message{}, false, err
		}
		return msg, true, nil
	}
}

func (f *Framer) consume(n int) {
	f.off += n
}
