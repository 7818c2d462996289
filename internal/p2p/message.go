package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/WendelHime/swarm/internal/shared/models"
)

var ErrMalformedMessage = errors.New("malformed message")

// Message is one decoded protocol message. Only the fields relevant to ID are
// set: Index for have, Index/Begin/Length for request and cancel, Index/Begin/
// Block for piece, Bitfield for bitfield and Handshake for the opening frame.
type Message struct {
	ID        models.MessageID
	Index     int
	Begin     int
	Length    int
	Bitfield  []byte
	Block     []byte
	Handshake *Handshake
}

func (m Message) String() string {
	switch m.ID {
	case models.MessageIDHave:
		return fmt.Sprintf("have(%d)", m.Index)
	case models.MessageIDRequest, models.MessageIDCancel:
		return fmt.Sprintf("%s(%d,%d,%d)", m.ID, m.Index, m.Begin, m.Length)
	case models.MessageIDPiece:
		return fmt.Sprintf("piece(%d,%d,%d bytes)", m.Index, m.Begin, len(m.Block))
	default:
		return m.ID.String()
	}
}

func Choke() Message         { return Message{ID: models.MessageIDChoke} }
func Unchoke() Message       { return Message{ID: models.MessageIDUnchoke} }
func Interested() Message    { return Message{ID: models.MessageIDInterested} }
func NotInterested() Message { return Message{ID: models.MessageIDNotInterested} }

func Have(index int) Message {
	return Message{ID: models.MessageIDHave, Index: index}
}

func Bitfield(bits []byte) Message {
	return Message{ID: models.MessageIDBitfield, Bitfield: bits}
}

func Request(index, begin, length int) Message {
	return Message{ID: models.MessageIDRequest, Index: index, Begin: begin, Length: length}
}

func Piece(index, begin int, block []byte) Message {
	return Message{ID: models.MessageIDPiece, Index: index, Begin: begin, Block: block}
}

func Cancel(index, begin, length int) Message {
	return Message{ID: models.MessageIDCancel, Index: index, Begin: begin, Length: length}
}

// KeepAlive is the zero-length frame.
func KeepAlive() []byte {
	return make([]byte, 4)
}

// Bytes encodes the message as length prefix, type byte and payload. A
// handshake message encodes to the 68-byte handshake.
func (m Message) Bytes() []byte {
	if m.ID == models.MessageIDHandshake {
		if m.Handshake == nil {
			return nil
		}
		return m.Handshake.Bytes()
	}

	var payload []byte
	switch m.ID {
	case models.MessageIDHave:
		payload = binary.BigEndian.AppendUint32(nil, uint32(m.Index))
	case models.MessageIDBitfield:
		payload = m.Bitfield
	case models.MessageIDRequest, models.MessageIDCancel:
		payload = make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:], uint32(m.Index))
		binary.BigEndian.PutUint32(payload[4:], uint32(m.Begin))
		binary.BigEndian.PutUint32(payload[8:], uint32(m.Length))
	case models.MessageIDPiece:
		payload = make([]byte, 8, 8+len(m.Block))
		binary.BigEndian.PutUint32(payload[0:], uint32(m.Index))
		binary.BigEndian.PutUint32(payload[4:], uint32(m.Begin))
		payload = append(payload, m.Block...)
	}

	buf := make([]byte, 5, 5+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(payload)))
	buf[4] = byte(m.ID)
	return append(buf, payload...)
}

// decodeMessage parses the type byte and payload of a non-empty frame. The
// returned message does not alias body.
func decodeMessage(body []byte) (Message, error) {
	id := models.MessageID(body[0])
	payload := body[1:]
	msg := Message{ID: id}

	switch id {
	case models.MessageIDChoke, models.MessageIDUnchoke,
		models.MessageIDInterested, models.MessageIDNotInterested:
		if len(payload) != 0 {
			return Message{}, fmt.Errorf("%s with %d byte payload: %w", id, len(payload), ErrMalformedMessage)
		}
	case models.MessageIDHave:
		if len(payload) != 4 {
			return Message{}, fmt.Errorf("have with %d byte payload: %w", len(payload), ErrMalformedMessage)
		}
		msg.Index = int(binary.BigEndian.Uint32(payload))
	case models.MessageIDBitfield:
		msg.Bitfield = append([]byte(nil), payload...)
	case models.MessageIDRequest, models.MessageIDCancel:
		if len(payload) != 12 {
			return Message{}, fmt.Errorf("%s with %d byte payload: %w", id, len(payload), ErrMalformedMessage)
		}
		msg.Index = int(binary.BigEndian.Uint32(payload[0:]))
		msg.Begin = int(binary.BigEndian.Uint32(payload[4:]))
		msg.Length = int(binary.BigEndian.Uint32(payload[8:]))
	case models.MessageIDPiece:
		if len(payload) < 8 {
			return Message{}, fmt.Errorf("piece with %d byte payload: %w", len(payload), ErrMalformedMessage)
		}
		msg.Index = int(binary.BigEndian.Uint32(payload[0:]))
		msg.Begin = int(binary.BigEndian.Uint32(payload[4:]))
		msg.Block = append([]byte(nil), payload[8:]...)
	default:
		return Message{}, errUnknownMessage
	}
	return msg, nil
}

var errUnknownMessage = errors.New("unknown message id")
