package p2p

import (
	"bytes"
	"errors"

	"github.com/WendelHime/swarm/internal/shared/models"
)

const (
	protocolLabel = "BitTorrent protocol"
	// HandshakeLen is 1 + 19 + 8 + 20 + 20.
	HandshakeLen = 68
)

var ErrBadHandshake = errors.New("invalid handshake")

type Handshake struct {
	InfoHash models.Hash
	PeerID   models.Hash
}

func (h Handshake) Bytes() []byte {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(protocolLabel)))
	buf = append(buf, protocolLabel...)
	buf = append(buf, make([]byte, 8)...) // reserved
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

func decodeHandshake(buf []byte) (Handshake, error) {
	if len(buf) != HandshakeLen || int(buf[0]) != len(protocolLabel) || !bytes.Equal(buf[1:20], []byte(protocolLabel)) {
		return Handshake{}, ErrBadHandshake
	}

	var h Handshake
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}
