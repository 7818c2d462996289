package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"

	"github.com/WendelHime/swarm/internal/decoder"
)

const (
	udpProtocolID     = 0x41727101980
	udpActionConnect  = 0
	udpActionAnnounce = 1
	udpActionError    = 3
	udpTimeout        = 15 * time.Second
)

var udpEvents = map[Event]uint32{
	EventNone:      0,
	EventCompleted: 1,
	EventStarted:   2,
	EventStopped:   3,
}

type UDPAnnouncer struct {
	dialer net.Dialer
}

func NewUDPAnnouncer() Announcer {
	return &UDPAnnouncer{}
}

func (u *UDPAnnouncer) Announce(ctx context.Context, announce string, req AnnounceRequest) (AnnounceResponse, error) {
	tracker, err := url.Parse(announce)
	if err != nil {
		return AnnounceResponse{}, err
	}

	conn, err := u.dialer.DialContext(ctx, "udp", tracker.Host)
	if err != nil {
		return AnnounceResponse{}, err
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(udpTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return AnnounceResponse{}, err
	}

	transactionID := rand.Uint32()
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:], udpProtocolID)
	binary.BigEndian.PutUint32(buf[8:], udpActionConnect)
	binary.BigEndian.PutUint32(buf[12:], transactionID)

	if _, err = conn.Write(buf); err != nil {
		return AnnounceResponse{}, err
	}

	resp, err := decoder.ReadBytes(conn, 16)
	if err != nil {
		return AnnounceResponse{}, err
	}
	if err := checkUDPHeader(resp, udpActionConnect, transactionID); err != nil {
		return AnnounceResponse{}, err
	}
	connectionID := binary.BigEndian.Uint64(resp[8:])

	buf = make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], connectionID)
	binary.BigEndian.PutUint32(buf[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	copy(buf[16:36], req.InfoHash[:])
	copy(buf[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], udpEvents[req.Event])
	binary.BigEndian.PutUint32(buf[84:88], 0) // ip: use the sender address
	binary.BigEndian.PutUint32(buf[88:92], transactionID)
	binary.BigEndian.PutUint32(buf[92:96], 0xffffffff) // num_want: tracker default
	binary.BigEndian.PutUint16(buf[96:98], req.Port)

	if _, err = conn.Write(buf); err != nil {
		return AnnounceResponse{}, err
	}

	buf = make([]byte, 20+200*6)
	readed, err := conn.Read(buf)
	if err != nil {
		return AnnounceResponse{}, err
	}
	buf = buf[:readed]
	if err := checkUDPHeader(buf, udpActionAnnounce, transactionID); err != nil {
		return AnnounceResponse{}, err
	}
	if len(buf) < 20 {
		return AnnounceResponse{}, fmt.Errorf("announce reply of %d bytes: %w", len(buf), ErrMalformedResponse)
	}

	interval := binary.BigEndian.Uint32(buf[8:12])
	// leechers and seeders at 12:20 are not used.
	peers, err := compactPeers(buf[20:])
	if err != nil {
		return AnnounceResponse{}, err
	}

	return AnnounceResponse{
		Peers:    peers,
		Interval: time.Duration(interval) * time.Second,
	}, nil
}

func checkUDPHeader(packet []byte, action, transactionID uint32) error {
	if len(packet) < 8 {
		return fmt.Errorf("reply of %d bytes: %w", len(packet), ErrMalformedResponse)
	}
	if got := binary.BigEndian.Uint32(packet[4:8]); got != transactionID {
		return fmt.Errorf("transaction id %d, want %d: %w", got, transactionID, ErrMalformedResponse)
	}
	switch got := binary.BigEndian.Uint32(packet[0:4]); got {
	case action:
		return nil
	case udpActionError:
		return fmt.Errorf("%s: %w", packet[8:], ErrTrackerFailure)
	default:
		return fmt.Errorf("action %d, want %d: %w", got, action, ErrMalformedResponse)
	}
}
