package logic

import (
	"time"

	"github.com/WendelHime/swarm/internal/p2p"
	"github.com/WendelHime/swarm/internal/shared/models"
	bitmap "github.com/boljen/go-bitmap"
)

// wire is the coordinator's handle on a connection; *p2p.Conn in production.
type wire interface {
	Send(p2p.Message) bool
	TrySend(p2p.Message) bool
	Close() error
}

type request struct {
	index int
	begin int
}

// peerState is the coordinator's record of one connection. Only the
// coordinator goroutine touches it.
type peerState struct {
	key        string
	wire       wire
	expectedID string
	id         models.Hash
	incoming   bool

	handshakeDone   bool
	choked          bool // we choke them
	isChoking       bool // they choke us
	interested      bool
	weAreInterested bool

	available      bitmap.Bitmap
	availableCount int

	requests map[request]time.Time
	assigned int
	endgame  bool

	// lastUnchoked orders the choke rotation; zero means never unchoked.
	lastUnchoked int
	joined       int
}

func newPeerState(key string, w wire, expectedID string, joined int) *peerState {
	return &peerState{
		key:        key,
		wire:       w,
		expectedID: expectedID,
		choked:     true,
		isChoking:  true,
		requests:   make(map[request]time.Time),
		assigned:   -1,
		joined:     joined,
	}
}

func (p *peerState) has(index int) bool {
	return p.available != nil && index >= 0 && index < p.available.Len() && p.available.Get(index)
}

func (p *peerState) requested(index, begin int) bool {
	_, ok := p.requests[request{index: index, begin: begin}]
	return ok
}

func (p *peerState) send(msg p2p.Message) {
	p.wire.Send(msg)
}
