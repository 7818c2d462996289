package models

// Peer is a swarm member as reported by a tracker. PeerID is empty when the
// tracker answered with a compact peer list.
type Peer struct {
	Addr   Addr
	PeerID string
}

func (p Peer) Key() string {
	return p.Addr.String()
}
