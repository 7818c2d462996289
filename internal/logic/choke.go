package logic

import (
	"log/slog"

	"github.com/WendelHime/swarm/internal/p2p"
)

// rotateChokes runs once per choke interval. When the unchoked set is full
// the peer unchoked longest ago is choked, then the choked peer that has
// waited longest since its last unchoke is unchoked. Over as many ticks as
// there are peers everyone gets a turn.
//
// A tick does not always choke someone: while fewer than MaxUnchoked peers
// are unchoked the set only grows, and with no choked peer nothing changes.
func (t *Torrent) rotateChokes() {
	var unchoked, choked []*peerState
	for _, p := range t.order {
		if !p.handshakeDone {
			continue
		}
		if p.choked {
			choked = append(choked, p)
		} else {
			unchoked = append(unchoked, p)
		}
	}
	if len(choked) == 0 {
		return
	}

	if len(unchoked) >= t.cfg.MaxUnchoked {
		victim := leastRecentlyUnchoked(unchoked)
		victim.choked = true
		victim.send(p2p.Choke())
		t.log.Debug("choked", slog.String("peer", victim.key))
	}

	next := leastRecentlyUnchoked(choked)
	t.unchokeSeq++
	next.choked = false
	next.lastUnchoked = t.unchokeSeq
	next.send(p2p.Unchoke())
	t.log.Debug("unchoked", slog.String("peer", next.key))
}

// leastRecentlyUnchoked prefers peers never unchoked, then the oldest
// unchoke, then the earliest to join.
func leastRecentlyUnchoked(peers []*peerState) *peerState {
	best := peers[0]
	for _, p := range peers[1:] {
		if p.lastUnchoked < best.lastUnchoked || (p.lastUnchoked == best.lastUnchoked && p.joined < best.joined) {
			best = p
		}
	}
	return best
}
