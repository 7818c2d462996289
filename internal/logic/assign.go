package logic

import (
	"time"

	"github.com/WendelHime/swarm/internal/p2p"
	"github.com/WendelHime/swarm/internal/piece"
)

// assign gives every handshaken peer with spare pipeline room a piece to
// work on and keeps its requests topped up.
func (t *Torrent) assign(now time.Time) {
	for _, p := range t.order {
		if !p.handshakeDone || len(p.requests) >= t.cfg.MaxOutstanding {
			continue
		}
		if p.assigned < 0 {
			p.assigned, p.endgame = t.pick(p, now)
		}
		if p.assigned < 0 {
			if p.weAreInterested && !t.wants(p) {
				p.weAreInterested = false
				p.send(p2p.NotInterested())
			}
			continue
		}
		if p.isChoking {
			if !p.weAreInterested {
				p.weAreInterested = true
				p.send(p2p.Interested())
			}
			continue
		}
		t.fillRequests(p, now)
	}
}

// pick returns the rarest piece p can supply that still has a slice to
// request: the fewest peers advertising it, lowest index on ties. When no
// piece has a free slice it falls back to endgame, where slices already in
// flight elsewhere may be requested again.
func (t *Torrent) pick(p *peerState, now time.Time) (int, bool) {
	best := -1
	for i := 0; i < t.store.Len(); i++ {
		if !p.has(i) || t.store.Has(i) {
			continue
		}
		if t.store.Piece(i).NextSlice(now, false) == piece.NoSlice {
			continue
		}
		if best < 0 || t.availability[i] < t.availability[best] {
			best = i
		}
	}
	if best >= 0 {
		return best, false
	}

	for i := 0; i < t.store.Len(); i++ {
		if p.has(i) && !t.store.Has(i) && t.endgameSlice(p, t.store.Piece(i)) != piece.NoSlice {
			return i, true
		}
	}
	return -1, false
}

func (t *Torrent) endgameSlice(p *peerState, pc *piece.Piece) int {
	for slice := 0; slice < pc.Slices(); slice++ {
		begin, _ := pc.SliceBounds(slice)
		if !pc.SliceReceived(slice) && !p.requested(pc.Index, begin) {
			return slice
		}
	}
	return piece.NoSlice
}

func (t *Torrent) nextSlice(p *peerState, pc *piece.Piece, now time.Time) int {
	if p.endgame {
		return t.endgameSlice(p, pc)
	}
	return pc.NextSlice(now, false)
}

// fillRequests sends requests until p has MaxOutstanding in flight, moving
// on to a new piece when the assigned one has nothing left to ask for.
func (t *Torrent) fillRequests(p *peerState, now time.Time) {
	if p.isChoking {
		return
	}
	for attempts := 0; len(p.requests) < t.cfg.MaxOutstanding && attempts <= t.store.Len(); {
		if p.assigned < 0 {
			p.assigned, p.endgame = t.pick(p, now)
			if p.assigned < 0 {
				return
			}
		}
		pc := t.store.Piece(p.assigned)
		slice := piece.NoSlice
		if pc.State() != piece.Complete {
			slice = t.nextSlice(p, pc, now)
		}
		if slice == piece.NoSlice {
			p.assigned = -1
			p.endgame = false
			attempts++
			continue
		}

		begin, length := pc.SliceBounds(slice)
		pc.MarkInFlight(slice, now.Add(t.cfg.SliceTimeout))
		p.requests[request{index: pc.Index, begin: begin}] = now
		p.send(p2p.Request(pc.Index, begin, length))
	}
}
