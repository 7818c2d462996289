package logic

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/WendelHime/swarm/internal/p2p"
	"github.com/WendelHime/swarm/internal/piece"
	"github.com/WendelHime/swarm/internal/shared/models"
	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set/v2"
)

// maxRequestLength bounds the blocks we serve.
const maxRequestLength = 128 * 1024

// handle applies one connection event. Only storage failures are returned;
// everything else is contained to the peer.
func (t *Torrent) handle(ctx context.Context, ev p2p.Event) error {
	p, ok := t.peers[ev.From]
	if !ok {
		if ev.Closed {
			delete(t.closing, ev.From)
		}
		return nil
	}

	if ev.Closed {
		t.log.Info("peer left", slog.String("peer", p.key), slog.Any("error", ev.Err))
		t.removePeer(p)
		t.connectMore(ctx)
		return nil
	}

	msg := ev.Message
	if msg.ID == models.MessageIDHandshake {
		if err := t.onHandshake(p, msg.Handshake); err != nil {
			t.disconnect(p, err)
		}
		return nil
	}
	if !p.handshakeDone {
		t.disconnect(p, fmt.Errorf("%s before handshake", msg.ID))
		return nil
	}

	switch msg.ID {
	case models.MessageIDChoke:
		p.isChoking = true
		t.releaseRequests(p)
	case models.MessageIDUnchoke:
		p.isChoking = false
		if p.assigned >= 0 {
			t.fillRequests(p, t.now())
		}
	case models.MessageIDInterested:
		p.interested = true
	case models.MessageIDNotInterested:
		p.interested = false
	case models.MessageIDHave:
		t.onHave(p, msg.Index)
	case models.MessageIDBitfield:
		if err := t.onBitfield(p, msg.Bitfield); err != nil {
			t.disconnect(p, err)
		}
	case models.MessageIDRequest:
		t.onRequest(p, msg)
	case models.MessageIDPiece:
		return t.onBlock(ctx, p, msg)
	case models.MessageIDCancel:
		// Requests are answered as they arrive, nothing is queued to cancel.
	}
	return nil
}

func (t *Torrent) onHandshake(p *peerState, h *p2p.Handshake) error {
	switch {
	case h == nil:
		return p2p.ErrBadHandshake
	case h.InfoHash != t.meta.InfoHash:
		return ErrInfoHashMismatch
	case h.PeerID == t.peerID:
		return ErrSelfConnection
	case p.expectedID != "" && string(h.PeerID[:]) != p.expectedID:
		return ErrPeerIDMismatch
	case t.isBanned(h.PeerID):
		return ErrBannedPeer
	}
	if _, ok := t.ids[h.PeerID]; ok {
		return ErrDuplicatePeer
	}

	p.id = h.PeerID
	p.handshakeDone = true
	p.available = bitmap.New(t.store.Len())
	t.ids[p.id] = p.key
	t.log.Info("peer joined", slog.String("peer", p.key), slog.Bool("incoming", p.incoming))

	if t.store.Completed() > 0 {
		p.send(p2p.Bitfield(t.store.Bitfield()))
	}
	return nil
}

func (t *Torrent) onHave(p *peerState, index int) {
	if index < 0 || index >= t.store.Len() {
		t.log.Debug("have out of range", slog.String("peer", p.key), slog.Int("piece", index))
		return
	}
	if !p.has(index) {
		p.available.Set(index, true)
		p.availableCount++
		t.availability[index]++
	}
	if !t.store.Has(index) && !p.weAreInterested {
		p.weAreInterested = true
		p.send(p2p.Interested())
	}
}

func (t *Torrent) onBitfield(p *peerState, bits []byte) error {
	if len(bits) != (t.store.Len()+7)/8 {
		return fmt.Errorf("%w: %d bytes for %d pieces", ErrBadBitfield, len(bits), t.store.Len())
	}

	for i := range t.availability {
		if p.has(i) {
			t.availability[i]--
		}
	}
	p.available = bitmap.New(t.store.Len())
	p.availableCount = 0
	for i := 0; i < t.store.Len(); i++ {
		if bits[i/8]&(1<<(7-uint(i%8))) == 0 {
			continue
		}
		p.available.Set(i, true)
		p.availableCount++
		t.availability[i]++
	}

	wanted := t.wants(p)
	switch {
	case wanted && !p.weAreInterested:
		p.weAreInterested = true
		p.send(p2p.Interested())
	case !wanted:
		p.weAreInterested = false
		p.send(p2p.NotInterested())
	}
	return nil
}

// wants reports whether p holds any piece we lack.
func (t *Torrent) wants(p *peerState) bool {
	if p.availableCount == 0 {
		return false
	}
	for i := 0; i < t.store.Len(); i++ {
		if p.has(i) && !t.store.Has(i) {
			return true
		}
	}
	return false
}

func (t *Torrent) onRequest(p *peerState, msg p2p.Message) {
	if p.choked {
		return
	}
	if msg.Length <= 0 || msg.Length > maxRequestLength {
		t.log.Debug("refusing request", slog.String("peer", p.key), slog.String("request", msg.String()))
		return
	}
	block, err := t.store.ReadBlock(msg.Index, msg.Begin, msg.Length)
	if err != nil {
		t.log.Debug("cannot serve request", slog.String("peer", p.key), slog.String("request", msg.String()), slog.Any("error", err))
		return
	}
	if !p.wire.TrySend(p2p.Piece(msg.Index, msg.Begin, block)) {
		t.log.Debug("upload queue full, dropping request", slog.String("peer", p.key), slog.String("request", msg.String()))
		return
	}
	t.uploaded += int64(len(block))
}

// onBlock stores a received slice. Blocks that do not fit the piece are
// dropped without closing the connection.
func (t *Torrent) onBlock(ctx context.Context, p *peerState, msg p2p.Message) error {
	delete(p.requests, request{index: msg.Index, begin: msg.Begin})

	pc := t.store.Piece(msg.Index)
	if pc == nil || pc.State() == piece.Complete {
		return nil
	}
	if err := pc.MarkReceived(msg.Begin, msg.Block); err != nil {
		t.log.Warn("dropping block", slog.String("peer", p.key), slog.String("block", msg.String()), slog.Any("error", err))
		return nil
	}
	t.downloaded += int64(len(msg.Block))
	if _, ok := t.contributors[pc.Index]; !ok {
		t.contributors[pc.Index] = mapset.NewThreadUnsafeSet[string]()
	}
	t.contributors[pc.Index].Add(p.key)

	if !pc.Received() {
		t.fillRequests(p, t.now())
		return nil
	}

	contributors := t.contributors[pc.Index]
	delete(t.contributors, pc.Index)
	t.cancelOthers(p, pc)

	if !pc.Verify() {
		t.log.Warn("piece failed verification", slog.Int("piece", pc.Index), slog.Any("peers", contributors.ToSlice()))
		if contributors.Cardinality() == 1 {
			if sole, ok := t.peers[contributors.ToSlice()[0]]; ok {
				t.ban(sole.key, sole.id)
				t.disconnect(sole, fmt.Errorf("sent corrupt piece %d", pc.Index))
			}
		}
		return nil
	}
	return t.completePiece(ctx, pc)
}

// cancelOthers withdraws requests other peers still hold for a piece that
// just became whole.
func (t *Torrent) cancelOthers(from *peerState, pc *piece.Piece) {
	for _, q := range t.order {
		for req := range q.requests {
			if req.index != pc.Index {
				continue
			}
			if q != from {
				_, length := pc.SliceBounds(req.begin / piece.SliceSize)
				q.send(p2p.Cancel(req.index, req.begin, length))
			}
			delete(q.requests, req)
		}
		if q.assigned == pc.Index {
			q.assigned = -1
			q.endgame = false
		}
	}
}

// completePiece writes a verified piece, advertises it and reports the final
// completion to the tracker.
func (t *Torrent) completePiece(ctx context.Context, pc *piece.Piece) error {
	if err := t.store.Commit(pc.Index); err != nil {
		return err
	}
	t.log.Info("piece complete",
		slog.Int("piece", pc.Index),
		slog.Int("completed", t.store.Completed()),
		slog.Int("total", t.store.Len()))

	for _, q := range t.order {
		if q.handshakeDone {
			q.send(p2p.Have(pc.Index))
		}
	}
	if t.onPiece != nil {
		t.onPiece(pc.Index, pc.Size)
	}

	if t.store.Done() {
		t.announceCompleted(ctx)
	}
	return nil
}
