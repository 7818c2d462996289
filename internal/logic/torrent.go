package logic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/WendelHime/swarm/internal/config"
	"github.com/WendelHime/swarm/internal/p2p"
	"github.com/WendelHime/swarm/internal/piece"
	"github.com/WendelHime/swarm/internal/shared/models"
	"github.com/WendelHime/swarm/internal/tracker"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	sweepInterval     = time.Second
	announceTimeout   = 15 * time.Second
	defaultReannounce = 2 * time.Minute
	eventQueueSize    = 256
)

var (
	ErrNoPeers          = errors.New("no way to find peers")
	ErrInfoHashMismatch = errors.New("info hash mismatch")
	ErrPeerIDMismatch   = errors.New("peer id differs from tracker")
	ErrSelfConnection   = errors.New("connected to ourselves")
	ErrDuplicatePeer    = errors.New("peer already connected")
	ErrBannedPeer       = errors.New("peer is banned")
	ErrBadBitfield      = errors.New("bitfield length mismatch")
)

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type dialResult struct {
	peer models.Peer
	conn net.Conn
	err  error
}

type announceResult struct {
	event tracker.Event
	resp  tracker.AnnounceResponse
	err   error
}

// Torrent is the coordinator of one download. Every field below the channels
// is owned by the goroutine running loop; connections only talk to it
// through events.
type Torrent struct {
	meta    models.Metafile
	store   *piece.Store
	tracker tracker.Tracker
	peerID  models.Hash
	cfg     config.Config
	log     *slog.Logger

	dialer   Dialer
	listener net.Listener
	limiter  *rate.Limiter
	onPiece  func(index, size int)
	now      func() time.Time

	events    chan p2p.Event
	dialed    chan dialResult
	accepted  chan net.Conn
	announced chan announceResult

	peers        map[string]*peerState
	order        []*peerState
	ids          map[models.Hash]string
	pending      map[string]struct{}
	closing      map[string]struct{}
	candidates   []models.Peer
	availability []int
	contributors map[int]mapset.Set[string]
	banned       mapset.Set[string]
	joinSeq      int
	unchokeSeq   int

	uploaded      int64
	downloaded    int64
	started       bool
	completedSent bool
	reannounce    time.Duration

	conns sync.WaitGroup
	bg    sync.WaitGroup
}

func NewTorrent(meta models.Metafile, store *piece.Store, trk tracker.Tracker, peerID models.Hash, cfg config.Config, logger *slog.Logger) *Torrent {
	return &Torrent{
		meta:         meta,
		store:        store,
		tracker:      trk,
		peerID:       peerID,
		cfg:          cfg,
		log:          logger.With(slog.String("torrent", meta.Info.Name)),
		dialer:       &net.Dialer{Timeout: cfg.DialTimeout},
		now:          time.Now,
		events:       make(chan p2p.Event, eventQueueSize),
		dialed:       make(chan dialResult),
		accepted:     make(chan net.Conn),
		announced:    make(chan announceResult, 4),
		peers:        make(map[string]*peerState),
		ids:          make(map[models.Hash]string),
		pending:      make(map[string]struct{}),
		closing:      make(map[string]struct{}),
		availability: make([]int, store.Len()),
		contributors: make(map[int]mapset.Set[string]),
		banned:       mapset.NewSet[string](),
		reannounce:   defaultReannounce,
	}
}

func (t *Torrent) WithDialer(d Dialer) *Torrent {
	t.dialer = d
	return t
}

// WithListener makes the torrent accept incoming peers on l.
func (t *Torrent) WithListener(l net.Listener) *Torrent {
	t.listener = l
	return t
}

func (t *Torrent) WithLimiter(l *rate.Limiter) *Torrent {
	t.limiter = l
	return t
}

// OnPiece registers fn to be called after each piece is written.
func (t *Torrent) OnPiece(fn func(index, size int)) *Torrent {
	t.onPiece = fn
	return t
}

// Run downloads until every piece is complete (or forever in seed mode) or
// ctx is cancelled. Peer and tracker failures are logged and retried; only
// storage failures are returned.
func (t *Torrent) Run(ctx context.Context) error {
	if t.store.Done() && !t.cfg.Seed {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if t.listener != nil {
		g.Go(func() error {
			<-gctx.Done()
			return t.listener.Close()
		})
		g.Go(func() error {
			t.acceptLoop(gctx)
			return nil
		})
	}
	g.Go(func() error {
		defer cancel()
		return t.loop(gctx)
	})
	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	t.shutdown(ctx)
	return err
}

func (t *Torrent) loop(ctx context.Context) error {
	t.log.Info("starting",
		slog.String("size", humanize.Bytes(uint64(t.store.Length()))),
		slog.String("left", humanize.Bytes(uint64(t.store.Left()))),
		slog.Int("pieces", t.store.Len()))

	choke := time.NewTicker(t.cfg.ChokeInterval)
	defer choke.Stop()
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	announce := time.NewTimer(0)
	defer announce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-t.events:
			if err := t.handle(ctx, ev); err != nil {
				return err
			}
		case res := <-t.dialed:
			t.onDialed(ctx, res)
		case nc := <-t.accepted:
			t.onAccepted(ctx, nc)
		case <-choke.C:
			t.rotateChokes()
		case <-sweep.C:
			t.expireRequests(t.now())
		case <-announce.C:
			t.announce(ctx, t.periodicEvent())
		case res := <-t.announced:
			resetTimer(announce, t.onAnnounced(ctx, res))
		}

		if t.store.Done() && !t.cfg.Seed {
			t.log.Info("download complete",
				slog.String("downloaded", humanize.Bytes(uint64(t.downloaded))),
				slog.String("uploaded", humanize.Bytes(uint64(t.uploaded))))
			return nil
		}
		t.assign(t.now())
	}
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

// shutdown waits for connections and pending announces, flushes the output
// file, then tells the tracker we are leaving.
func (t *Torrent) shutdown(ctx context.Context) {
	for _, p := range slices.Clone(t.order) {
		t.disconnect(p, nil)
	}
	t.conns.Wait()
	t.bg.Wait()

	if err := t.store.Sync(); err != nil {
		t.log.Error("failed to flush output file", slog.Any("error", err))
	}

	if !t.started {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), announceTimeout)
	defer cancel()
	if _, err := t.tracker.Announce(ctx, t.announceRequest(tracker.EventStopped)); err != nil {
		t.log.Warn("stopped announce failed", slog.Any("error", err))
	}
}

func (t *Torrent) acceptLoop(ctx context.Context) {
	for {
		nc, err := t.listener.Accept()
		if err != nil {
			if ctx.Err() == nil {
				t.log.Warn("stopped accepting peers", slog.Any("error", err))
			}
			return
		}
		select {
		case t.accepted <- nc:
		case <-ctx.Done():
			nc.Close()
			return
		}
	}
}

func (t *Torrent) port() uint16 {
	if t.listener != nil {
		if addr, ok := t.listener.Addr().(*net.TCPAddr); ok {
			return uint16(addr.Port)
		}
	}
	return uint16(t.cfg.Port)
}

func (t *Torrent) announceRequest(event tracker.Event) tracker.AnnounceRequest {
	return tracker.AnnounceRequest{
		Event:      event,
		InfoHash:   t.meta.InfoHash,
		PeerID:     t.peerID,
		Port:       t.port(),
		Uploaded:   t.uploaded,
		Downloaded: t.downloaded,
		Left:       t.store.Left(),
	}
}

func (t *Torrent) periodicEvent() tracker.Event {
	if !t.started {
		return tracker.EventStarted
	}
	return tracker.EventNone
}

// announce contacts the tracker in the background; the result comes back
// through t.announced.
func (t *Torrent) announce(ctx context.Context, event tracker.Event) {
	req := t.announceRequest(event)
	t.bg.Add(1)
	go func() {
		defer t.bg.Done()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), announceTimeout)
		defer cancel()
		resp, err := t.tracker.Announce(actx, req)
		select {
		case t.announced <- announceResult{event: event, resp: resp, err: err}:
		case <-ctx.Done():
		}
	}()
}

// announceCompleted sends the completed event at most once per run.
func (t *Torrent) announceCompleted(ctx context.Context) {
	if t.completedSent {
		return
	}
	t.completedSent = true
	t.announce(ctx, tracker.EventCompleted)
}

func (t *Torrent) onAnnounced(ctx context.Context, res announceResult) time.Duration {
	if res.err != nil {
		t.log.Warn("announce failed", slog.String("event", string(res.event)), slog.Any("error", res.err))
		return t.reannounce
	}
	if res.event == tracker.EventStarted {
		t.started = true
	}
	if next := res.resp.Reannounce(); next > 0 {
		t.reannounce = next
	}
	t.log.Info("announced",
		slog.String("event", string(res.event)),
		slog.Int("peers", len(res.resp.Peers)),
		slog.Duration("next", t.reannounce))

	t.addCandidates(res.resp.Peers)
	t.connectMore(ctx)
	return t.reannounce
}

func (t *Torrent) addCandidates(peers []models.Peer) {
	for _, peer := range peers {
		key := peer.Key()
		if t.known(key) || slices.ContainsFunc(t.candidates, func(c models.Peer) bool { return c.Key() == key }) {
			continue
		}
		t.candidates = append(t.candidates, peer)
	}
}

func (t *Torrent) known(key string) bool {
	_, connected := t.peers[key]
	_, dialing := t.pending[key]
	_, closing := t.closing[key]
	return connected || dialing || closing || t.banned.Contains(key)
}

// connectMore dials queued candidates while there is room for more peers.
func (t *Torrent) connectMore(ctx context.Context) {
	for len(t.candidates) > 0 && len(t.peers)+len(t.pending) < t.cfg.MaxPeers {
		peer := t.candidates[0]
		t.candidates = t.candidates[1:]
		key := peer.Key()
		if t.known(key) || peer.Addr.Port == 0 {
			continue
		}
		t.pending[key] = struct{}{}
		t.bg.Add(1)
		go func() {
			defer t.bg.Done()
			dctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
			defer cancel()
			nc, err := t.dialer.DialContext(dctx, "tcp", key)
			select {
			case t.dialed <- dialResult{peer: peer, conn: nc, err: err}:
			case <-ctx.Done():
				if nc != nil {
					nc.Close()
				}
			}
		}()
	}
}

func (t *Torrent) onDialed(ctx context.Context, res dialResult) {
	key := res.peer.Key()
	delete(t.pending, key)
	if res.err != nil {
		t.log.Debug("dial failed", slog.String("peer", key), slog.Any("error", res.err))
		t.connectMore(ctx)
		return
	}
	t.startConn(ctx, key, res.conn, res.peer.PeerID, false)
}

func (t *Torrent) onAccepted(ctx context.Context, nc net.Conn) {
	key := nc.RemoteAddr().String()
	if t.known(key) || len(t.peers) >= t.cfg.MaxPeers {
		t.log.Debug("refusing incoming peer", slog.String("peer", key))
		nc.Close()
		return
	}
	t.startConn(ctx, key, nc, "", true)
}

func (t *Torrent) startConn(ctx context.Context, key string, nc net.Conn, expectedID string, incoming bool) {
	local := p2p.Handshake{InfoHash: t.meta.InfoHash, PeerID: t.peerID}
	c := p2p.NewConn(key, nc, local, t.events,
		p2p.WithKeepAlive(t.cfg.KeepAlive),
		p2p.WithReadTimeout(t.cfg.ReadTimeout),
		p2p.WithLimiter(t.limiter),
		p2p.WithLogger(t.log))
	p := t.addPeer(key, c, expectedID)
	p.incoming = incoming

	t.conns.Add(1)
	go func() {
		defer t.conns.Done()
		c.Run(ctx)
	}()
}

func (t *Torrent) addPeer(key string, w wire, expectedID string) *peerState {
	t.joinSeq++
	p := newPeerState(key, w, expectedID, t.joinSeq)
	t.peers[key] = p
	t.order = append(t.order, p)
	return p
}

// disconnect closes a peer and forgets it immediately. The connection's
// final Closed event is ignored when it arrives.
func (t *Torrent) disconnect(p *peerState, reason error) {
	if reason != nil {
		t.log.Warn("disconnecting peer", slog.String("peer", p.key), slog.Any("reason", reason))
	}
	t.closing[p.key] = struct{}{}
	p.wire.Close()
	t.removePeer(p)
}

// removePeer releases every claim the peer held so other peers can pick the
// slices up.
func (t *Torrent) removePeer(p *peerState) {
	t.releaseRequests(p)
	if p.handshakeDone {
		if t.ids[p.id] == p.key {
			delete(t.ids, p.id)
		}
		for i := range t.availability {
			if p.has(i) {
				t.availability[i]--
			}
		}
	}
	delete(t.peers, p.key)
	t.order = slices.DeleteFunc(t.order, func(q *peerState) bool { return q == p })
}

func (t *Torrent) releaseRequests(p *peerState) {
	for req := range p.requests {
		if pc := t.store.Piece(req.index); pc != nil {
			pc.Release(req.begin / piece.SliceSize)
		}
	}
	clear(p.requests)
	p.assigned = -1
	p.endgame = false
}

func (t *Torrent) expireRequests(now time.Time) {
	for _, p := range t.order {
		for req, sent := range p.requests {
			if now.Sub(sent) >= t.cfg.SliceTimeout {
				delete(p.requests, req)
			}
		}
	}
}

func (t *Torrent) ban(key string, id models.Hash) {
	t.banned.Add(key)
	if !id.IsZero() {
		t.banned.Add(fmt.Sprintf("id:%s", id))
	}
}

func (t *Torrent) isBanned(id models.Hash) bool {
	return t.banned.Contains(fmt.Sprintf("id:%s", id))
}
