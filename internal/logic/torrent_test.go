package logic

import (
	"context"
	"crypto/sha1"
	"io"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/WendelHime/swarm/internal/config"
	"github.com/WendelHime/swarm/internal/p2p"
	"github.com/WendelHime/swarm/internal/piece"
	"github.com/WendelHime/swarm/internal/shared/models"
	"github.com/WendelHime/swarm/internal/storage"
	"github.com/WendelHime/swarm/internal/tracker"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeWire struct {
	sent   []p2p.Message
	closed bool
	// full makes TrySend refuse everything.
	full bool
}

func (w *fakeWire) Send(msg p2p.Message) bool {
	if w.closed {
		return false
	}
	w.sent = append(w.sent, msg)
	return true
}

func (w *fakeWire) TrySend(msg p2p.Message) bool {
	if w.full {
		return false
	}
	return w.Send(msg)
}

func (w *fakeWire) Close() error {
	w.closed = true
	return nil
}

func (w *fakeWire) ids() []models.MessageID {
	ids := make([]models.MessageID, len(w.sent))
	for i, msg := range w.sent {
		ids[i] = msg.ID
	}
	return ids
}

func (w *fakeWire) requests() []p2p.Message {
	var out []p2p.Message
	for _, msg := range w.sent {
		if msg.ID == models.MessageIDRequest {
			out = append(out, msg)
		}
	}
	return out
}

func (w *fakeWire) reset() {
	w.sent = nil
}

type mockTracker struct {
	mock.Mock
}

func (m *mockTracker) Announce(ctx context.Context, req tracker.AnnounceRequest) (tracker.AnnounceResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(tracker.AnnounceResponse), args.Error(1)
}

func (m *mockTracker) WithHTTPClient(*http.Client) tracker.Tracker {
	return m
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Progress = false
	return cfg
}

type fixture struct {
	torrent *Torrent
	tracker *mockTracker
	content []byte
	fs      afero.Fs
	clock   time.Time
}

func newFixture(t *testing.T, size, pieceLength int, cfg config.Config) *fixture {
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i*7 + i/251)
	}

	info := models.Info{Name: "out.bin", Length: size, PieceLength: pieceLength}
	for begin := 0; begin < size; begin += pieceLength {
		info.PiecesHashes = append(info.PiecesHashes, sha1.Sum(content[begin:min(begin+pieceLength, size)]))
	}
	meta := models.Metafile{Announce: "http://tracker.test/announce", Info: info}
	copy(meta.InfoHash[:], "torrent-infohash-000")

	fs := afero.NewMemMapFs()
	file, err := storage.Open(fs, "out.bin", int64(size))
	require.NoError(t, err)
	store := piece.NewStore(info, file)

	var self models.Hash
	copy(self[:], "-SW0100-selfselfself")

	f := &fixture{tracker: &mockTracker{}, content: content, fs: fs, clock: time.Unix(1_700_000_000, 0)}
	f.torrent = NewTorrent(meta, store, f.tracker, self, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.torrent.now = func() time.Time { return f.clock }
	t.Cleanup(f.torrent.bg.Wait)
	return f
}

func peerID(name string) models.Hash {
	var id models.Hash
	copy(id[:], "-XX0001-"+name)
	return id
}

func expectedID(name string) string {
	id := peerID(name)
	return string(id[:])
}

// join adds a peer and completes its handshake.
func (f *fixture) join(t *testing.T, key string) (*peerState, *fakeWire) {
	w := &fakeWire{}
	p := f.torrent.addPeer(key, w, "")
	f.event(t, key, p2p.Message{
		ID:        models.MessageIDHandshake,
		Handshake: &p2p.Handshake{InfoHash: f.torrent.meta.InfoHash, PeerID: peerID(key)},
	})
	require.True(t, p.handshakeDone)
	return p, w
}

func (f *fixture) event(t *testing.T, key string, msg p2p.Message) {
	require.NoError(t, f.torrent.handle(context.Background(), p2p.Event{From: key, Message: msg}))
}

// deliver answers every request in w from the fixture content.
func (f *fixture) deliver(t *testing.T, key string, w *fakeWire) {
	pieceLength := f.torrent.meta.Info.PieceLength
	for _, req := range w.requests() {
		offset := req.Index*pieceLength + req.Begin
		f.event(t, key, p2p.Piece(req.Index, req.Begin, f.content[offset:offset+req.Length]))
	}
}

func TestHandshakeValidation(t *testing.T) {
	var tests = []struct {
		name   string
		setup  func(t *testing.T, f *fixture) (*fakeWire, p2p.Handshake)
		assert func(t *testing.T, f *fixture, w *fakeWire)
	}{
		{
			name: "accepts a matching handshake and advertises complete pieces",
			setup: func(t *testing.T, f *fixture) (*fakeWire, p2p.Handshake) {
				require.NoError(t, afero.WriteFile(f.fs, "out.bin", f.content, 0o644))
				_, err := f.torrent.store.Recheck()
				require.NoError(t, err)
				w := &fakeWire{}
				f.torrent.addPeer("a", w, expectedID("a"))
				return w, p2p.Handshake{InfoHash: f.torrent.meta.InfoHash, PeerID: peerID("a")}
			},
			assert: func(t *testing.T, f *fixture, w *fakeWire) {
				assert.False(t, w.closed)
				require.Contains(t, f.torrent.peers, "a")
				assert.True(t, f.torrent.peers["a"].handshakeDone)
				require.Len(t, w.sent, 1)
				assert.Equal(t, p2p.Bitfield(f.torrent.store.Bitfield()), w.sent[0])
			},
		},
		{
			name: "no bitfield when nothing is complete",
			setup: func(t *testing.T, f *fixture) (*fakeWire, p2p.Handshake) {
				w := &fakeWire{}
				f.torrent.addPeer("a", w, "")
				return w, p2p.Handshake{InfoHash: f.torrent.meta.InfoHash, PeerID: peerID("a")}
			},
			assert: func(t *testing.T, f *fixture, w *fakeWire) {
				assert.False(t, w.closed)
				assert.Empty(t, w.sent)
			},
		},
		{
			name: "info hash mismatch",
			setup: func(t *testing.T, f *fixture) (*fakeWire, p2p.Handshake) {
				w := &fakeWire{}
				f.torrent.addPeer("a", w, "")
				return w, p2p.Handshake{InfoHash: peerID("other"), PeerID: peerID("a")}
			},
			assert: func(t *testing.T, f *fixture, w *fakeWire) {
				assert.True(t, w.closed)
				assert.NotContains(t, f.torrent.peers, "a")
			},
		},
		{
			name: "peer id differs from the tracker's",
			setup: func(t *testing.T, f *fixture) (*fakeWire, p2p.Handshake) {
				w := &fakeWire{}
				f.torrent.addPeer("a", w, expectedID("expected"))
				return w, p2p.Handshake{InfoHash: f.torrent.meta.InfoHash, PeerID: peerID("a")}
			},
			assert: func(t *testing.T, f *fixture, w *fakeWire) {
				assert.True(t, w.closed)
				assert.NotContains(t, f.torrent.peers, "a")
			},
		},
		{
			name: "our own peer id",
			setup: func(t *testing.T, f *fixture) (*fakeWire, p2p.Handshake) {
				w := &fakeWire{}
				f.torrent.addPeer("a", w, "")
				return w, p2p.Handshake{InfoHash: f.torrent.meta.InfoHash, PeerID: f.torrent.peerID}
			},
			assert: func(t *testing.T, f *fixture, w *fakeWire) {
				assert.True(t, w.closed)
			},
		},
		{
			name: "peer id already connected",
			setup: func(t *testing.T, f *fixture) (*fakeWire, p2p.Handshake) {
				f.join(t, "a")
				w := &fakeWire{}
				f.torrent.addPeer("b", w, "")
				return w, p2p.Handshake{InfoHash: f.torrent.meta.InfoHash, PeerID: peerID("a")}
			},
			assert: func(t *testing.T, f *fixture, w *fakeWire) {
				assert.True(t, w.closed)
				assert.NotContains(t, f.torrent.peers, "b")
				assert.Contains(t, f.torrent.peers, "a")
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 3*piece.SliceSize, piece.SliceSize, testConfig())
			w, h := tt.setup(t, f)
			key := "a"
			if _, ok := f.torrent.peers["b"]; ok {
				key = "b"
			}
			f.event(t, key, p2p.Message{ID: models.MessageIDHandshake, Handshake: &h})
			tt.assert(t, f, w)
		})
	}
}

func TestMessageBeforeHandshakeDisconnects(t *testing.T) {
	f := newFixture(t, piece.SliceSize, piece.SliceSize, testConfig())
	w := &fakeWire{}
	f.torrent.addPeer("a", w, "")
	f.event(t, "a", p2p.Unchoke())
	assert.True(t, w.closed)
	assert.Empty(t, f.torrent.peers)
}

func TestInterest(t *testing.T) {
	var tests = []struct {
		name   string
		setup  func(t *testing.T, f *fixture, w *fakeWire)
		expect []models.MessageID
	}{
		{
			name: "bitfield with a piece we lack",
			setup: func(t *testing.T, f *fixture, w *fakeWire) {
				f.event(t, "a", p2p.Bitfield([]byte{0x20}))
			},
			expect: []models.MessageID{models.MessageIDInterested},
		},
		{
			name: "empty bitfield",
			setup: func(t *testing.T, f *fixture, w *fakeWire) {
				f.event(t, "a", p2p.Bitfield([]byte{0x00}))
			},
			expect: []models.MessageID{models.MessageIDNotInterested},
		},
		{
			name: "have sends interested only once",
			setup: func(t *testing.T, f *fixture, w *fakeWire) {
				f.event(t, "a", p2p.Have(0))
				f.event(t, "a", p2p.Have(1))
			},
			expect: []models.MessageID{models.MessageIDInterested},
		},
		{
			name: "have out of range is ignored",
			setup: func(t *testing.T, f *fixture, w *fakeWire) {
				f.event(t, "a", p2p.Have(99))
			},
			expect: nil,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 3*piece.SliceSize, piece.SliceSize, testConfig())
			_, w := f.join(t, "a")
			tt.setup(t, f, w)
			if tt.expect == nil {
				assert.Empty(t, w.sent)
			} else {
				assert.Equal(t, tt.expect, w.ids())
			}
			assert.False(t, w.closed)
		})
	}
}

func TestBitfieldWithWrongLengthDisconnects(t *testing.T) {
	f := newFixture(t, 3*piece.SliceSize, piece.SliceSize, testConfig())
	_, w := f.join(t, "a")
	f.event(t, "a", p2p.Bitfield([]byte{0xff, 0xff}))
	assert.True(t, w.closed)
}

func TestRarestFirst(t *testing.T) {
	f := newFixture(t, 4*piece.SliceSize, piece.SliceSize, testConfig())
	a, _ := f.join(t, "a")
	b, _ := f.join(t, "b")
	c, _ := f.join(t, "c")

	// availability: piece 0 -> 1, piece 1 -> 2, piece 2 -> 3, piece 3 -> 2
	f.event(t, "a", p2p.Bitfield([]byte{0xf0}))
	f.event(t, "b", p2p.Bitfield([]byte{0x70}))
	f.event(t, "c", p2p.Bitfield([]byte{0x20}))
	assert.Equal(t, []int{1, 2, 3, 2}, f.torrent.availability)

	idx, endgame := f.torrent.pick(a, f.clock)
	assert.Equal(t, 0, idx)
	assert.False(t, endgame)

	// piece 1 and piece 3 tie, the lower index wins
	idx, _ = f.torrent.pick(b, f.clock)
	assert.Equal(t, 1, idx)

	idx, _ = f.torrent.pick(c, f.clock)
	assert.Equal(t, 2, idx)

	f.torrent.removePeer(a)
	assert.Equal(t, []int{0, 1, 2, 1}, f.torrent.availability)
}

func TestDownloadFromOnePeer(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, 2*2*piece.SliceSize+100, 2*piece.SliceSize, cfg)
	f.tracker.On("Announce", mock.Anything, mock.MatchedBy(func(req tracker.AnnounceRequest) bool {
		return req.Event == tracker.EventCompleted && req.Left == 0
	})).Return(tracker.AnnounceResponse{}, nil).Once()

	var progress []int
	f.torrent.OnPiece(func(index, size int) { progress = append(progress, size) })

	_, w := f.join(t, "a")
	f.event(t, "a", p2p.Bitfield([]byte{0xe0}))
	f.torrent.assign(f.clock)
	assert.Equal(t, []models.MessageID{models.MessageIDInterested}, w.ids())
	assert.Empty(t, w.requests())

	w.reset()
	f.event(t, "a", p2p.Unchoke())
	f.torrent.assign(f.clock)
	assert.Equal(t, []p2p.Message{
		p2p.Request(0, 0, piece.SliceSize),
		p2p.Request(0, piece.SliceSize, piece.SliceSize),
		p2p.Request(1, 0, piece.SliceSize),
		p2p.Request(1, piece.SliceSize, piece.SliceSize),
		p2p.Request(2, 0, 100),
	}, w.requests())

	for rounds := 0; rounds < 3 && !f.torrent.store.Done(); rounds++ {
		sent := w.sent
		w.reset()
		f.deliver(t, "a", &fakeWire{sent: sent})
		f.torrent.assign(f.clock)
	}
	require.True(t, f.torrent.store.Done())
	assert.Equal(t, int64(0), f.torrent.store.Left())
	assert.Equal(t, []int{2 * piece.SliceSize, 2 * piece.SliceSize, 100}, progress)
	assert.Equal(t, int64(len(f.content)), f.torrent.downloaded)

	// a further completion path run must not announce again
	f.torrent.announceCompleted(context.Background())
	f.torrent.announceCompleted(context.Background())
	f.torrent.bg.Wait()
	f.tracker.AssertNumberOfCalls(t, "Announce", 1)
	f.tracker.AssertExpectations(t)

	onDisk, err := afero.ReadFile(f.fs, "out.bin")
	require.NoError(t, err)
	assert.Equal(t, f.content, onDisk)
}

func TestCompletionBroadcastsHave(t *testing.T) {
	f := newFixture(t, 2*piece.SliceSize, piece.SliceSize, testConfig())
	_, wa := f.join(t, "a")
	_, wb := f.join(t, "b")
	f.event(t, "a", p2p.Bitfield([]byte{0xc0}))
	f.event(t, "a", p2p.Unchoke())
	wa.reset()
	wb.reset()

	f.event(t, "a", p2p.Piece(1, 0, f.content[piece.SliceSize:]))
	assert.Contains(t, wa.sent, p2p.Have(1))
	assert.Contains(t, wb.sent, p2p.Have(1))
	assert.True(t, f.torrent.store.Has(1))
}

func TestChokeRotation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxUnchoked = 3
	f := newFixture(t, piece.SliceSize, piece.SliceSize, cfg)

	keys := []string{"p0", "p1", "p2", "p3", "p4", "p5", "p6"}
	wires := map[string]*fakeWire{}
	for _, key := range keys {
		_, w := f.join(t, key)
		wires[key] = w
	}

	unchokedOnce := map[string]bool{}
	for tick := 0; tick < len(keys); tick++ {
		f.torrent.rotateChokes()
		unchoked := 0
		for _, p := range f.torrent.order {
			if !p.choked {
				unchoked++
				unchokedOnce[p.key] = true
			}
		}
		assert.LessOrEqual(t, unchoked, cfg.MaxUnchoked, "tick %d", tick)
	}
	assert.Len(t, unchokedOnce, len(keys))

	// p0 was unchoked first and choked when the set filled up
	assert.Equal(t, []models.MessageID{models.MessageIDUnchoke, models.MessageIDChoke}, wires["p0"].ids())
	assert.Equal(t, []models.MessageID{models.MessageIDUnchoke}, wires["p6"].ids())
}

func TestChokeRotationWithFewPeers(t *testing.T) {
	f := newFixture(t, piece.SliceSize, piece.SliceSize, testConfig())
	a, _ := f.join(t, "a")
	b, _ := f.join(t, "b")
	for i := 0; i < 5; i++ {
		f.torrent.rotateChokes()
	}
	assert.False(t, a.choked)
	assert.False(t, b.choked)
}

func TestChokeReleasesClaims(t *testing.T) {
	f := newFixture(t, 2*piece.SliceSize, 2*piece.SliceSize, testConfig())
	a, _ := f.join(t, "a")
	f.event(t, "a", p2p.Bitfield([]byte{0x80}))
	f.event(t, "a", p2p.Unchoke())
	f.torrent.assign(f.clock)
	require.Len(t, a.requests, 2)
	assert.Equal(t, piece.NoSlice, f.torrent.store.Piece(0).NextSlice(f.clock, false))

	f.event(t, "a", p2p.Choke())
	assert.Empty(t, a.requests)
	assert.Equal(t, -1, a.assigned)
	assert.Equal(t, 0, f.torrent.store.Piece(0).NextSlice(f.clock, false))
}

func TestClosedPeerReleasesSlices(t *testing.T) {
	f := newFixture(t, 2*piece.SliceSize, 2*piece.SliceSize, testConfig())
	f.join(t, "a")
	f.event(t, "a", p2p.Bitfield([]byte{0x80}))
	f.event(t, "a", p2p.Unchoke())
	f.torrent.assign(f.clock)

	require.NoError(t, f.torrent.handle(context.Background(), p2p.Event{From: "a", Closed: true}))
	assert.Empty(t, f.torrent.peers)
	assert.Equal(t, []int{0}, f.torrent.availability)
	assert.Equal(t, 0, f.torrent.store.Piece(0).NextSlice(f.clock, false))
}

func TestStalledSlicesMoveToAnotherPeer(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, 2*piece.SliceSize, 2*piece.SliceSize, cfg)
	b, wb := f.join(t, "b")
	a, _ := f.join(t, "a")
	f.event(t, "a", p2p.Bitfield([]byte{0x80}))
	f.event(t, "a", p2p.Unchoke())
	f.torrent.assign(f.clock)
	require.Len(t, a.requests, 2)

	f.clock = f.clock.Add(cfg.SliceTimeout - time.Second)
	f.torrent.expireRequests(f.clock)
	assert.Len(t, a.requests, 2)
	assert.Equal(t, piece.NoSlice, f.torrent.store.Piece(0).NextSlice(f.clock, false))

	f.clock = f.clock.Add(time.Second)
	f.torrent.expireRequests(f.clock)
	assert.Empty(t, a.requests)
	assert.Equal(t, 0, f.torrent.store.Piece(0).NextSlice(f.clock, false))

	f.event(t, "b", p2p.Bitfield([]byte{0x80}))
	f.event(t, "b", p2p.Unchoke())
	wb.reset()
	f.torrent.assign(f.clock)
	assert.Equal(t, []p2p.Message{
		p2p.Request(0, 0, piece.SliceSize),
		p2p.Request(0, piece.SliceSize, piece.SliceSize),
	}, wb.requests())
	assert.Len(t, b.requests, 2)
}

func TestEndgameRequestsOthersSlicesOnce(t *testing.T) {
	f := newFixture(t, 2*piece.SliceSize, 2*piece.SliceSize, testConfig())
	f.tracker.On("Announce", mock.Anything, mock.MatchedBy(func(req tracker.AnnounceRequest) bool {
		return req.Event == tracker.EventCompleted
	})).Return(tracker.AnnounceResponse{}, nil).Once()
	_, wa := f.join(t, "a")
	b, wb := f.join(t, "b")
	f.event(t, "a", p2p.Bitfield([]byte{0x80}))
	f.event(t, "b", p2p.Bitfield([]byte{0x80}))
	f.event(t, "a", p2p.Unchoke())
	f.torrent.assign(f.clock)

	wb.reset()
	f.event(t, "b", p2p.Unchoke())
	f.torrent.assign(f.clock)
	f.torrent.assign(f.clock)
	assert.Len(t, b.requests, 2)
	assert.Equal(t, []p2p.Message{
		p2p.Request(0, 0, piece.SliceSize),
		p2p.Request(0, piece.SliceSize, piece.SliceSize),
	}, wb.requests())

	// b finishes the piece; a's duplicate requests are cancelled
	wa.reset()
	f.event(t, "b", p2p.Piece(0, 0, f.content[:piece.SliceSize]))
	f.event(t, "b", p2p.Piece(0, piece.SliceSize, f.content[piece.SliceSize:]))
	assert.True(t, f.torrent.store.Has(0))
	assert.Contains(t, wa.sent, p2p.Cancel(0, 0, piece.SliceSize))
	assert.Contains(t, wa.sent, p2p.Cancel(0, piece.SliceSize, piece.SliceSize))
	assert.Empty(t, f.torrent.peers["a"].requests)

	f.torrent.bg.Wait()
	f.tracker.AssertExpectations(t)
}

func TestHashFailureBansSoleContributor(t *testing.T) {
	f := newFixture(t, piece.SliceSize, piece.SliceSize, testConfig())
	a, wa := f.join(t, "a")
	f.event(t, "a", p2p.Bitfield([]byte{0x80}))
	f.event(t, "a", p2p.Unchoke())
	f.torrent.assign(f.clock)

	corrupt := make([]byte, piece.SliceSize)
	f.event(t, "a", p2p.Piece(0, 0, corrupt))

	assert.True(t, wa.closed)
	assert.NotContains(t, f.torrent.peers, "a")
	assert.True(t, f.torrent.banned.Contains("a"))
	assert.True(t, f.torrent.isBanned(a.id))
	assert.Equal(t, piece.Incomplete, f.torrent.store.Piece(0).State())
	assert.Equal(t, 0, f.torrent.store.Piece(0).NextSlice(f.clock, false))
	assert.Equal(t, int64(piece.SliceSize), f.torrent.store.Left())

	w := &fakeWire{}
	f.torrent.addPeer("a2", w, "")
	f.event(t, "a2", p2p.Message{
		ID:        models.MessageIDHandshake,
		Handshake: &p2p.Handshake{InfoHash: f.torrent.meta.InfoHash, PeerID: a.id},
	})
	assert.True(t, w.closed)
}

func TestOutOfRangeBlockIsDropped(t *testing.T) {
	f := newFixture(t, piece.SliceSize, piece.SliceSize, testConfig())
	_, w := f.join(t, "a")
	f.event(t, "a", p2p.Piece(0, piece.SliceSize, []byte{1, 2, 3}))
	f.event(t, "a", p2p.Piece(7, 0, []byte{1, 2, 3}))
	assert.False(t, w.closed)
	assert.Equal(t, int64(0), f.torrent.downloaded)
}

func TestServeRequests(t *testing.T) {
	f := newFixture(t, 2*piece.SliceSize, piece.SliceSize, testConfig())
	require.NoError(t, afero.WriteFile(f.fs, "out.bin", f.content, 0o644))
	_, err := f.torrent.store.Recheck()
	require.NoError(t, err)

	p, w := f.join(t, "a")
	w.reset()

	f.event(t, "a", p2p.Request(1, 0, 100))
	assert.Empty(t, w.sent, "choked peers are not served")

	f.torrent.rotateChokes()
	require.False(t, p.choked)
	w.reset()

	f.event(t, "a", p2p.Request(1, 10, 100))
	f.event(t, "a", p2p.Request(1, 0, maxRequestLength+1))
	f.event(t, "a", p2p.Request(5, 0, 100))
	f.event(t, "a", p2p.Cancel(1, 10, 100))
	assert.Equal(t, []p2p.Message{
		p2p.Piece(1, 10, f.content[piece.SliceSize+10:piece.SliceSize+110]),
	}, w.sent)
	assert.Equal(t, int64(100), f.torrent.uploaded)
}

func TestServeRequestsWithFullQueue(t *testing.T) {
	f := newFixture(t, 2*piece.SliceSize, piece.SliceSize, testConfig())
	require.NoError(t, afero.WriteFile(f.fs, "out.bin", f.content, 0o644))
	_, err := f.torrent.store.Recheck()
	require.NoError(t, err)

	_, w := f.join(t, "a")
	f.torrent.rotateChokes()
	w.reset()

	w.full = true
	for begin := 0; begin < piece.SliceSize; begin += 100 {
		f.event(t, "a", p2p.Request(0, begin, 100))
	}
	assert.False(t, w.closed)
	assert.Contains(t, f.torrent.peers, "a")
	assert.Empty(t, w.sent)
	assert.Equal(t, int64(0), f.torrent.uploaded)

	w.full = false
	f.event(t, "a", p2p.Request(0, 0, 100))
	assert.Equal(t, []p2p.Message{p2p.Piece(0, 0, f.content[:100])}, w.sent)
	assert.Equal(t, int64(100), f.torrent.uploaded)
}

type syncRecordingFile struct {
	afero.File
	synced *bool
}

func (f syncRecordingFile) Sync() error {
	*f.synced = true
	return f.File.Sync()
}

type syncRecordingFs struct {
	afero.Fs
	synced bool
}

func (fs *syncRecordingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := fs.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return syncRecordingFile{File: f, synced: &fs.synced}, nil
}

func TestShutdownFlushesBeforeStoppedAnnounce(t *testing.T) {
	f := newFixture(t, piece.SliceSize, piece.SliceSize, testConfig())
	fs := &syncRecordingFs{Fs: f.fs}
	file, err := storage.Open(fs, "out.bin", int64(len(f.content)))
	require.NoError(t, err)
	f.torrent.store = piece.NewStore(f.torrent.meta.Info, file)
	f.torrent.started = true

	_, w := f.join(t, "a")
	f.tracker.On("Announce", mock.Anything, mock.MatchedBy(func(req tracker.AnnounceRequest) bool {
		return req.Event == tracker.EventStopped
	})).Run(func(mock.Arguments) {
		assert.True(t, fs.synced, "output flushed before the stopped announce")
	}).Return(tracker.AnnounceResponse{}, nil).Once()

	f.torrent.shutdown(context.Background())
	assert.True(t, w.closed)
	assert.Empty(t, f.torrent.peers)
	f.tracker.AssertExpectations(t)
}

func TestAnnounceResults(t *testing.T) {
	f := newFixture(t, piece.SliceSize, piece.SliceSize, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.Equal(t, tracker.EventStarted, f.torrent.periodicEvent())
	next := f.torrent.onAnnounced(ctx, announceResult{event: tracker.EventStarted, err: tracker.ErrTrackerFailure})
	assert.Equal(t, defaultReannounce, next)
	assert.Equal(t, tracker.EventStarted, f.torrent.periodicEvent())

	peers := []models.Peer{
		{Addr: models.Addr{IP: []byte{127, 0, 0, 1}, Port: 0}},
	}
	next = f.torrent.onAnnounced(ctx, announceResult{
		event: tracker.EventStarted,
		resp:  tracker.AnnounceResponse{Peers: peers, Interval: 10 * time.Minute},
	})
	assert.Equal(t, 5*time.Minute, next)
	assert.Equal(t, tracker.EventNone, f.torrent.periodicEvent())
	assert.Empty(t, f.torrent.pending, "port zero is never dialed")
}
