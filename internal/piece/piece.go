package piece

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"time"

	"github.com/WendelHime/swarm/internal/shared/models"
	bitmap "github.com/boljen/go-bitmap"
)

// SliceSize is the unit requested from peers.
const SliceSize = 16 * 1024

// NoSlice is returned by NextSlice when nothing is left to request.
const NoSlice = -1

var (
	ErrOutOfRange    = errors.New("block outside piece bounds")
	ErrMisaligned    = errors.New("block does not match a slice")
	ErrPieceComplete = errors.New("piece already complete")
)

type State int

const (
	Incomplete State = iota
	Complete
)

func (s State) String() string {
	if s == Complete {
		return "complete"
	}
	return "incomplete"
}

// Piece tracks the slices of one piece. It is not safe for concurrent use;
// the coordinator is its only writer.
type Piece struct {
	Index int
	Size  int
	Hash  models.Hash

	state    State
	data     []byte
	received bitmap.Bitmap
	count    int
	// deadlines holds the in-flight deadline per slice, zero when not requested.
	deadlines []time.Time
}

func New(index, size int, hash models.Hash) *Piece {
	slices := (size + SliceSize - 1) / SliceSize
	return &Piece{
		Index:     index,
		Size:      size,
		Hash:      hash,
		received:  bitmap.New(slices),
		deadlines: make([]time.Time, slices),
	}
}

func (p *Piece) State() State {
	return p.state
}

func (p *Piece) Slices() int {
	return len(p.deadlines)
}

// SliceBounds returns the byte offset and request length of slice; the last
// slice of a piece may be short.
func (p *Piece) SliceBounds(slice int) (begin, length int) {
	begin = slice * SliceSize
	return begin, min(SliceSize, p.Size-begin)
}

// NextSlice returns the lowest slice that is neither received nor, unless
// allowRepeats is set, in flight at now. Expired in-flight slices count as free.
func (p *Piece) NextSlice(now time.Time, allowRepeats bool) int {
	if p.state == Complete {
		return NoSlice
	}
	for i := range p.deadlines {
		if p.received.Get(i) {
			continue
		}
		if allowRepeats || !p.inFlight(i, now) {
			return i
		}
	}
	return NoSlice
}

func (p *Piece) inFlight(slice int, now time.Time) bool {
	deadline := p.deadlines[slice]
	return !deadline.IsZero() && now.Before(deadline)
}

// InFlight reports whether any slice is requested and not yet expired.
func (p *Piece) InFlight(now time.Time) bool {
	for i := range p.deadlines {
		if !p.received.Get(i) && p.inFlight(i, now) {
			return true
		}
	}
	return false
}

func (p *Piece) MarkInFlight(slice int, deadline time.Time) {
	if slice < 0 || slice >= len(p.deadlines) || p.received.Get(slice) {
		return
	}
	p.deadlines[slice] = deadline
}

// Release makes an in-flight slice available again.
func (p *Piece) Release(slice int) {
	if slice < 0 || slice >= len(p.deadlines) {
		return
	}
	p.deadlines[slice] = time.Time{}
}

// MarkReceived copies block at offset begin. The block must cover exactly one
// slice.
func (p *Piece) MarkReceived(begin int, block []byte) error {
	if p.state == Complete {
		return ErrPieceComplete
	}
	if begin < 0 || begin >= p.Size || begin+len(block) > p.Size {
		return ErrOutOfRange
	}
	slice := begin / SliceSize
	start, length := p.SliceBounds(slice)
	if begin != start || len(block) != length {
		return ErrMisaligned
	}

	if p.data == nil {
		p.data = make([]byte, p.Size)
	}
	copy(p.data[begin:], block)
	p.deadlines[slice] = time.Time{}
	if !p.received.Get(slice) {
		p.received.Set(slice, true)
		p.count++
	}
	return nil
}

// Received reports whether every slice has been written.
func (p *Piece) Received() bool {
	return p.count == len(p.deadlines)
}

// Verify hashes the assembled buffer. On mismatch every slice and in-flight
// marker is cleared and the buffer is dropped.
func (p *Piece) Verify() bool {
	if p.state == Complete {
		return true
	}
	if p.Received() {
		sum := sha1.Sum(p.data)
		if bytes.Equal(sum[:], p.Hash[:]) {
			p.state = Complete
			return true
		}
	}
	p.reset()
	return false
}

func (p *Piece) reset() {
	p.state = Incomplete
	p.data = nil
	p.received = bitmap.New(len(p.deadlines))
	p.count = 0
	for i := range p.deadlines {
		p.deadlines[i] = time.Time{}
	}
}

// Data returns the assembled buffer; it is nil once released.
func (p *Piece) Data() []byte {
	return p.data
}

// markComplete is used by recheck when the bytes already sit on disk.
func (p *Piece) markComplete() {
	p.state = Complete
	p.count = len(p.deadlines)
	for i := range p.deadlines {
		p.received.Set(i, true)
		p.deadlines[i] = time.Time{}
	}
}

func (p *Piece) releaseData() {
	p.data = nil
}

// SliceReceived reports whether slice has been written.
func (p *Piece) SliceReceived(slice int) bool {
	return slice >= 0 && slice < len(p.deadlines) && p.received.Get(slice)
}
