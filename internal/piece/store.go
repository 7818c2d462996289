package piece

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/WendelHime/swarm/internal/shared/models"
	"github.com/WendelHime/swarm/internal/storage"
)

var ErrNotComplete = errors.New("piece not complete")

// Store owns every piece of a torrent and the file they are committed to.
type Store struct {
	pieces      []*Piece
	pieceLength int
	length      int64
	file        *storage.File
	left        int64
	completed   int
}

func NewStore(info models.Info, file *storage.File) *Store {
	s := &Store{
		pieces:      make([]*Piece, len(info.PiecesHashes)),
		pieceLength: info.PieceLength,
		length:      int64(info.Length),
		file:        file,
		left:        int64(info.Length),
	}
	for i, hash := range info.PiecesHashes {
		s.pieces[i] = New(i, info.PieceSize(i), hash)
	}
	return s
}

func (s *Store) Len() int {
	return len(s.pieces)
}

func (s *Store) Piece(index int) *Piece {
	if index < 0 || index >= len(s.pieces) {
		return nil
	}
	return s.pieces[index]
}

func (s *Store) Has(index int) bool {
	p := s.Piece(index)
	return p != nil && p.State() == Complete
}

func (s *Store) Left() int64 {
	return s.left
}

func (s *Store) Length() int64 {
	return s.length
}

func (s *Store) Completed() int {
	return s.completed
}

func (s *Store) Done() bool {
	return s.completed == len(s.pieces)
}

// Recheck hashes every region of the existing file and marks matching pieces
// complete. It returns the number of pieces found intact.
func (s *Store) Recheck() (int, error) {
	found := 0
	for _, p := range s.pieces {
		if p.State() == Complete {
			continue
		}
		buf := make([]byte, p.Size)
		if _, err := s.file.ReadAt(buf, s.offset(p.Index)); err != nil {
			return found, fmt.Errorf("recheck piece %d: %w", p.Index, err)
		}
		sum := sha1.Sum(buf)
		if !bytes.Equal(sum[:], p.Hash[:]) {
			continue
		}
		p.markComplete()
		s.account(p)
		found++
	}
	return found, nil
}

// Commit writes a verified piece to its region of the file and releases its
// buffer.
func (s *Store) Commit(index int) error {
	p := s.Piece(index)
	if p == nil || p.State() != Complete || p.Data() == nil {
		return fmt.Errorf("commit piece %d: %w", index, ErrNotComplete)
	}
	if _, err := s.file.WriteAt(p.Data(), s.offset(index)); err != nil {
		return fmt.Errorf("commit piece %d: %w", index, err)
	}
	p.releaseData()
	s.account(p)
	return nil
}

func (s *Store) account(p *Piece) {
	s.left -= int64(p.Size)
	s.completed++
}

// ReadBlock reads length bytes at begin of a complete piece.
func (s *Store) ReadBlock(index, begin, length int) ([]byte, error) {
	p := s.Piece(index)
	if p == nil || p.State() != Complete {
		return nil, ErrNotComplete
	}
	if begin < 0 || length <= 0 || begin+length > p.Size {
		return nil, ErrOutOfRange
	}
	buf := make([]byte, length)
	if _, err := s.file.ReadAt(buf, s.offset(index)+int64(begin)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Bitfield encodes the complete pieces MSB-first as sent on the wire.
func (s *Store) Bitfield() []byte {
	bits := make([]byte, (len(s.pieces)+7)/8)
	for i, p := range s.pieces {
		if p.State() == Complete {
			bits[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return bits
}

func (s *Store) offset(index int) int64 {
	return int64(index) * int64(s.pieceLength)
}

func (s *Store) Sync() error {
	return s.file.Sync()
}

func (s *Store) Close() error {
	return s.file.Close()
}
