package decoder

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/WendelHime/swarm/internal/shared/models"
	"github.com/zeebo/bencode"
)

var (
	ErrMultiFile      = errors.New("multi-file torrents are not supported")
	ErrInvalidPieces  = errors.New("invalid pieces field")
	ErrInvalidLengths = errors.New("invalid length or piece length")
	ErrInvalidName    = errors.New("invalid file name")
)

type MetafileDecoder interface {
	Decode(io.Reader) (models.Metafile, error)
}

type decoder struct{}

func NewDecoder() MetafileDecoder {
	return decoder{}
}

// serialization struct the represents the structure of a .torrent file
// it is not immediately usable, so it can be converted to a Metafile struct
type bencodeTorrent struct {
	// URL of tracker server to get peers from
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	// Info is parsed as a RawMessage to ensure that the final info_hash is
	// correct even in the case of the info dictionary being an unexpected shape
	Info bencode.RawMessage `bencode:"info"`
}

func (decoder) Decode(torrent io.Reader) (models.Metafile, error) {
	var response models.Metafile
	var bt bencodeTorrent
	err := bencode.NewDecoder(torrent).Decode(&bt)
	if err != nil {
		return response, fmt.Errorf("decode torrent: %w", err)
	}
	if len(bt.Info) == 0 {
		return response, fmt.Errorf("decode torrent: missing info dictionary")
	}

	response.Announce = bt.Announce
	response.AnnounceList = bt.AnnounceList
	response.InfoHash = calculateInfoHash(bt.Info)
	err = bencode.DecodeBytes(bt.Info, &response.Info)
	if err != nil {
		return response, fmt.Errorf("decode torrent info: %w", err)
	}

	if len(response.Info.Files) > 0 {
		return response, ErrMultiFile
	}
	if !validName(response.Info.Name) {
		return response, fmt.Errorf("%w: %q", ErrInvalidName, response.Info.Name)
	}
	if response.Info.Length <= 0 || response.Info.PieceLength <= 0 {
		return response, ErrInvalidLengths
	}

	response.Info.PiecesHashes, err = calculatePiecesHashes(response.Info.Pieces)
	if err != nil {
		return response, err
	}

	expected := (response.Info.Length + response.Info.PieceLength - 1) / response.Info.PieceLength
	if len(response.Info.PiecesHashes) != expected {
		return response, fmt.Errorf("%w: %d hashes for %d pieces", ErrInvalidPieces, len(response.Info.PiecesHashes), expected)
	}

	return response, nil
}

// validName accepts a single path element, so the output file always lands
// directly inside the output directory.
func validName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!filepath.IsAbs(name) && !strings.ContainsAny(name, `/\`) && !strings.ContainsRune(name, 0)
}

func calculateInfoHash(info []byte) models.Hash {
	return sha1.Sum(info)
}

func calculatePiecesHashes(pieces string) ([]models.Hash, error) {
	if len(pieces)%20 != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of 20", ErrInvalidPieces, len(pieces))
	}

	piecesHashes := make([]models.Hash, 0, len(pieces)/20)
	for i := 0; i < len(pieces); i += 20 {
		var hash models.Hash
		copy(hash[:], pieces[i:i+20])
		piecesHashes = append(piecesHashes, hash)
	}

	return piecesHashes, nil
}
