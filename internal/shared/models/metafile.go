package models

import "encoding/hex"

type Metafile struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Info         Info       `bencode:"info"`
	InfoHash     Hash       `bencode:"-"`
}

type Info struct {
	Name         string `bencode:"name"`
	Length       int    `bencode:"length"`
	PieceLength  int    `bencode:"piece length"`
	Pieces       string `bencode:"pieces"`
	PiecesHashes []Hash `bencode:"-"`
	Files        []File `bencode:"files,omitempty"`
}

type File struct {
	Length int      `bencode:"length"`
	Path   []string `bencode:"path"`
}

// Hash is a SHA-1 digest: an info-hash, a piece hash or a 20-byte peer id.
type Hash [20]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// TrackerURL returns the announce URL, falling back to the first announce-list entry.
func (m Metafile) TrackerURL() string {
	if m.Announce != "" {
		return m.Announce
	}
	for _, tier := range m.AnnounceList {
		for _, announce := range tier {
			if announce != "" {
				return announce
			}
		}
	}
	return ""
}

// PieceSize returns the size of piece index; the last piece may be shorter.
func (i Info) PieceSize(index int) int {
	begin := index * i.PieceLength
	end := begin + i.PieceLength
	if end > i.Length {
		end = i.Length
	}
	return end - begin
}
