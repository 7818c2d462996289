package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

var ErrOutOfBounds = errors.New("region outside file")

// File is the destination file of a download, pre-sized to the torrent length.
// Writes are serialized so each piece lands in one critical section.
type File struct {
	mu     sync.Mutex
	file   afero.File
	path   string
	length int64
}

// Open opens or creates path on fs and truncates it to length. Existing
// content within length is preserved so it can be rechecked.
func Open(fs afero.Fs, path string, length int64) (*File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	f, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if err := f.Truncate(length); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate %s: %w", path, err)
	}

	return &File{file: f, path: path, length: length}, nil
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Len() int64 {
	return f.length
}

func (f *File) WriteAt(data []byte, offset int64) (int, error) {
	if offset < 0 || offset+int64(len(data)) > f.length {
		return 0, ErrOutOfBounds
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.file.WriteAt(data, offset)
}

func (f *File) ReadAt(data []byte, offset int64) (int, error) {
	if offset < 0 || offset+int64(len(data)) > f.length {
		return 0, ErrOutOfBounds
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.file.ReadAt(data, offset)
}

// Sync flushes written pieces to stable storage.
func (f *File) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.file.Sync()
}

// Close flushes and closes the underlying file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	syncErr := f.file.Sync()
	closeErr := f.file.Close()
	return errors.Join(syncErr, closeErr)
}
