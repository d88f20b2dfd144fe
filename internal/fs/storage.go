package fs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/filedrop/filedrop/internal/tempfiles"
)

// Storage implements tempfiles.BlobStore on a local directory. Blobs are
// named by id only; caller-supplied filenames never reach the
// filesystem, so there are no collisions and no path traversal.
type Storage struct {
	dataDir string
}

// NewStorage creates a filesystem blob store rooted at dataDir.
func NewStorage(dataDir string) *Storage {
	return &Storage{dataDir: dataDir}
}

// Save writes the blob for id and returns the number of bytes written.
// A partially written blob is removed on failure.
func (s *Storage) Save(id string, content io.Reader) (int64, error) {
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create data directory: %w", err)
	}

	path := s.path(id)

	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}

	size, err := io.Copy(file, content)
	if err != nil {
		file.Close()
		os.Remove(path)
		return 0, fmt.Errorf("failed to write file content: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("failed to close file: %w", err)
	}

	return size, nil
}

// Open returns a reader for the blob's content.
func (s *Storage) Open(id string) (io.ReadCloser, error) {
	file, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, tempfiles.ErrNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Delete removes the blob. An already-absent blob is success: a crashed
// sweep may have removed the blob but not yet the row.
func (s *Storage) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// IDs lists the ids of all blobs in the data directory. Entries that do
// not look like identifiers (the registry database, editor droppings)
// are ignored.
func (s *Storage) IDs() ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !tempfiles.ValidID(entry.Name()) {
			continue
		}
		ids = append(ids, entry.Name())
	}

	return ids, nil
}

func (s *Storage) path(id string) string {
	return filepath.Join(s.dataDir, id)
}
