package tempfiles

import (
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no record exists for an id, either because
// it was never registered or because it has already been reclaimed.
var ErrNotFound = errors.New("file not found")

// ErrExpired is returned when a record exists but its time-to-live has
// passed. Expiry is a property of time, not of sweep completion: a record
// is expired as soon as the clock passes expires_at, even if the sweep
// has not physically removed it yet.
var ErrExpired = errors.New("file has expired")

// TempFile represents the metadata of one registered temporary file.
// The blob location is derived from ID by the blob store and never stored
// or exposed here.
type TempFile struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ContentType   string    `json:"content_type"`
	Size          int64     `json:"size"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	DownloadCount int64     `json:"download_count"`
}

// Expired reports whether the file's time-to-live has passed at now.
func (f *TempFile) Expired(now time.Time) bool {
	return !f.ExpiresAt.After(now)
}

// Repository defines the interface for the persisted registry of records.
// The registry is the single source of truth for record existence.
type Repository interface {
	// Create inserts a new record. No record is visible on failure.
	Create(file *TempFile) error

	// FindByID retrieves a record by id without mutating it.
	// Returns ErrNotFound when absent.
	FindByID(id string) (*TempFile, error)

	// RecordDownload atomically increments the download count and returns
	// the updated record. Returns ErrNotFound if the record was deleted
	// by a concurrent sweep.
	RecordDownload(id string) (*TempFile, error)

	// Delete removes a record. Idempotent: deleting an absent id returns
	// ErrNotFound, never a partial failure.
	Delete(id string) error

	// ListActive returns all records with expires_at > now.
	ListActive(now time.Time) ([]*TempFile, error)

	// ListExpired returns all records with expires_at <= now.
	ListExpired(now time.Time) ([]*TempFile, error)
}

// BlobStore defines the interface for the physical blob storage.
type BlobStore interface {
	// Save writes the blob for id and returns the number of bytes written.
	Save(id string, content io.Reader) (int64, error)

	// Open returns a reader for the blob. Returns ErrNotFound when the
	// blob is absent.
	Open(id string) (io.ReadCloser, error)

	// Delete removes the blob. An already-absent blob is not an error.
	Delete(id string) error

	// IDs lists the ids of all blobs currently on disk.
	IDs() ([]string, error)
}

// NewID allocates a new random identifier (UUID v4, 122 bits of entropy).
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id has the canonical identifier shape. Anything
// else is rejected before it can reach a lookup or the blob store.
func ValidID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
