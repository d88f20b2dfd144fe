package tempfiles

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/juju/clock"
)

// Service provides application-level operations on temporary files:
// registration, delivery, and reclamation. It owns the delete-blob-then-
// delete-row sequence; no other component removes records or blobs.
type Service struct {
	repo       Repository
	blobs      BlobStore
	clock      clock.Clock
	defaultTTL time.Duration
	logger     *slog.Logger
}

// NewService creates a new temporary file service.
func NewService(repo Repository, blobs BlobStore, clk clock.Clock, defaultTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		repo:       repo,
		blobs:      blobs,
		clock:      clk,
		defaultTTL: defaultTTL,
		logger:     logger,
	}
}

// Create stores a finished document and registers it under a fresh id.
// The blob is written first, under a path derived from the id rather than
// the caller-supplied name; if the registry insert fails, the blob is
// removed so that either both resources exist or neither is observable.
func (s *Service) Create(name, contentType string, content io.Reader, ttl time.Duration) (*TempFile, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	id := NewID()

	size, err := s.blobs.Save(id, content)
	if err != nil {
		return nil, fmt.Errorf("failed to save blob: %w", err)
	}

	now := s.clock.Now().UTC()
	file := &TempFile{
		ID:          id,
		Name:        name,
		ContentType: contentType,
		Size:        size,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	if err := s.repo.Create(file); err != nil {
		if delErr := s.blobs.Delete(id); delErr != nil {
			s.logger.Error("failed to remove blob after registry failure",
				"file_id", id, "error", delErr)
		}
		return nil, fmt.Errorf("failed to register file: %w", err)
	}

	return file, nil
}

// Download returns the record and a reader for its content, incrementing
// the download count. Returns ErrNotFound for unknown ids and ErrExpired
// once the time-to-live has passed, whether or not a sweep has run. A
// record reclaimed between the expiry check and the count increment
// surfaces as ErrNotFound rather than stale content.
func (s *Service) Download(id string) (*TempFile, io.ReadCloser, error) {
	file, err := s.repo.FindByID(id)
	if err != nil {
		return nil, nil, err
	}

	if file.Expired(s.clock.Now().UTC()) {
		return nil, nil, ErrExpired
	}

	content, err := s.blobs.Open(id)
	if err != nil {
		return nil, nil, err
	}

	file, err = s.repo.RecordDownload(id)
	if err != nil {
		content.Close()
		return nil, nil, err
	}

	return file, content, nil
}

// Info returns the record's metadata without incrementing the download
// count or touching the blob.
func (s *Service) Info(id string) (*TempFile, error) {
	file, err := s.repo.FindByID(id)
	if err != nil {
		return nil, err
	}
	if file.Expired(s.clock.Now().UTC()) {
		return nil, ErrExpired
	}
	return file, nil
}

// ListActive returns all records that have not yet expired.
func (s *Service) ListActive() ([]*TempFile, error) {
	return s.repo.ListActive(s.clock.Now().UTC())
}

// Delete removes one record and its blob immediately, without waiting for
// expiry. Blob first, then row, so the blob never outlives the row.
func (s *Service) Delete(id string) error {
	if err := s.blobs.Delete(id); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return s.repo.Delete(id)
}

// Reclaim removes all expired records and their blobs and returns the
// count removed. An individual failure is logged and skipped so one bad
// record cannot block reclamation of the rest; that record stays and is
// retried on the next sweep. Running Reclaim twice with no new
// expirations removes nothing the second time.
func (s *Service) Reclaim() (int, error) {
	now := s.clock.Now().UTC()

	expired, err := s.repo.ListExpired(now)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired files: %w", err)
	}

	removed := 0
	for _, file := range expired {
		// An absent blob is fine: a previous partial sweep may have
		// removed it before crashing between blob and row.
		if err := s.blobs.Delete(file.ID); err != nil {
			s.logger.Error("failed to delete expired blob",
				"file_id", file.ID, "error", err)
			continue
		}

		if err := s.repo.Delete(file.ID); err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.logger.Error("failed to delete expired record",
					"file_id", file.ID, "error", err)
			}
			continue
		}

		removed++
	}

	return removed, nil
}

// ReconcileOrphans removes blobs that have no registry row. The registry
// is authoritative after a crash: a blob without a row is unreachable and
// is reclaimed here rather than re-registered.
func (s *Service) ReconcileOrphans() (int, error) {
	ids, err := s.blobs.IDs()
	if err != nil {
		return 0, fmt.Errorf("failed to list blobs: %w", err)
	}

	removed := 0
	for _, id := range ids {
		_, err := s.repo.FindByID(id)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error("failed to look up blob during reconcile",
				"file_id", id, "error", err)
			continue
		}

		if err := s.blobs.Delete(id); err != nil {
			s.logger.Error("failed to delete orphaned blob",
				"file_id", id, "error", err)
			continue
		}

		s.logger.Info("removed orphaned blob", "file_id", id)
		removed++
	}

	return removed, nil
}
