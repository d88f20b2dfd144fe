package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/filedrop/filedrop/internal/tempfiles"
)

// uploadResult is the response to a producer upload: the record plus the
// public download URL derived for it.
type uploadResult struct {
	*tempfiles.TempFile
	URL string `json:"url"`
}

// downloadFile handles GET /files/{id}. Status codes disambiguate cause:
// 400 malformed id, 404 unknown or already reclaimed, 410 expired.
func (s *Server) downloadFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !tempfiles.ValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}

	file, content, err := s.svc.Download(id)
	if err != nil {
		s.writeLookupError(w, r, id, err)
		return
	}
	defer content.Close()

	w.Header().Set("Content-Type", file.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Name))
	w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, content); err != nil {
		s.logger.Error("failed to stream file", "file_id", id, "error", err)
	}
}

// fileInfo handles GET /files/{id}/info. Same lookup and expiry checks
// as download, but metadata only: the download count is not incremented.
func (s *Server) fileInfo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !tempfiles.ValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}

	file, err := s.svc.Info(id)
	if err != nil {
		s.writeLookupError(w, r, id, err)
		return
	}

	writeJSON(w, http.StatusOK, file)
}

// cleanup handles POST /cleanup: one synchronous run of the same
// reclamation routine the background sweeper uses.
func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.svc.Reclaim()
	if err != nil {
		s.logger.Error("manual cleanup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// uploadFile handles POST /v1/files: multipart upload of a finished
// document, with an optional ttl_hours field.
func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxSize)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large") {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()

	var ttl time.Duration
	if v := r.FormValue("ttl_hours"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 {
			writeError(w, http.StatusBadRequest, "ttl_hours must be a positive integer")
			return
		}
		ttl = time.Duration(hours) * time.Hour
	}

	result, err := s.svc.Create(header.Filename, header.Header.Get("Content-Type"), file, ttl)
	if err != nil {
		s.logger.Error("upload failed", "filename", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}

	s.logger.Info("file registered",
		"file_id", result.ID,
		"filename", result.Name,
		"size", humanize.Bytes(uint64(result.Size)),
		"expires_at", result.ExpiresAt,
	)

	writeJSON(w, http.StatusCreated, uploadResult{
		TempFile: result,
		URL:      s.urls.BuildURL(result.ID),
	})
}

// listFiles handles GET /v1/files: all records that have not expired.
func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.svc.ListActive()
	if err != nil {
		s.logger.Error("failed to list files", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list files")
		return
	}
	if files == nil {
		files = []*tempfiles.TempFile{}
	}

	writeJSON(w, http.StatusOK, files)
}

// deleteFile handles DELETE /v1/files/{id}: immediate removal of one
// record and its blob.
func (s *Server) deleteFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !tempfiles.ValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}

	if err := s.svc.Delete(id); err != nil {
		if errors.Is(err, tempfiles.ErrNotFound) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		s.logger.Error("delete failed", "file_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeLookupError(w http.ResponseWriter, r *http.Request, id string, err error) {
	switch {
	case errors.Is(err, tempfiles.ErrNotFound):
		writeError(w, http.StatusNotFound, "file not found")
	case errors.Is(err, tempfiles.ErrExpired):
		writeError(w, http.StatusGone, "file has expired")
	default:
		s.logger.Error("lookup failed", "file_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
