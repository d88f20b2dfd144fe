package tempfiles_test

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filedrop/filedrop/internal/fs"
	"github.com/filedrop/filedrop/internal/sqlite"
	"github.com/filedrop/filedrop/internal/tempfiles"
)

var startTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, clk clock.Clock) (*tempfiles.Service, *sqlite.Repository, *fs.Storage) {
	t.Helper()

	dir := t.TempDir()

	repo, err := sqlite.NewRepository(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	storage := fs.NewStorage(filepath.Join(dir, "blobs"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return tempfiles.NewService(repo, storage, clk, 24*time.Hour, logger), repo, storage
}

func TestCreate(t *testing.T) {
	clk := testclock.NewClock(startTime)
	svc, _, storage := newTestService(t, clk)

	file, err := svc.Create("report.docx", "", strings.NewReader("document body"), time.Hour)
	require.NoError(t, err)

	assert.True(t, tempfiles.ValidID(file.ID))
	assert.Equal(t, "report.docx", file.Name)
	assert.Equal(t, "application/octet-stream", file.ContentType)
	assert.EqualValues(t, 13, file.Size)
	assert.True(t, file.CreatedAt.Equal(startTime))
	assert.True(t, file.ExpiresAt.Equal(file.CreatedAt.Add(time.Hour)))
	assert.EqualValues(t, 0, file.DownloadCount)

	rc, err := storage.Open(file.ID)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "document body", string(data))
}

func TestCreateDefaultTTL(t *testing.T) {
	clk := testclock.NewClock(startTime)
	svc, _, _ := newTestService(t, clk)

	file, err := svc.Create("report.docx", "", strings.NewReader("x"), 0)
	require.NoError(t, err)

	assert.True(t, file.ExpiresAt.Equal(file.CreatedAt.Add(24*time.Hour)))
}

func TestCreateDistinctIDs(t *testing.T) {
	clk := testclock.NewClock(startTime)
	svc, _, _ := newTestService(t, clk)

	first, err := svc.Create("report.docx", "", strings.NewReader("a"), time.Hour)
	require.NoError(t, err)
	second, err := svc.Create("report.docx", "", strings.NewReader("b"), time.Hour)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
}

func TestDownloadIncrementsCount(t *testing.T) {
	clk := testclock.NewClock(startTime)
	svc, _, _ := newTestService(t, clk)

	created, err := svc.Create("report.docx", "text/plain", strings.NewReader("contents"), time.Hour)
	require.NoError(t, err)

	file, rc, err := svc.Download(created.ID)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()

	assert.Equal(t, "contents", string(data))
	assert.EqualValues(t, 1, file.DownloadCount)

	file, rc, err = svc.Download(created.ID)
	require.NoError(t, err)
	rc.Close()
	assert.EqualValues(t, 2, file.DownloadCount)

	// Info does not increment.
	info, err := svc.Info(created.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, info.DownloadCount)
}

func TestDownloadUnknown(t *testing.T) {
	clk := testclock.NewClock(startTime)
	svc, _, _ := newTestService(t, clk)

	_, _, err := svc.Download(tempfiles.NewID())
	assert.ErrorIs(t, err, tempfiles.ErrNotFound)
}

func TestDownloadExpiredBeforeSweep(t *testing.T) {
	clk := testclock.NewClock(startTime)
	svc, repo, _ := newTestService(t, clk)

	created, err := svc.Create("report.docx", "", strings.NewReader("x"), time.Hour)
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)

	// Expiry is logical: the row still physically exists, but both
	// download and info must refuse to serve it.
	_, _, err = svc.Download(created.ID)
	assert.ErrorIs(t, err, tempfiles.ErrExpired)

	_, err = svc.Info(created.ID)
	assert.ErrorIs(t, err, tempfiles.ErrExpired)

	_, err = repo.FindByID(created.ID)
	assert.NoError(t, err)
}

func TestReclaim(t *testing.T) {
	clk := testclock.NewClock(startTime)
	svc, repo, storage := newTestService(t, clk)

	expired, err := svc.Create("old.docx", "", strings.NewReader("x"), time.Hour)
	require.NoError(t, err)
	active, err := svc.Create("new.docx", "", strings.NewReader("y"), 48*time.Hour)
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)

	removed, err := svc.Reclaim()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = repo.FindByID(expired.ID)
	assert.ErrorIs(t, err, tempfiles.ErrNotFound)
	_, err = storage.Open(expired.ID)
	assert.ErrorIs(t, err, tempfiles.ErrNotFound)

	// The active record is untouched.
	_, rc, err := svc.Download(active.ID)
	require.NoError(t, err)
	rc.Close()

	// A second run with no new expirations removes nothing.
	removed, err = svc.Reclaim()
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestReclaimToleratesAbsentBlob(t *testing.T) {
	clk := testclock.NewClock(startTime)
	svc, repo, storage := newTestService(t, clk)

	created, err := svc.Create("report.docx", "", strings.NewReader("x"), time.Hour)
	require.NoError(t, err)

	// Simulate a previous partial sweep that removed the blob but
	// crashed before deleting the row.
	require.NoError(t, storage.Delete(created.ID))

	clk.Advance(2 * time.Hour)

	removed, err := svc.Reclaim()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = repo.FindByID(created.ID)
	assert.ErrorIs(t, err, tempfiles.ErrNotFound)
}

func TestDelete(t *testing.T) {
	clk := testclock.NewClock(startTime)
	svc, repo, storage := newTestService(t, clk)

	created, err := svc.Create("report.docx", "", strings.NewReader("x"), time.Hour)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(created.ID))

	_, err = repo.FindByID(created.ID)
	assert.ErrorIs(t, err, tempfiles.ErrNotFound)
	_, err = storage.Open(created.ID)
	assert.ErrorIs(t, err, tempfiles.ErrNotFound)

	assert.ErrorIs(t, svc.Delete(created.ID), tempfiles.ErrNotFound)
}

func TestListActive(t *testing.T) {
	clk := testclock.NewClock(startTime)
	svc, _, _ := newTestService(t, clk)

	_, err := svc.Create("old.docx", "", strings.NewReader("x"), time.Hour)
	require.NoError(t, err)
	active, err := svc.Create("new.docx", "", strings.NewReader("y"), 48*time.Hour)
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)

	files, err := svc.ListActive()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, active.ID, files[0].ID)
}

func TestReconcileOrphans(t *testing.T) {
	clk := testclock.NewClock(startTime)
	svc, _, storage := newTestService(t, clk)

	registered, err := svc.Create("report.docx", "", strings.NewReader("x"), time.Hour)
	require.NoError(t, err)

	// A blob with no registry row, left over from a crash mid-create.
	orphanID := tempfiles.NewID()
	_, err = storage.Save(orphanID, strings.NewReader("leftover"))
	require.NoError(t, err)

	removed, err := svc.ReconcileOrphans()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = storage.Open(orphanID)
	assert.ErrorIs(t, err, tempfiles.ErrNotFound)

	// The registered blob survives.
	rc, err := storage.Open(registered.ID)
	require.NoError(t, err)
	rc.Close()
}
