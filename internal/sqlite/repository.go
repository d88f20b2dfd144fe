package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/filedrop/filedrop/internal/tempfiles"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Repository implements tempfiles.Repository using SQLite. The database
// is a single file; it is the only durable record of what physically
// exists and survives process restarts.
type Repository struct {
	db *sql.DB
}

// NewRepository opens (or creates) the database at dbPath and applies
// any pending schema migrations.
func NewRepository(dbPath string) (*Repository, error) {
	// WAL lets reads proceed concurrently with writes to other rows;
	// busy_timeout serializes the rare write/write collision instead of
	// failing it.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Repository{db: db}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// Create inserts a new record.
func (r *Repository) Create(file *tempfiles.TempFile) error {
	query := `
	INSERT INTO temp_files (id, name, content_type, size, created_at, expires_at, download_count)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Exec(query,
		file.ID,
		file.Name,
		file.ContentType,
		file.Size,
		file.CreatedAt,
		file.ExpiresAt,
		file.DownloadCount,
	)
	if err != nil {
		return fmt.Errorf("failed to create file record: %w", err)
	}

	return nil
}

// FindByID retrieves a record by id.
func (r *Repository) FindByID(id string) (*tempfiles.TempFile, error) {
	query := `
	SELECT id, name, content_type, size, created_at, expires_at, download_count
	FROM temp_files
	WHERE id = ?
	`

	file, err := scanFile(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tempfiles.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find file: %w", err)
	}

	return file, nil
}

// RecordDownload increments the download count and returns the updated
// record in a single statement, so a concurrent delete can never yield a
// partially-updated row: either the row still exists and the increment
// lands, or the update matches nothing and ErrNotFound is returned.
func (r *Repository) RecordDownload(id string) (*tempfiles.TempFile, error) {
	query := `
	UPDATE temp_files
	SET download_count = download_count + 1
	WHERE id = ?
	RETURNING id, name, content_type, size, created_at, expires_at, download_count
	`

	file, err := scanFile(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tempfiles.ErrNotFound
		}
		return nil, fmt.Errorf("failed to record download: %w", err)
	}

	return file, nil
}

// Delete removes a record. Deleting an already-deleted id returns
// tempfiles.ErrNotFound.
func (r *Repository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM temp_files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete file record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return tempfiles.ErrNotFound
	}

	return nil
}

// ListActive returns all records with expires_at > now, newest first.
func (r *Repository) ListActive(now time.Time) ([]*tempfiles.TempFile, error) {
	return r.list(`
	SELECT id, name, content_type, size, created_at, expires_at, download_count
	FROM temp_files
	WHERE expires_at > ?
	ORDER BY created_at DESC
	`, now)
}

// ListExpired returns all records with expires_at <= now.
func (r *Repository) ListExpired(now time.Time) ([]*tempfiles.TempFile, error) {
	return r.list(`
	SELECT id, name, content_type, size, created_at, expires_at, download_count
	FROM temp_files
	WHERE expires_at <= ?
	`, now)
}

func (r *Repository) list(query string, now time.Time) ([]*tempfiles.TempFile, error) {
	rows, err := r.db.Query(query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var files []*tempfiles.TempFile
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file row: %w", err)
		}
		files = append(files, file)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file rows: %w", err)
	}

	return files, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (*tempfiles.TempFile, error) {
	var file tempfiles.TempFile
	err := row.Scan(
		&file.ID,
		&file.Name,
		&file.ContentType,
		&file.Size,
		&file.CreatedAt,
		&file.ExpiresAt,
		&file.DownloadCount,
	)
	if err != nil {
		return nil, err
	}
	return &file, nil
}
