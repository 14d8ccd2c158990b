// Package storage provides SQLite storage implementation
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Use modernc.org/sqlite for pure Go SQLite (CGO-free)
)

// SQLiteStore implements Store interface with SQLite backend
type SQLiteStore struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(config *SQLiteConfig) (*SQLiteStore, error) {
	if config == nil {
		return nil, ErrMissingSQLiteConfig
	}

	// Ensure directory exists
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{
		db:   db,
		path: config.Path,
	}

	if err := store.initSchema(config); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema(config *SQLiteConfig) error {
	schema := `
	CREATE TABLE IF NOT EXISTS downloads (
		id TEXT PRIMARY KEY,
		model_id TEXT NOT NULL,
		status TEXT NOT NULL,
		source TEXT,
		bytes_downloaded INTEGER DEFAULT 0,
		bytes_total INTEGER DEFAULT 0,
		error TEXT,
		started_at INTEGER,
		finished_at INTEGER NOT NULL,
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_downloads_model_id ON downloads(model_id);
	CREATE INDEX IF NOT EXISTS idx_downloads_finished ON downloads(finished_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = memory",
	}
	if config.EnableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	for key, value := range config.Pragmas {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA %s = %s", key, value))
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	return nil
}

// CreateDownload stores a finished download attempt
func (s *SQLiteStore) CreateDownload(ctx context.Context, record *DownloadRecord) error {
	if record.ModelID == "" {
		return ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == "" {
		record.ID = generateID("dl")
	}
	if record.FinishedAt.IsZero() {
		record.FinishedAt = timeNow()
	}

	metadataJSON, _ := json.Marshal(record.Metadata)

	query := `
	INSERT INTO downloads (id, model_id, status, source, bytes_downloaded, bytes_total, error, started_at, finished_at, metadata)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.ModelID,
		record.Status,
		record.Source,
		record.BytesDownloaded,
		record.BytesTotal,
		record.Error,
		timeToUnix(record.StartedAt),
		record.FinishedAt.UnixMilli(),
		string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert download: %w", err)
	}
	return nil
}

// GetDownload retrieves a download record by ID
func (s *SQLiteStore) GetDownload(ctx context.Context, id string) (*DownloadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT id, model_id, status, source, bytes_downloaded, bytes_total, error, started_at, finished_at, metadata
	FROM downloads
	WHERE id = ?
	`

	record, err := scanDownload(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrDownloadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get download: %w", err)
	}
	return record, nil
}

// ListDownloads lists download records, newest first
func (s *SQLiteStore) ListDownloads(ctx context.Context, modelID string, limit, offset int) ([]*DownloadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	query := `
	SELECT id, model_id, status, source, bytes_downloaded, bytes_total, error, started_at, finished_at, metadata
	FROM downloads
	WHERE (? = '' OR model_id = ?)
	ORDER BY finished_at DESC, rowid DESC
	LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, modelID, modelID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	records := []*DownloadRecord{}
	for rows.Next() {
		record, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// DeleteDownloads removes every record of a model
func (s *SQLiteStore) DeleteDownloads(ctx context.Context, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM downloads WHERE model_id = ?", modelID); err != nil {
		return fmt.Errorf("failed to delete downloads: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDownload(row rowScanner) (*DownloadRecord, error) {
	var (
		record       DownloadRecord
		source       sql.NullString
		errMsg       sql.NullString
		startedAt    sql.NullInt64
		finishedAt   int64
		metadataJSON []byte
	)

	err := row.Scan(
		&record.ID,
		&record.ModelID,
		&record.Status,
		&source,
		&record.BytesDownloaded,
		&record.BytesTotal,
		&errMsg,
		&startedAt,
		&finishedAt,
		&metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	record.Source = source.String
	record.Error = errMsg.String
	record.StartedAt = unixToTime(startedAt)
	record.FinishedAt = time.UnixMilli(finishedAt).UTC()
	if len(metadataJSON) > 0 {
		json.Unmarshal(metadataJSON, &record.Metadata)
	}
	return &record, nil
}

func timeNow() time.Time {
	return time.Now().UTC()
}

func timeToUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func unixToTime(t sql.NullInt64) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return time.UnixMilli(t.Int64).UTC()
}
