// Package storage provides persistence for download history with multiple backend support
package storage

import (
	"context"
	"time"
)

// StorageType represents the type of storage backend
type StorageType string

const (
	StorageTypeMemory StorageType = "memory" // In-memory storage (ephemeral)
	StorageTypeSQLite StorageType = "sqlite" // SQLite file-based storage
)

// StorageConfig represents storage configuration
type StorageConfig struct {
	Type   StorageType   `mapstructure:"type" yaml:"type" json:"type"`
	SQLite *SQLiteConfig `mapstructure:"sqlite" yaml:"sqlite" json:"sqlite,omitempty"`
}

// SQLiteConfig contains SQLite-specific configuration
type SQLiteConfig struct {
	Path      string            `mapstructure:"path" yaml:"path" json:"path"`                    // Database file path
	Pragmas   map[string]string `mapstructure:"pragmas" yaml:"pragmas" json:"pragmas,omitempty"` // SQLite pragmas
	EnableWAL bool              `mapstructure:"enable_wal" yaml:"enable_wal" json:"enableWAL"`   // Enable WAL mode
}

// DownloadRecord is one finished download attempt
// DownloadRecord 记录一次已结束的下载尝试
type DownloadRecord struct {
	ID              string                 `json:"id" db:"id"`
	ModelID         string                 `json:"modelId" db:"model_id"`
	Status          string                 `json:"status" db:"status"` // complete, failed, cancelled
	Source          string                 `json:"source,omitempty" db:"source"`
	BytesDownloaded int64                  `json:"bytesDownloaded" db:"bytes_downloaded"`
	BytesTotal      int64                  `json:"bytesTotal" db:"bytes_total"`
	Error           string                 `json:"error,omitempty" db:"error"`
	StartedAt       time.Time              `json:"startedAt" db:"started_at"`
	FinishedAt      time.Time              `json:"finishedAt" db:"finished_at"`
	Metadata        map[string]interface{} `json:"metadata,omitempty" db:"metadata"` // JSON encoded
}

// Store defines the storage interface
type Store interface {
	CreateDownload(ctx context.Context, record *DownloadRecord) error
	GetDownload(ctx context.Context, id string) (*DownloadRecord, error)
	// ListDownloads returns newest first; an empty modelID lists every model.
	ListDownloads(ctx context.Context, modelID string, limit, offset int) ([]*DownloadRecord, error)
	DeleteDownloads(ctx context.Context, modelID string) error

	Close() error
}

// Manager manages the storage backend
type Manager struct {
	store  Store
	config *StorageConfig
}

// NewManager creates a new storage manager
func NewManager(config *StorageConfig) (*Manager, error) {
	mgr := &Manager{
		config: config,
	}

	var store Store
	var err error

	switch config.Type {
	case StorageTypeMemory, "":
		store, err = NewMemoryStore()
	case StorageTypeSQLite:
		if config.SQLite == nil {
			return nil, ErrMissingSQLiteConfig
		}
		store, err = NewSQLiteStore(config.SQLite)
	default:
		return nil, ErrInvalidStorageType
	}

	if err != nil {
		return nil, err
	}

	mgr.store = store
	return mgr, nil
}

// GetStore returns the underlying store
func (m *Manager) GetStore() Store {
	return m.store
}

// Close closes the storage manager
func (m *Manager) Close() error {
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

// Errors
var (
	ErrInvalidStorageType  = &StorageError{Code: "INVALID_TYPE", Message: "Invalid storage type"}
	ErrMissingSQLiteConfig = &StorageError{Code: "MISSING_CONFIG", Message: "Missing SQLite configuration"}
	ErrDownloadNotFound    = &StorageError{Code: "NOT_FOUND", Message: "Download record not found"}
	ErrInvalidRecord       = &StorageError{Code: "INVALID_RECORD", Message: "Download record requires a model id"}
)

// StorageError represents a storage error
type StorageError struct {
	Code    string
	Message string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is matches storage errors by code so wrapped copies compare equal.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}
