// Package storage provides in-memory storage implementation
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store interface with in-memory storage
type MemoryStore struct {
	mu        sync.RWMutex
	downloads map[string]*DownloadRecord
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() (*MemoryStore, error) {
	return &MemoryStore{
		downloads: make(map[string]*DownloadRecord),
	}, nil
}

// CreateDownload stores a finished download attempt
func (s *MemoryStore) CreateDownload(ctx context.Context, record *DownloadRecord) error {
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

	copied := *record
	s.downloads[record.ID] = &copied
	return nil
}

// GetDownload retrieves a download record by ID
func (s *MemoryStore) GetDownload(ctx context.Context, id string) (*DownloadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.downloads[id]
	if !ok {
		return nil, ErrDownloadNotFound
	}
	copied := *record
	return &copied, nil
}

// ListDownloads lists download records, newest first
func (s *MemoryStore) ListDownloads(ctx context.Context, modelID string, limit, offset int) ([]*DownloadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*DownloadRecord, 0, len(s.downloads))
	for _, r := range s.downloads {
		if modelID != "" && r.ModelID != modelID {
			continue
		}
		copied := *r
		records = append(records, &copied)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].FinishedAt.After(records[j].FinishedAt)
	})

	if offset >= len(records) {
		return []*DownloadRecord{}, nil
	}
	records = records[offset:]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records, nil
}

// DeleteDownloads removes every record of a model
func (s *MemoryStore) DeleteDownloads(ctx context.Context, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, r := range s.downloads {
		if r.ModelID == modelID {
			delete(s.downloads, id)
		}
	}
	return nil
}

// Close closes the store (no-op for memory store)
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.downloads = make(map[string]*DownloadRecord)
	return nil
}

// generateID generates a unique ID with a prefix
func generateID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
