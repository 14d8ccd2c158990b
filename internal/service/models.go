package service

import (
	"context"
	"errors"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/shepherd-project/modelfetch/internal/download"
	"github.com/shepherd-project/modelfetch/internal/integrity"
	"github.com/shepherd-project/modelfetch/internal/registry"
)

// ModelStatus is the coarse state of a model shown in lists
type ModelStatus string

const (
	ModelNotDownloaded ModelStatus = "not_downloaded"
	ModelDownloading   ModelStatus = "downloading"
	ModelDownloaded    ModelStatus = "downloaded"
	ModelError         ModelStatus = "error"
)

// ModelInfo is one row of the model list
type ModelInfo struct {
	ID           string            `json:"id"`
	DisplayName  string            `json:"displayName"`
	Description  string            `json:"description"`
	ModelType    string            `json:"modelType"`
	ApproxSize   int64             `json:"approxSize"`
	DisplaySize  string            `json:"displaySize"`
	Status       ModelStatus       `json:"status"`
	Path         string            `json:"path"`
	DiskSize     int64             `json:"diskSize"`
	DiskSizeText string            `json:"diskSizeText"`
	Sources      []registry.Source `json:"sources"`
	Dependencies []string          `json:"dependencies,omitempty"`
}

// CheckModelStatus combines the session state with a cold integrity check
func (s *Service) CheckModelStatus(ctx context.Context, modelID string) (ModelStatus, error) {
	if !s.registry.Has(modelID) {
		return "", registry.ErrModelNotFound
	}

	s.mu.Lock()
	e, ok := s.entries[modelID]
	running := ok && e.state != entryFinished && e.state != entryAborting
	failed := ok && e.state == entryFinished && failureText(e.err) != ""
	s.mu.Unlock()

	if running {
		return ModelDownloading, nil
	}

	state, err := s.manager.Check(ctx, modelID)
	if err != nil {
		return "", err
	}
	switch {
	case state.Complete:
		return ModelDownloaded, nil
	case failed:
		return ModelError, nil
	default:
		return ModelNotDownloaded, nil
	}
}

// CheckModel reports the on-disk state of a model in detail
func (s *Service) CheckModel(ctx context.Context, modelID string) (integrity.ModelOnDiskState, error) {
	return s.manager.Check(ctx, modelID)
}

// GetDownloadedModels returns the ids of models that verify, in catalog order
func (s *Service) GetDownloadedModels(ctx context.Context) ([]string, error) {
	var ids []string
	for _, id := range s.registry.IDs() {
		st, err := s.CheckModelStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if st == ModelDownloaded {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ListModels refreshes the status and disk size of every catalog model
func (s *Service) ListModels(ctx context.Context) ([]ModelInfo, error) {
	descs := s.registry.List()
	out := make([]ModelInfo, 0, len(descs))
	for _, d := range descs {
		info, err := s.modelInfo(ctx, d)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// GetModel returns the list row of one model
func (s *Service) GetModel(ctx context.Context, modelID string) (ModelInfo, error) {
	d, err := s.registry.Get(modelID)
	if err != nil {
		return ModelInfo{}, err
	}
	return s.modelInfo(ctx, d)
}

func (s *Service) modelInfo(ctx context.Context, d registry.ModelDescriptor) (ModelInfo, error) {
	st, err := s.CheckModelStatus(ctx, d.ID)
	if err != nil {
		return ModelInfo{}, err
	}

	info := ModelInfo{
		ID:           d.ID,
		DisplayName:  d.DisplayName,
		Description:  d.Description,
		ModelType:    d.ModelType,
		ApproxSize:   d.ApproxSize,
		DisplaySize:  d.DisplaySize(),
		Status:       st,
		Path:         s.manager.ModelPath(d.ID),
		Sources:      d.Sources,
		Dependencies: d.Dependencies,
		DiskSizeText: humanize.Bytes(0),
	}
	if _, err := os.Stat(info.Path); err == nil {
		if size, err := integrity.DiskUsage(info.Path); err == nil {
			info.DiskSize = size
			info.DiskSizeText = humanize.Bytes(uint64(size))
		}
	}
	return info, nil
}

// DownloadAll starts every model that is not downloaded yet and returns the started ids
func (s *Service) DownloadAll(ctx context.Context) ([]string, error) {
	var started []string
	for _, id := range s.registry.IDs() {
		st, err := s.CheckModelStatus(ctx, id)
		if err != nil {
			return started, err
		}
		if st != ModelNotDownloaded && st != ModelError {
			continue
		}
		if err := s.Start(id, false); err != nil {
			if errors.Is(err, download.ErrAlreadyActive) {
				continue
			}
			return started, err
		}
		started = append(started, id)
	}
	return started, nil
}
