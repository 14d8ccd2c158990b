package server

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/shepherd-project/modelfetch/internal/api"
	"github.com/shepherd-project/modelfetch/internal/download"
	"github.com/shepherd-project/modelfetch/internal/integrity"
	"github.com/shepherd-project/modelfetch/internal/monitor"
	"github.com/shepherd-project/modelfetch/internal/registry"
	"github.com/shepherd-project/modelfetch/internal/service"
	"github.com/shepherd-project/modelfetch/internal/types"
	"github.com/shepherd-project/modelfetch/internal/version"
)

const maxHistoryLimit = 500

// ServerInfo is the /api/info payload
type ServerInfo struct {
	*version.VersionInfo
	Status          string `json:"status"`
	Models          int    `json:"models"`
	ActiveDownloads int    `json:"activeDownloads"`
	Connections     int    `json:"connections"`

	Disk *monitor.DiskStats `json:"disk,omitempty"`
}

// ModelStatusResponse combines the coarse status with the on-disk check
type ModelStatusResponse struct {
	ModelID string                     `json:"modelId"`
	Status  service.ModelStatus        `json:"status"`
	OnDisk  integrity.ModelOnDiskState `json:"onDisk"`
}

// DownloadStartedResponse is returned when a download was queued
type DownloadStartedResponse struct {
	ModelID  string               `json:"modelId"`
	Force    bool                 `json:"force"`
	Progress service.ProgressView `json:"progress"`
}

func (s *Server) handleServerInfo(c *gin.Context) {
	info := ServerInfo{
		VersionInfo:     version.GetVersionInfo(),
		Status:          "running",
		Models:          len(s.svc.Registry().IDs()),
		ActiveDownloads: len(s.svc.ActiveDownloads()),
		Connections:     s.events.GetConnectionCount(),
	}
	if stats, err := monitor.DiskUsage(s.svc.ModelsDir()); err == nil {
		info.Disk = stats
	} else {
		s.log.WithError(err).Debug("读取磁盘信息失败")
	}
	api.Success(c, info)
}

func (s *Server) handleListModels(c *gin.Context) {
	models, err := s.svc.ListModels(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	api.Success(c, types.NewListResponse(models, 0))
}

func (s *Server) handleGetModel(c *gin.Context) {
	model, err := s.svc.GetModel(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	api.Success(c, model)
}

func (s *Server) handleModelStatus(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	status, err := s.svc.CheckModelStatus(ctx, id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	onDisk, err := s.svc.CheckModel(ctx, id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	api.Success(c, ModelStatusResponse{ModelID: id, Status: status, OnDisk: onDisk})
}

func (s *Server) handleModelProgress(c *gin.Context) {
	id := c.Param("id")
	if !s.svc.Registry().Has(id) {
		_ = c.Error(registry.ErrModelNotFound)
		return
	}
	api.Success(c, s.svc.Progress(id))
}

func (s *Server) handleStartDownload(c *gin.Context) {
	id := c.Param("id")

	force := false
	if raw := c.Query("force"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			api.BadRequest(c, "force must be a boolean")
			return
		}
		force = v
	}

	if err := s.svc.Start(id, force); err != nil {
		_ = c.Error(err)
		return
	}
	api.Accepted(c, DownloadStartedResponse{ModelID: id, Force: force, Progress: s.svc.Progress(id)})
}

func (s *Server) handleCancelDownload(c *gin.Context) {
	id := c.Param("id")
	if !s.svc.Registry().Has(id) {
		_ = c.Error(registry.ErrModelNotFound)
		return
	}
	if !s.svc.Cancel(id) {
		_ = c.Error(service.ErrNoDownload)
		return
	}
	api.Success(c, s.svc.Progress(id))
}

func (s *Server) handleDeleteModel(c *gin.Context) {
	ok, err := s.svc.DeleteModel(c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !ok {
		_ = c.Error(download.ErrAlreadyActive)
		return
	}
	api.Success(c, gin.H{"modelId": c.Param("id"), "deleted": true})
}

func (s *Server) handleDownloadAll(c *gin.Context) {
	started, err := s.svc.DownloadAll(c.Request.Context())
	if err != nil && len(started) == 0 {
		_ = c.Error(err)
		return
	}
	resp := gin.H{"started": types.NewListResponse(started, 0)}
	if err != nil {
		resp["error"] = err.Error()
	}
	api.Accepted(c, resp)
}

func (s *Server) handleActiveDownloads(c *gin.Context) {
	api.Success(c, types.NewListResponse(s.svc.ActiveDownloads(), 0))
}

func (s *Server) handleHistory(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			api.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = min(v, maxHistoryLimit)
	}

	modelID := c.Query("model")
	if modelID != "" && !s.svc.Registry().Has(modelID) {
		_ = c.Error(registry.ErrModelNotFound)
		return
	}

	records, err := s.svc.History(c.Request.Context(), modelID, limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	api.Success(c, types.NewListResponse(records, limit))
}

func (s *Server) handleCleanupCache(c *gin.Context) {
	removed, err := s.svc.CleanupCache()
	if err != nil && removed == 0 {
		_ = c.Error(err)
		return
	}
	resp := gin.H{"removed": removed}
	if err != nil {
		resp["error"] = err.Error()
	}
	api.Success(c, resp)
}
