// Package service is the façade UIs and the HTTP server use to drive model downloads.
// It maps start/cancel/delete/status requests onto the download manager and turns
// sessions into percentages, speeds and ETAs.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/hako/durafmt"

	"github.com/shepherd-project/modelfetch/internal/download"
	"github.com/shepherd-project/modelfetch/internal/logger"
	"github.com/shepherd-project/modelfetch/internal/registry"
	"github.com/shepherd-project/modelfetch/internal/storage"
)

var (
	ErrClosed     = errors.New("download service is shut down")
	ErrNoDownload = errors.New("no download for this model")
)

// Options configures a Service
type Options struct {
	// MaxConcurrent bounds running transfers; further starts wait in a queue
	MaxConcurrent int
	// Store keeps the download history, optional
	Store  storage.Store
	Logger *logger.Logger
}

type entryState int

const (
	entryQueued entryState = iota
	entryRunning
	entryAborting
	entryFinished
)

// entry is the service side of one download attempt
type entry struct {
	modelID    string
	approxSize int64
	force      bool
	session    *download.Session
	tracker    *tracker
	state      entryState
	result     *download.Result
	err        error
	done       chan struct{}
}

// Service orchestrates downloads. All methods are safe for concurrent use and
// never block on network I/O.
type Service struct {
	manager  *download.Manager
	registry *registry.Registry
	store    storage.Store
	pool     *workerpool.WorkerPool
	log      *logger.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	lmu          sync.RWMutex
	listeners    map[int]Listener
	nextListener int

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a service on top of a download manager
func New(manager *download.Manager, opts Options) *Service {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 2
	}
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		manager:   manager,
		registry:  manager.Registry(),
		store:     opts.Store,
		pool:      workerpool.New(opts.MaxConcurrent),
		log:       opts.Logger,
		entries:   make(map[string]*entry),
		listeners: make(map[int]Listener),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Registry returns the model catalog
func (s *Service) Registry() *registry.Registry { return s.registry }

// ModelsDir returns the directory the models are installed under
func (s *Service) ModelsDir() string { return s.manager.ModelsDir() }

// Start queues a download and returns immediately.
// It fails with download.ErrAlreadyActive if the model is already downloading.
func (s *Service) Start(modelID string, force bool) error {
	desc, err := s.registry.Get(modelID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if e, ok := s.entries[modelID]; (ok && e.state != entryFinished) || s.manager.IsActive(modelID) {
		s.mu.Unlock()
		s.log.WithField("model", modelID).Warn("模型已在下载中，忽略重复请求")
		return download.ErrAlreadyActive
	}
	e := &entry{
		modelID:    modelID,
		approxSize: desc.ApproxSize,
		force:      force,
		session:    download.NewSession(modelID),
		tracker:    newTracker(),
		done:       make(chan struct{}),
	}
	s.entries[modelID] = e
	s.mu.Unlock()

	s.log.WithFields(map[string]interface{}{"model": modelID, "force": force}).Info("下载任务已加入队列")
	s.pool.Submit(func() { s.run(e) })
	return nil
}

// StartDownload starts a download; false if the model is unknown or already downloading
func (s *Service) StartDownload(modelID string) bool {
	return s.Start(modelID, false) == nil
}

// Redownload downloads again even if the model verifies
func (s *Service) Redownload(modelID string) bool {
	return s.Start(modelID, true) == nil
}

func (s *Service) run(e *entry) {
	s.mu.Lock()
	if e.state != entryQueued {
		s.mu.Unlock()
		return
	}
	e.state = entryRunning
	s.mu.Unlock()

	s.publish(Event{Type: EventStarted, ModelID: e.modelID, Progress: s.viewOf(e)})

	result, err := s.manager.Download(s.ctx, e.modelID, download.Options{
		Force:   e.force,
		Session: e.session,
		Progress: func(p download.Progress) {
			s.onProgress(e, p)
		},
	})
	if err != nil && e.session.Status() == download.StatusNotStarted && e.session.CancelRequested() {
		// cancelled before the manager took the session, e.g. during shutdown
		e.session.Abort()
		err = download.ErrCancelled
	}
	s.finish(e, result, err)
}

func (s *Service) onProgress(e *entry, p download.Progress) {
	s.mu.Lock()
	e.tracker.observe(p.BytesDownloaded, time.Now())
	s.mu.Unlock()

	s.publish(Event{Type: EventProgress, ModelID: e.modelID, Progress: s.viewOf(e)})
}

func (s *Service) finish(e *entry, result *download.Result, err error) {
	s.mu.Lock()
	e.state = entryFinished
	e.result = result
	e.err = err
	s.mu.Unlock()

	s.record(e)

	log := s.log.WithField("model", e.modelID)
	snap := e.session.Snapshot()
	switch {
	case err == nil:
		log.Infof("下载结束，用时 %s", durafmt.Parse(snap.Elapsed()).LimitFirstN(2))
	case errors.Is(err, download.ErrCancelled):
		log.Info("下载已取消")
	default:
		log.WithError(err).Warn("下载失败")
	}

	s.publish(Event{Type: EventFinished, ModelID: e.modelID, Progress: s.viewOf(e), Error: failureText(err)})
	close(e.done)
}

// failureText hides cancellation, which is not an error for the UI
func failureText(err error) string {
	if err == nil || errors.Is(err, download.ErrCancelled) {
		return ""
	}
	return err.Error()
}

func (s *Service) record(e *entry) {
	if s.store == nil {
		return
	}

	snap := e.session.Snapshot()
	rec := &storage.DownloadRecord{
		ModelID:         e.modelID,
		Status:          snap.Status.String(),
		Source:          snap.Source,
		BytesDownloaded: snap.BytesDownloaded,
		BytesTotal:      snap.BytesTotal,
		Error:           snap.Error,
		StartedAt:       snap.StartedAt,
		FinishedAt:      snap.FinishedAt,
		Metadata:        map[string]interface{}{"sessionId": snap.ID, "force": e.force},
	}
	if !snap.Status.IsTerminal() {
		// the manager refused the attempt before it started
		rec.Status = download.StatusFailed.String()
	}
	if rec.Error == "" {
		rec.Error = failureText(e.err)
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.FinishedAt
	}
	if e.result != nil {
		rec.Metadata["skipped"] = e.result.Skipped
		if e.result.DependencyError != "" {
			rec.Metadata["dependencyError"] = e.result.DependencyError
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.CreateDownload(ctx, rec); err != nil {
		s.log.WithError(err).WithField("model", e.modelID).Warn("保存下载记录失败")
	}
}

// Cancel stops a queued or running download; false if there is none
func (s *Service) Cancel(modelID string) bool {
	s.mu.Lock()
	e, ok := s.entries[modelID]
	if !ok || e.state == entryFinished || e.state == entryAborting {
		s.mu.Unlock()
		return false
	}
	if e.state == entryQueued {
		e.state = entryAborting
		s.mu.Unlock()
		e.session.Abort()
		s.finish(e, nil, download.ErrCancelled)
		return true
	}
	s.mu.Unlock()

	if s.manager.Cancel(modelID) {
		return true
	}
	// accepted by the worker but not yet registered with the manager
	return e.session.RequestCancel()
}

// CancelDownload is Cancel under the name the UI uses
func (s *Service) CancelDownload(modelID string) bool {
	return s.Cancel(modelID)
}

// Wait blocks until the latest download of modelID finishes
func (s *Service) Wait(ctx context.Context, modelID string) (*download.Result, error) {
	s.mu.Lock()
	e, ok := s.entries[modelID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNoDownload
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return e.result, e.err
}

// Progress returns the progress view of a model. Models never started get the defaults.
func (s *Service) Progress(modelID string) ProgressView {
	s.mu.Lock()
	e, ok := s.entries[modelID]
	s.mu.Unlock()
	if !ok {
		return defaultView(modelID)
	}
	return s.viewOf(e)
}

// ActiveDownloads returns the views of every queued or running download
func (s *Service) ActiveDownloads() []ProgressView {
	s.mu.Lock()
	active := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.state != entryFinished {
			active = append(active, e)
		}
	}
	s.mu.Unlock()

	views := make([]ProgressView, 0, len(active))
	for _, id := range s.registry.IDs() {
		for _, e := range active {
			if e.modelID == id {
				views = append(views, s.viewOf(e))
			}
		}
	}
	return views
}

// viewOf samples the session under the lock and formats outside it
func (s *Service) viewOf(e *entry) ProgressView {
	snap := e.session.Snapshot()

	s.mu.Lock()
	smp := e.tracker.sample(snap, e.approxSize, time.Now())
	running := e.state != entryFinished && e.state != entryAborting && !snap.Status.IsTerminal()
	failure := failureText(e.err)
	s.mu.Unlock()

	return buildView(e.modelID, snap, smp, running, failure)
}

// DeleteModel removes a model from disk; false while it is downloading
func (s *Service) DeleteModel(modelID string) (bool, error) {
	s.mu.Lock()
	if e, ok := s.entries[modelID]; ok && e.state != entryFinished {
		s.mu.Unlock()
		s.log.WithField("model", modelID).Warn("模型正在下载，拒绝删除")
		return false, nil
	}
	s.mu.Unlock()

	ok, err := s.manager.Delete(modelID)
	if err != nil || !ok {
		return ok, err
	}

	s.mu.Lock()
	if e, found := s.entries[modelID]; found && e.state == entryFinished {
		delete(s.entries, modelID)
	}
	s.mu.Unlock()

	s.publish(Event{Type: EventDeleted, ModelID: modelID, Progress: defaultView(modelID)})
	return true, nil
}

// CleanupCache removes leftovers of interrupted downloads
func (s *Service) CleanupCache() (int, error) {
	return s.manager.CleanupIncomplete()
}

// History lists finished attempts, newest first; an empty modelID lists all models
func (s *Service) History(ctx context.Context, modelID string, limit int) ([]*storage.DownloadRecord, error) {
	if s.store == nil {
		return []*storage.DownloadRecord{}, nil
	}
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListDownloads(ctx, modelID, limit, 0)
}

// Shutdown cancels queued and running downloads and waits for the workers to exit
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var queued, running []*entry
	for _, e := range s.entries {
		switch e.state {
		case entryQueued:
			e.state = entryAborting
			queued = append(queued, e)
		case entryRunning:
			running = append(running, e)
		}
	}
	s.mu.Unlock()

	for _, e := range queued {
		e.session.Abort()
		s.finish(e, nil, download.ErrCancelled)
	}
	for _, e := range running {
		e.session.RequestCancel()
	}

	done := make(chan error, 1)
	go func() {
		err := s.manager.Close()
		s.cancel()
		s.pool.StopWait()
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}
