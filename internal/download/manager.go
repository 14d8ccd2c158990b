package download

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/shepherd-project/modelfetch/internal/integrity"
	"github.com/shepherd-project/modelfetch/internal/logger"
	"github.com/shepherd-project/modelfetch/internal/modelrepo"
	"github.com/shepherd-project/modelfetch/internal/monitor"
	"github.com/shepherd-project/modelfetch/internal/registry"
)

const (
	partialSuffix = ".partial"
	oldSuffix     = ".old-"
	tempSuffix    = ".downloading"

	closeTimeout = 30 * time.Second
)

// Option configures a Manager
type Option func(*Manager)

// WithChecker sets the integrity checker
func WithChecker(c *integrity.Checker) Option {
	return func(m *Manager) { m.checker = c }
}

// WithClient sets the model repository client
func WithClient(c *modelrepo.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithInstaller enables the dependency post-step
func WithInstaller(i DependencyInstaller) Option {
	return func(m *Manager) { m.installer = i }
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithFreeSpaceFunc replaces the disk probe used before a download starts
func WithFreeSpaceFunc(fn func(path string) (uint64, error)) Option {
	return func(m *Manager) { m.freeSpace = fn }
}

// Manager runs model downloads, one at a time per model id
type Manager struct {
	cfg       Config
	registry  *registry.Registry
	checker   *integrity.Checker
	client    *modelrepo.Client
	installer DependencyInstaller
	limiter   *rate.Limiter
	freeSpace func(path string) (uint64, error)
	log       *logger.Logger

	mu       sync.RWMutex
	active   map[string]*Session
	last     map[string]*Session
	deleting map[string]bool
	closed   bool
}

// NewManager creates a new download manager
func NewManager(cfg Config, reg *registry.Registry, opts ...Option) *Manager {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 256 * 1024
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = time.Second
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 200 * time.Millisecond
	}

	m := &Manager{
		cfg:       cfg,
		registry:  reg,
		freeSpace: monitor.FreeSpace,
		active:    make(map[string]*Session),
		last:      make(map[string]*Session),
		deleting:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.log == nil {
		m.log = logger.GetLogger()
	}
	if m.checker == nil {
		m.checker = integrity.NewChecker(integrity.Options{Workers: 4, Logger: m.log})
	}
	if m.client == nil {
		m.client = modelrepo.NewClient(modelrepo.Options{})
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < cfg.ChunkSize {
			burst = cfg.ChunkSize
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return m
}

// Registry returns the catalog the manager downloads from
func (m *Manager) Registry() *registry.Registry { return m.registry }

// ModelPath returns the final directory of a model
func (m *Manager) ModelPath(modelID string) string {
	return filepath.Join(m.cfg.ModelsDir, modelID)
}

// ModelsDir returns the directory holding every model
func (m *Manager) ModelsDir() string { return m.cfg.ModelsDir }

func (m *Manager) partialPath(modelID string) string {
	return m.ModelPath(modelID) + partialSuffix
}

// Download fetches a model and blocks until the session is terminal.
// The returned result is non-nil whenever a session was started.
func (m *Manager) Download(ctx context.Context, modelID string, opts Options) (*Result, error) {
	desc, err := m.registry.Get(modelID)
	if err != nil {
		return nil, err
	}

	session := opts.Session
	if session == nil {
		session = NewSession(modelID)
	} else if session.ModelID() != modelID {
		return nil, fmt.Errorf("session belongs to %s, not %s", session.ModelID(), modelID)
	}
	if err := m.acquire(session); err != nil {
		return nil, err
	}
	defer m.release(session)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	session.bindCancel(cancel)

	emit := newEmitter(session, opts.Progress, m.cfg.ProgressInterval)
	log := m.log.WithFields(map[string]interface{}{"model": modelID, "session": session.ID()})
	result := &Result{ModelID: modelID, SessionID: session.ID()}
	root := m.ModelPath(modelID)

	if !opts.Force {
		if state := m.checker.Check(runCtx, desc, root); state.Complete {
			session.setTotal(state.TotalBytes)
			session.advance(state.TotalBytes)
			m.finish(session, StatusComplete, nil, "Already downloaded")
			emit.force()
			log.Info("模型已存在且校验通过，跳过下载")
			result.Skipped = true
			return fill(result, session), nil
		}
	}

	log.Infof("开始下载 %s (%s)", desc.DisplayName, desc.DisplaySize())
	err = m.run(runCtx, session, desc, root, emit, log, result)
	switch {
	case err == nil:
		msg := "Download complete"
		if result.DependencyError != "" {
			msg = "Download complete, dependency install failed: " + result.DependencyError
		}
		m.finish(session, StatusComplete, nil, msg)
		log.Info("下载完成")
	case session.CancelRequested() || errors.Is(err, ErrCancelled) || ctx.Err() != nil:
		if rmErr := os.RemoveAll(m.partialPath(modelID)); rmErr != nil {
			log.WithError(rmErr).Warn("清理临时目录失败")
		}
		m.finish(session, StatusCancelled, nil, "Cancelled")
		err = ErrCancelled
		log.Info("下载已取消")
	default:
		m.finish(session, StatusFailed, err, "Error: "+err.Error())
		log.WithError(err).Error("下载失败")
	}
	emit.force()

	return fill(result, session), err
}

// finish frees the model slot and then ends the session, so a caller woken by
// Done can start or delete the same model right away
func (m *Manager) finish(session *Session, to Status, err error, message string) {
	m.release(session)
	session.finish(to, err, message)
}

func fill(result *Result, session *Session) *Result {
	snap := session.Snapshot()
	result.Status = snap.Status
	result.Source = snap.Source
	result.BytesDownloaded = snap.BytesDownloaded
	result.BytesTotal = snap.BytesTotal
	result.Elapsed = snap.Elapsed()
	return result
}

func (m *Manager) run(ctx context.Context, session *Session, desc registry.ModelDescriptor, root string, emit *emitter, log *logger.LogEntry, result *Result) error {
	if len(desc.RequiredFiles) == 0 {
		return ErrNothingToDownload
	}
	if err := session.transition(StatusConnecting, "Connecting to server..."); err != nil {
		return err
	}
	emit.force()

	staging := m.partialPath(desc.ID)
	if err := m.ensureSpace(desc, staging, log); err != nil {
		return err
	}
	if err := os.MkdirAll(staging, 0755); err != nil {
		return local("create staging directory", err)
	}

	var errs []error
	fetched := false
	for i, src := range desc.Sources {
		if session.CancelRequested() || ctx.Err() != nil {
			return ErrCancelled
		}
		if i > 0 && session.Status() == StatusDownloading {
			_ = session.transition(StatusConnecting, "Connecting to server...")
			emit.force()
		}
		session.setSource(src.Name)
		log.Infof("使用下载源 %s (%s)", src.Name, src)

		err := m.fetchWithRetry(ctx, session, desc, src, staging, emit, log)
		if err == nil {
			fetched = true
			break
		}
		if session.CancelRequested() || ctx.Err() != nil {
			return ErrCancelled
		}
		if isLocal(err) {
			return err
		}
		log.WithError(err).Warnf("下载源 %s 失败，尝试下一个", src.Name)
		errs = append(errs, &SourceError{Source: src.Name, Err: err})
	}
	if !fetched {
		if len(errs) == 0 {
			return fmt.Errorf("%w: no sources configured", ErrSourcesExhausted)
		}
		return fmt.Errorf("%w: %w", ErrSourcesExhausted, errors.Join(errs...))
	}

	if err := session.transition(StatusVerifying, "Verifying files..."); err != nil {
		return err
	}
	emit.force()
	if err := m.finalize(ctx, session, desc, staging, root, log, result); err != nil {
		return err
	}

	if m.installer != nil && len(desc.Dependencies) > 0 {
		session.setMessage("Installing dependencies...")
		if err := m.installer.Install(ctx, desc, root); err != nil {
			result.DependencyError = err.Error()
			log.WithError(err).Warn("依赖安装失败，模型文件保留")
		}
	}
	return nil
}

// ensureSpace fails early when the remaining bytes would not fit next to the reserve
func (m *Manager) ensureSpace(desc registry.ModelDescriptor, staging string, log *logger.LogEntry) error {
	need, known := desc.ManifestSize()
	if !known && desc.ApproxSize > need {
		need = desc.ApproxSize
	}
	staged, _ := integrity.DiskUsage(staging)
	remaining := need - staged
	if remaining < 0 {
		remaining = 0
	}

	free, err := m.freeSpace(m.cfg.ModelsDir)
	if err != nil {
		log.WithError(err).Warn("无法获取磁盘剩余空间，跳过检查")
		return nil
	}
	if uint64(remaining+m.cfg.MinFreeSpace) > free {
		return fmt.Errorf("%w: need %s plus %s reserve, %s free", ErrInsufficientSpace,
			humanize.Bytes(uint64(remaining)), humanize.Bytes(uint64(m.cfg.MinFreeSpace)), humanize.Bytes(free))
	}
	return nil
}

// finalize verifies the staging tree and swaps it into place
func (m *Manager) finalize(ctx context.Context, session *Session, desc registry.ModelDescriptor, staging, root string, log *logger.LogEntry, result *Result) error {
	mode := registry.VerifyFull
	if desc.EffectiveVerification() != registry.VerifyFull {
		mode = registry.VerifyQuick
	}

	state := m.checker.CheckMode(ctx, desc, staging, mode)
	if session.CancelRequested() || ctx.Err() != nil {
		return ErrCancelled
	}
	if !state.Complete {
		result.Missing = state.Missing
		if err := os.RemoveAll(staging); err != nil {
			log.WithError(err).Warn("清理临时目录失败")
		}
		return &IntegrityError{ModelID: desc.ID, Missing: state.Missing, Issues: state.Issues}
	}

	if err := m.swapIntoPlace(staging, root, log); err != nil {
		return err
	}

	// past the swap a cancel no longer applies
	state = m.checker.CheckMode(context.WithoutCancel(ctx), desc, root, registry.VerifyQuick)
	if !state.Complete {
		result.Missing = state.Missing
		if err := os.RemoveAll(root); err != nil {
			log.WithError(err).Warn("删除校验失败的模型目录失败")
		}
		return &IntegrityError{ModelID: desc.ID, Missing: state.Missing, Issues: state.Issues}
	}
	return nil
}

// swapIntoPlace renames staging to root. An existing root is moved aside first
// and restored if the rename fails.
func (m *Manager) swapIntoPlace(staging, root string, log *logger.LogEntry) error {
	var old string
	if _, err := os.Lstat(root); err == nil {
		old = fmt.Sprintf("%s%s%d", root, oldSuffix, time.Now().UnixNano())
		if err := os.Rename(root, old); err != nil {
			return local("move previous model aside", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return local("stat model directory", err)
	}

	if err := os.Rename(staging, root); err != nil {
		if old != "" {
			if rerr := os.Rename(old, root); rerr != nil {
				log.WithError(rerr).Error("恢复旧模型目录失败")
			}
		}
		return local("move model into place", err)
	}

	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			log.WithError(err).Warnf("删除旧模型目录失败: %s", old)
		}
	}
	return nil
}

func (m *Manager) acquire(session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := session.ModelID()
	if m.closed {
		return ErrManagerClosed
	}
	if _, ok := m.active[id]; ok || m.deleting[id] {
		return ErrAlreadyActive
	}
	m.active[id] = session
	m.last[id] = session
	return nil
}

func (m *Manager) release(session *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active[session.ModelID()] == session {
		delete(m.active, session.ModelID())
	}
}

// Cancel requests cancellation of the active download; false if there is none
func (m *Manager) Cancel(modelID string) bool {
	m.mu.RLock()
	session, ok := m.active[modelID]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	return session.RequestCancel()
}

// IsActive reports whether a download for modelID is running
func (m *Manager) IsActive(modelID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.active[modelID]
	return ok
}

// Status returns a snapshot of the latest session of modelID
func (m *Manager) Status(modelID string) (Snapshot, bool) {
	m.mu.RLock()
	session, ok := m.last[modelID]
	m.mu.RUnlock()

	if !ok {
		return Snapshot{}, false
	}
	return session.Snapshot(), true
}

// Check runs a cold integrity check of the installed model
func (m *Manager) Check(ctx context.Context, modelID string) (integrity.ModelOnDiskState, error) {
	desc, err := m.registry.Get(modelID)
	if err != nil {
		return integrity.ModelOnDiskState{}, err
	}
	return m.checker.Check(ctx, desc, m.ModelPath(modelID)), nil
}

// Delete removes the model directory and any staging data.
// It refuses with false while a download of the model is active.
func (m *Manager) Delete(modelID string) (bool, error) {
	if !m.registry.Has(modelID) {
		return false, fmt.Errorf("%w: %s", registry.ErrModelNotFound, modelID)
	}

	m.mu.Lock()
	if _, ok := m.active[modelID]; ok || m.deleting[modelID] {
		m.mu.Unlock()
		m.log.WithField("model", modelID).Warn("模型正在下载，拒绝删除")
		return false, nil
	}
	m.deleting[modelID] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.deleting, modelID)
		delete(m.last, modelID)
		m.mu.Unlock()
	}()

	if err := os.RemoveAll(m.ModelPath(modelID)); err != nil {
		return false, err
	}
	if err := os.RemoveAll(m.partialPath(modelID)); err != nil {
		return false, err
	}
	m.log.WithField("model", modelID).Info("模型已删除")
	return true, nil
}

// CleanupIncomplete removes staging and moved-aside trees of models that are not downloading
func (m *Manager) CleanupIncomplete() (int, error) {
	entries, err := os.ReadDir(m.cfg.ModelsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		var modelID string
		switch {
		case strings.HasSuffix(name, partialSuffix):
			modelID = strings.TrimSuffix(name, partialSuffix)
		case strings.Contains(name, oldSuffix):
			modelID = name[:strings.Index(name, oldSuffix)]
		default:
			continue
		}
		if m.IsActive(modelID) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.cfg.ModelsDir, name)); err != nil {
			errs = append(errs, err)
			continue
		}
		m.log.WithField("model", modelID).Infof("已清理未完成的下载: %s", name)
		removed++
	}
	return removed, errors.Join(errs...)
}

// Close cancels every active download and waits for them to unwind
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.RequestCancel()
	}

	timeout := time.After(closeTimeout)
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-timeout:
			return fmt.Errorf("timeout waiting for downloads to stop")
		}
	}
	return nil
}
