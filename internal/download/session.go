package download

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Snapshot is a read-only copy of a session
type Snapshot struct {
	ID              string    `json:"id"`
	ModelID         string    `json:"modelId"`
	Status          Status    `json:"status"`
	Source          string    `json:"source,omitempty"`
	BytesDownloaded int64     `json:"bytesDownloaded"`
	BytesTotal      int64     `json:"bytesTotal"`
	StartedAt       time.Time `json:"startedAt"`
	LastUpdateAt    time.Time `json:"lastUpdateAt"`
	FinishedAt      time.Time `json:"finishedAt,omitempty"`
	CancelRequested bool      `json:"cancelRequested"`
	Error           string    `json:"error,omitempty"`
	Message         string    `json:"message,omitempty"`
}

// Elapsed returns the running time, or the total time once finished
func (s Snapshot) Elapsed() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if !s.FinishedAt.IsZero() {
		return s.FinishedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// Session tracks one download attempt of one model.
// The transfer goroutine writes it, everyone else reads snapshots.
type Session struct {
	mu sync.RWMutex

	id              string
	modelID         string
	status          Status
	source          string
	bytesDownloaded int64
	bytesTotal      int64
	startedAt       time.Time
	lastUpdateAt    time.Time
	finishedAt      time.Time
	cancelRequested bool
	cancelFunc      context.CancelFunc
	err             string
	message         string

	done chan struct{}
}

// NewSession creates an idle session for modelID
func NewSession(modelID string) *Session {
	return &Session{
		id:      uuid.New().String(),
		modelID: modelID,
		status:  StatusNotStarted,
		done:    make(chan struct{}),
	}
}

// ID returns the attempt id
func (s *Session) ID() string { return s.id }

// ModelID returns the model this session downloads
func (s *Session) ModelID() string { return s.modelID }

// Status returns the current status
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Done is closed when the session reaches a terminal status
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot returns a copy that is safe to use while the transfer runs
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ID:              s.id,
		ModelID:         s.modelID,
		Status:          s.status,
		Source:          s.source,
		BytesDownloaded: s.bytesDownloaded,
		BytesTotal:      s.bytesTotal,
		StartedAt:       s.startedAt,
		LastUpdateAt:    s.lastUpdateAt,
		FinishedAt:      s.finishedAt,
		CancelRequested: s.cancelRequested,
		Error:           s.err,
		Message:         s.message,
	}
}

// RequestCancel flags the session and interrupts any blocked read.
// It returns false if the session already finished.
func (s *Session) RequestCancel() bool {
	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		return false
	}
	s.cancelRequested = true
	s.message = "Cancelling..."
	cancel := s.cancelFunc
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// Abort ends a session that was never handed to a Manager, e.g. one still
// waiting in a queue. It returns false once the session has started.
func (s *Session) Abort() bool {
	s.mu.Lock()
	if s.status != StatusNotStarted || s.cancelFunc != nil {
		s.mu.Unlock()
		return false
	}
	s.cancelRequested = true
	s.mu.Unlock()

	s.finish(StatusCancelled, nil, "Cancelled")
	return true
}

// CancelRequested is polled by the transfer loop at chunk boundaries
func (s *Session) CancelRequested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancelRequested
}

// bindCancel attaches the transfer context. A cancel requested earlier fires immediately.
func (s *Session) bindCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancelFunc = cancel
	requested := s.cancelRequested
	s.mu.Unlock()

	if requested {
		cancel()
	}
}

func (s *Session) transition(to Status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == to {
		s.message = message
		return nil
	}
	if !CanTransition(s.status, to) {
		return fmt.Errorf("invalid status transition %s -> %s", s.status, to)
	}

	now := time.Now()
	if s.status == StatusNotStarted {
		s.startedAt = now
	}
	s.status = to
	s.message = message
	s.lastUpdateAt = now
	if to.IsTerminal() {
		s.finishedAt = now
		s.cancelFunc = nil
		close(s.done)
	}
	return nil
}

func (s *Session) finish(to Status, err error, message string) {
	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.err = err.Error()
	}
	s.mu.Unlock()

	if terr := s.transition(to, message); terr != nil {
		// every session must end observable, even after an unexpected jump
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.status.IsTerminal() {
			return
		}
		s.status = to
		s.message = message
		s.finishedAt = time.Now()
		s.lastUpdateAt = s.finishedAt
		s.cancelFunc = nil
		close(s.done)
	}
}

func (s *Session) setSource(name string) {
	s.mu.Lock()
	s.source = name
	s.mu.Unlock()
}

func (s *Session) setMessage(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// setTotal records the bundle size; 0 means unknown
func (s *Session) setTotal(total int64) {
	s.mu.Lock()
	if total > 0 {
		s.bytesTotal = total
	}
	s.mu.Unlock()
}

// advance moves the byte counter forward. It never goes back, even when a
// source restarts a file from scratch.
func (s *Session) advance(staged int64) {
	s.mu.Lock()
	if staged > s.bytesDownloaded {
		s.bytesDownloaded = staged
		s.lastUpdateAt = time.Now()
	}
	s.mu.Unlock()
}

func (s *Session) progress() Progress {
	snap := s.Snapshot()
	return Progress{
		ModelID:         snap.ModelID,
		SessionID:       snap.ID,
		Status:          snap.Status,
		Source:          snap.Source,
		BytesDownloaded: snap.BytesDownloaded,
		BytesTotal:      snap.BytesTotal,
		Message:         snap.Message,
		Error:           snap.Error,
	}
}
