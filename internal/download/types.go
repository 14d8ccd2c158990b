// Package download fetches model bundles with resume, cancellation and verification.
// It owns at most one in-flight transfer per model id.
package download

import (
	"fmt"
	"time"

	"github.com/shepherd-project/modelfetch/internal/config"
)

// Status represents the lifecycle state of a download session
type Status int

const (
	StatusNotStarted Status = iota
	StatusConnecting
	StatusDownloading
	StatusVerifying
	StatusComplete
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusConnecting:
		return "connecting"
	case StatusDownloading:
		return "downloading"
	case StatusVerifying:
		return "verifying"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name
func (s *Status) UnmarshalText(text []byte) error {
	v, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus is the inverse of Status.String
func ParseStatus(name string) (Status, error) {
	for st := StatusNotStarted; st <= StatusCancelled; st++ {
		if st.String() == name {
			return st, nil
		}
	}
	return StatusNotStarted, fmt.Errorf("unknown download status %q", name)
}

// IsTerminal reports whether no further transitions happen in this session
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether a transfer is running for the session
func (s Status) IsActive() bool {
	return s == StatusConnecting || s == StatusDownloading || s == StatusVerifying
}

var transitions = map[Status][]Status{
	StatusNotStarted:  {StatusConnecting, StatusComplete, StatusFailed, StatusCancelled},
	StatusConnecting:  {StatusDownloading, StatusVerifying, StatusFailed, StatusCancelled},
	StatusDownloading: {StatusConnecting, StatusVerifying, StatusFailed, StatusCancelled},
	StatusVerifying:   {StatusComplete, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Progress is one progress notification
type Progress struct {
	ModelID         string `json:"modelId"`
	SessionID       string `json:"sessionId"`
	Status          Status `json:"status"`
	Source          string `json:"source,omitempty"`
	BytesDownloaded int64  `json:"bytesDownloaded"`
	BytesTotal      int64  `json:"bytesTotal"` // 0 when unknown
	Message         string `json:"message,omitempty"`
	Error           string `json:"error,omitempty"`
}

// ProgressFunc receives progress notifications from the transfer goroutine.
// Calls for one session are sequential and the terminal status comes last.
type ProgressFunc func(Progress)

// Options controls one Download call
type Options struct {
	// Force downloads even if the model already verifies
	Force bool
	// Session is used instead of a fresh one, so callers can observe it before the call returns
	Session  *Session
	Progress ProgressFunc
}

// Result describes the outcome of a Download call
type Result struct {
	ModelID         string        `json:"modelId"`
	SessionID       string        `json:"sessionId"`
	Status          Status        `json:"status"`
	Source          string        `json:"source,omitempty"`
	BytesDownloaded int64         `json:"bytesDownloaded"`
	BytesTotal      int64         `json:"bytesTotal"`
	Skipped         bool          `json:"skipped"` // already complete on disk
	Elapsed         time.Duration `json:"elapsed"`
	Missing         []string      `json:"missingFiles,omitempty"`
	DependencyError string        `json:"dependencyError,omitempty"`
}

// Config contains download manager configuration
type Config struct {
	ModelsDir            string
	ChunkSize            int
	ReadTimeout          time.Duration
	RetryCount           int
	RetryInitialInterval time.Duration
	ProgressInterval     time.Duration
	RateLimit            int64 // bytes/s, 0 = unlimited
	MinFreeSpace         int64
}

// NewConfig picks the manager settings out of the application config
func NewConfig(c config.DownloadConfig) Config {
	return Config{
		ModelsDir:            c.ModelsDir,
		ChunkSize:            c.ChunkSize,
		ReadTimeout:          c.ReadTimeout,
		RetryCount:           c.RetryCount,
		RetryInitialInterval: c.RetryInitialInterval,
		ProgressInterval:     c.ProgressInterval,
		RateLimit:            c.RateLimit,
		MinFreeSpace:         c.MinFreeSpace,
	}
}
