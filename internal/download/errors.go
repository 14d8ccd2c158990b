package download

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shepherd-project/modelfetch/internal/integrity"
)

var (
	ErrAlreadyActive     = errors.New("download already in progress")
	ErrCancelled         = errors.New("download cancelled")
	ErrInsufficientSpace = errors.New("insufficient disk space")
	ErrSourcesExhausted  = errors.New("all sources failed")
	ErrManagerClosed     = errors.New("download manager closed")
	ErrReadTimeout       = errors.New("read timed out")
	ErrNothingToDownload = errors.New("model has no required files to download")
)

// IntegrityError is returned when a transferred bundle does not verify
type IntegrityError struct {
	ModelID string
	Missing []string
	Issues  []integrity.FileIssue
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: missing or invalid %s", e.ModelID, strings.Join(e.Missing, ", "))
}

// SourceError is the failure of one source after its retries
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// HTTPStatusError is an unexpected response status
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected response: %s", e.Status)
}

// Permanent reports whether retrying the same source is pointless
func (e *HTTPStatusError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusRequestedRangeNotSatisfiable:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// localError marks failures of the local filesystem. Switching sources does not help with them.
type localError struct {
	op  string
	err error
}

func (e *localError) Error() string { return e.op + ": " + e.err.Error() }

func (e *localError) Unwrap() error { return e.err }

func local(op string, err error) error {
	if err == nil {
		return nil
	}
	return &localError{op: op, err: err}
}

func isLocal(err error) bool {
	var le *localError
	return errors.As(err, &le)
}

// sizeMismatchError means a source delivered a different number of bytes than expected
type sizeMismatchError struct {
	want, got int64
}

func (e *sizeMismatchError) Error() string {
	return fmt.Sprintf("expected %d bytes, received %d", e.want, e.got)
}
