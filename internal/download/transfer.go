package download

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/shepherd-project/modelfetch/internal/logger"
	"github.com/shepherd-project/modelfetch/internal/registry"
)

// fetchWithRetry transfers the bundle from one source, retrying transient failures
// with exponential backoff
func (m *Manager) fetchWithRetry(ctx context.Context, session *Session, desc registry.ModelDescriptor, src registry.Source, staging string, emit *emitter, log *logger.LogEntry) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInitialInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.cfg.RetryCount)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := m.fetchSource(ctx, session, desc, src, staging, emit, log)
		if err == nil {
			return nil
		}
		if session.CancelRequested() || ctx.Err() != nil {
			return backoff.Permanent(ErrCancelled)
		}
		if isLocal(err) || errors.Is(err, fs.ErrNotExist) {
			return backoff.Permanent(err)
		}
		var se *HTTPStatusError
		if errors.As(err, &se) && se.Permanent() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.WithError(err).Warnf("下载源 %s 第 %d 次尝试失败，%s 后重试", src.Name, attempt, wait)
	}
	return backoff.RetryNotify(op, policy, notify)
}

// fetchSource stages every missing file of the bundle under staging
func (m *Manager) fetchSource(ctx context.Context, session *Session, desc registry.ModelDescriptor, src registry.Source, staging string, emit *emitter, log *logger.LogEntry) error {
	sizes := m.resolveSizes(ctx, desc, src, log)
	if total, ok := sumSizes(sizes); ok {
		session.setTotal(total)
	}

	staged := stagedBytes(staging, desc.RequiredFiles)
	session.advance(staged)

	for i, f := range desc.RequiredFiles {
		if session.CancelRequested() || ctx.Err() != nil {
			return ErrCancelled
		}

		dst := filepath.Join(staging, filepath.FromSlash(f.Path))
		if info, err := os.Stat(dst); err == nil {
			if sizes[i] < 0 || info.Size() == sizes[i] {
				continue
			}
			if err := os.Remove(dst); err != nil {
				return local("remove stale file", err)
			}
			staged -= info.Size()
		}

		if err := m.fetchFile(ctx, session, src, f.Path, sizes[i], dst, &staged, emit, log); err != nil {
			return &fileError{path: f.Path, err: err}
		}
	}
	return nil
}

type fileError struct {
	path string
	err  error
}

func (e *fileError) Error() string { return e.path + ": " + e.err.Error() }

func (e *fileError) Unwrap() error { return e.err }

// resolveSizes returns the expected size of each file, -1 when unknown.
// Manifest sizes win; otherwise the source is asked.
func (m *Manager) resolveSizes(ctx context.Context, desc registry.ModelDescriptor, src registry.Source, log *logger.LogEntry) []int64 {
	sizes := make([]int64, len(desc.RequiredFiles))
	for i, f := range desc.RequiredFiles {
		sizes[i] = -1
		if f.Size > 0 {
			sizes[i] = f.Size
			continue
		}

		if src.Kind == registry.SourceFile {
			if info, err := os.Stat(filepath.Join(src.Location, filepath.FromSlash(f.Path))); err == nil && info.Mode().IsRegular() {
				sizes[i] = info.Size()
			}
			continue
		}

		n, err := m.client.RemoteSize(ctx, src, f.Path)
		if err != nil {
			log.WithError(err).Debugf("无法获取文件大小: %s", f.Path)
			continue
		}
		if n > 0 {
			sizes[i] = n
		}
	}
	return sizes
}

func sumSizes(sizes []int64) (int64, bool) {
	var total int64
	for _, s := range sizes {
		if s < 0 {
			return 0, false
		}
		total += s
	}
	return total, true
}

// stagedBytes counts finished and partial files already in the staging tree
func stagedBytes(staging string, files []registry.ManifestFile) int64 {
	var total int64
	for _, f := range files {
		dst := filepath.Join(staging, filepath.FromSlash(f.Path))
		if info, err := os.Stat(dst); err == nil {
			total += info.Size()
		} else if info, err := os.Stat(dst + tempSuffix); err == nil {
			total += info.Size()
		}
	}
	return total
}

// fetchFile downloads one file into dst via a ".downloading" temp file,
// resuming from whatever the temp file already holds
func (m *Manager) fetchFile(ctx context.Context, session *Session, src registry.Source, rel string, expected int64, dst string, staged *int64, emit *emitter, log *logger.LogEntry) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return local("create directory", err)
	}

	tmp := dst + tempSuffix
	var offset int64
	if info, err := os.Stat(tmp); err == nil {
		offset = info.Size()
	}
	if expected >= 0 && offset > expected {
		if err := os.Remove(tmp); err != nil {
			return local("remove oversized partial file", err)
		}
		*staged -= offset
		offset = 0
	}
	if expected > 0 && offset == expected {
		return local("finish file", os.Rename(tmp, dst))
	}

	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()

	body, start, length, err := m.open(reqCtx, src, rel, offset)
	if errors.Is(err, errRangeNotSatisfiable) {
		// the temp file already holds everything the source has
		if offset > 0 && (expected < 0 || offset == expected) {
			return local("finish file", os.Rename(tmp, dst))
		}
		if rmErr := os.Remove(tmp); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return local("remove partial file", rmErr)
		}
		*staged -= offset
		return err
	}
	if err != nil {
		return err
	}
	defer body.Close()

	if expected < 0 && length >= 0 {
		expected = length
	}
	skip := offset - start
	if skip > 0 {
		log.Debugf("服务器不支持断点续传，跳过已下载的 %d 字节: %s", skip, rel)
	}

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return local("open partial file", err)
	}
	written, err := m.copyChunks(ctx, cancelReq, session, body, f, skip, offset, expected, staged, emit)
	closeErr := f.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return local("close partial file", closeErr)
	}

	size := offset + written
	if expected >= 0 && size != expected {
		if rmErr := os.Remove(tmp); rmErr != nil {
			return local("remove partial file", rmErr)
		}
		*staged -= size
		return &sizeMismatchError{want: expected, got: size}
	}
	return local("finish file", os.Rename(tmp, dst))
}

var errRangeNotSatisfiable = &HTTPStatusError{StatusCode: http.StatusRequestedRangeNotSatisfiable, Status: "416 Requested Range Not Satisfiable"}

// open starts reading rel at offset. start is the position the body begins at,
// which is 0 when the source ignored the range. length is the full file size or -1.
func (m *Manager) open(ctx context.Context, src registry.Source, rel string, offset int64) (body io.ReadCloser, start, length int64, err error) {
	if src.Kind == registry.SourceFile {
		return openLocal(src, rel, offset)
	}

	req, err := m.client.NewRequest(ctx, http.MethodGet, src, rel, offset)
	if err != nil {
		return nil, 0, -1, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, 0, -1, err
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		length = -1
		if resp.ContentLength >= 0 {
			length = offset + resp.ContentLength
		}
		return resp.Body, offset, length, nil
	case http.StatusOK:
		return resp.Body, 0, resp.ContentLength, nil
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, 0, -1, errRangeNotSatisfiable
	default:
		resp.Body.Close()
		return nil, 0, -1, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
}

func openLocal(src registry.Source, rel string, offset int64) (io.ReadCloser, int64, int64, error) {
	f, err := os.Open(filepath.Join(src.Location, filepath.FromSlash(rel)))
	if err != nil {
		return nil, 0, -1, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, -1, err
	}
	if offset > info.Size() {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, -1, err
	}
	return f, offset, info.Size(), nil
}

// copyChunks streams r into w in ChunkSize reads. It checks for cancellation
// between reads, drops the first skip bytes, and aborts a read that stays idle
// longer than ReadTimeout by cancelling the request.
func (m *Manager) copyChunks(ctx context.Context, cancelReq context.CancelFunc, session *Session, r io.Reader, w io.Writer, skip, pos, expected int64, staged *int64, emit *emitter) (int64, error) {
	buf := make([]byte, m.cfg.ChunkSize)

	var timedOut atomic.Bool
	idle := time.AfterFunc(m.cfg.ReadTimeout, func() {
		timedOut.Store(true)
		cancelReq()
	})
	defer idle.Stop()

	var written int64
	for {
		if session.CancelRequested() || ctx.Err() != nil {
			return written, ErrCancelled
		}

		idle.Reset(m.cfg.ReadTimeout)
		n, rerr := r.Read(buf)
		idle.Stop()

		data := buf[:n]
		if skip > 0 {
			d := skip
			if int64(len(data)) < d {
				d = int64(len(data))
			}
			data = data[d:]
			skip -= d
		}

		if len(data) > 0 {
			if expected >= 0 && pos+written+int64(len(data)) > expected {
				return written, &sizeMismatchError{want: expected, got: pos + written + int64(len(data))}
			}
			if m.limiter != nil {
				if err := m.limiter.WaitN(ctx, len(data)); err != nil {
					if ctx.Err() != nil {
						return written, ErrCancelled
					}
					return written, err
				}
			}
			if _, err := w.Write(data); err != nil {
				return written, local("write", err)
			}
			written += int64(len(data))
			*staged += int64(len(data))
			session.advance(*staged)

			if session.Status() == StatusConnecting {
				_ = session.transition(StatusDownloading, "")
				emit.force()
			} else {
				emit.tick()
			}
		}

		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			if timedOut.Load() {
				return written, ErrReadTimeout
			}
			return written, rerr
		}
	}
}
