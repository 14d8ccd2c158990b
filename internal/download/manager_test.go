package download

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shepherd-project/modelfetch/internal/integrity"
	"github.com/shepherd-project/modelfetch/internal/logger"
	"github.com/shepherd-project/modelfetch/internal/modelrepo"
	"github.com/shepherd-project/modelfetch/internal/registry"
)

var bundleFiles = []string{"model.bin", "config.yaml", "sub/tokenizer.json"}

func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

func testBundle() map[string][]byte {
	return map[string][]byte{
		"model.bin":          payload(64*1024+123, 1),
		"config.yaml":        []byte("sample_rate: 22050\n"),
		"sub/tokenizer.json": payload(9000, 7),
	}
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// manifest lists bundleFiles, optionally with sizes and checksums
func manifest(files map[string][]byte, sizes, sums bool) []registry.ManifestFile {
	out := make([]registry.ManifestFile, 0, len(bundleFiles))
	for _, name := range bundleFiles {
		f := registry.ManifestFile{Path: name}
		if sizes {
			f.Size = int64(len(files[name]))
		}
		if sums {
			f.Checksum = sha(files[name])
		}
		out = append(out, f)
	}
	return out
}

func descriptor(id string, files []registry.ManifestFile, sources ...registry.Source) registry.ModelDescriptor {
	return registry.ModelDescriptor{
		ID:            id,
		DisplayName:   id,
		RequiredFiles: files,
		Sources:       sources,
	}
}

func httpSource(name, url string) registry.Source {
	return registry.Source{Name: name, Kind: registry.SourceHTTP, Location: url}
}

type fileServer struct {
	*httptest.Server

	mu          sync.Mutex
	files       map[string][]byte
	status      int
	ignoreRange bool
	gets        int
	heads       int
	ranges      []string
}

func newFileServer(t *testing.T, files map[string][]byte) *fileServer {
	t.Helper()
	s := &fileServer{files: files}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *fileServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status, ignore := s.status, s.ignoreRange
	switch r.Method {
	case http.MethodGet:
		s.gets++
		if rg := r.Header.Get("Range"); rg != "" {
			s.ranges = append(s.ranges, rg)
		}
	case http.MethodHead:
		s.heads++
	}
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	data, ok := s.files[strings.TrimPrefix(r.URL.Path, "/")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if ignore {
		r.Header.Del("Range")
	}
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
}

func (s *fileServer) counts() (gets, heads int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets, s.heads
}

func (s *fileServer) seenRanges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}

// newStallingServer sends the first sendFirst bytes of data and then blocks
// until the client goes away. Every GET is announced on the returned channel.
func newStallingServer(t *testing.T, data []byte, sendFirst int) (*httptest.Server, <-chan struct{}) {
	t.Helper()
	started := make(chan struct{}, 16)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		if r.Method == http.MethodHead {
			return
		}
		if sendFirst > 0 {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data[:sendFirst])
			w.(http.Flusher).Flush()
		}
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return srv, started
}

func newTestManager(t *testing.T, cfg Config, descs []registry.ModelDescriptor, opts ...Option) *Manager {
	t.Helper()
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = t.TempDir()
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 4096
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.RetryInitialInterval == 0 {
		cfg.RetryInitialInterval = time.Millisecond
	}

	reg, err := registry.New(descs...)
	require.NoError(t, err)

	log := logger.NewNop()
	base := []Option{
		WithLogger(log),
		WithChecker(integrity.NewChecker(integrity.Options{Workers: 2, Logger: log})),
		WithClient(modelrepo.NewClient(modelrepo.Options{ConnectTimeout: 5 * time.Second})),
		WithFreeSpaceFunc(func(string) (uint64, error) { return 1 << 40, nil }),
	}
	m := NewManager(cfg, reg, append(base, opts...)...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

type recorder struct {
	mu     sync.Mutex
	events []Progress
}

func (r *recorder) record(p Progress) {
	r.mu.Lock()
	r.events = append(r.events, p)
	r.mu.Unlock()
}

func (r *recorder) all() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress(nil), r.events...)
}

func assertBundleInstalled(t *testing.T, root string, files map[string][]byte) {
	t.Helper()
	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(name)))
		require.NoError(t, err, name)
		assert.True(t, bytes.Equal(want, got), "content of %s", name)
	}
}

func startDownload(m *Manager, modelID string, opts Options) (*Session, <-chan error) {
	if opts.Session == nil {
		opts.Session = NewSession(modelID)
	}
	done := make(chan error, 1)
	go func() {
		_, err := m.Download(context.Background(), modelID, opts)
		done <- err
	}()
	return opts.Session, done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("download did not finish")
		return nil
	}
}

func TestDownloadFreshModel(t *testing.T) {
	files := testBundle()
	srv := newFileServer(t, files)
	m := newTestManager(t, Config{}, []registry.ModelDescriptor{
		descriptor("m1", manifest(files, true, true), httpSource("primary", srv.URL)),
	})

	rec := &recorder{}
	result, err := m.Download(context.Background(), "m1", Options{Progress: rec.record})
	require.NoError(t, err)

	var total int64
	for _, data := range files {
		total += int64(len(data))
	}
	assert.Equal(t, StatusComplete, result.Status)
	assert.Equal(t, "primary", result.Source)
	assert.Equal(t, total, result.BytesTotal)
	assert.Equal(t, total, result.BytesDownloaded)
	assert.False(t, result.Skipped)

	root := m.ModelPath("m1")
	assertBundleInstalled(t, root, files)
	assert.NoDirExists(t, root+partialSuffix)
	assert.NoFileExists(t, filepath.Join(root, "model.bin"+tempSuffix))

	events := rec.all()
	require.NotEmpty(t, events)
	var last int64
	var statuses []Status
	for _, e := range events {
		assert.GreaterOrEqual(t, e.BytesDownloaded, last, "progress must be monotonic")
		last = e.BytesDownloaded
		if len(statuses) == 0 || statuses[len(statuses)-1] != e.Status {
			statuses = append(statuses, e.Status)
		}
	}
	assert.Equal(t, []Status{StatusConnecting, StatusDownloading, StatusVerifying, StatusComplete}, statuses)
	final := events[len(events)-1]
	assert.Equal(t, StatusComplete, final.Status)
	assert.Equal(t, total, final.BytesDownloaded)

	snap, ok := m.Status("m1")
	require.True(t, ok)
	assert.Equal(t, StatusComplete, snap.Status)
	assert.False(t, m.IsActive("m1"))
}

func TestDownloadIsIdempotent(t *testing.T) {
	files := testBundle()
	srv := newFileServer(t, files)
	m := newTestManager(t, Config{}, []registry.ModelDescriptor{
		descriptor("m1", manifest(files, true, true), httpSource("primary", srv.URL)),
	})

	_, err := m.Download(context.Background(), "m1", Options{})
	require.NoError(t, err)
	gets, _ := srv.counts()

	rec := &recorder{}
	result, err := m.Download(context.Background(), "m1", Options{Progress: rec.record})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, StatusComplete, result.Status)

	after, _ := srv.counts()
	assert.Equal(t, gets, after, "no bytes transferred for a complete model")

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, StatusComplete, events[0].Status)

	t.Run("force downloads again", func(t *testing.T) {
		result, err := m.Download(context.Background(), "m1", Options{Force: true})
		require.NoError(t, err)
		assert.False(t, result.Skipped)

		again, _ := srv.counts()
		assert.Greater(t, again, after)
		assertBundleInstalled(t, m.ModelPath("m1"), files)
	})
}

func TestDownloadFallsThroughSources(t *testing.T) {
	files := testBundle()
	broken := newFileServer(t, files)
	broken.status = http.StatusInternalServerError
	mirror := newFileServer(t, files)

	m := newTestManager(t, Config{RetryCount: 1}, []registry.ModelDescriptor{
		descriptor("m1", manifest(files, true, true),
			httpSource("primary", broken.URL), httpSource("mirror", mirror.URL)),
	})

	result, err := m.Download(context.Background(), "m1", Options{})
	require.NoError(t, err)
	assert.Equal(t, "mirror", result.Source)

	brokenGets, _ := broken.counts()
	assert.Equal(t, 2, brokenGets, "one attempt plus one retry before falling through")
	assertBundleInstalled(t, m.ModelPath("m1"), files)
}

func TestDownloadAllSourcesFail(t *testing.T) {
	files := testBundle()
	a := newFileServer(t, files)
	a.status = http.StatusNotFound
	b := newFileServer(t, files)
	b.status = http.StatusServiceUnavailable

	m := newTestManager(t, Config{RetryCount: 2}, []registry.ModelDescriptor{
		descriptor("m1", manifest(files, true, true), httpSource("a", a.URL), httpSource("b", b.URL)),
	})

	rec := &recorder{}
	result, err := m.Download(context.Background(), "m1", Options{Progress: rec.record})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSourcesExhausted))

	var se *SourceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "a", se.Source)

	var he *HTTPStatusError
	require.True(t, errors.As(err, &he))

	aGets, _ := a.counts()
	bGets, _ := b.counts()
	assert.Equal(t, 1, aGets, "404 is not retried")
	assert.Equal(t, 3, bGets, "503 is retried")

	assert.Equal(t, StatusFailed, result.Status)
	assert.NoDirExists(t, m.ModelPath("m1"))

	snap, _ := m.Status("m1")
	assert.Contains(t, snap.Error, "all sources failed")
	events := rec.all()
	assert.Equal(t, StatusFailed, events[len(events)-1].Status)
}

func TestDownloadOversizedFileNamesPath(t *testing.T) {
	files := testBundle()
	srv := newFileServer(t, files)

	mf := manifest(files, true, false)
	mf[0].Size = 4096
	m := newTestManager(t, Config{}, []registry.ModelDescriptor{
		descriptor("m1", mf, httpSource("primary", srv.URL)),
	})

	_, err := m.Download(context.Background(), "m1", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.bin: expected 4096 bytes, received")
	assert.NotContains(t, err.Error(), ": :")
	assert.NoDirExists(t, m.ModelPath("m1"))
}

func TestDownloadVerificationGate(t *testing.T) {
	files := testBundle()
	srv := newFileServer(t, files)

	mf := manifest(files, true, true)
	mf[0].Checksum = sha([]byte("something else"))
	m := newTestManager(t, Config{}, []registry.ModelDescriptor{
		descriptor("m1", mf, httpSource("primary", srv.URL)),
	})

	result, err := m.Download(context.Background(), "m1", Options{})
	require.Error(t, err)

	var ie *IntegrityError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, []string{"model.bin"}, ie.Missing)
	assert.Equal(t, integrity.ReasonChecksumMismatch, ie.Issues[0].Reason)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, []string{"model.bin"}, result.Missing)
	assert.NoDirExists(t, m.ModelPath("m1"), "nothing half-valid under the final name")
	assert.NoDirExists(t, m.ModelPath("m1")+partialSuffix)
}

func TestDownloadKeepsPreviousModelWhenVerificationFails(t *testing.T) {
	files := testBundle()
	srv := newFileServer(t, files)
	mf := manifest(files, true, false)
	m := newTestManager(t, Config{}, []registry.ModelDescriptor{
		descriptor("m1", mf, httpSource("primary", srv.URL)),
	})

	_, err := m.Download(context.Background(), "m1", Options{})
	require.NoError(t, err)

	// the source now serves a corrupted file of the same size
	corrupted := payload(len(files["model.bin"]), 99)
	srv.mu.Lock()
	srv.files = map[string][]byte{"model.bin": corrupted, "config.yaml": files["config.yaml"], "sub/tokenizer.json": files["sub/tokenizer.json"]}
	srv.mu.Unlock()

	mf[0].Checksum = sha(files["model.bin"])
	reg, err := registry.New(descriptor("m1", mf, httpSource("primary", srv.URL)))
	require.NoError(t, err)
	m.registry = reg

	_, err = m.Download(context.Background(), "m1", Options{Force: true})
	require.Error(t, err)
	assertBundleInstalled(t, m.ModelPath("m1"), files)
}

func TestDownloadResumesPartialFile(t *testing.T) {
	files := testBundle()
	srv := newFileServer(t, files)
	m := newTestManager(t, Config{}, []registry.ModelDescriptor{
		descriptor("m1", manifest(files, true, true), httpSource("primary", srv.URL)),
	})

	staging := m.ModelPath("m1") + partialSuffix
	require.NoError(t, os.MkdirAll(staging, 0755))
	prefix := files["model.bin"][:20000]
	require.NoError(t, os.WriteFile(filepath.Join(staging, "model.bin"+tempSuffix), prefix, 0644))

	_, err := m.Download(context.Background(), "m1", Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"bytes=20000-"}, srv.seenRanges(), "only the partial file is resumed")
	assertBundleInstalled(t, m.ModelPath("m1"), files)
}

func TestDownloadDiscardsPrefixWhenRangeIgnored(t *testing.T) {
	files := testBundle()
	srv := newFileServer(t, files)
	srv.ignoreRange = true
	m := newTestManager(t, Config{}, []registry.ModelDescriptor{
		descriptor("m1", manifest(files, true, true), httpSource("primary", srv.URL)),
	})

	staging := m.ModelPath("m1") + partialSuffix
	require.NoError(t, os.MkdirAll(staging, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "model.bin"+tempSuffix), files["model.bin"][:30000], 0644))

	rec := &recorder{}
	_, err := m.Download(context.Background(), "m1", Options{Progress: rec.record})
	require.NoError(t, err)
	assertBundleInstalled(t, m.ModelPath("m1"), files)

	var last int64
	for _, e := range rec.all() {
		assert.GreaterOrEqual(t, e.BytesDownloaded, last)
		last = e.BytesDownloaded
	}
}

func TestDownloadUnknownSizesAsksSource(t *testing.T) {
	files := testBundle()
	srv := newFileServer(t, files)
	m := newTestManager(t, Config{}, []registry.ModelDescriptor{
		descriptor("m1", manifest(files, false, false), httpSource("primary", srv.URL)),
	})

	result, err := m.Download(context.Background(), "m1", Options{})
	require.NoError(t, err)

	_, heads := srv.counts()
	assert.Equal(t, len(bundleFiles), heads)
	var total int64
	for _, data := range files {
		total += int64(len(data))
	}
	assert.Equal(t, total, result.BytesTotal)
	assertBundleInstalled(t, m.ModelPath("m1"), files)
}

func TestDownloadFromLocalMirror(t *testing.T) {
	files := testBundle()
	mirror := t.TempDir()
	for name, data := range files {
		p := filepath.Join(mirror, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, data, 0644))
	}

	missing := t.TempDir()
	m := newTestManager(t, Config{RetryCount: 3}, []registry.ModelDescriptor{
		descriptor("m1", manifest(files, false, true),
			registry.Source{Name: "empty", Kind: registry.SourceFile, Location: missing},
			registry.Source{Name: "local", Kind: registry.SourceFile, Location: mirror}),
	})

	result, err := m.Download(context.Background(), "m1", Options{})
	require.NoError(t, err)
	assert.Equal(t, "local", result.Source)
	assertBundleInstalled(t, m.ModelPath("m1"), files)
}

func TestCancelMidTransfer(t *testing.T) {
	data := payload(200*1024, 3)
	srv, _ := newStallingServer(t, data, 16*1024)
	m := newTestManager(t, Config{}, []registry.ModelDescriptor{
		descriptor("m1", []registry.ManifestFile{{Path: "model.bin", Size: int64(len(data))}}, httpSource("primary", srv.URL)),
	})

	rec := &recorder{}
	session, done := startDownload(m, "m1", Options{Progress: rec.record})
	require.Eventually(t, func() bool { return session.Status() == StatusDownloading }, 5*time.Second, 10*time.Millisecond)

	assert.True(t, m.Cancel("m1"))
	err := waitErr(t, done)
	assert.ErrorIs(t, err, ErrCancelled)

	snap := session.Snapshot()
	assert.Equal(t, StatusCancelled, snap.Status)
	assert.Empty(t, snap.Error, "cancellation is not a failure")
	assert.NoDirExists(t, m.ModelPath("m1"))
	assert.NoDirExists(t, m.ModelPath("m1")+partialSuffix, "partial data is removed on cancel")

	events := rec.all()
	assert.Equal(t, StatusCancelled, events[len(events)-1].Status)
	assert.False(t, m.Cancel("m1"), "nothing left to cancel")
}

func TestCancelBeforeAnyBytes(t *testing.T) {
	data := payload(1024, 3)
	srv, started := newStallingServer(t, data, 0)
	m := newTestManager(t, Config{}, []registry.ModelDescriptor{
		descriptor("m1", []registry.ManifestFile{{Path: "model.bin", Size: int64(len(data))}}, httpSource("primary", srv.URL)),
	})

	session, done := startDownload(m, "m1", Options{})
	<-started
	assert.Equal(t, StatusConnecting, session.Status())

	assert.True(t, m.Cancel("m1"))
	assert.ErrorIs(t, waitErr(t, done), ErrCancelled)
	assert.Equal(t, StatusCancelled, session.Status())
	assert.Equal(t, int64(0), session.Snapshot().BytesDownloaded)
	assert.False(t, m.IsActive("m1"))
}

func TestAtMostOneActiveDownload(t *testing.T) {
	data := payload(1024, 3)
	srv, started := newStallingServer(t, data, 0)
	m := newTestManager(t, Config{}, []registry.ModelDescriptor{
		descriptor("m1", []registry.ManifestFile{{Path: "model.bin", Size: int64(len(data))}}, httpSource("primary", srv.URL)),
	})

	_, done := startDownload(m, "m1", Options{})
	<-started
	require.True(t, m.IsActive("m1"))

	_, err := m.Download(context.Background(), "m1", Options{})
	assert.ErrorIs(t, err, ErrAlreadyActive)

	ok, err := m.Delete("m1")
	require.NoError(t, err)
	assert.False(t, ok, "delete is refused while downloading")

	require.True(t, m.Cancel("m1"))
	assert.ErrorIs(t, waitErr(t, done), ErrCancelled)
	assert.False(t, m.IsActive("m1"))
}

func TestSlotFreeWhenSessionDone(t *testing.T) {
	files := testBundle()
	srv := newFileServer(t, files)
	m := newTestManager(t, Config{}, []registry.ModelDescriptor{
		descriptor("m1", manifest(files, true, false), httpSource("primary", srv.URL)),
	})

	session, done := startDownload(m, "m1", Options{})
	select {
	case <-session.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
	}
	assert.False(t, m.IsActive("m1"))

	ok, err := m.Delete("m1")
	require.NoError(t, err)
	assert.True(t, ok, "delete right after Done is not refused")
	require.NoError(t, waitErr(t, done))
}

func TestDownloadReadTimeoutKeepsStaging(t *testing.T) {
	data := payload(8192, 5)
	srv, _ := newStallingServer(t, data, 100)
	m := newTestManager(t, Config{ReadTimeout: 100 * time.Millisecond}, []registry.ModelDescriptor{
		descriptor("m1", []registry.ManifestFile{{Path: "model.bin", Size: int64(len(data))}}, httpSource("primary", srv.URL)),
	})

	result, err := m.Download(context.Background(), "m1", Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourcesExhausted)
	assert.ErrorIs(t, err, ErrReadTimeout)
	assert.Equal(t, StatusFailed, result.Status)

	info, err := os.Stat(filepath.Join(m.ModelPath("m1")+partialSuffix, "model.bin"+tempSuffix))
	require.NoError(t, err, "staged bytes are kept for the next attempt")
	assert.Equal(t, int64(100), info.Size())
}

func TestDownloadInsufficientSpace(t *testing.T) {
	files := testBundle()
	srv := newFileServer(t, files)
	m := newTestManager(t, Config{MinFreeSpace: 1024}, []registry.ModelDescriptor{
		descriptor("m1", manifest(files, true, false), httpSource("primary", srv.URL)),
	}, WithFreeSpaceFunc(func(string) (uint64, error) { return 2048, nil }))

	result, err := m.Download(context.Background(), "m1", Options{})
	assert.ErrorIs(t, err, ErrInsufficientSpace)
	assert.Equal(t, StatusFailed, result.Status)

	gets, heads := srv.counts()
	assert.Zero(t, gets+heads)
}

type fakeInstaller struct {
	err   error
	calls int
	dir   string
}

func (f *fakeInstaller) Install(_ context.Context, _ registry.ModelDescriptor, modelDir string) error {
	f.calls++
	f.dir = modelDir
	return f.err
}

func TestDependencyFailureKeepsModel(t *testing.T) {
	files := testBundle()
	srv := newFileServer(t, files)
	desc := descriptor("m1", manifest(files, true, true), httpSource("primary", srv.URL))
	desc.Dependencies = []string{"{model_dir}/ttsfrd-0.4.2.whl"}

	installer := &fakeInstaller{err: errors.New("pip exploded")}
	m := newTestManager(t, Config{}, []registry.ModelDescriptor{desc}, WithInstaller(installer))

	result, err := m.Download(context.Background(), "m1", Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, result.Status)
	assert.Contains(t, result.DependencyError, "pip exploded")
	assert.Equal(t, 1, installer.calls)
	assert.Equal(t, m.ModelPath("m1"), installer.dir)
	assertBundleInstalled(t, m.ModelPath("m1"), files)

	snap, _ := m.Status("m1")
	assert.Contains(t, snap.Message, "dependency install failed")
}

func TestExpandDependencies(t *testing.T) {
	got := ExpandDependencies([]string{"{model_dir}/a.whl", "numpy"}, "/models/ttsfrd")
	assert.Equal(t, []string{"/models/ttsfrd/a.whl", "numpy"}, got)
}

func TestDeleteModel(t *testing.T) {
	files := testBundle()
	srv := newFileServer(t, files)
	m := newTestManager(t, Config{}, []registry.ModelDescriptor{
		descriptor("m1", manifest(files, true, false), httpSource("primary", srv.URL)),
	})

	_, err := m.Download(context.Background(), "m1", Options{})
	require.NoError(t, err)

	ok, err := m.Delete("m1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoDirExists(t, m.ModelPath("m1"))
	_, found := m.Status("m1")
	assert.False(t, found)

	state, err := m.Check(context.Background(), "m1")
	require.NoError(t, err)
	assert.False(t, state.Complete)

	_, err = m.Delete("unknown")
	assert.ErrorIs(t, err, registry.ErrModelNotFound)
}

func TestCleanupIncomplete(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"m1.partial", "m2.old-1700000000", "m3", "m4.partial"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.partial"), []byte("x"), 0644))

	m := newTestManager(t, Config{ModelsDir: dir}, []registry.ModelDescriptor{
		descriptor("m1", []registry.ManifestFile{{Path: "a"}}, httpSource("p", "http://example.invalid")),
	})

	removed, err := m.CleanupIncomplete()
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.DirExists(t, filepath.Join(dir, "m3"))
	assert.FileExists(t, filepath.Join(dir, "notes.partial"))
	assert.NoDirExists(t, filepath.Join(dir, "m1.partial"))

	t.Run("missing models dir", func(t *testing.T) {
		m := newTestManager(t, Config{ModelsDir: filepath.Join(dir, "nope")}, nil)
		removed, err := m.CleanupIncomplete()
		require.NoError(t, err)
		assert.Zero(t, removed)
	})
}

func TestCloseCancelsActiveDownloads(t *testing.T) {
	data := payload(1024, 3)
	srv, started := newStallingServer(t, data, 0)
	m := newTestManager(t, Config{}, []registry.ModelDescriptor{
		descriptor("m1", []registry.ManifestFile{{Path: "model.bin", Size: int64(len(data))}}, httpSource("primary", srv.URL)),
	})

	_, done := startDownload(m, "m1", Options{})
	<-started

	require.NoError(t, m.Close())
	assert.ErrorIs(t, waitErr(t, done), ErrCancelled)

	_, err := m.Download(context.Background(), "m1", Options{})
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestDownloadUnknownModel(t *testing.T) {
	m := newTestManager(t, Config{}, nil)
	_, err := m.Download(context.Background(), "nope", Options{})
	assert.ErrorIs(t, err, registry.ErrModelNotFound)
}
