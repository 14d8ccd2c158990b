// Package integrity decides whether a model bundle on disk is complete
package integrity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/remeh/sizedwaitgroup"
	"github.com/shepherd-project/modelfetch/internal/gguf"
	"github.com/shepherd-project/modelfetch/internal/logger"
	"github.com/shepherd-project/modelfetch/internal/registry"
)

// IssueReason explains why a manifest file failed verification
type IssueReason string

const (
	ReasonMissing          IssueReason = "missing"
	ReasonNotAFile         IssueReason = "not_a_file"
	ReasonUnreadable       IssueReason = "unreadable"
	ReasonSizeMismatch     IssueReason = "size_mismatch"
	ReasonChecksumMismatch IssueReason = "checksum_mismatch"
	ReasonInvalidHeader    IssueReason = "invalid_header"
	ReasonUnverified       IssueReason = "unverified" // check was interrupted before reaching the file
)

// FileIssue is one failed manifest entry
type FileIssue struct {
	Path   string      `json:"path"`
	Reason IssueReason `json:"reason"`
	Detail string      `json:"detail,omitempty"`
}

// ModelOnDiskState is the derived completeness of a model directory
type ModelOnDiskState struct {
	ModelID  string              `json:"modelId"`
	Root     string              `json:"root"`
	Mode     registry.VerifyMode `json:"mode"`
	Complete bool                `json:"complete"`
	// Missing lists missing or mismatched files in manifest order
	Missing    []string    `json:"missingFiles"`
	Issues     []FileIssue `json:"issues,omitempty"`
	TotalBytes int64       `json:"totalBytesOnDisk"`
}

// Options configures a Checker
type Options struct {
	// Workers bounds how many files are hashed at once
	Workers int
	Logger  *logger.Logger
}

// Checker verifies model directories against their manifest
type Checker struct {
	workers int
	log     *logger.Logger
}

// NewChecker creates a checker
func NewChecker(opts Options) *Checker {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger()
	}
	return &Checker{workers: opts.Workers, log: opts.Logger}
}

// Check verifies root with the descriptor's own verification mode
func (c *Checker) Check(ctx context.Context, desc registry.ModelDescriptor, root string) ModelOnDiskState {
	return c.CheckMode(ctx, desc, root, desc.EffectiveVerification())
}

// CheckMode verifies root with an explicit mode. It never fails as a whole:
// per-file problems, including filesystem errors, are reported as issues.
func (c *Checker) CheckMode(ctx context.Context, desc registry.ModelDescriptor, root string, mode registry.VerifyMode) ModelOnDiskState {
	state := ModelOnDiskState{ModelID: desc.ID, Root: root, Mode: mode}
	log := c.log.WithField("model", desc.ID)

	info, err := os.Stat(root)
	rootOK := err == nil && info.IsDir()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithError(err).Warnf("无法访问模型目录 %s", root)
	}

	if mode == registry.VerifyExists {
		if rootOK {
			state.Complete = true
			state.TotalBytes, _ = DiskUsage(root)
			return state
		}
		state.setAll(desc.RequiredFiles, ReasonMissing, "")
		return state
	}

	if !rootOK {
		state.setAll(desc.RequiredFiles, ReasonMissing, "")
		return state
	}

	results := make([]fileResult, len(desc.RequiredFiles))
	swg := sizedwaitgroup.New(c.workers)
	for i, f := range desc.RequiredFiles {
		if ctx.Err() != nil {
			results[i] = fileResult{issue: &FileIssue{Path: f.Path, Reason: ReasonUnverified, Detail: ctx.Err().Error()}}
			continue
		}
		swg.Add()
		go func(i int, f registry.ManifestFile) {
			defer swg.Done()
			results[i] = c.checkFile(ctx, root, f, mode)
		}(i, f)
	}
	swg.Wait()

	for _, r := range results {
		state.TotalBytes += r.size
		if r.issue == nil {
			continue
		}
		if r.issue.Reason == ReasonUnreadable {
			log.WithField("file", r.issue.Path).Warnf("读取模型文件失败，视为缺失: %s", r.issue.Detail)
		}
		state.Missing = append(state.Missing, r.issue.Path)
		state.Issues = append(state.Issues, *r.issue)
	}
	state.Complete = len(state.Missing) == 0

	return state
}

func (s *ModelOnDiskState) setAll(files []registry.ManifestFile, reason IssueReason, detail string) {
	for _, f := range files {
		s.Missing = append(s.Missing, f.Path)
		s.Issues = append(s.Issues, FileIssue{Path: f.Path, Reason: reason, Detail: detail})
	}
}

type fileResult struct {
	size  int64
	issue *FileIssue
}

func (c *Checker) checkFile(ctx context.Context, root string, f registry.ManifestFile, mode registry.VerifyMode) fileResult {
	full := filepath.Join(root, filepath.FromSlash(f.Path))
	fail := func(size int64, reason IssueReason, detail string) fileResult {
		return fileResult{size: size, issue: &FileIssue{Path: f.Path, Reason: reason, Detail: detail}}
	}

	info, err := os.Stat(full)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fail(0, ReasonMissing, "")
	case err != nil:
		return fail(0, ReasonUnreadable, err.Error())
	case info.IsDir():
		return fail(0, ReasonNotAFile, "")
	}

	size := info.Size()
	if f.Size > 0 && size != f.Size {
		return fail(size, ReasonSizeMismatch, sizeDetail(f.Size, size))
	}
	if mode != registry.VerifyFull {
		return fileResult{size: size}
	}
	if ctx.Err() != nil {
		return fail(size, ReasonUnverified, ctx.Err().Error())
	}

	if f.Checksum != "" {
		algo, want, err := ParseChecksum(f.Checksum)
		if err != nil {
			return fail(size, ReasonChecksumMismatch, err.Error())
		}
		got, err := HashFile(ctx, full, algo)
		if err != nil {
			if ctx.Err() != nil {
				return fail(size, ReasonUnverified, ctx.Err().Error())
			}
			return fail(size, ReasonUnreadable, err.Error())
		}
		if got != want {
			return fail(size, ReasonChecksumMismatch, string(algo)+" "+got)
		}
	}

	if strings.HasSuffix(strings.ToLower(f.Path), ".gguf") {
		if _, err := gguf.Validate(full); err != nil {
			return fail(size, ReasonInvalidHeader, err.Error())
		}
	}

	return fileResult{size: size}
}

func sizeDetail(want, got int64) string {
	return fmt.Sprintf("expected %d bytes, found %d", want, got)
}

// DiskUsage returns the number of bytes stored under root
func DiskUsage(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
