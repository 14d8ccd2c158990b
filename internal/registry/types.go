package registry

import (
	"github.com/dustin/go-humanize"
)

// SourceKind identifies how a source location is turned into file URLs
type SourceKind string

const (
	SourceHuggingFace SourceKind = "huggingface"
	SourceModelScope  SourceKind = "modelscope"
	SourceHTTP        SourceKind = "http" // base URL, files are appended as path segments
	SourceFile        SourceKind = "file" // local mirror directory
)

// VerifyMode selects how strictly a bundle is checked on disk
type VerifyMode string

const (
	// VerifyFull checks existence, size, checksum and file headers
	VerifyFull VerifyMode = "full"
	// VerifyQuick checks existence and size only
	VerifyQuick VerifyMode = "quick"
	// VerifyExists only checks that the model directory exists.
	// 仅用于目录即模型的可信来源，不是默认值
	VerifyExists VerifyMode = "exists"
)

// Source is one candidate origin of a model bundle
type Source struct {
	Name     string     `yaml:"name" json:"name"`
	Kind     SourceKind `yaml:"kind" json:"kind"`
	Location string     `yaml:"location" json:"location"` // repo id, base URL or directory
}

// ManifestFile is one required file of a bundle
type ManifestFile struct {
	// Path is relative and slash separated
	Path string `yaml:"path" json:"path"`
	// Size in bytes, 0 when unknown
	Size int64 `yaml:"size,omitempty" json:"size,omitempty"`
	// Checksum is "sha256:<hex>", "blake3:<hex>" or bare sha256 hex
	Checksum string `yaml:"checksum,omitempty" json:"checksum,omitempty"`
}

// ModelDescriptor describes one downloadable model bundle
type ModelDescriptor struct {
	ID            string         `json:"id"`
	DisplayName   string         `json:"displayName"`
	ApproxSize    int64          `json:"approxSize"` // bytes, for display and disk-space estimates
	Description   string         `json:"description"`
	ModelType     string         `json:"modelType"`
	RequiredFiles []ManifestFile `json:"requiredFiles"`
	Sources       []Source       `json:"sources"`
	// Dependencies are runtime packages installed after the download.
	// "{model_dir}" expands to the model's local directory.
	Dependencies []string   `json:"dependencies,omitempty"`
	Verification VerifyMode `json:"verification"`
}

// DisplaySize renders ApproxSize for humans, e.g. "1.2 GB"
func (d ModelDescriptor) DisplaySize() string {
	if d.ApproxSize <= 0 {
		return "unknown"
	}
	return humanize.Bytes(uint64(d.ApproxSize))
}

// ManifestSize returns the sum of manifest sizes and whether every size is known
func (d ModelDescriptor) ManifestSize() (int64, bool) {
	var total int64
	known := true
	for _, f := range d.RequiredFiles {
		if f.Size <= 0 {
			known = false
			continue
		}
		total += f.Size
	}
	return total, known
}

// EffectiveVerification returns the verification mode, defaulting to full
func (d ModelDescriptor) EffectiveVerification() VerifyMode {
	if d.Verification == "" {
		return VerifyFull
	}
	return d.Verification
}

// Clone returns a deep copy so callers cannot mutate the catalog
func (d ModelDescriptor) Clone() ModelDescriptor {
	c := d
	c.RequiredFiles = append([]ManifestFile(nil), d.RequiredFiles...)
	c.Sources = append([]Source(nil), d.Sources...)
	c.Dependencies = append([]string(nil), d.Dependencies...)
	return c
}
