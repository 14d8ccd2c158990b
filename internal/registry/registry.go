// Package registry holds the catalog of downloadable model bundles
package registry

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrModelNotFound is returned for identifiers that are not in the catalog
var ErrModelNotFound = errors.New("model not found")

// Registry is a read-only catalog of model descriptors, kept in catalog order
type Registry struct {
	models []ModelDescriptor
	index  map[string]int
}

// New validates descriptors and builds a registry
func New(descs ...ModelDescriptor) (*Registry, error) {
	r := &Registry{
		models: make([]ModelDescriptor, 0, len(descs)),
		index:  make(map[string]int, len(descs)),
	}

	for _, d := range descs {
		if err := validateDescriptor(d); err != nil {
			return nil, err
		}
		if _, dup := r.index[d.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %q", d.ID)
		}
		r.index[d.ID] = len(r.models)
		r.models = append(r.models, d.Clone())
	}

	return r, nil
}

// MustNew is New for static catalogs; it panics on an invalid descriptor
func MustNew(descs ...ModelDescriptor) *Registry {
	r, err := New(descs...)
	if err != nil {
		panic(err)
	}
	return r
}

// List returns every descriptor in catalog order
func (r *Registry) List() []ModelDescriptor {
	out := make([]ModelDescriptor, len(r.models))
	for i, d := range r.models {
		out[i] = d.Clone()
	}
	return out
}

// Get returns the descriptor for id or ErrModelNotFound
func (r *Registry) Get(id string) (ModelDescriptor, error) {
	i, ok := r.index[id]
	if !ok {
		return ModelDescriptor{}, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	return r.models[i].Clone(), nil
}

// Has reports whether id is in the catalog
func (r *Registry) Has(id string) bool {
	_, ok := r.index[id]
	return ok
}

// IDs returns model identifiers in catalog order
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.models))
	for i, d := range r.models {
		ids[i] = d.ID
	}
	return ids
}

func validateDescriptor(d ModelDescriptor) error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("model id is required")
	}
	if strings.ContainsAny(d.ID, `/\`) || d.ID == "." || d.ID == ".." {
		return fmt.Errorf("model %q: id must be usable as a directory name", d.ID)
	}
	if len(d.Sources) == 0 {
		return fmt.Errorf("model %q: at least one source is required", d.ID)
	}
	if len(d.RequiredFiles) == 0 && d.EffectiveVerification() != VerifyExists {
		return fmt.Errorf("model %q: required file manifest is empty", d.ID)
	}

	switch d.EffectiveVerification() {
	case VerifyFull, VerifyQuick, VerifyExists:
	default:
		return fmt.Errorf("model %q: unknown verification mode %q", d.ID, d.Verification)
	}

	for _, s := range d.Sources {
		switch s.Kind {
		case SourceHuggingFace, SourceModelScope, SourceHTTP, SourceFile:
		default:
			return fmt.Errorf("model %q: unknown source kind %q", d.ID, s.Kind)
		}
		if s.Location == "" {
			return fmt.Errorf("model %q: source %q has no location", d.ID, s.Name)
		}
	}

	seen := make(map[string]bool, len(d.RequiredFiles))
	for _, f := range d.RequiredFiles {
		if err := ValidatePath(f.Path); err != nil {
			return fmt.Errorf("model %q: %w", d.ID, err)
		}
		if seen[f.Path] {
			return fmt.Errorf("model %q: duplicate manifest path %q", d.ID, f.Path)
		}
		seen[f.Path] = true
		if f.Size < 0 {
			return fmt.Errorf("model %q: negative size for %q", d.ID, f.Path)
		}
	}

	return nil
}

// ValidatePath rejects manifest paths that could escape the model root
func ValidatePath(p string) error {
	if p == "" {
		return errors.New("empty manifest path")
	}
	if strings.Contains(p, `\`) || path.IsAbs(p) {
		return fmt.Errorf("manifest path %q must be relative and slash separated", p)
	}
	if path.Clean(p) != p {
		return fmt.Errorf("manifest path %q is not clean", p)
	}
	if p == ".." || strings.HasPrefix(p, "../") {
		return fmt.Errorf("manifest path %q escapes the model directory", p)
	}
	return nil
}
