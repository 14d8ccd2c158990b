package registry

import (
	"fmt"
	"strings"
)

// ParseSource turns a catalog shorthand into a Source.
//
//	hf:org/repo     -> huggingface
//	ms:org/repo     -> modelscope
//	file:/some/dir  -> local mirror
//	https://host/.. -> plain HTTP base URL
func ParseSource(raw string) (Source, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "hf:"):
		return newRepoSource(SourceHuggingFace, strings.TrimPrefix(raw, "hf:"))
	case strings.HasPrefix(raw, "ms:"):
		return newRepoSource(SourceModelScope, strings.TrimPrefix(raw, "ms:"))
	case strings.HasPrefix(raw, "file:"):
		dir := strings.TrimPrefix(raw, "file:")
		if dir == "" {
			return Source{}, fmt.Errorf("empty directory in source %q", raw)
		}
		return Source{Name: "local", Kind: SourceFile, Location: dir}, nil
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		return Source{Name: hostOf(raw), Kind: SourceHTTP, Location: strings.TrimRight(raw, "/")}, nil
	default:
		return Source{}, fmt.Errorf("unsupported source %q", raw)
	}
}

func newRepoSource(kind SourceKind, repo string) (Source, error) {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Source{}, fmt.Errorf("invalid %s repository %q, want org/name", kind, repo)
	}
	return Source{Name: string(kind), Kind: kind, Location: repo}, nil
}

func hostOf(raw string) string {
	rest := raw[strings.Index(raw, "://")+3:]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// String renders the source back into its shorthand
func (s Source) String() string {
	switch s.Kind {
	case SourceHuggingFace:
		return "hf:" + s.Location
	case SourceModelScope:
		return "ms:" + s.Location
	case SourceFile:
		return "file:" + s.Location
	default:
		return s.Location
	}
}
