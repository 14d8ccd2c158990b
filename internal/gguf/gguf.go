// Package gguf validates GGUF weight files that are part of a model bundle
package gguf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	ggufparser "github.com/gpustack/gguf-parser-go"
)

// Magic is the four byte prefix of every GGUF file
var Magic = []byte("GGUF")

// ErrNotGGUF is returned when a file does not start with the GGUF magic
var ErrNotGGUF = errors.New("not a GGUF file")

// Summary is the part of a GGUF header worth logging after validation
type Summary struct {
	Name         string
	Architecture string
	FileType     string
	TensorCount  uint64
}

// HasMagic reports whether the file at path starts with the GGUF magic.
// 只读取前 4 个字节，适合在完整解析前快速过滤
func HasMagic(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	head := make([]byte, len(Magic))
	if _, err := io.ReadFull(f, head); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(head, Magic), nil
}

// Validate parses the header and metadata of a GGUF file.
// A truncated download fails here even when its size happens to match.
func Validate(path string) (*Summary, error) {
	ok, err := HasMagic(path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotGGUF
	}

	file, err := ggufparser.ParseGGUFFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse GGUF file: %w", err)
	}

	meta := file.Metadata()
	return &Summary{
		Name:         meta.Name,
		Architecture: meta.Architecture,
		FileType:     meta.FileTypeDescriptor,
		TensorCount:  file.Header.TensorCount,
	}, nil
}
