package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"lukechampine.com/blake3"
)

// Algorithm names a supported checksum algorithm
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// ParseChecksum splits "algo:hex" into its parts; a bare hex digest is sha256
func ParseChecksum(s string) (Algorithm, string, error) {
	s = strings.TrimSpace(s)
	algo, digest, found := strings.Cut(s, ":")
	if !found {
		algo, digest = string(SHA256), s
	}
	digest = strings.ToLower(digest)

	switch Algorithm(strings.ToLower(algo)) {
	case SHA256, BLAKE3:
	default:
		return "", "", fmt.Errorf("unsupported checksum algorithm %q", algo)
	}
	if len(digest) != 64 {
		return "", "", fmt.Errorf("checksum %q must be 64 hex characters", digest)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", "", fmt.Errorf("checksum %q is not hex: %w", digest, err)
	}
	return Algorithm(strings.ToLower(algo)), digest, nil
}

func newHash(algo Algorithm) hash.Hash {
	if algo == BLAKE3 {
		return blake3.New(32, nil)
	}
	return sha256.New()
}

// HashFile returns the lowercase hex digest of a file.
// A cancelled ctx stops hashing within one buffer.
func HashFile(ctx context.Context, path string, algo Algorithm) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := newHash(algo)
	buf := make([]byte, 1<<20)
	if _, err := io.CopyBuffer(h, ctxReader{ctx: ctx, r: f}, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
