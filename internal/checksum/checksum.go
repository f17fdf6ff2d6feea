// Package checksum computes the content digest recorded in every manifest.
package checksum

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/minio/sha256-simd"
)

// BlockSize is the read size used when streaming input through the digest.
const BlockSize = 32 * 1024

// Digest is the result of hashing one stream.
type Digest struct {
	Hex       string
	SizeBytes int64
}

// Compute streams r through SHA-256 and returns the hex digest and byte count.
func Compute(r io.Reader) (Digest, error) {
	if r == nil {
		return Digest{}, fmt.Errorf("reader is required")
	}
	h := NewHasher()
	n, err := io.CopyBuffer(h, r, make([]byte, BlockSize))
	if err != nil {
		return Digest{}, fmt.Errorf("checksum read: %w", err)
	}
	return Digest{Hex: h.Sum(), SizeBytes: n}, nil
}

// Hasher is an io.Writer that accumulates a SHA-256 digest.
type Hasher struct {
	h hash.Hash
	n int64
}

// NewHasher returns an empty hasher.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	n, err := h.h.Write(p)
	h.n += int64(n)
	return n, err
}

// Sum returns the lower-case hex digest of everything written so far.
func (h *Hasher) Sum() string {
	return hex.EncodeToString(h.h.Sum(nil))
}

// Size returns the number of bytes written.
func (h *Hasher) Size() int64 {
	return h.n
}

// Equal compares two lower-case hex digests. Digests are not secrets, so a
// plain comparison is enough.
func Equal(a, b string) bool {
	return a == b
}
