package checkpoint

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// Supported content hash algorithms.
const (
	HashXXH3    = "xxh3"
	HashBlake2b = "blake2b"
)

// DefaultHash is used when the configuration leaves the algorithm empty.
const DefaultHash = HashXXH3

// Hasher digests file contents for equality checks between snapshots.
// Digests are never persisted.
type Hasher interface {
	Sum(data []byte) string
}

// HasherFunc adapts a function to Hasher.
type HasherFunc func(data []byte) string

func (f HasherFunc) Sum(data []byte) string { return f(data) }

// NewHasher returns the Hasher for the named algorithm.
func NewHasher(name string) (Hasher, error) {
	switch name {
	case "", HashXXH3:
		return HasherFunc(xxh3Sum), nil
	case HashBlake2b:
		return HasherFunc(blake2bSum), nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", name)
	}
}

// 128-bit xxh3, hex encoded.
func xxh3Sum(data []byte) string {
	sum := xxh3.Hash128(data).Bytes()
	return hex.EncodeToString(sum[:])
}

func blake2bSum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
