// Package checksum fingerprints files with BLAKE3 so the build pipeline can
// decide whether two snapshot files carry the same content.
package checksum

import (
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Sum is a 256-bit BLAKE3 digest.
type Sum [32]byte

// Reader digests everything readable from r.
func Reader(r io.Reader) (Sum, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return Sum{}, err
	}
	var s Sum
	copy(s[:], h.Sum(nil))
	return s, nil
}

// File digests the file at path.
func File(path string) (Sum, error) {
	f, err := os.Open(path)
	if err != nil {
		return Sum{}, fmt.Errorf("checksum %s: %w", path, err)
	}
	defer f.Close()
	return Reader(f)
}

// SameContent reports whether the files at a and b have identical bytes. A
// size mismatch short-circuits without hashing.
func SameContent(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	if ai.Size() != bi.Size() {
		return false, nil
	}

	as, err := File(a)
	if err != nil {
		return false, err
	}
	bs, err := File(b)
	if err != nil {
		return false, err
	}
	return as == bs, nil
}
