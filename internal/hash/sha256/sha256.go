// Package sha256 provides SHA-256 content digests.
package sha256

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Hasher builds cache keys from SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Key digests several parts so that ("ab","c") and ("a","bc") differ.
func (h *Hasher) Key(parts ...[]byte) string {
	d := sha256.New()
	var size [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(size[:], uint64(len(p)))
		d.Write(size[:])
		d.Write(p)
	}
	return hex.EncodeToString(d.Sum(nil))
}
