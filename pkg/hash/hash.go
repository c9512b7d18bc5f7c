// Package hash defines the 256-bit BLAKE3 digest that protects every
// TarnFS content transfer.
//
// The digest is a transfer-integrity checksum: both ends of a content
// stream hash the bytes incrementally and compare digests at stream
// end. It is additionally the token for optimistic concurrency on
// file writes (a writer names the digest it believes the file
// currently has). It is NOT used for content addressing or
// deduplication.
package hash

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Size is the digest length in bytes.
const Size = 32

// Hash is a 32-byte BLAKE3 digest.
type Hash [Size]byte

// Zero is the zero value, used as "no digest". Note this differs from
// Empty(), the digest of zero-length content.
var Zero Hash

// Sum computes the digest of data in one shot.
func Sum(data []byte) Hash {
	var h Hash
	sum := blake3.Sum256(data)
	copy(h[:], sum[:])
	return h
}

// Empty returns the digest of zero-length content. New files carry
// this digest until their first content commit.
func Empty() Hash {
	return Sum(nil)
}

// Hex returns the lowercase hex encoding of the digest.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the digest is the zero value.
func (h Hash) IsZero() bool {
	return h == Zero
}

func (h Hash) String() string {
	return h.Hex()
}

// MarshalBinary encodes the digest as its raw 32 bytes. Wire codecs
// (CBOR) pick this up, so digests travel as byte strings instead of
// integer arrays.
func (h Hash) MarshalBinary() ([]byte, error) {
	out := make([]byte, Size)
	copy(out, h[:])
	return out, nil
}

// UnmarshalBinary decodes a digest from its raw 32 bytes.
func (h *Hash) UnmarshalBinary(data []byte) error {
	if len(data) != Size {
		return fmt.Errorf("hash: expected %d bytes, got %d", Size, len(data))
	}
	copy(h[:], data)
	return nil
}

// ParseHex decodes a 64-character hex digest.
func ParseHex(s string) (Hash, error) {
	var h Hash
	if len(s) != Size*2 {
		return h, fmt.Errorf("hash: expected %d hex characters, got %d", Size*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("hash: invalid hex digest: %w", err)
	}
	copy(h[:], b)
	return h, nil
}

// Hasher computes a digest incrementally while counting bytes. It is
// the integrity tap inserted into content streams: every chunk passes
// through Write, and Sum/Count are read once the stream ends.
//
// Not safe for concurrent use.
type Hasher struct {
	inner *blake3.Hasher
	count uint64
}

// NewHasher returns a Hasher ready for streaming.
func NewHasher() *Hasher {
	return &Hasher{inner: blake3.New()}
}

// Write absorbs p into the digest. It never fails; the error return
// satisfies io.Writer so the hasher can sit inside io.MultiWriter and
// io.TeeReader plumbing.
func (h *Hasher) Write(p []byte) (int, error) {
	n, err := h.inner.Write(p)
	h.count += uint64(n)
	return n, err
}

// Sum returns the digest of the bytes written so far.
func (h *Hasher) Sum() Hash {
	var out Hash
	sum := h.inner.Sum(nil)
	copy(out[:], sum)
	return out
}

// Count returns the number of bytes written so far.
func (h *Hasher) Count() uint64 {
	return h.count
}

// Reset returns the hasher to its initial state.
func (h *Hasher) Reset() {
	h.inner.Reset()
	h.count = 0
}
