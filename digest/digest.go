// Package digest provides the 256-bit content digest used to address every
// blob and tree in the store, plus the domain-separated keyed hash used for
// tree identity.
package digest

import (
	"encoding/hex"
	"fmt"
	"io"

	"lukechampine.com/blake3"
)

// Size is the length of a Digest in bytes.
const Size = 32

// Digest is an opaque 256-bit content (or keyed) hash.
type Digest [Size]byte

// Zero is the all-zero digest. It never names real content; it is only
// useful as a "no value" sentinel in call sites that need one.
var Zero Digest

// String returns the lowercase 64-character hex encoding of d.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Parse decodes a 64-character lowercase hex string into a Digest.
func Parse(s string) (Digest, error) {
	var d Digest
	if len(s) != Size*2 {
		return d, fmt.Errorf("digest: bad length %d for %q", len(s), s)
	}
	n, err := hex.Decode(d[:], []byte(s))
	if err != nil {
		return d, fmt.Errorf("digest: decode %q: %w", s, err)
	}
	if n != Size {
		return d, fmt.Errorf("digest: decode %q: short write", s)
	}
	return d, nil
}

// Sum returns the unkeyed content digest of data. This is the blob digest
// referenced throughout the store.
func Sum(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// treeIDContext is the literal domain-separation context for tree identity.
// It must never change: it is part of the on-the-wire definition of a tree
// digest and must match byte-for-byte across implementations (spec §6).
const treeIDContext = "tree_id"

// NewHasher returns a streaming hasher for the unkeyed content digest —
// the same digest Sum computes, but usable when the caller wants to feed
// bytes incrementally (e.g. from a memory-mapped file) instead of holding
// one contiguous slice.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New(Size, nil)}
}

// NewTreeHasher returns a hasher in BLAKE3's key-derivation mode, seeded
// with the "tree_id" context string. Callers feed it the canonical
// per-child byte sequence described in objtree, in canonical child order,
// then call Sum to get the tree digest.
func NewTreeHasher() *Hasher {
	return &Hasher{h: blake3.NewDeriveKey(treeIDContext)}
}

// Hasher wraps blake3's streaming hasher so callers outside this package
// never need to import lukechampine.com/blake3 directly.
type Hasher struct {
	h *blake3.Hasher
}

// Write implements io.Writer.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

var _ io.Writer = (*Hasher)(nil)

// Sum finalizes the hasher and returns the resulting digest. It does not
// reset the underlying state; callers call it exactly once per tree.
func (h *Hasher) Sum() Digest {
	var d Digest
	sum := h.h.Sum(nil)
	copy(d[:], sum)
	return d
}
