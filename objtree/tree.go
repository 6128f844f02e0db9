// Package objtree implements the in-memory Tree value: a canonical,
// ordered mapping from child name to (digest, kind), and the digest
// computation that gives a tree its content-addressed identity.
//
// Canonical encoding (fed to digest.NewTreeHasher, per child, in
// lexicographic name order):
//
//	32 bytes   child digest
//	2 bytes    kind: [0,0] blob, [0,1] exec blob, [1,0] tree
//	N bytes    child name (raw bytes, no length prefix)
//	1 byte     0x00 terminator
package objtree

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/coldcas/treedb/digest"
)

// ErrInvalidName reports a child name that violates the name constraints:
// empty, or containing '/' or NUL.
var ErrInvalidName = errors.New("objtree: invalid child name")

// Kind is the tagged variant of a tree child: a non-executable blob, an
// executable blob, or a subtree. It is not a pair of independent fields —
// only three combinations of (kindTag, executable) are legal on disk, and
// decoders must treat it as an enumeration, never as two booleans.
type Kind uint8

const (
	// KindBlob is a regular (non-executable) blob.
	KindBlob Kind = iota
	// KindBlobExecutable is an executable blob.
	KindBlobExecutable
	// KindTree is a subtree.
	KindTree
)

func (k Kind) String() string {
	switch k {
	case KindBlob:
		return "blob"
	case KindBlobExecutable:
		return "blob+x"
	case KindTree:
		return "tree"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// IsBlob reports whether k names a blob (executable or not).
func (k Kind) IsBlob() bool { return k == KindBlob || k == KindBlobExecutable }

// Executable reports whether k is the executable blob variant.
func (k Kind) Executable() bool { return k == KindBlobExecutable }

// kindBytes returns the 2-byte on-the-wire encoding of k.
func kindBytes(k Kind) ([2]byte, error) {
	switch k {
	case KindBlob:
		return [2]byte{0, 0}, nil
	case KindBlobExecutable:
		return [2]byte{0, 1}, nil
	case KindTree:
		return [2]byte{1, 0}, nil
	default:
		return [2]byte{}, fmt.Errorf("objtree: unknown kind %d", uint8(k))
	}
}

// KindFromTag decodes the persisted (kindTag, executable) pair (spec §3).
// Any combination other than (0,*) or (1,false) is a corruption error.
func KindFromTag(kindTag uint8, executable bool) (Kind, error) {
	switch {
	case kindTag == 0 && !executable:
		return KindBlob, nil
	case kindTag == 0 && executable:
		return KindBlobExecutable, nil
	case kindTag == 1 && !executable:
		return KindTree, nil
	default:
		return 0, fmt.Errorf("objtree: corrupt node kind (tag=%d executable=%v)", kindTag, executable)
	}
}

// Tag returns the persisted (kindTag, executable) pair for k, or an error
// if k is not one of the three legal variants.
func (k Kind) Tag() (kindTag uint8, executable bool, err error) {
	switch k {
	case KindBlob:
		return 0, false, nil
	case KindBlobExecutable:
		return 0, true, nil
	case KindTree:
		return 1, false, nil
	default:
		return 0, false, fmt.Errorf("objtree: unknown kind %d", uint8(k))
	}
}

// Child is one entry of a Tree: a digest paired with its kind.
type Child struct {
	Digest digest.Digest
	Kind   Kind
}

// Tree is a canonical mapping from non-empty, '/'- and NUL-free names to
// (digest, kind). Iteration order is always lexicographic on the raw name
// bytes, regardless of insertion order.
type Tree struct {
	children map[string]Child
}

// New returns an empty Tree. An empty Tree is a legal value but can never
// be persisted (treestore.Store.InsertTree rejects it, per spec §4.3).
func New() *Tree {
	return &Tree{children: make(map[string]Child)}
}

// Len returns the number of children.
func (t *Tree) Len() int { return len(t.children) }

// ValidateName reports whether name satisfies the child-name constraints:
// non-empty, no '/' (0x2F), no NUL (0x00).
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if bytes.IndexByte([]byte(name), '/') >= 0 {
		return fmt.Errorf("%w: %q contains '/'", ErrInvalidName, name)
	}
	if bytes.IndexByte([]byte(name), 0) >= 0 {
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidName, name)
	}
	return nil
}

// AddChild inserts or overwrites the child named name. It rejects empty
// names, names containing '/' or NUL, and any kind outside the three
// legal variants.
func (t *Tree) AddChild(name string, id digest.Digest, kind Kind) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, err := kindBytes(kind); err != nil {
		return err
	}
	t.children[name] = Child{Digest: id, Kind: kind}
	return nil
}

// GetChild returns the (digest, kind) for name, and whether it was present.
func (t *Tree) GetChild(name string) (Child, bool) {
	c, ok := t.children[name]
	return c, ok
}

// Entry pairs a child name with its value, as returned by Iter in
// canonical order.
type Entry struct {
	Name string
	Child
}

// Iter returns the tree's children sorted lexicographically by raw name
// bytes, ascending. The returned slice is a fresh copy; mutating it does
// not affect t.
func (t *Tree) Iter() []Entry {
	out := make([]Entry, 0, len(t.children))
	for name, c := range t.children {
		out = append(out, Entry{Name: name, Child: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Digest computes the tree's content-addressed identity: a pure,
// side-effect-free function of the current contents, deterministic across
// platforms. See the package doc comment for the exact wire framing.
func (t *Tree) Digest() (digest.Digest, error) {
	h := digest.NewTreeHasher()
	for _, e := range t.Iter() {
		if err := ValidateName(e.Name); err != nil {
			return digest.Digest{}, err
		}
		kb, err := kindBytes(e.Kind)
		if err != nil {
			return digest.Digest{}, err
		}
		id := e.Digest
		if _, err := h.Write(id[:]); err != nil {
			return digest.Digest{}, fmt.Errorf("objtree: hashing child digest: %w", err)
		}
		if _, err := h.Write(kb[:]); err != nil {
			return digest.Digest{}, fmt.Errorf("objtree: hashing kind: %w", err)
		}
		if _, err := h.Write([]byte(e.Name)); err != nil {
			return digest.Digest{}, fmt.Errorf("objtree: hashing name: %w", err)
		}
		if _, err := h.Write([]byte{0}); err != nil {
			return digest.Digest{}, fmt.Errorf("objtree: hashing terminator: %w", err)
		}
	}
	return h.Sum(), nil
}

// Equal reports whether t and other have identical children (name, digest,
// kind), independent of internal map ordering. Used by round-trip tests
// (spec P4).
func (t *Tree) Equal(other *Tree) bool {
	if t.Len() != other.Len() {
		return false
	}
	for name, c := range t.children {
		oc, ok := other.children[name]
		if !ok || oc != c {
			return false
		}
	}
	return true
}
