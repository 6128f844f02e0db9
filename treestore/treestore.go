// Package treestore implements the persistent set of (tree-digest -> child
// rows) with referential-integrity-checked insert and fetch (spec §4.3).
package treestore

import (
	"bytes"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/coldcas/treedb/blobstore"
	"github.com/coldcas/treedb/digest"
	"github.com/coldcas/treedb/objtree"
)

// Bucket is the bbolt bucket holding tree child rows, keyed by
// tree_id || 0x00 || child_name (spec §3's (tree_id, child_name) primary
// key). Child names can never contain a NUL byte, so 0x00 is an
// unambiguous separator and the composite key still sorts as
// (tree_id, child_name) under bbolt's raw byte-order comparison — which
// is exactly the canonical order the Tree value requires.
var Bucket = []byte("trees")

// ErrEmptyTree is returned by InsertTree for a tree with no children: the
// store never holds empty trees (spec §3, §9).
var ErrEmptyTree = errors.New("treestore: cannot insert an empty tree")

// ErrMissingReferent is returned by InsertTree when a child blob or
// subtree is not already present.
var ErrMissingReferent = errors.New("treestore: missing referent")

// ErrCorrupt is returned by GetTree when a row's (kindTag, executable)
// pair does not decode to a legal Kind.
var ErrCorrupt = errors.New("treestore: corrupt tree row")

// Store is the tree tier, backed by a single bbolt bucket.
type Store struct {
	db *bbolt.DB
}

// Open ensures the trees bucket exists and returns a Store bound to db.
func Open(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(Bucket)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("treestore: open: %w", err)
	}
	return &Store{db: db}, nil
}

func rowKey(treeID digest.Digest, name string) []byte {
	k := make([]byte, 0, digest.Size+1+len(name))
	k = append(k, treeID[:]...)
	k = append(k, 0)
	k = append(k, name...)
	return k
}

// hasRowsTx reports whether any row exists with the given tree_id prefix,
// inside an already-open transaction. Used both for the subtree
// referential check and, indirectly, for idempotent re-insert detection.
func hasRowsTx(tx *bbolt.Tx, treeID digest.Digest) bool {
	c := tx.Bucket(Bucket).Cursor()
	prefix := append(treeID[:0:0], treeID[:]...)
	prefix = append(prefix, 0)
	k, _ := c.Seek(prefix)
	return k != nil && bytes.HasPrefix(k, prefix)
}

// InsertTree computes tree's digest, verifies every child is already
// present (a blob row for Blob* children, at least one row for Tree
// children), and writes one row per child — all inside a single bbolt
// write transaction. Re-inserting an identical tree is idempotent: it
// short-circuits on an existing tree_id instead of re-writing rows (the
// ambiguity spec §9 flags as an open question; see DESIGN.md).
func (s *Store) InsertTree(t *objtree.Tree) (digest.Digest, error) {
	if t.Len() == 0 {
		return digest.Digest{}, ErrEmptyTree
	}
	treeID, err := t.Digest()
	if err != nil {
		return digest.Digest{}, fmt.Errorf("treestore: insert: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if hasRowsTx(tx, treeID) {
			return nil // idempotent
		}

		entries := t.Iter()
		for _, e := range entries {
			if e.Kind == objtree.KindTree {
				if !hasRowsTx(tx, e.Digest) {
					return fmt.Errorf("%w: tree %s does not exist", ErrMissingReferent, e.Digest)
				}
				continue
			}
			if !blobstore.ExistsTx(tx, e.Digest) {
				return fmt.Errorf("%w: blob %s does not exist", ErrMissingReferent, e.Digest)
			}
		}

		b := tx.Bucket(Bucket)
		for _, e := range entries {
			kindTag, executable, err := e.Kind.Tag()
			if err != nil {
				return err
			}
			v := make([]byte, 0, digest.Size+2)
			v = append(v, e.Digest[:]...)
			v = append(v, kindTag)
			if executable {
				v = append(v, 1)
			} else {
				v = append(v, 0)
			}
			if err := b.Put(rowKey(treeID, e.Name), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return digest.Digest{}, fmt.Errorf("treestore: insert %s: %w", treeID, err)
	}
	return treeID, nil
}

// GetTree reconstructs the Tree for treeID, or (nil, false) if unknown.
// A tree with zero rows is indistinguishable from an unknown id (the
// store never persists empty trees), so zero rows means "absent".
func (s *Store) GetTree(treeID digest.Digest) (*objtree.Tree, bool, error) {
	t := objtree.New()
	var found bool

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(Bucket).Cursor()
		prefix := append(treeID[:0:0], treeID[:]...)
		prefix = append(prefix, 0)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			name := string(k[len(prefix):])
			if len(v) != digest.Size+2 {
				return fmt.Errorf("%w: row for %s/%s has bad length %d", ErrCorrupt, treeID, name, len(v))
			}
			var childID digest.Digest
			copy(childID[:], v[:digest.Size])
			kindTag := v[digest.Size]
			executable := v[digest.Size+1] != 0
			kind, kerr := objtree.KindFromTag(kindTag, executable)
			if kerr != nil {
				return fmt.Errorf("%w: %s/%s: %v", ErrCorrupt, treeID, name, kerr)
			}
			if err := t.AddChild(name, childID, kind); err != nil {
				return fmt.Errorf("%w: %s/%s: %v", ErrCorrupt, treeID, name, err)
			}
			found = true
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("treestore: get %s: %w", treeID, err)
	}
	if !found {
		return nil, false, nil
	}
	return t, true, nil
}
