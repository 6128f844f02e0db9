// Package blobstore implements the two-tier blob tier of the store
// (spec §4.2): small blobs inline in a bbolt bucket, large blobs as
// sidecar files, with a single immediate-mode bbolt transaction acting as
// the write lock that arbitrates both tiers.
package blobstore

import (
	"errors"
	"fmt"
	"os"

	"go.etcd.io/bbolt"

	"github.com/coldcas/treedb/digest"
	"github.com/coldcas/treedb/internal/sidecar"
)

// ErrCorrupt reports a blob row or sidecar file that violates the
// threshold invariant (spec I1/I2): an inline row at or above the
// threshold, or a sidecar file below it.
var ErrCorrupt = errors.New("blobstore: corrupt blob row")

// DefaultThreshold is the compile-time split point between the inline and
// sidecar tiers (spec §3): lengths strictly less than this are stored
// inline; lengths equal to or greater go to the sidecar directory.
const DefaultThreshold = 65536

// Bucket is the bbolt bucket holding blob rows, keyed by digest.
var Bucket = []byte("blobs")

const (
	tagInline  byte = 0
	tagSidecar byte = 1
)

// Store is the blob tier: a bbolt bucket for rows plus a sidecar
// directory for large blobs.
type Store struct {
	db        *bbolt.DB
	sidecar   *sidecar.Dir
	threshold int
}

// Open ensures the blobs bucket exists and returns a Store bound to db
// and the sidecar directory rooted at blobsDir.
func Open(db *bbolt.DB, blobsDir string, threshold int) (*Store, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	sc, err := sidecar.Open(blobsDir)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(Bucket)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: open: %w", err)
	}
	return &Store{db: db, sidecar: sc, threshold: threshold}, nil
}

// ExistsTx reports whether a blobs row exists for id, inside an
// already-open transaction. Used by treestore to check referential
// integrity without opening a second transaction.
func ExistsTx(tx *bbolt.Tx, id digest.Digest) bool {
	return tx.Bucket(Bucket).Get(id[:]) != nil
}

// Contains reports whether a blob exists for id.
func (s *Store) Contains(id digest.Digest) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = ExistsTx(tx, id)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("blobstore: contains %s: %w", id, err)
	}
	return found, nil
}

// InsertBytes hashes data, stores it if absent (inline or sidecar
// depending on length), and returns its digest. Re-inserting the same
// bytes is idempotent: it returns the same digest without error.
func (s *Store) InsertBytes(data []byte) (digest.Digest, error) {
	id := digest.Sum(data)

	if len(data) < s.threshold {
		err := s.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(Bucket)
			if b.Get(id[:]) != nil {
				return nil // idempotent
			}
			return b.Put(id[:], inlineValue(data))
		})
		if err != nil {
			return digest.Digest{}, fmt.Errorf("blobstore: insert %s: %w", id, err)
		}
		return id, nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(Bucket)
		if b.Get(id[:]) != nil {
			return nil // idempotent; skip the sidecar write entirely
		}
		if err := b.Put(id[:], []byte{tagSidecar}); err != nil {
			return err
		}
		return s.sidecar.PutBytes(id, data)
	})
	if err != nil {
		return digest.Digest{}, fmt.Errorf("blobstore: insert %s: %w", id, err)
	}

	// Best-effort, ordered after commit (spec §4.2 step 8): if the
	// process crashes before this point the row is already visible and
	// the sidecar file, though writable, is correct content — a later
	// insert of the same digest finds the row and leaves the file as is.
	if err := s.sidecar.MakeReadOnly(id); err != nil {
		return digest.Digest{}, fmt.Errorf("blobstore: insert %s: mark read-only: %w", id, err)
	}
	return id, nil
}

// InsertFile imports a file from the filesystem, hashing it via a
// memory-mapped read and, for large blobs, cloning or copying it into the
// sidecar directory. It re-verifies the source file's (mtime, inode)
// after the copy and fails without committing if they changed mid-import
// (spec §4.2 step 6 / §7 "Filesystem race").
func (s *Store) InsertFile(path string) (digest.Digest, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("blobstore: insert file %s: %w", path, err)
	}
	if !fi.Mode().IsRegular() {
		return digest.Digest{}, fmt.Errorf("blobstore: insert file %s: not a regular file", path)
	}

	id, data, snap, err := sidecar.HashSource(path)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("blobstore: insert file %s: %w", path, err)
	}

	if len(data) < s.threshold {
		err := s.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(Bucket)
			if b.Get(id[:]) != nil {
				return nil
			}
			return b.Put(id[:], inlineValue(data))
		})
		if err != nil {
			return digest.Digest{}, fmt.Errorf("blobstore: insert file %s: %w", path, err)
		}
		return id, nil
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(Bucket)
		if b.Get(id[:]) != nil {
			return nil // idempotent; skip the copy entirely
		}
		if err := b.Put(id[:], []byte{tagSidecar}); err != nil {
			return err
		}

		destPath := s.sidecar.DestPath(id)
		cloned, rerr := sidecar.Reflink(destPath, path)
		if rerr != nil {
			return rerr
		}
		if !cloned {
			if err := s.sidecar.PutBytes(id, data); err != nil {
				return err
			}
		}

		if err := sidecar.VerifyUnchanged(path, snap); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return digest.Digest{}, fmt.Errorf("blobstore: insert file %s: %w", path, err)
	}

	if err := s.sidecar.MakeReadOnly(id); err != nil {
		return digest.Digest{}, fmt.Errorf("blobstore: insert file %s: mark read-only: %w", path, err)
	}
	return id, nil
}

// Get returns the bytes for id, or (nil, false) if absent. The sidecar
// directory is checked first, then the inline row, matching spec §4.2's
// read ordering for consistency with a racing writer.
func (s *Store) Get(id digest.Digest) ([]byte, bool, error) {
	if ok, err := s.sidecar.Exists(id); err != nil {
		return nil, false, fmt.Errorf("blobstore: get %s: %w", id, err)
	} else if ok {
		data, err := s.sidecar.Read(id)
		if err != nil {
			return nil, false, fmt.Errorf("blobstore: get %s: %w", id, err)
		}
		if len(data) < s.threshold {
			return nil, false, fmt.Errorf("%w: sidecar %s is %d bytes, below threshold", ErrCorrupt, id, len(data))
		}
		return data, true, nil
	}

	var data []byte
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(Bucket).Get(id[:])
		if v == nil {
			return nil
		}
		if len(v) == 0 || v[0] != tagInline {
			return fmt.Errorf("%w: row for %s has neither a sidecar file nor an inline tag", ErrCorrupt, id)
		}
		if len(v)-1 >= s.threshold {
			return fmt.Errorf("%w: inline row for %s is %d bytes, at or above threshold", ErrCorrupt, id, len(v)-1)
		}
		data = append([]byte(nil), v[1:]...)
		found = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("blobstore: get %s: %w", id, err)
	}
	return data, found, nil
}

// GetFile materializes the blob for id at dest, the symmetric counterpart
// of InsertFile (spec §4.2, §9 open question).
func (s *Store) GetFile(id digest.Digest, dest string) error {
	data, ok, err := s.Get(id)
	if err != nil {
		return fmt.Errorf("blobstore: get file %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("blobstore: get file %s: blob not found", id)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("blobstore: get file %s: write %s: %w", id, dest, err)
	}
	return nil
}

func inlineValue(data []byte) []byte {
	v := make([]byte, 0, 1+len(data))
	v = append(v, tagInline)
	v = append(v, data...)
	return v
}
