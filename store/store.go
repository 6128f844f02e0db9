// Package store opens the on-disk layout described in spec §6 — a bbolt
// database file plus a sidecar blobs/ directory — and composes the blob
// and tree tiers behind one handle.
package store

import (
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/coldcas/treedb/blobstore"
	"github.com/coldcas/treedb/digest"
	"github.com/coldcas/treedb/objtree"
	"github.com/coldcas/treedb/treestore"
)

// dbFileName and blobsDirName fix the on-disk layout spec §6 names, adapted
// to bbolt's own file model (see SPEC_FULL.md §3): bbolt is a single
// mmap'd file with its own internal freelist and copy-on-write page
// layout, so it never produces separate db-wal/db-shm journal files the
// way the original SQLite-backed store does.
//
//	<root>/
//	  db              # single bbolt file
//	  blobs/
//	    <64-char hex digest>
const (
	dbFileName   = "db"
	blobsDirName = "blobs"
)

// Options configures a Store. The zero value is valid and uses
// blobstore.DefaultThreshold.
type Options struct {
	// Threshold is the inline/sidecar split point in bytes (spec §3).
	// Zero means blobstore.DefaultThreshold.
	Threshold int

	// OpenTimeout bounds how long Open waits to acquire bbolt's
	// exclusive file lock before giving up (bbolt's native BUSY-timeout
	// equivalent, spec §5 "Cancellation/timeout").
	OpenTimeout time.Duration
}

// Store is a single handle onto one on-disk tree-and-blob store. It owns
// one bbolt connection; callers should not open the same root from
// multiple handles within a process (spec §5: a handle is not meant to be
// shared across threads, though cross-process concurrency is supported
// via bbolt's own file locking).
type Store struct {
	db    *bbolt.DB
	Blobs *blobstore.Store
	Trees *treestore.Store
}

// Open opens or creates the store rooted at dir. Creation is idempotent:
// calling Open twice on the same empty dir, or concurrently on the same
// populated dir from different processes, is safe.
func Open(dir string, opts Options) (*Store, error) {
	db, err := bbolt.Open(filepath.Join(dir, dbFileName), 0o666, &bbolt.Options{
		Timeout: opts.OpenTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dir, err)
	}

	blobs, err := blobstore.Open(db, filepath.Join(dir, blobsDirName), opts.Threshold)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: open %s: %w", dir, err)
	}
	trees, err := treestore.Open(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: open %s: %w", dir, err)
	}

	return &Store{db: db, Blobs: blobs, Trees: trees}, nil
}

// Close releases the bbolt connection. It does not remove any on-disk
// state.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// InsertBytes is shorthand for s.Blobs.InsertBytes.
func (s *Store) InsertBytes(data []byte) (digest.Digest, error) { return s.Blobs.InsertBytes(data) }

// InsertFile is shorthand for s.Blobs.InsertFile.
func (s *Store) InsertFile(path string) (digest.Digest, error) { return s.Blobs.InsertFile(path) }

// GetBlob is shorthand for s.Blobs.Get.
func (s *Store) GetBlob(id digest.Digest) ([]byte, bool, error) { return s.Blobs.Get(id) }

// GetBlobFile is shorthand for s.Blobs.GetFile.
func (s *Store) GetBlobFile(id digest.Digest, dest string) error {
	return s.Blobs.GetFile(id, dest)
}

// InsertTree is shorthand for s.Trees.InsertTree.
func (s *Store) InsertTree(t *objtree.Tree) (digest.Digest, error) { return s.Trees.InsertTree(t) }

// GetTree is shorthand for s.Trees.GetTree.
func (s *Store) GetTree(id digest.Digest) (*objtree.Tree, bool, error) {
	return s.Trees.GetTree(id)
}
