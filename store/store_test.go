package store

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coldcas/treedb/digest"
	"github.com/coldcas/treedb/objtree"
	"github.com/coldcas/treedb/treestore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestBasicTree is scenario S1.
func TestBasicTree(t *testing.T) {
	s := openTestStore(t)

	fooID, err := s.InsertBytes([]byte("foo"))
	if err != nil {
		t.Fatalf("InsertBytes(foo): %v", err)
	}
	barID, err := s.InsertBytes([]byte("bar"))
	if err != nil {
		t.Fatalf("InsertBytes(bar): %v", err)
	}

	c := objtree.New()
	c.AddChild("d", barID, objtree.KindBlob)
	cID, err := s.InsertTree(c)
	if err != nil {
		t.Fatalf("InsertTree(c): %v", err)
	}

	root := objtree.New()
	root.AddChild("a", fooID, objtree.KindBlob)
	root.AddChild("b", fooID, objtree.KindBlob)
	root.AddChild("c", cID, objtree.KindTree)
	rootID, err := s.InsertTree(root)
	if err != nil {
		t.Fatalf("InsertTree(root): %v", err)
	}

	got, ok, err := s.GetTree(rootID)
	if err != nil || !ok {
		t.Fatalf("GetTree(root): ok=%v err=%v", ok, err)
	}
	if !got.Equal(root) {
		t.Error("GetTree(root) should structurally equal the inserted tree")
	}

	fooBytes, ok, err := s.GetBlob(fooID)
	if err != nil || !ok {
		t.Fatalf("GetBlob(foo): ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(fooBytes, []byte("foo")) {
		t.Errorf("GetBlob(foo) = %q", fooBytes)
	}
}

// TestMissingReferent is scenario S2.
func TestMissingReferent(t *testing.T) {
	s := openTestStore(t)

	fooID, err := s.InsertBytes([]byte("foo"))
	if err != nil {
		t.Fatalf("InsertBytes(foo): %v", err)
	}

	// `z` references a blob that has never been inserted into this
	// store: compute its digest directly, without calling InsertBytes.
	neverInserted := digest.Sum([]byte("never-inserted-blob"))

	root := objtree.New()
	root.AddChild("a", fooID, objtree.KindBlob)
	root.AddChild("z", neverInserted, objtree.KindBlob)

	if _, err := s.InsertTree(root); !errors.Is(err, treestore.ErrMissingReferent) {
		t.Fatalf("InsertTree with a missing referent = %v, want ErrMissingReferent", err)
	}
	if _, ok, err := s.GetTree(mustDigest(t, root)); err != nil {
		t.Fatalf("GetTree: %v", err)
	} else if ok {
		t.Error("a tree that failed to insert must leave no rows behind")
	}

	// Now insert the missing blob and retry; it should succeed.
	neverID, err := s.InsertBytes([]byte("never-inserted-blob"))
	if err != nil {
		t.Fatalf("InsertBytes: %v", err)
	}
	if neverID != neverInserted {
		t.Fatalf("digest mismatch: %s vs %s", neverID, neverInserted)
	}
	if _, err := s.InsertTree(root); err != nil {
		t.Fatalf("InsertTree after inserting the missing blob: %v", err)
	}
}

func mustDigest(t *testing.T, tr *objtree.Tree) [32]byte {
	t.Helper()
	d, err := tr.Digest()
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	return d
}

// TestLargeBlobFileImport is scenario S3.
func TestLargeBlobFileImport(t *testing.T) {
	s := openTestStore(t)

	data := make([]byte, DefaultThresholdForTests())
	rand.New(rand.NewSource(42)).Read(data)

	dir := t.TempDir()
	path := filepath.Join(dir, "big")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	bigID, err := s.InsertFile(path)
	if err != nil {
		t.Fatalf("InsertFile: %v", err)
	}

	got, ok, err := s.GetBlob(bigID)
	if err != nil || !ok {
		t.Fatalf("GetBlob(big): ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, data) {
		t.Error("GetBlob(big) did not return the original bytes")
	}
}

// TestFileMutatedMidImport is scenario S4, driven through the public
// InsertFile entry point rather than the internal/sidecar unit test.
func TestFileMutatedMidImport(t *testing.T) {
	// This scenario requires suspending InsertFile between its hash pass
	// and its copy pass, which the public API doesn't expose a hook for.
	// The race itself (detecting a changed mtime/inode) is exercised
	// deterministically in internal/sidecar's TestVerifyUnchangedDetectsMutation;
	// here we only confirm InsertFile succeeds when the source is left
	// alone.
	s := openTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "stable")
	data := make([]byte, DefaultThresholdForTests())
	rand.New(rand.NewSource(7)).Read(data)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := s.InsertFile(path); err != nil {
		t.Fatalf("InsertFile on a stable source file should succeed: %v", err)
	}
}

// TestExecutableBitAffectsIdentity is scenario S5.
func TestExecutableBitAffectsIdentity(t *testing.T) {
	s := openTestStore(t)
	blobID, err := s.InsertBytes([]byte("#!/bin/sh\necho hi\n"))
	if err != nil {
		t.Fatalf("InsertBytes: %v", err)
	}

	t1 := objtree.New()
	t1.AddChild("f", blobID, objtree.KindBlob)
	t2 := objtree.New()
	t2.AddChild("f", blobID, objtree.KindBlobExecutable)

	d1, err := t1.Digest()
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	d2, err := t2.Digest()
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if d1 == d2 {
		t.Error("executable bit must change tree identity")
	}
}

// TestDigestStability is scenario S6.
func TestDigestStability(t *testing.T) {
	s := openTestStore(t)
	fooID, err := s.InsertBytes([]byte("foo"))
	if err != nil {
		t.Fatalf("InsertBytes: %v", err)
	}
	barID, err := s.InsertBytes([]byte("bar"))
	if err != nil {
		t.Fatalf("InsertBytes: %v", err)
	}

	build := func(order []string) [32]byte {
		c := objtree.New()
		c.AddChild("d", barID, objtree.KindBlob)
		cID, err := s.InsertTree(c)
		if err != nil {
			t.Fatalf("InsertTree(c): %v", err)
		}
		root := objtree.New()
		for _, name := range order {
			switch name {
			case "a":
				root.AddChild("a", fooID, objtree.KindBlob)
			case "b":
				root.AddChild("b", fooID, objtree.KindBlob)
			case "c":
				root.AddChild("c", cID, objtree.KindTree)
			}
		}
		d, err := root.Digest()
		if err != nil {
			t.Fatalf("Digest: %v", err)
		}
		return d
	}

	d1 := build([]string{"a", "b", "c"})
	d2 := build([]string{"c", "b", "a"})
	if d1 != d2 {
		t.Errorf("root digest should be stable across construction order: %x vs %x", d1, d2)
	}
}

// DefaultThresholdForTests exposes blobstore's threshold without exporting
// it from the store package's public surface, for tests that need to
// construct a blob of exactly THRESHOLD bytes.
func DefaultThresholdForTests() int { return 65536 }

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open #1: %v", err)
	}
	id, err := s1.InsertBytes([]byte("persisted"))
	if err != nil {
		t.Fatalf("InsertBytes: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open #2 (re-open): %v", err)
	}
	defer s2.Close()

	data, ok, err := s2.GetBlob(id)
	if err != nil || !ok {
		t.Fatalf("GetBlob after re-open: ok=%v err=%v", ok, err)
	}
	if string(data) != "persisted" {
		t.Errorf("GetBlob after re-open = %q", data)
	}
}

func TestOpenWithTimeoutOptionSucceeds(t *testing.T) {
	// Opening with a nonzero timeout against a fresh directory should
	// succeed immediately (no contending writer).
	dir := t.TempDir()
	s, err := Open(dir, Options{OpenTimeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("Open with timeout: %v", err)
	}
	defer s.Close()
}
