// Package sidecar manages the large-blob tier of the store: one regular
// file per blob, named by its hex digest, under a single flat directory.
// It owns the POSIX filesystem-race checks and the reflink-or-copy import
// path described in spec §4.2.
package sidecar

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/exp/mmap"
	"golang.org/x/sys/unix"

	"github.com/coldcas/treedb/digest"
)

// ErrChanged is returned by VerifyUnchanged when the source file's (mtime,
// inode) changed between the hash pass and the copy pass — the filesystem
// race spec §4.2 step 6 and §7 "Filesystem race" guard against.
var ErrChanged = errors.New("sidecar: source file changed during import")

// Dir is the sidecar directory: <root>/blobs in the on-disk layout of
// spec §6.
type Dir struct {
	root string
}

// Open creates root (if absent) and returns a handle to it. Creation is
// idempotent.
func Open(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o777); err != nil {
		return nil, fmt.Errorf("sidecar: create %s: %w", root, err)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) path(id digest.Digest) string {
	return filepath.Join(d.root, id.String())
}

// DestPath returns the on-disk path a sidecar file for id would occupy,
// for callers (blobstore's reflink fast path) that need to name the
// destination before any bytes exist there.
func (d *Dir) DestPath(id digest.Digest) string {
	return d.path(id)
}

// Exists reports whether a sidecar file for id is present.
func (d *Dir) Exists(id digest.Digest) (bool, error) {
	_, err := os.Stat(d.path(id))
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("sidecar: stat %s: %w", d.path(id), err)
	}
}

// Read returns the full contents of the sidecar file for id.
func (d *Dir) Read(id digest.Digest) ([]byte, error) {
	b, err := os.ReadFile(d.path(id))
	if err != nil {
		return nil, fmt.Errorf("sidecar: read %s: %w", d.path(id), err)
	}
	return b, nil
}

// CopyTo materializes the sidecar file for id at dest.
func (d *Dir) CopyTo(id digest.Digest, dest string) error {
	data, err := d.Read(id)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("sidecar: write %s: %w", dest, err)
	}
	return nil
}

// PutBytes writes data verbatim to the sidecar slot for id. It overwrites
// any pre-existing file at that path: either it's an orphan left by a
// crashed writer (safe to overwrite, per spec §4.2 step 8), or it is a
// byte-for-byte duplicate because the caller already checked the blobs
// row and this path is unreachable for a committed blob. PutBytes never
// runs against a read-only (already committed) sidecar file — Go's
// open(O_TRUNC) on such a file fails with permission denied, which
// surfaces as an ordinary write error here.
func (d *Dir) PutBytes(id digest.Digest, data []byte) error {
	path := d.path(id)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("sidecar: create %s: %w", path, err)
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("sidecar: write %s: %w", path, werr)
	}
	if cerr != nil {
		return fmt.Errorf("sidecar: close %s: %w", path, cerr)
	}
	return nil
}

// MakeReadOnly strips all write permission bits from the sidecar file for
// id. Called best-effort, after commit (spec §4.2 step 8): a crash before
// this point just leaves a writable, already-committed file, which is
// harmless.
func (d *Dir) MakeReadOnly(id digest.Digest) error {
	path := d.path(id)
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("sidecar: stat %s: %w", path, err)
	}
	if err := os.Chmod(path, fi.Mode()&^0o222); err != nil {
		return fmt.Errorf("sidecar: chmod %s: %w", path, err)
	}
	return nil
}

// snapshot is the pre-hash (mtime, inode) fingerprint of a source file,
// used to detect mutation between the hash pass and the copy pass.
type snapshot struct {
	sec, nsec int64
	ino       uint64
}

func statSnapshot(path string) (snapshot, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return snapshot{}, fmt.Errorf("sidecar: stat %s: %w", path, err)
	}
	return snapshot{sec: int64(st.Mtim.Sec), nsec: int64(st.Mtim.Nsec), ino: st.Ino}, nil
}

// HashSource memory-maps path and returns its content digest together
// with the bytes read (so a subsequent copy need not re-read the file)
// and a snapshot callers pass back to VerifyUnchanged after copying.
func HashSource(path string) (id digest.Digest, data []byte, snap snapshot, err error) {
	before, err := statSnapshot(path)
	if err != nil {
		return digest.Digest{}, nil, snapshot{}, err
	}

	r, err := mmap.Open(path)
	if err != nil {
		return digest.Digest{}, nil, snapshot{}, fmt.Errorf("sidecar: mmap %s: %w", path, err)
	}
	defer r.Close()

	buf := make([]byte, r.Len())
	if _, err := r.ReadAt(buf, 0); err != nil {
		return digest.Digest{}, nil, snapshot{}, fmt.Errorf("sidecar: read mapped %s: %w", path, err)
	}

	// A single Sum call over the whole file's bytes lets blake3 fan the
	// hash out across its own worker pool for large inputs; there is no
	// separate chunking step to write here.
	return digest.Sum(buf), buf, before, nil
}

// VerifyUnchanged re-stats path and fails with ErrChanged if its (mtime,
// inode) no longer matches the snapshot taken before hashing.
func VerifyUnchanged(path string, snap snapshot) error {
	after, err := statSnapshot(path)
	if err != nil {
		return err
	}
	if after != snap {
		return fmt.Errorf("%w: %s", ErrChanged, path)
	}
	return nil
}

// Reflink attempts a copy-on-write clone of src to dst (e.g. Btrfs/XFS
// FICLONE). It returns false (not an error) when the filesystem doesn't
// support it, so callers can fall back to an ordinary copy.
func Reflink(dst, src string) (bool, error) {
	srcFile, err := os.Open(src)
	if err != nil {
		return false, fmt.Errorf("sidecar: open %s: %w", src, err)
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return false, fmt.Errorf("sidecar: create %s: %w", dst, err)
	}
	defer dstFile.Close()

	if err := unix.IoctlFileClone(int(dstFile.Fd()), int(srcFile.Fd())); err != nil {
		// Not a clone-capable filesystem (or cross-device); caller falls
		// back to a plain copy. The partially created dst is harmless:
		// it will be overwritten by PutBytes.
		return false, nil
	}
	return true, nil
}
