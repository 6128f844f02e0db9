// Package bundle exports a tree and its full transitive closure of blobs
// and subtrees to a single zstd-compressed stream, and re-imports one into
// a (possibly different) store. It is additive to the spec: it moves
// existing immutable objects between stores, it does not mutate them, and
// it is not part of the store's core contract (spec §4, §6).
//
// Wire format (before zstd compression): a sequence of records in
// dependency order (every child before its parent), each:
//
//	1 byte    record kind: 0 = blob, 1 = tree
//	32 bytes  digest (redundant with content, checked on import)
//	for a blob: uvarint payload length, then that many raw bytes
//	for a tree: uvarint child count, then per child:
//	              1 byte kind_tag, 1 byte executable,
//	              uvarint name length, name bytes,
//	              32 bytes child digest
//
// This mirrors the header-then-payload shape of the teacher's
// EncodeZstdGitBlob/DecodeZstdGitBlob, generalized from one object to a
// whole closure.
package bundle

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/coldcas/treedb/digest"
	"github.com/coldcas/treedb/objtree"
	"github.com/coldcas/treedb/store"
)

const (
	recordBlob byte = 0
	recordTree byte = 1
)

// Export streams treeID and its full closure of subtrees and blobs to w,
// zstd-compressed. Objects already written (shared blobs, shared
// subtrees) are written at most once.
func Export(s *store.Store, treeID digest.Digest, w io.Writer) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("bundle: zstd writer: %w", err)
	}
	bw := bufio.NewWriter(zw)

	seen := make(map[digest.Digest]bool)
	if err := exportTree(s, treeID, bw, seen); err != nil {
		_ = zw.Close()
		return fmt.Errorf("bundle: export %s: %w", treeID, err)
	}
	if err := bw.Flush(); err != nil {
		_ = zw.Close()
		return fmt.Errorf("bundle: export %s: flush: %w", treeID, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("bundle: export %s: close zstd: %w", treeID, err)
	}
	return nil
}

func exportTree(s *store.Store, treeID digest.Digest, w *bufio.Writer, seen map[digest.Digest]bool) error {
	if seen[treeID] {
		return nil
	}
	t, ok, err := s.GetTree(treeID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("tree %s not found", treeID)
	}
	entries := t.Iter()

	for _, e := range entries {
		if e.Kind == objtree.KindTree {
			if err := exportTree(s, e.Digest, w, seen); err != nil {
				return err
			}
		} else if !seen[e.Digest] {
			data, ok, err := s.GetBlob(e.Digest)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("blob %s not found", e.Digest)
			}
			if err := writeBlobRecord(w, e.Digest, data); err != nil {
				return err
			}
			seen[e.Digest] = true
		}
	}

	if err := writeTreeRecord(w, treeID, entries); err != nil {
		return err
	}
	seen[treeID] = true
	return nil
}

func writeUvarint(w *bufio.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func writeBlobRecord(w *bufio.Writer, id digest.Digest, data []byte) error {
	if err := w.WriteByte(recordBlob); err != nil {
		return err
	}
	if _, err := w.Write(id[:]); err != nil {
		return err
	}
	if err := writeUvarint(w, uint64(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func writeTreeRecord(w *bufio.Writer, id digest.Digest, entries []objtree.Entry) error {
	if err := w.WriteByte(recordTree); err != nil {
		return err
	}
	if _, err := w.Write(id[:]); err != nil {
		return err
	}
	if err := writeUvarint(w, uint64(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		kindTag, executable, err := e.Kind.Tag()
		if err != nil {
			return err
		}
		if err := w.WriteByte(kindTag); err != nil {
			return err
		}
		var execByte byte
		if executable {
			execByte = 1
		}
		if err := w.WriteByte(execByte); err != nil {
			return err
		}
		if err := writeUvarint(w, uint64(len(e.Name))); err != nil {
			return err
		}
		if _, err := w.Write([]byte(e.Name)); err != nil {
			return err
		}
		if _, err := w.Write(e.Digest[:]); err != nil {
			return err
		}
	}
	return nil
}

// Import reads a stream written by Export and re-inserts every object
// into s, in the order it was written — which is always children before
// parents, so InsertTree's referential-integrity check always succeeds.
// It returns the digest of the last tree record in the stream (the
// original root).
func Import(s *store.Store, r io.Reader) (digest.Digest, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("bundle: zstd reader: %w", err)
	}
	defer zr.Close()
	br := bufio.NewReader(zr)

	var root digest.Digest
	for {
		kind, err := br.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return digest.Digest{}, fmt.Errorf("bundle: import: %w", err)
		}

		var wantID digest.Digest
		if _, err := io.ReadFull(br, wantID[:]); err != nil {
			return digest.Digest{}, fmt.Errorf("bundle: import: read digest: %w", err)
		}

		switch kind {
		case recordBlob:
			n, err := binary.ReadUvarint(br)
			if err != nil {
				return digest.Digest{}, fmt.Errorf("bundle: import blob %s: %w", wantID, err)
			}
			data := make([]byte, n)
			if _, err := io.ReadFull(br, data); err != nil {
				return digest.Digest{}, fmt.Errorf("bundle: import blob %s: %w", wantID, err)
			}
			gotID, err := s.InsertBytes(data)
			if err != nil {
				return digest.Digest{}, fmt.Errorf("bundle: import blob %s: %w", wantID, err)
			}
			if gotID != wantID {
				return digest.Digest{}, fmt.Errorf("bundle: import blob: digest mismatch, stream said %s, recomputed %s", wantID, gotID)
			}

		case recordTree:
			count, err := binary.ReadUvarint(br)
			if err != nil {
				return digest.Digest{}, fmt.Errorf("bundle: import tree %s: %w", wantID, err)
			}
			t := objtree.New()
			for i := uint64(0); i < count; i++ {
				kindTag, err := br.ReadByte()
				if err != nil {
					return digest.Digest{}, fmt.Errorf("bundle: import tree %s: %w", wantID, err)
				}
				execByte, err := br.ReadByte()
				if err != nil {
					return digest.Digest{}, fmt.Errorf("bundle: import tree %s: %w", wantID, err)
				}
				nameLen, err := binary.ReadUvarint(br)
				if err != nil {
					return digest.Digest{}, fmt.Errorf("bundle: import tree %s: %w", wantID, err)
				}
				nameBytes := make([]byte, nameLen)
				if _, err := io.ReadFull(br, nameBytes); err != nil {
					return digest.Digest{}, fmt.Errorf("bundle: import tree %s: %w", wantID, err)
				}
				var childID digest.Digest
				if _, err := io.ReadFull(br, childID[:]); err != nil {
					return digest.Digest{}, fmt.Errorf("bundle: import tree %s: %w", wantID, err)
				}
				childKind, err := objtree.KindFromTag(kindTag, execByte != 0)
				if err != nil {
					return digest.Digest{}, fmt.Errorf("bundle: import tree %s: %w", wantID, err)
				}
				if err := t.AddChild(string(nameBytes), childID, childKind); err != nil {
					return digest.Digest{}, fmt.Errorf("bundle: import tree %s: %w", wantID, err)
				}
			}
			gotID, err := s.InsertTree(t)
			if err != nil {
				return digest.Digest{}, fmt.Errorf("bundle: import tree %s: %w", wantID, err)
			}
			if gotID != wantID {
				return digest.Digest{}, fmt.Errorf("bundle: import tree: digest mismatch, stream said %s, recomputed %s", wantID, gotID)
			}
			root = gotID

		default:
			return digest.Digest{}, fmt.Errorf("bundle: import: unknown record kind %d", kind)
		}
	}

	return root, nil
}
