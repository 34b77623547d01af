// Package blobstore implements the Artifact Store's blob layer (§4.1): a
// filesystem tree rooted at downloads_root, laid out by source_id and
// blob kind rather than by content hash, written
// temp-then-rename so readers never observe a partially written file.
//
// Path construction is confined to this package per the §9 design note
// "file path strings scattered across modules" — every other component
// handles opaque BlobRef values.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/domain/entities"
	"github.com/okinrev/veza-web-app/internal/domain/repositories"
)

// BlobRef is an opaque handle encoding the source and kind that produced
// it. Callers never parse it; Store resolves it back to a path.
type BlobRef string

// BlobKind distinguishes the files held under one source's directory.
type BlobKind string

const (
	KindMasterAudio BlobKind = "master"
	KindArchive     BlobKind = "archive"
)

// StemKind builds the BlobKind for one separated stem.
func StemKind(name entities.StemName) BlobKind {
	return BlobKind("stems/" + string(name))
}

// Store is the filesystem-backed blob layer. Root is resolved at read
// time on every call, so moving the root on disk (and repointing Root)
// never invalidates previously stored BlobRefs — they carry only the
// relative path.
type Store struct {
	root   string
	logger *zap.Logger
}

// New creates a Store rooted at root, creating it if absent.
func New(root string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", err)
	}
	return &Store{root: root, logger: logger}, nil
}

func (s *Store) relPath(id entities.SourceID, kind BlobKind, ext string) string {
	switch {
	case kind == KindMasterAudio:
		return filepath.Join(string(id), "master"+ext)
	case kind == KindArchive:
		return filepath.Join(string(id), "archive"+ext)
	case strings.HasPrefix(string(kind), "stems/"):
		stem := strings.TrimPrefix(string(kind), "stems/")
		return filepath.Join(string(id), "stems", stem+ext)
	default:
		return filepath.Join(string(id), string(kind)+ext)
	}
}

// PutBlob atomically writes bytes read from r to the path for (id, kind),
// returning an opaque ref. The write lands in a temp file in the same
// directory and is renamed into place so a concurrent reader never
// observes a partial file (write-then-link ordering, §4.1).
func (s *Store) PutBlob(ctx context.Context, id entities.SourceID, kind BlobKind, ext string, r io.Reader) (BlobRef, int64, error) {
	rel := s.relPath(id, kind, ext)
	abs := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", 0, fmt.Errorf("blobstore: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("blobstore: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		return "", 0, fmt.Errorf("blobstore: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", 0, fmt.Errorf("blobstore: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("blobstore: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return "", 0, fmt.Errorf("blobstore: rename: %w", err)
	}

	s.logger.Debug("blob committed",
		zap.String("source_id", string(id)),
		zap.String("kind", string(kind)),
		zap.Int64("bytes", n),
		zap.String("sha256", hex.EncodeToString(hasher.Sum(nil))[:16]))

	return BlobRef(rel), n, nil
}

// OpenBlob returns a streaming reader for ref. The caller must Close it.
func (s *Store) OpenBlob(ref BlobRef) (io.ReadCloser, error) {
	abs := filepath.Join(s.root, string(ref))
	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", repositories.ErrMissingBlob, ref)
		}
		return nil, fmt.Errorf("blobstore: open: %w", err)
	}
	return f, nil
}

// AbsPath resolves ref to an absolute filesystem path, for the handful
// of Analyzer Adapters (ffmpeg, ffprobe, sox, aubio, the separator's
// python script) that must exec against a real file rather than an
// io.Reader. Every other component treats BlobRef as opaque.
func (s *Store) AbsPath(ref BlobRef) string {
	return filepath.Join(s.root, string(ref))
}

// RefFor returns the BlobRef a PutBlob(id, kind, ext) call would produce,
// without writing anything. Pairs with ReservePath for adapters that
// write their destination file themselves.
func (s *Store) RefFor(id entities.SourceID, kind BlobKind, ext string) BlobRef {
	return BlobRef(s.relPath(id, kind, ext))
}

// ReservePath returns the absolute path a future PutBlob(id, kind, ext)
// call will commit to, without writing anything yet. Used by adapters
// that write their own output file directly (exec-based tools writing
// to a destination path argument) before the Stage Runner commits it
// through PutBlob by streaming the file back in.
func (s *Store) ReservePath(id entities.SourceID, kind BlobKind, ext string) (string, error) {
	rel := s.relPath(id, kind, ext)
	abs := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("blobstore: mkdir: %w", err)
	}
	return abs, nil
}

// Readable reports whether ref currently resolves to a file, without
// opening it — used by invariant checks (§3: extraction.state == done
// implies every stem_ref is readable).
func (s *Store) Readable(ref BlobRef) bool {
	abs := filepath.Join(s.root, string(ref))
	info, err := os.Stat(abs)
	return err == nil && !info.IsDir()
}

// DeleteSource removes every blob belonging to id, used by
// delete_record and by cancellation cleanup of partially written blobs.
func (s *Store) DeleteSource(id entities.SourceID) error {
	dir := filepath.Join(s.root, string(id))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("blobstore: delete source: %w", err)
	}
	return nil
}

// DeleteBlob removes a single blob, used to discard bytes written before
// a mid-stream failure (§4.5.1 edge case: "any bytes written before
// failure are discarded").
func (s *Store) DeleteBlob(ref BlobRef) error {
	abs := filepath.Join(s.root, string(ref))
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore: delete blob: %w", err)
	}
	return nil
}

// ListSourceDirs enumerates every top-level source directory under root,
// used by the Recovery Manager to find orphan blobs (a directory with no
// matching catalog record).
func (s *Store) ListSourceDirs() ([]entities.SourceID, error) {
	entriesList, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("blobstore: list root: %w", err)
	}
	ids := make([]entities.SourceID, 0, len(entriesList))
	for _, e := range entriesList {
		if e.IsDir() {
			ids = append(ids, entities.SourceID(e.Name()))
		}
	}
	return ids, nil
}
