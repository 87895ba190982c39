// Package extractsession implements safe extraction of a JPK archive to a
// target directory: path-traversal rejection, mkdir ordering, atomic file
// writes and utime/chmod restoration.
//
// Atomic file writes follow cmd/distri/install.go's hookinstall pattern:
// renameio.TempFile + CloseAtomicallyReplace, so a crash mid-extract never
// leaves a half-written file at its final path.
package extractsession

import (
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/hashworks/jpk/archive"
)

// Options controls the extraction pass.
type Options struct {
	// VerifyFileHMAC requires HMAC verification for every entry that has
	// the HMAC flag set; on a mismatch that entry's file is not written and
	// Extract stops and returns the error.
	VerifyFileHMAC bool
}

// Session extracts the contents of one Archive.
type Session struct {
	a *archive.Archive

	dirsEnsured map[string]bool
}

// NewSession prepares an extraction session for an already-loaded archive.
func NewSession(a *archive.Archive) *Session {
	return &Session{a: a, dirsEnsured: make(map[string]bool)}
}

// Extract writes every non-deleted IndexEntry and DirectoryEntry under
// targetDir, per spec §4.7.
func (s *Session) Extract(targetDir string, opts Options) error {
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return xerrors.Errorf("extractsession: mkdir %s: %w", targetDir, err)
	}

	for _, key := range s.a.Keys() {
		if err := s.extractFile(targetDir, key, opts); err != nil {
			return err
		}
	}

	dirKeys := s.a.DirectoryKeys()
	sort.Slice(dirKeys, func(i, j int) bool {
		return len(dirKeys[i]) > len(dirKeys[j])
	})
	for _, key := range dirKeys {
		if err := s.extractDir(targetDir, key); err != nil {
			return err
		}
	}

	return nil
}

// safeJoin validates key against path traversal and returns the on-disk
// path under targetDir it maps to, or ("", false) if key is unsafe.
func safeJoin(targetDir, key string) (string, bool) {
	base := path.Base(key)
	if base == "." || base == ".." || base == "~" {
		return "", false
	}
	if path.IsAbs(key) || strings.HasPrefix(key, "~") {
		return "", false
	}
	clean := path.Clean(key)
	if clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(clean, "/../") {
		return "", false
	}
	return filepath.Join(targetDir, filepath.FromSlash(clean)), true
}

func (s *Session) extractFile(targetDir, key string, opts Options) error {
	filePath, ok := safeJoin(targetDir, key)
	if !ok {
		log.Printf("extractsession: skipping unsafe key %q", key)
		return nil
	}

	meta, err := s.a.GetMeta(key)
	if err != nil {
		return xerrors.Errorf("extractsession: %s: %w", key, err)
	}
	if meta == nil {
		return nil
	}

	if err := s.ensureParentDir(filepath.Dir(filePath)); err != nil {
		return err
	}

	verify := opts.VerifyFileHMAC && meta.HMAC
	r, finish, err := s.a.GetStream(key, verify)
	if err != nil {
		return xerrors.Errorf("extractsession: %s: %w", key, err)
	}

	out, err := renameio.TempFile("", filePath)
	if err != nil {
		return xerrors.Errorf("extractsession: %s: tempfile: %w", key, err)
	}
	defer out.Cleanup()

	if _, err := io.Copy(out, r); err != nil {
		return xerrors.Errorf("extractsession: %s: write: %w", key, err)
	}
	if err := finish(); err != nil {
		return xerrors.Errorf("extractsession: %s: %w", key, err)
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("extractsession: %s: replace: %w", key, err)
	}

	if err := os.Chmod(filePath, os.FileMode(meta.Mode)); err != nil {
		return xerrors.Errorf("extractsession: %s: chmod: %w", key, err)
	}
	if err := applyTimes(filePath, meta.AtimeMS, meta.MtimeMS); err != nil {
		return xerrors.Errorf("extractsession: %s: utimes: %w", key, err)
	}
	return nil
}

func (s *Session) extractDir(targetDir, key string) error {
	dirPath, ok := safeJoin(targetDir, key)
	if !ok {
		log.Printf("extractsession: skipping unsafe directory key %q", key)
		return nil
	}

	entries, err := s.a.GetDirectoryMeta(key)
	if err != nil {
		return err
	}
	mode := os.FileMode(0755)
	var atimeMS, mtimeMS float64
	if entries != nil {
		mode = os.FileMode(entries.Mode)
		atimeMS, mtimeMS = entries.AtimeMS, entries.MtimeMS
	}

	if err := os.Mkdir(dirPath, mode); err != nil {
		if !os.IsExist(err) {
			return xerrors.Errorf("extractsession: mkdir %s: %w", dirPath, err)
		}
		if err := os.Chmod(dirPath, mode); err != nil {
			return xerrors.Errorf("extractsession: chmod %s: %w", dirPath, err)
		}
	}
	s.dirsEnsured[dirPath] = true

	if entries != nil {
		if err := applyTimes(dirPath, atimeMS, mtimeMS); err != nil {
			return xerrors.Errorf("extractsession: utimes %s: %w", dirPath, err)
		}
	}
	return nil
}

// ensureParentDir creates dir (and its ancestors) if not already done,
// memoizing so repeated entries under the same parent don't re-stat it.
func (s *Session) ensureParentDir(dir string) error {
	if s.dirsEnsured[dir] {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	s.dirsEnsured[dir] = true
	return nil
}

func applyTimes(path string, atimeMS, mtimeMS float64) error {
	atime := msToTimeval(atimeMS)
	mtime := msToTimeval(mtimeMS)
	return unix.Lutimes(path, []unix.Timeval{atime, mtime})
}

func msToTimeval(ms float64) unix.Timeval {
	t := time.UnixMilli(int64(ms))
	return unix.Timeval{Sec: t.Unix(), Usec: int64(t.Nanosecond() / 1000)}
}
