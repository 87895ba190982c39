// Package writesession implements appending entries to a JPK archive: the
// placeholder-then-rewrite Datablock dance, the recursive directory walk,
// and per-entry transform pipeline selection.
//
// The placeholder/rewrite shape follows squashfs.Writer's deferred
// superblock rewrite (NewWriter seeks past the superblock, writes data as
// it streams in, then Flush seeks back and rewrites the header once the
// final sizes are known).
package writesession

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"syscall"
	"time"

	"golang.org/x/xerrors"

	"github.com/hashworks/jpk/archive"
	"github.com/hashworks/jpk/blockcodec"
	"github.com/hashworks/jpk/jpkcrypto"
	"github.com/hashworks/jpk/streamxform"
)

// MaxWalkDepth bounds the recursive directory walk so a pathological
// symlink cycle or a maliciously deep tree cannot recurse forever.
const MaxWalkDepth = 1024

var (
	ErrInvalidPrefix = xerrors.New("writesession: invalid prefix")
	ErrKeyTooLarge   = xerrors.New("writesession: key too large")
	ErrWalkTooDeep   = xerrors.New("writesession: directory walk exceeds MaxWalkDepth")
)

// Options are the default per-session pipeline choices; a Source may
// override any of them for itself.
type Options struct {
	Prefix     string
	Gzip       bool
	Encryption bool
	HMAC       bool
}

// Source is one entry handed to Add: a file on disk, an in-memory buffer,
// or a directory marker. Exactly one of FileSource/BufferSource/DirSource
// is used per call.
type Source interface {
	isSource()
}

// FileSource streams an on-disk file (or, when Path is a directory, the
// whole directory tree beneath it) into the archive. Key defaults to
// filepath.Base(Path) when empty.
type FileSource struct {
	Path   string
	Key    string
	Prefix string

	// per-entry pipeline overrides; nil means "use session Options".
	Gzip       *bool
	Encryption *bool
	HMAC       *bool
}

func (FileSource) isSource() {}

// BufferSource streams explicit in-memory bytes under an explicit key.
// Mode defaults to 0644 when zero, Mtime to time.Now() and Atime to Mtime.
type BufferSource struct {
	Key   string
	Data  []byte
	Mode  uint16
	Mtime time.Time
	Atime time.Time

	Gzip       *bool
	Encryption *bool
	HMAC       *bool
}

func (BufferSource) isSource() {}

// DirSource records a directory marker without any file content, for
// callers building the tree manually rather than via FileSource's
// recursive walk.
type DirSource struct {
	Key        string
	Mode       uint16
	Mtime      time.Time
	Atime      time.Time
	Encryption *bool
}

func (DirSource) isSource() {}

// Session accumulates one add() call's worth of entries against a single
// Archive.
type Session struct {
	a    *archive.Archive
	opts Options

	visited map[visitKey]bool
}

type visitKey struct {
	dev, ino uint64
}

// NewSession begins a write session against an already-opened archive.
func NewSession(a *archive.Archive, opts Options) *Session {
	return &Session{a: a, opts: opts, visited: make(map[visitKey]bool)}
}

type pendingEntry struct {
	key        string
	mode       uint16
	mtimeMS    float64
	atimeMS    float64
	gzip       bool
	encryption bool
	hmacOn     bool

	// reader is nil for directory markers.
	reader io.Reader
	size   int64 // best-effort hint only, not authoritative
}

type pendingDir struct {
	key        string
	mode       uint16
	mtimeMS    float64
	atimeMS    float64
	encryption bool
}

// Add appends entries in order: per spec, file order within one Add call
// is data first (in entry order), then all directories, then all indexes.
func (s *Session) Add(entries ...Source) error {
	if err := s.a.EnsureLoaded(); err != nil {
		return xerrors.Errorf("writesession: %w", err)
	}
	if err := s.a.EnsureCoreHeaders(); err != nil {
		return xerrors.Errorf("writesession: %w", err)
	}

	var files []pendingEntry
	var dirs []pendingDir

	for _, src := range entries {
		if err := s.expand(src, 0, &files, &dirs); err != nil {
			return err
		}
	}

	f := s.a.File()
	dbOff := s.a.EOF()
	db := blockcodec.Datablock{Size: 0}
	preN, err := db.WritePrelude(f)
	if err != nil {
		return xerrors.Errorf("writesession: write datablock prelude: %w", err)
	}
	eof := dbOff + preN

	type writtenIndex struct {
		key        string
		offset     uint32
		size       uint32
		mode       uint16
		mtimeMS    float64
		atimeMS    float64
		gzip       bool
		encryption bool
		hmacOn     bool
	}
	written := make([]writtenIndex, 0, len(files))

	for _, pe := range files {
		if _, err := f.Seek(eof, io.SeekStart); err != nil {
			return err
		}
		dataOffset := eof

		chain, err := streamxform.BuildWriteChain(f, pe.gzip, pe.encryption, pe.hmacOn, s.a.UserKey())
		if err != nil {
			return xerrors.Errorf("writesession: %s: build pipeline: %w", pe.key, err)
		}
		n, err := io.Copy(chain.Writer, pe.reader)
		if closer, ok := pe.reader.(io.Closer); ok {
			closer.Close()
		}
		if err != nil {
			return xerrors.Errorf("writesession: %s: write data: %w", pe.key, err)
		}
		if err := chain.Finish(); err != nil {
			return xerrors.Errorf("writesession: %s: finish pipeline: %w", pe.key, err)
		}
		pos, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}
		_ = n
		size := pos - dataOffset
		eof = pos

		written = append(written, writtenIndex{
			key:        pe.key,
			offset:     uint32(dataOffset),
			size:       uint32(size),
			mode:       pe.mode,
			mtimeMS:    pe.mtimeMS,
			atimeMS:    pe.atimeMS,
			gzip:       pe.gzip,
			encryption: pe.encryption,
			hmacOn:     pe.hmacOn,
		})
	}

	totalDataSize := eof - dbOff - preN
	if _, err := f.Seek(dbOff, io.SeekStart); err != nil {
		return err
	}
	if _, err := (blockcodec.Datablock{Size: uint32(totalDataSize)}).WritePrelude(f); err != nil {
		return xerrors.Errorf("writesession: rewrite datablock prelude: %w", err)
	}
	if _, err := f.Seek(eof, io.SeekStart); err != nil {
		return err
	}

	// Directory records, in insertion order.
	for _, pd := range dirs {
		onDiskKey := []byte(pd.key)
		if pd.encryption {
			ct, err := jpkcrypto.Encrypt(onDiskKey, s.a.UserKey())
			if err != nil {
				return xerrors.Errorf("writesession: encrypt directory key %s: %w", pd.key, err)
			}
			onDiskKey = ct
		}
		rec := blockcodec.Directory{
			Mode:    pd.mode,
			MtimeMS: pd.mtimeMS,
			AtimeMS: pd.atimeMS,
			Key:     onDiskKey,
		}
		if pd.encryption {
			rec.Flags |= blockcodec.FlagEncryption
		}
		n, err := rec.WriteTo(f)
		if err != nil {
			return xerrors.Errorf("writesession: write directory record %s: %w", pd.key, err)
		}
		eof += n
		s.a.TrackDirectoryEntry(archive.DirectoryEntry{
			Key:       pd.key,
			Mode:      pd.mode,
			MtimeMS:   pd.mtimeMS,
			AtimeMS:   pd.atimeMS,
			Encrypted: pd.encryption,
		})
	}

	// Index records, in insertion order.
	for _, wi := range written {
		onDiskKey := []byte(wi.key)
		if wi.encryption {
			ct, err := jpkcrypto.Encrypt(onDiskKey, s.a.UserKey())
			if err != nil {
				return xerrors.Errorf("writesession: encrypt index key %s: %w", wi.key, err)
			}
			onDiskKey = ct
		}
		flags := uint8(0)
		if wi.gzip {
			flags |= blockcodec.FlagGzip
		}
		if wi.encryption {
			flags |= blockcodec.FlagEncryption
		}
		if wi.hmacOn {
			flags |= blockcodec.FlagHMAC
		}
		rec := blockcodec.Index{
			Flags:   flags,
			Offset:  wi.offset,
			Size:    wi.size,
			Mode:    wi.mode,
			MtimeMS: wi.mtimeMS,
			AtimeMS: wi.atimeMS,
			Key:     onDiskKey,
		}
		n, err := rec.WriteTo(f)
		if err != nil {
			return xerrors.Errorf("writesession: write index record %s: %w", wi.key, err)
		}
		eof += n
		s.a.TrackIndexEntry(archive.IndexEntry{
			Key:       wi.key,
			Offset:    wi.offset,
			Size:      wi.size,
			Mode:      wi.mode,
			MtimeMS:   wi.mtimeMS,
			AtimeMS:   wi.atimeMS,
			Gzip:      wi.gzip,
			Encrypted: wi.encryption,
			HMAC:      wi.hmacOn,
		})
	}

	s.a.SetEOF(eof)
	return nil
}

// expand resolves one Source into pendingEntry/pendingDir values, recursing
// into on-disk directories.
func (s *Session) expand(src Source, depth int, files *[]pendingEntry, dirs *[]pendingDir) error {
	if depth > MaxWalkDepth {
		return ErrWalkTooDeep
	}

	switch v := src.(type) {
	case FileSource:
		return s.expandFile(v, depth, files, dirs)
	case BufferSource:
		key, err := joinKey(s.opts.Prefix, v.Key)
		if err != nil {
			return err
		}
		mtime, atime := v.Mtime, v.Atime
		if mtime.IsZero() {
			mtime = time.Now()
		}
		if atime.IsZero() {
			atime = mtime
		}
		mode := v.Mode
		if mode == 0 {
			mode = 0644
		}
		*files = append(*files, pendingEntry{
			key:        key,
			mode:       mode,
			mtimeMS:    toMillis(mtime),
			atimeMS:    toMillis(atime),
			gzip:       resolveFlag(v.Gzip, s.opts.Gzip),
			encryption: resolveFlag(v.Encryption, s.opts.Encryption),
			hmacOn:     resolveFlag(v.HMAC, s.opts.HMAC),
			reader:     bytes.NewReader(v.Data),
			size:       int64(len(v.Data)),
		})
		return nil
	case DirSource:
		key, err := joinKey(s.opts.Prefix, v.Key)
		if err != nil {
			return err
		}
		mtime, atime := v.Mtime, v.Atime
		if mtime.IsZero() {
			mtime = time.Now()
		}
		if atime.IsZero() {
			atime = mtime
		}
		mode := v.Mode
		if mode == 0 {
			mode = 0755
		}
		*dirs = append(*dirs, pendingDir{
			key:        key,
			mode:       mode,
			mtimeMS:    toMillis(mtime),
			atimeMS:    toMillis(atime),
			encryption: resolveFlag(v.Encryption, s.opts.Encryption),
		})
		return nil
	default:
		return xerrors.Errorf("writesession: unknown source type %T", src)
	}
}

func (s *Session) expandFile(v FileSource, depth int, files *[]pendingEntry, dirs *[]pendingDir) error {
	if depth > MaxWalkDepth {
		return ErrWalkTooDeep
	}
	st, err := os.Lstat(v.Path)
	if err != nil {
		return xerrors.Errorf("writesession: stat %s: %w", v.Path, err)
	}

	key := v.Key
	if key == "" {
		key = path.Base(filepathToSlash(v.Path))
	}
	fullKey, err := joinKey(joinKey2(s.opts.Prefix, v.Prefix), key)
	if err != nil {
		return err
	}

	if st.IsDir() {
		vk, ok := sameFileKey(st)
		if ok {
			if s.visited[vk] {
				return nil // cycle, skip silently
			}
			s.visited[vk] = true
		}

		*dirs = append(*dirs, pendingDir{
			key:        fullKey,
			mode:       uint16(st.Mode().Perm()),
			mtimeMS:    toMillis(st.ModTime()),
			atimeMS:    toMillis(st.ModTime()),
			encryption: resolveFlag(v.Encryption, s.opts.Encryption),
		})

		entries, err := os.ReadDir(v.Path)
		if err != nil {
			return xerrors.Errorf("writesession: readdir %s: %w", v.Path, err)
		}
		for _, de := range entries {
			child := FileSource{
				Path:       path.Join(v.Path, de.Name()),
				Prefix:     fullKey,
				Gzip:       v.Gzip,
				Encryption: v.Encryption,
				HMAC:       v.HMAC,
			}
			if err := s.expandFile(child, depth+1, files, dirs); err != nil {
				return err
			}
		}
		return nil
	}

	f, err := os.Open(v.Path)
	if err != nil {
		return xerrors.Errorf("writesession: open %s: %w", v.Path, err)
	}
	*files = append(*files, pendingEntry{
		key:        fullKey,
		mode:       uint16(st.Mode().Perm()),
		mtimeMS:    toMillis(st.ModTime()),
		atimeMS:    toMillis(st.ModTime()),
		gzip:       resolveFlag(v.Gzip, s.opts.Gzip),
		encryption: resolveFlag(v.Encryption, s.opts.Encryption),
		hmacOn:     resolveFlag(v.HMAC, s.opts.HMAC),
		reader:     f,
		size:       st.Size(),
	})
	return nil
}

// sameFileKey extracts a (dev, ino) pair from a directory's FileInfo, for
// cycle detection analogous to os.SameFile but usable as a map key.
func sameFileKey(st fs.FileInfo) (visitKey, bool) {
	sys, ok := st.Sys().(*syscall.Stat_t)
	if !ok {
		return visitKey{}, false
	}
	return visitKey{dev: uint64(sys.Dev), ino: sys.Ino}, true
}

func resolveFlag(override *bool, def bool) bool {
	if override != nil {
		return *override
	}
	return def
}

func toMillis(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e6
}

func filepathToSlash(p string) string { return strings.ReplaceAll(p, "\\", "/") }

// joinKey prepends prefix to key, validating the prefix per spec §4.6 and
// the resulting key length per KEY_MAX_SIZE.
func joinKey(prefix, key string) (string, error) {
	if prefix != "" {
		if path.IsAbs(prefix) || strings.Contains(prefix, "..") || strings.HasPrefix(prefix, "~") {
			return "", ErrInvalidPrefix
		}
	}
	full := key
	if prefix != "" {
		full = path.Join(prefix, key)
	}
	if len(full) >= blockcodec.KeyMaxSize {
		return "", ErrKeyTooLarge
	}
	return full, nil
}

// joinKey2 joins two prefix fragments (session-level and entry-level)
// before the final basename/key join.
func joinKey2(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return path.Join(a, b)
	}
}
