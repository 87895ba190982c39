// Package archive implements opening, loading and meta-integrity of a JPK
// container: the magic check, the header/index/directory maps, and the
// meta HMAC that authenticates every record but the datablock bodies.
//
// The shape follows squashfs.Reader/Writer: a struct wrapping the backing
// file plus a parsed superblock-equivalent (here, the header map), with
// record decoding driven by a sequential walk rather than random access,
// since JPK (unlike squashfs) has no fixed-offset table of contents.
package archive

import (
	"hash"
	"io"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/hashworks/jpk/jpkcrypto"
)

// Magic is the three leading bytes of every JPK file.
var Magic = [3]byte{'J', 'P', 'K'}

// Known header keys and their encodings.
const (
	HeaderMajorVersion = "majorVersion"
	HeaderMinorVersion = "minorVersion"
	HeaderMetaHMAC     = "metaHmac"
)

// MajorVersion/MinorVersion are the version numbers this package stamps
// into new archives.
const (
	MajorVersion = 1
	MinorVersion = 0
)

var (
	ErrBadMagic        = xerrors.New("archive: bad magic, not a JPK file")
	ErrTruncatedRecord = xerrors.New("archive: truncated record")
	ErrUnknownHeader   = xerrors.New("archive: unknown header key")
	ErrHeaderTooLarge  = xerrors.New("archive: header value too large")
	ErrHmacMissing     = xerrors.New("archive: metaHmac header missing")
	ErrHmacMismatch    = xerrors.New("archive: meta hmac mismatch")
	ErrNotLoaded       = xerrors.New("archive: Load must be called first")
	ErrMetaHMACExists  = xerrors.New("archive: metaHmac header already present")
	ErrNotFound        = xerrors.New("archive: no such entry")
)

// outOfHMAC names headers excluded from the running meta-HMAC computation
// (only metaHmac itself: it authenticates everything else, so it cannot
// authenticate itself).
var outOfHMAC = map[string]bool{HeaderMetaHMAC: true}

// IndexEntry mirrors an on-disk Index record plus the transient
// poisoned-by-hmac-failure bit the spec calls for.
type IndexEntry struct {
	Key       string
	Offset    uint32
	Size      uint32
	Mode      uint16
	MtimeMS   float64
	AtimeMS   float64
	Gzip      bool
	Encrypted bool
	HMAC      bool
	Deleted   bool

	poisoned bool
}

// DirectoryEntry mirrors an on-disk Directory record.
type DirectoryEntry struct {
	Key       string
	Mode      uint16
	MtimeMS   float64
	AtimeMS   float64
	Encrypted bool
}

// Archive is a process-scoped handle on one JPK file.
type Archive struct {
	path string
	f    *os.File
	eof  int64

	isNew  bool
	loaded bool

	userKey []byte

	headers map[string]any

	// indexOrder/dirOrder preserve insertion order; indexMap/dirMap give
	// key lookup. Go map iteration order is unspecified, hence the
	// parallel slices.
	indexOrder []string
	indexMap   map[string]*IndexEntry
	dirOrder   []string
	dirMap     map[string]*DirectoryEntry

	metaHMAC    [32]byte
	haveMetaSum bool

	coreHeadersAdded bool
	flocked          bool
}

// Open opens or creates a JPK file at path. shouldBeNew rejects an existing
// file with os.ErrExist; !shouldBeNew rejects a missing file with
// os.ErrNotExist being wrapped. userKey is the key every later encrypting,
// decrypting and HMAC call on the archive uses; it may be empty.
func Open(path string, shouldBeNew bool, userKey []byte) (*Archive, error) {
	_, statErr := os.Stat(path)
	exists := statErr == nil
	if statErr != nil && !os.IsNotExist(statErr) {
		return nil, xerrors.Errorf("archive: stat %s: %w", path, statErr)
	}

	if exists && shouldBeNew {
		return nil, xerrors.Errorf("archive: %s already exists: %w", path, os.ErrExist)
	}
	if !exists && !shouldBeNew {
		return nil, xerrors.Errorf("archive: %s does not exist: %w", path, os.ErrNotExist)
	}

	a := &Archive{
		path:     path,
		userKey:  userKey,
		headers:  make(map[string]any),
		indexMap: make(map[string]*IndexEntry),
		dirMap:   make(map[string]*DirectoryEntry),
	}

	if exists {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return nil, xerrors.Errorf("archive: open %s: %w", path, err)
		}
		a.f = f

		var magic [3]byte
		if _, err := io.ReadFull(f, magic[:]); err != nil {
			f.Close()
			return nil, xerrors.Errorf("archive: read magic: %w", err)
		}
		if magic != Magic {
			f.Close()
			return nil, ErrBadMagic
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		a.eof = st.Size()
		return a, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, xerrors.Errorf("archive: create %s: %w", path, err)
	}
	if _, err := f.Write(Magic[:]); err != nil {
		f.Close()
		return nil, xerrors.Errorf("archive: write magic: %w", err)
	}
	a.f = f
	a.isNew = true
	a.loaded = true
	a.eof = 3
	return a, nil
}

// File exposes the backing *os.File for WriteSession/ExtractSession, which
// live in sibling packages and need direct seek/write access to EOF.
func (a *Archive) File() *os.File { return a.f }

// Path returns the archive's backing file path.
func (a *Archive) Path() string { return a.path }

// IsNew reports whether Open created a fresh file.
func (a *Archive) IsNew() bool { return a.isNew }

// Loaded reports whether Load has completed at least once.
func (a *Archive) Loaded() bool { return a.loaded }

// UserKey returns the key entries are encrypted/authenticated under.
func (a *Archive) UserKey() []byte { return a.userKey }

// EOF returns the authoritative write pointer: new data is always appended
// there.
func (a *Archive) EOF() int64 { return a.eof }

// SetEOF updates the write pointer; only WriteSession should call this,
// after actually extending the file.
func (a *Archive) SetEOF(off int64) { a.eof = off }

// Lock takes an advisory exclusive, non-blocking flock for the duration of
// a mutating session, addressing the spec's "append concurrency" open
// note: a second writer attaching with a stale EOF would otherwise corrupt
// the archive. Not mandated by the spec, but cheap and matches the
// teacher's own direct golang.org/x/sys/unix use (e.g. unix.Setrlimit).
func (a *Archive) Lock() error {
	if err := unix.Flock(int(a.f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return xerrors.Errorf("archive: lock %s: %w", a.path, err)
	}
	a.flocked = true
	return nil
}

func (a *Archive) Unlock() error {
	if !a.flocked {
		return nil
	}
	a.flocked = false
	return unix.Flock(int(a.f.Fd()), unix.LOCK_UN)
}

// Close releases the backing file handle. Unlike the source, which closes
// implicitly at process exit, Go callers explicitly defer Close.
func (a *Archive) Close() error {
	a.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

// Has reports whether key names a non-deleted index entry.
func (a *Archive) Has(key string) bool {
	e, ok := a.indexMap[key]
	return ok && !e.Deleted
}

// Keys returns index keys in insertion order, across append sessions,
// skipping tombstoned entries.
func (a *Archive) Keys() []string {
	out := make([]string, 0, len(a.indexOrder))
	for _, k := range a.indexOrder {
		if e := a.indexMap[k]; e != nil && !e.Deleted {
			out = append(out, k)
		}
	}
	return out
}

// DirectoryKeys returns directory keys in insertion order.
func (a *Archive) DirectoryKeys() []string {
	out := make([]string, len(a.dirOrder))
	copy(out, a.dirOrder)
	return out
}

// GetMeta returns the IndexEntry for key, or nil if absent.
func (a *Archive) GetMeta(key string) (*IndexEntry, error) {
	if !a.loaded {
		return nil, ErrNotLoaded
	}
	e, ok := a.indexMap[key]
	if !ok || e.Deleted {
		return nil, nil
	}
	if e.poisoned {
		return nil, ErrHmacMismatch
	}
	return e, nil
}

// GetDirectoryMeta returns the DirectoryEntry for key, or nil if absent.
func (a *Archive) GetDirectoryMeta(key string) (*DirectoryEntry, error) {
	if !a.loaded {
		return nil, ErrNotLoaded
	}
	e, ok := a.dirMap[key]
	if !ok {
		return nil, nil
	}
	return e, nil
}

// Poison marks key's entry as having failed an HMAC check; all further
// reads of it fail immediately without re-attempting the check.
func (a *Archive) Poison(key string) {
	if e, ok := a.indexMap[key]; ok {
		e.poisoned = true
	}
}

// hasher returns a fresh running-HMAC accumulator for meta computation.
func (a *Archive) hasher() hash.Hash {
	return jpkcrypto.NewHasher(a.userKey)
}

// EnsureLoaded loads the archive if it hasn't been already. WriteSession
// calls this before its first Add, per spec step 1 ("If not loaded, load
// first").
func (a *Archive) EnsureLoaded() error {
	if a.loaded {
		return nil
	}
	return a.Load(false)
}

// EnsureCoreHeaders writes majorVersion/minorVersion if this is a new
// archive that hasn't received them yet. WriteSession calls this right
// after EnsureLoaded.
func (a *Archive) EnsureCoreHeaders() error {
	if !a.isNew {
		return nil
	}
	return a.addCoreHeaders()
}

// TrackIndexEntry registers an entry written by WriteSession into the
// in-memory index map and insertion-order slice, without touching the
// file (the caller has already appended the on-disk record).
func (a *Archive) TrackIndexEntry(e IndexEntry) {
	if _, exists := a.indexMap[e.Key]; !exists {
		a.indexOrder = append(a.indexOrder, e.Key)
	}
	entry := e
	a.indexMap[e.Key] = &entry
}

// TrackDirectoryEntry is TrackIndexEntry's counterpart for directories.
func (a *Archive) TrackDirectoryEntry(e DirectoryEntry) {
	if _, exists := a.dirMap[e.Key]; !exists {
		a.dirOrder = append(a.dirOrder, e.Key)
	}
	entry := e
	a.dirMap[e.Key] = &entry
}

// Headers returns a copy of the parsed header map (string key to decoded
// value: uint8 for majorVersion/minorVersion, [32]byte for metaHmac, raw
// []byte for anything else).
func (a *Archive) Headers() map[string]any {
	out := make(map[string]any, len(a.headers))
	for k, v := range a.headers {
		out[k] = v
	}
	return out
}

// MetaHMAC returns the most recently computed meta HMAC digest and whether
// one has been computed yet (by Load(verify=true) or AddMetaHMAC).
func (a *Archive) MetaHMAC() ([32]byte, bool) {
	return a.metaHMAC, a.haveMetaSum
}
