// Package blockcodec implements the on-disk record layouts of a JPK
// archive: Header, Index, Directory and Datablock. All multi-byte integers
// are big-endian; each record starts with a one-byte flags field whose low
// two bits select the record type.
//
// Records are hand-marshaled the same way squashfs's dirHeader/dirEntry
// are (rather than handed to encoding/binary.Read), because the
// variable-length key/value tails don't fit a fixed Go struct.
package blockcodec

import (
	"io"

	"golang.org/x/xerrors"

	"github.com/hashworks/jpk/bytecodec"
)

// RecordType is the low two bits of a record's flags byte.
type RecordType uint8

const (
	TypeHeader RecordType = iota
	TypeIndex
	TypeDatablock
	TypeDirectory
)

// Flag bits, named after their decimal values per the format.
const (
	MaskType       = 0x03
	FlagDeleted    = 1 << 2 // 4
	FlagGzip       = 1 << 3 // 8
	FlagEncryption = 1 << 5 // 32
	FlagHMAC       = 1 << 7 // 128
)

// Size limits.
const (
	ValueBufferMaxSize = 65536
	KeyBufferMaxSize   = 65536
	KeyMaxSize         = KeyBufferMaxSize - 1024
)

// ErrKeyTooLarge is returned when a record's on-disk key bytes exceed
// KeyBufferMaxSize.
var ErrKeyTooLarge = xerrors.New("blockcodec: key exceeds KeyBufferMaxSize")

// ErrValueTooLarge is returned when a header value exceeds ValueBufferMaxSize.
var ErrValueTooLarge = xerrors.New("blockcodec: header value exceeds ValueBufferMaxSize")

// TypeOf extracts the record type from a flags byte already read off the
// wire.
func TypeOf(flags uint8) RecordType {
	return RecordType(flags & MaskType)
}

// Header is a key/typed-value metadata record. flags is always 0 on disk
// (record type TypeHeader); the raw Value bytes are encoded by the caller
// (package archive knows the type registry, blockcodec only moves bytes).
type Header struct {
	Key   string
	Value []byte
}

func (h Header) WriteTo(w io.Writer) (int64, error) {
	if len(h.Key) > 255 {
		return 0, xerrors.New("blockcodec: header key exceeds 255 bytes")
	}
	if len(h.Value) > ValueBufferMaxSize {
		return 0, ErrValueTooLarge
	}
	cw := &countingWriter{w: w}
	if err := bytecodec.PutUint8(cw, uint8(TypeHeader)); err != nil {
		return cw.n, err
	}
	if err := bytecodec.PutUint8(cw, uint8(len(h.Key))); err != nil {
		return cw.n, err
	}
	if err := bytecodec.PutUint16(cw, uint16(len(h.Value))); err != nil {
		return cw.n, err
	}
	if _, err := io.WriteString(cw, h.Key); err != nil {
		return cw.n, err
	}
	if _, err := cw.Write(h.Value); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// ReadHeader decodes a Header record whose flags byte has already been read
// (and found to be TypeHeader) by the caller.
func ReadHeader(r io.Reader) (Header, error) {
	keyLen, err := bytecodec.Uint8(r)
	if err != nil {
		return Header{}, err
	}
	valLen, err := bytecodec.Uint16(r)
	if err != nil {
		return Header{}, err
	}
	key, err := readN(r, int(keyLen))
	if err != nil {
		return Header{}, err
	}
	val, err := readN(r, int(valLen))
	if err != nil {
		return Header{}, err
	}
	return Header{Key: string(key), Value: val}, nil
}

// Index is an on-disk directory-of-contents record pointing at a Datablock
// payload window.
type Index struct {
	Flags   uint8 // FlagGzip | FlagEncryption | FlagHMAC | FlagDeleted, type bits = TypeIndex
	Offset  uint32
	Size    uint32
	Mode    uint16
	MtimeMS float64
	AtimeMS float64
	Key     []byte // plaintext key, or IV‖ciphertext when FlagEncryption is set
}

func (ix Index) WriteTo(w io.Writer) (int64, error) {
	if len(ix.Key) > KeyBufferMaxSize {
		return 0, ErrKeyTooLarge
	}
	flags := (ix.Flags &^ MaskType) | uint8(TypeIndex)
	cw := &countingWriter{w: w}
	if err := bytecodec.PutUint8(cw, flags); err != nil {
		return cw.n, err
	}
	if err := bytecodec.PutUint32(cw, ix.Offset); err != nil {
		return cw.n, err
	}
	if err := bytecodec.PutUint32(cw, ix.Size); err != nil {
		return cw.n, err
	}
	if err := bytecodec.PutUint16(cw, ix.Mode); err != nil {
		return cw.n, err
	}
	if err := bytecodec.PutFloat64(cw, ix.MtimeMS); err != nil {
		return cw.n, err
	}
	if err := bytecodec.PutFloat64(cw, ix.AtimeMS); err != nil {
		return cw.n, err
	}
	if err := bytecodec.PutUint16(cw, uint16(len(ix.Key))); err != nil {
		return cw.n, err
	}
	if _, err := cw.Write(ix.Key); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

func ReadIndex(r io.Reader, flags uint8) (Index, error) {
	ix := Index{Flags: flags}
	var err error
	if ix.Offset, err = bytecodec.Uint32(r); err != nil {
		return Index{}, err
	}
	if ix.Size, err = bytecodec.Uint32(r); err != nil {
		return Index{}, err
	}
	if ix.Mode, err = bytecodec.Uint16(r); err != nil {
		return Index{}, err
	}
	if ix.MtimeMS, err = bytecodec.Float64(r); err != nil {
		return Index{}, err
	}
	if ix.AtimeMS, err = bytecodec.Float64(r); err != nil {
		return Index{}, err
	}
	keyLen, err := bytecodec.Uint16(r)
	if err != nil {
		return Index{}, err
	}
	if ix.Key, err = readN(r, int(keyLen)); err != nil {
		return Index{}, err
	}
	return ix, nil
}

// Directory is an on-disk directory-entry record: mode/mtime/atime without
// a data window. The format document's comments claim a 1-byte key length
// prefix; the authoritative width, matching what the code actually writes
// and reads, is 2 bytes, same as Index.
type Directory struct {
	Flags   uint8
	Mode    uint16
	MtimeMS float64
	AtimeMS float64
	Key     []byte
}

func (d Directory) WriteTo(w io.Writer) (int64, error) {
	if len(d.Key) > KeyBufferMaxSize {
		return 0, ErrKeyTooLarge
	}
	flags := (d.Flags &^ MaskType) | uint8(TypeDirectory)
	cw := &countingWriter{w: w}
	if err := bytecodec.PutUint8(cw, flags); err != nil {
		return cw.n, err
	}
	if err := bytecodec.PutUint16(cw, d.Mode); err != nil {
		return cw.n, err
	}
	if err := bytecodec.PutFloat64(cw, d.MtimeMS); err != nil {
		return cw.n, err
	}
	if err := bytecodec.PutFloat64(cw, d.AtimeMS); err != nil {
		return cw.n, err
	}
	if err := bytecodec.PutUint16(cw, uint16(len(d.Key))); err != nil {
		return cw.n, err
	}
	if _, err := cw.Write(d.Key); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

func ReadDirectory(r io.Reader, flags uint8) (Directory, error) {
	d := Directory{Flags: flags}
	var err error
	if d.Mode, err = bytecodec.Uint16(r); err != nil {
		return Directory{}, err
	}
	if d.MtimeMS, err = bytecodec.Float64(r); err != nil {
		return Directory{}, err
	}
	if d.AtimeMS, err = bytecodec.Float64(r); err != nil {
		return Directory{}, err
	}
	keyLen, err := bytecodec.Uint16(r)
	if err != nil {
		return Directory{}, err
	}
	if d.Key, err = readN(r, int(keyLen)); err != nil {
		return Directory{}, err
	}
	return d, nil
}

// Datablock is a prelude + payload: a 5-byte fixed header (flags, size)
// followed by size bytes of entry content at EOF when written.
type Datablock struct {
	Size uint32
}

// WritePrelude writes only the 5-byte fixed portion; callers stream the
// payload separately and may come back to rewrite the prelude once the
// final size is known (see writesession's placeholder-then-rewrite dance).
func (d Datablock) WritePrelude(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	if err := bytecodec.PutUint8(cw, uint8(TypeDatablock)); err != nil {
		return cw.n, err
	}
	if err := bytecodec.PutUint32(cw, d.Size); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// DatablockPreludeSize is the fixed width of a Datablock prelude.
const DatablockPreludeSize = 5

func ReadDatablockPrelude(r io.Reader) (Datablock, error) {
	size, err := bytecodec.Uint32(r)
	if err != nil {
		return Datablock{}, err
	}
	return Datablock{Size: size}, nil
}

func readN(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
