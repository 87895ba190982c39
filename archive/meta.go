package archive

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"io"

	"golang.org/x/xerrors"

	"github.com/hashworks/jpk/blockcodec"
	"github.com/hashworks/jpk/bytecodec"
	"github.com/hashworks/jpk/jpkcrypto"
)

// parseMeta walks every record from offset 3 to EOF. When loadMeta is set,
// Header/Index/Directory records populate the archive's maps; Datablock
// bodies are always skipped by their declared size, never read. When
// computeHMAC is set, the bytes of every record (a Header's key and value
// included, a Datablock's body never) are fed to a running HMAC, except
// the metaHmac header itself.
func (a *Archive) parseMeta(loadMeta, computeHMAC bool) error {
	if _, err := a.f.Seek(3, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(io.LimitReader(a.f, a.eof-3))

	var mac = a.hasher()

	for {
		flagByte, err := r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return xerrors.Errorf("archive: read flags: %w", err)
		}

		switch blockcodec.TypeOf(flagByte) {
		case blockcodec.TypeHeader:
			keyLen, err := bytecodec.Uint8(r)
			if err != nil {
				return wrapTruncated(err)
			}
			valLen, err := bytecodec.Uint16(r)
			if err != nil {
				return wrapTruncated(err)
			}
			keyBuf := make([]byte, keyLen)
			if _, err := io.ReadFull(r, keyBuf); err != nil {
				return wrapTruncated(err)
			}
			valBuf := make([]byte, valLen)
			if _, err := io.ReadFull(r, valBuf); err != nil {
				return wrapTruncated(err)
			}
			key := string(keyBuf)

			if loadMeta {
				v, err := decodeHeaderValue(key, valBuf)
				if err != nil {
					return err
				}
				a.headers[key] = v
			}
			if computeHMAC && !outOfHMAC[key] {
				mac.Write([]byte{flagByte, keyLen})
				writeUint16(mac, valLen)
				mac.Write(keyBuf)
				mac.Write(valBuf)
			}

		case blockcodec.TypeIndex:
			var raw bytes.Buffer
			ix, err := blockcodec.ReadIndex(io.TeeReader(r, &raw), flagByte)
			if err != nil {
				return wrapTruncated(err)
			}
			if loadMeta {
				key := ix.Key
				if flagByte&blockcodec.FlagEncryption != 0 {
					plain, err := jpkcrypto.Decrypt(ix.Key, a.userKey)
					if err != nil {
						return xerrors.Errorf("archive: decrypt index key: %w", err)
					}
					key = plain
				}
				entry := &IndexEntry{
					Key:       string(key),
					Offset:    ix.Offset,
					Size:      ix.Size,
					Mode:      ix.Mode,
					MtimeMS:   ix.MtimeMS,
					AtimeMS:   ix.AtimeMS,
					Gzip:      flagByte&blockcodec.FlagGzip != 0,
					Encrypted: flagByte&blockcodec.FlagEncryption != 0,
					HMAC:      flagByte&blockcodec.FlagHMAC != 0,
					Deleted:   flagByte&blockcodec.FlagDeleted != 0,
				}
				if _, exists := a.indexMap[entry.Key]; !exists {
					a.indexOrder = append(a.indexOrder, entry.Key)
				}
				a.indexMap[entry.Key] = entry
			}
			if computeHMAC {
				mac.Write([]byte{flagByte})
				mac.Write(raw.Bytes())
			}

		case blockcodec.TypeDirectory:
			var raw bytes.Buffer
			d, err := blockcodec.ReadDirectory(io.TeeReader(r, &raw), flagByte)
			if err != nil {
				return wrapTruncated(err)
			}
			if loadMeta {
				key := d.Key
				if flagByte&blockcodec.FlagEncryption != 0 {
					plain, err := jpkcrypto.Decrypt(d.Key, a.userKey)
					if err != nil {
						return xerrors.Errorf("archive: decrypt directory key: %w", err)
					}
					key = plain
				}
				entry := &DirectoryEntry{
					Key:       string(key),
					Mode:      d.Mode,
					MtimeMS:   d.MtimeMS,
					AtimeMS:   d.AtimeMS,
					Encrypted: flagByte&blockcodec.FlagEncryption != 0,
				}
				if _, exists := a.dirMap[entry.Key]; !exists {
					a.dirOrder = append(a.dirOrder, entry.Key)
				}
				a.dirMap[entry.Key] = entry
			}
			if computeHMAC {
				mac.Write([]byte{flagByte})
				mac.Write(raw.Bytes())
			}

		case blockcodec.TypeDatablock:
			prelude := make([]byte, 4)
			if _, err := io.ReadFull(r, prelude); err != nil {
				return wrapTruncated(err)
			}
			db, err := blockcodec.ReadDatablockPrelude(sliceReader(prelude))
			if err != nil {
				return wrapTruncated(err)
			}
			if computeHMAC {
				mac.Write([]byte{flagByte})
				mac.Write(prelude)
			}
			if _, err := io.CopyN(io.Discard, r, int64(db.Size)); err != nil {
				return wrapTruncated(err)
			}

		default:
			return xerrors.Errorf("archive: unknown record type in flags byte %#x", flagByte)
		}
	}

	if loadMeta {
		a.loaded = true
	}
	if computeHMAC {
		var sum [32]byte
		copy(sum[:], mac.Sum(nil))
		a.metaHMAC = sum
		a.haveMetaSum = true
	}
	return nil
}

func wrapTruncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return xerrors.Errorf("archive: %w: %v", ErrTruncatedRecord, err)
	}
	return err
}

func writeUint16(w io.Writer, v uint16) {
	w.Write([]byte{byte(v >> 8), byte(v)})
}

func sliceReader(b []byte) io.Reader { return &byteSliceReader{b: b} }

type byteSliceReader struct {
	b []byte
}

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}

// decodeHeaderValue decodes a raw header value per the known-header type
// registry; unknown keys round-trip as opaque bytes.
func decodeHeaderValue(key string, raw []byte) (any, error) {
	switch key {
	case HeaderMajorVersion, HeaderMinorVersion:
		if len(raw) != 1 {
			return nil, xerrors.Errorf("archive: %s: expected 1 byte, got %d", key, len(raw))
		}
		return raw[0], nil
	case HeaderMetaHMAC:
		if len(raw) != 32 {
			return nil, xerrors.Errorf("archive: metaHmac: expected 32 bytes, got %d", len(raw))
		}
		var sum [32]byte
		copy(sum[:], raw)
		return sum, nil
	default:
		return append([]byte(nil), raw...), nil
	}
}

// encodeHeaderValue is decodeHeaderValue's inverse, used by AddHeader.
func encodeHeaderValue(key string, value any) ([]byte, error) {
	switch key {
	case HeaderMajorVersion, HeaderMinorVersion:
		v, ok := value.(uint8)
		if !ok {
			return nil, xerrors.Errorf("archive: %s: expected uint8, got %T", key, value)
		}
		return []byte{v}, nil
	case HeaderMetaHMAC:
		switch v := value.(type) {
		case [32]byte:
			return v[:], nil
		case []byte:
			if len(v) != 32 {
				return nil, xerrors.Errorf("archive: metaHmac: expected 32 bytes, got %d", len(v))
			}
			return v, nil
		default:
			return nil, xerrors.Errorf("archive: metaHmac: expected 32-byte buffer, got %T", value)
		}
	default:
		return nil, ErrUnknownHeader
	}
}

// Load parses the whole file, populating the header/index/directory maps.
// If verifyMetaHMAC is set, the computed meta HMAC must match the
// metaHmac header exactly, or Load fails with ErrHmacMismatch (or
// ErrHmacMissing if there is no such header).
func (a *Archive) Load(verifyMetaHMAC bool) error {
	if err := a.parseMeta(true, verifyMetaHMAC); err != nil {
		return err
	}
	if !verifyMetaHMAC {
		return nil
	}
	want, ok := a.headers[HeaderMetaHMAC]
	if !ok {
		return ErrHmacMissing
	}
	wantSum, ok := want.([32]byte)
	if !ok {
		return ErrHmacMissing
	}
	if !hmac.Equal(wantSum[:], a.metaHMAC[:]) {
		return ErrHmacMismatch
	}
	return nil
}

// computeMetaHMAC re-walks the file computing the running meta HMAC without
// touching the header/index/directory maps (they're already populated).
func (a *Archive) computeMetaHMAC() ([32]byte, error) {
	if err := a.parseMeta(false, true); err != nil {
		return [32]byte{}, err
	}
	return a.metaHMAC, nil
}

// addCoreHeaders writes majorVersion/minorVersion once, the first time a
// new archive receives any header.
func (a *Archive) addCoreHeaders() error {
	if a.coreHeadersAdded {
		return nil
	}
	a.coreHeadersAdded = true
	if err := a.AddHeader(HeaderMajorVersion, uint8(MajorVersion), true); err != nil {
		return err
	}
	return a.AddHeader(HeaderMinorVersion, uint8(MinorVersion), true)
}

// AddHeader appends a Header record at EOF and updates the in-memory map.
// internal suppresses the addCoreHeaders trigger (used by addCoreHeaders
// itself and by AddMetaHMAC).
func (a *Archive) AddHeader(key string, value any, internal bool) error {
	raw, err := encodeHeaderValue(key, value)
	if err != nil {
		return err
	}
	if len(raw) > blockcodec.ValueBufferMaxSize {
		return ErrHeaderTooLarge
	}

	if !internal && a.isNew && !a.coreHeadersAdded {
		if err := a.addCoreHeaders(); err != nil {
			return err
		}
	}

	if _, err := a.f.Seek(a.eof, io.SeekStart); err != nil {
		return err
	}
	rec := blockcodec.Header{Key: key, Value: raw}
	n, err := rec.WriteTo(a.f)
	if err != nil {
		return err
	}
	a.eof += n
	a.headers[key] = value
	return nil
}

// AddMetaHMAC computes (if necessary) and writes the meta HMAC header. It
// may be called at most once per archive; a second call fails, since the
// metaHmac header, once present, makes every later computeMetaHMAC
// reproduce the same digest (metaHmac is excluded from its own input).
func (a *Archive) AddMetaHMAC() error {
	if _, exists := a.headers[HeaderMetaHMAC]; exists {
		return ErrMetaHMACExists
	}
	sum, err := a.computeMetaHMAC()
	if err != nil {
		return err
	}
	return a.AddHeader(HeaderMetaHMAC, sum, true)
}
