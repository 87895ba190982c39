package archive

import (
	"bytes"
	"io"

	"golang.org/x/xerrors"

	"github.com/hashworks/jpk/streamxform"
)

// GetStream returns a reader yielding key's decoded plaintext bytes,
// composing dehmac -> decipher -> gunzip as the entry's flags dictate. The
// returned finish func must be called once the stream has been drained to
// EOF; it performs HMAC verification when requested and surfaces any
// mismatch.
func (a *Archive) GetStream(key string, verifyHMAC bool) (r io.Reader, finish func() error, err error) {
	e, err := a.GetMeta(key)
	if err != nil {
		return nil, nil, err
	}
	if e == nil {
		return nil, nil, xerrors.Errorf("archive: %s: %w", key, ErrNotFound)
	}

	window := io.NewSectionReader(a.f, int64(e.Offset), int64(e.Size))
	chain, err := streamxform.BuildReadChain(window, e.Gzip, e.Encrypted, e.HMAC, verifyHMAC && e.HMAC, a.userKey)
	if err != nil {
		return nil, nil, err
	}

	finish = func() error {
		if err := chain.Finish(); err != nil {
			a.Poison(key)
			return err
		}
		return nil
	}
	return chain.Reader, finish, nil
}

// GetBuffer is GetStream's one-shot equivalent: it reads the entry fully
// into memory and applies the same decode pipeline exactly once (the
// source's "duplicate HMAC logic" quirk in its getBuffer is not
// reproduced here).
func (a *Archive) GetBuffer(key string, verifyHMAC bool) ([]byte, error) {
	r, finish, err := a.GetStream(key, verifyHMAC)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		finish()
		a.Poison(key)
		return nil, err
	}
	if err := finish(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
