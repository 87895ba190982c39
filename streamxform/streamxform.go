// Package streamxform implements the push-based transform stages JPK
// composes into read/write pipelines: gzip, AES-256-CTR cipher, and
// HMAC-SHA256 append/verify.
//
// The write side is modeled as a chain of io.Writer sinks, the same shape
// as squashfs's file type, which wraps a zlib.Writer and flushes it from
// Close. The read side mirrors squashfs's blockReader, which wraps an
// underlying io.Reader and refills an internal buffer on demand.
package streamxform

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"hash"
	"io"

	"golang.org/x/xerrors"

	"github.com/hashworks/jpk/jpkcrypto"
)

const ivSize = aes.BlockSize
const hmacSize = 32

// ErrHMACMismatch is returned by HMACReader.Finish when the trailing digest
// doesn't match the data that preceded it.
var ErrHMACMismatch = xerrors.New("streamxform: hmac mismatch")

// CipherWriter prepends a freshly generated IV to the first chunk it emits,
// then writes AES-256-CTR ciphertext for every subsequent Write.
type CipherWriter struct {
	dst       io.Writer
	stream    cipher.Stream
	block     cipher.Block
	key       []byte
	wroteIV   bool
	ivScratch [ivSize]byte
}

// NewCipherWriter returns a CipherWriter sinking into dst, encrypting under
// userKey.
func NewCipherWriter(dst io.Writer, userKey []byte) (*CipherWriter, error) {
	key := jpkcrypto.DeriveKey(userKey)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, xerrors.Errorf("streamxform: new cipher: %w", err)
	}
	return &CipherWriter{dst: dst, block: block}, nil
}

func (c *CipherWriter) Write(p []byte) (int, error) {
	if !c.wroteIV {
		if _, err := io.ReadFull(rand.Reader, c.ivScratch[:]); err != nil {
			return 0, xerrors.Errorf("streamxform: generate iv: %w", err)
		}
		c.stream = cipher.NewCTR(c.block, c.ivScratch[:])
		if _, err := c.dst.Write(c.ivScratch[:]); err != nil {
			return 0, err
		}
		c.wroteIV = true
	}
	out := make([]byte, len(p))
	c.stream.XORKeyStream(out, p)
	if _, err := c.dst.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close flushes any pending IV (for zero-byte entries, so an all-empty entry
// still carries its IV on disk). CTR has no trailing block to flush.
func (c *CipherWriter) Close() error {
	if c.wroteIV {
		return nil
	}
	_, err := c.Write(nil)
	return err
}

// CipherReader decrypts an underlying reader whose first 16 bytes are the
// IV. If fewer than 16 bytes are ever produced, Read reports io.EOF with no
// error and no output, per the spec's "tolerate an entry too short to carry
// an IV" rule.
type CipherReader struct {
	src    io.Reader
	block  cipher.Block
	stream cipher.Stream
	ivBuf  []byte
	eof    bool
}

func NewCipherReader(src io.Reader, userKey []byte) (*CipherReader, error) {
	key := jpkcrypto.DeriveKey(userKey)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, xerrors.Errorf("streamxform: new cipher: %w", err)
	}
	return &CipherReader{src: src, block: block, ivBuf: make([]byte, 0, ivSize)}, nil
}

func (c *CipherReader) Read(p []byte) (int, error) {
	if c.eof {
		return 0, io.EOF
	}
	if c.stream == nil {
		for len(c.ivBuf) < ivSize {
			buf := make([]byte, ivSize-len(c.ivBuf))
			n, err := c.src.Read(buf)
			c.ivBuf = append(c.ivBuf, buf[:n]...)
			if err != nil {
				if err == io.EOF {
					c.eof = true
					return 0, io.EOF
				}
				return 0, err
			}
		}
		c.stream = cipher.NewCTR(c.block, c.ivBuf)
	}
	n, err := c.src.Read(p)
	if n > 0 {
		c.stream.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

// HMACWriter passes bytes through to dst unchanged while feeding an
// HMAC-SHA256 accumulator; Sum returns the running digest without consuming
// it, so callers can write it themselves as the pipeline's final 32 bytes.
type HMACWriter struct {
	dst io.Writer
	mac hash.Hash
}

func NewHMACWriter(dst io.Writer, userKey []byte) *HMACWriter {
	return &HMACWriter{dst: dst, mac: jpkcrypto.NewHasher(userKey)}
}

func (h *HMACWriter) Write(p []byte) (int, error) {
	n, err := h.dst.Write(p)
	if n > 0 {
		h.mac.Write(p[:n])
	}
	return n, err
}

// Sum returns the HMAC-SHA256 digest of everything written so far.
func (h *HMACWriter) Sum() [32]byte {
	var out [32]byte
	copy(out[:], h.mac.Sum(nil))
	return out
}

// HMACReader streams bytes from an underlying reader while withholding the
// trailing 32 bytes, since those bytes might be the HMAC digest rather than
// data. It keeps one pending buffer of bytes read from the source and
// releases everything in it but the last 32 bytes; those stay withheld
// until Finish.
type HMACReader struct {
	src     io.Reader
	mac     hash.Hash
	pending []byte // suspended tail, not yet known to be data or digest
	eof     bool
	err     error
}

func NewHMACReader(src io.Reader, userKey []byte) *HMACReader {
	return &HMACReader{src: src, mac: jpkcrypto.NewHasher(userKey)}
}

func (h *HMACReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if h.err != nil {
			return 0, h.err
		}
		// Release pending bytes beyond the last 32, which can never be part
		// of the trailing digest.
		if len(h.pending) > hmacSize {
			releasable := h.pending[:len(h.pending)-hmacSize]
			n := copy(p, releasable)
			h.mac.Write(releasable[:n])
			h.pending = append(h.pending[:0], h.pending[n:]...)
			if n > 0 {
				return n, nil
			}
		}
		if h.eof {
			return 0, io.EOF
		}
		buf := make([]byte, 32*1024)
		n, err := h.src.Read(buf)
		if n > 0 {
			h.pending = append(h.pending, buf[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				h.eof = true
				continue
			}
			h.err = err
			return 0, err
		}
	}
}

// Finish is called once the underlying reader is exhausted. It splits the
// final 32 bytes off as the digest; if verify is true, a mismatch returns
// ErrHMACMismatch, otherwise the tail is discarded silently.
func (h *HMACReader) Finish(verify bool, userKey []byte) error {
	if !h.eof {
		// Drain any remaining data first.
		var discard [4096]byte
		for {
			_, err := h.Read(discard[:])
			if err != nil {
				break
			}
		}
	}
	if len(h.pending) < hmacSize {
		if !verify {
			return nil
		}
		return ErrHMACMismatch
	}
	tag := h.pending[len(h.pending)-hmacSize:]
	if !verify {
		return nil
	}
	want := h.mac.Sum(nil)
	if !hmac.Equal(want, tag) {
		return ErrHMACMismatch
	}
	return nil
}
