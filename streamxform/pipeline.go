package streamxform

import (
	"io"

	"github.com/klauspost/compress/gzip"
)

// WriteChain is an assembled write-side pipeline: Writer is the stage
// callers should Write to, and Finish must be called exactly once after the
// last Write; it closes the stages (gzip first, then cipher) and, when
// useHMAC is set, appends the 32-byte HMAC digest to dst.
type WriteChain struct {
	Writer io.Writer
	finish func() error
	hw     *HMACWriter
}

// Sum returns the trailing HMAC digest; only valid if useHMAC was set when
// building the chain, and only after Finish has been called.
func (c *WriteChain) Sum() [32]byte {
	if c.hw == nil {
		return [32]byte{}
	}
	return c.hw.Sum()
}

func (c *WriteChain) Finish() error {
	return c.finish()
}

// BuildWriteChain assembles (gzip?) -> (cipher?) -> (hmac?) -> dst, matching
// the spec's mandated write-side stage order.
func BuildWriteChain(dst io.Writer, useGzip, useCipher, useHMAC bool, userKey []byte) (*WriteChain, error) {
	var (
		w       io.Writer = dst
		closers []io.Closer
		hw      *HMACWriter
	)

	if useHMAC {
		hw = NewHMACWriter(w, userKey)
		w = hw
	}
	if useCipher {
		cw, err := NewCipherWriter(w, userKey)
		if err != nil {
			return nil, err
		}
		closers = append(closers, cw)
		w = cw
	}
	var gz *gzip.Writer
	if useGzip {
		gz = gzip.NewWriter(w)
		w = gz
	}

	finish := func() error {
		if gz != nil {
			if err := gz.Close(); err != nil {
				return err
			}
		}
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				return err
			}
		}
		if hw != nil && useHMAC {
			sum := hw.Sum()
			if _, err := dst.Write(sum[:]); err != nil {
				return err
			}
		}
		return nil
	}

	return &WriteChain{Writer: w, finish: finish, hw: hw}, nil
}

// ReadChain is an assembled read-side pipeline: Reader yields decoded
// plaintext bytes, Finish must be called once the caller has drained Reader
// to EOF.
type ReadChain struct {
	Reader io.Reader
	finish func() error
}

func (c *ReadChain) Finish() error {
	return c.finish()
}

// BuildReadChain assembles src -> (dehmac?) -> (decipher?) -> (gunzip?),
// the reverse of the write-side order.
func BuildReadChain(src io.Reader, useGzip, useCipher, useHMAC, verifyHMAC bool, userKey []byte) (*ReadChain, error) {
	var (
		r  io.Reader = src
		hr *HMACReader
	)

	if useHMAC {
		hr = NewHMACReader(r, userKey)
		r = hr
	}
	if useCipher {
		cr, err := NewCipherReader(r, userKey)
		if err != nil {
			return nil, err
		}
		r = cr
	}
	if useGzip {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		r = gz
	}

	finish := func() error {
		if hr != nil {
			return hr.Finish(verifyHMAC, userKey)
		}
		return nil
	}

	return &ReadChain{Reader: r, finish: finish}, nil
}
