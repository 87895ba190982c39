// Package bytecodec implements the fixed-width, big-endian primitives JPK
// records are built from: unsigned integers, IEEE-754 doubles (used for
// millisecond timestamps) and length-prefixed UTF-8 strings.
//
// Records interleave fixed and variable-length fields in a way that doesn't
// map onto encoding/binary's struct reflection, so each primitive is encoded
// and decoded by hand instead, the same way squashfs's directory records are
// hand-marshaled rather than passed to binary.Read.
package bytecodec

import (
	"encoding/binary"
	"io"
	"math"

	"golang.org/x/xerrors"
)

// ErrStringTooLarge is returned when a string exceeds its length prefix's range.
var ErrStringTooLarge = xerrors.New("bytecodec: string exceeds length prefix range")

func PutUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func Uint8(r io.Reader) (uint8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func PutUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func Uint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func PutUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func Uint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// PutFloat64 writes v as an IEEE-754 big-endian double, used for mtime/atime
// millisecond timestamps.
func PutFloat64(w io.Writer, v float64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	_, err := w.Write(buf[:])
	return err
}

func Float64(r io.Reader) (float64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(buf[:])), nil
}

// PutString8 writes an 8-bit length prefix followed by the UTF-8 bytes of s.
func PutString8(w io.Writer, s string) error {
	if len(s) > math.MaxUint8 {
		return ErrStringTooLarge
	}
	if err := PutUint8(w, uint8(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func String8(r io.Reader) (string, error) {
	n, err := Uint8(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// PutString16 writes a 16-bit length prefix followed by the UTF-8 bytes of s.
func PutString16(w io.Writer, s string) error {
	if len(s) > math.MaxUint16 {
		return ErrStringTooLarge
	}
	if err := PutUint16(w, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func String16(r io.Reader) (string, error) {
	n, err := Uint16(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// PutBytes16 and Bytes16 are the raw-byte equivalent of PutString16/String16,
// for length-prefixed fields that may hold IV‖ciphertext instead of UTF-8
// text.
func PutBytes16(w io.Writer, b []byte) error {
	if len(b) > math.MaxUint16 {
		return ErrStringTooLarge
	}
	if err := PutUint16(w, uint16(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func Bytes16(r io.Reader) ([]byte, error) {
	n, err := Uint16(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
