// Package jpkcrypto implements the one-shot cryptographic primitives JPK
// entries are built from: key derivation, AES-256-CTR encrypt/decrypt and
// HMAC-SHA256 compute/verify.
//
// The CTR construction follows the same shape as
// pkg/encryption/dataencryption's AESCTRStreamingDataEncryptor (random IV
// via crypto/rand, cipher.NewCTR(block, iv)), collapsed to a one-shot
// buffer-in-buffer-out form since JPK never streams a single entry across
// multiple datablocks.
package jpkcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"hash"
	"io"

	"golang.org/x/xerrors"
)

const ivSize = aes.BlockSize // 16

// ErrTruncatedCiphertext is returned when a buffer is too short to contain
// even the leading IV.
var ErrTruncatedCiphertext = xerrors.New("jpkcrypto: ciphertext shorter than IV")

// DeriveKey derives the 32-byte cipher/HMAC key from an arbitrary-length
// user key. SHA-256 is applied unconditionally, even when userKey is empty,
// so an empty (or nil) user key still yields a full 32-byte key.
func DeriveKey(userKey []byte) [32]byte {
	return sha256.Sum256(userKey)
}

func newCTRBlock(key [32]byte) (cipher.Block, error) {
	return aes.NewCipher(key[:])
}

// Encrypt draws a fresh random IV and returns IV‖AES-256-CTR(key, IV, buf).
func Encrypt(buf, userKey []byte) ([]byte, error) {
	key := DeriveKey(userKey)
	block, err := newCTRBlock(key)
	if err != nil {
		return nil, xerrors.Errorf("jpkcrypto: new cipher: %w", err)
	}

	out := make([]byte, ivSize+len(buf))
	iv := out[:ivSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, xerrors.Errorf("jpkcrypto: generate iv: %w", err)
	}

	stream := cipher.NewCTR(block, iv)
	stream.XORKeyStream(out[ivSize:], buf)
	return out, nil
}

// Decrypt splits the leading 16 bytes of buf as the IV and decrypts the
// remainder.
func Decrypt(buf, userKey []byte) ([]byte, error) {
	if len(buf) < ivSize {
		return nil, ErrTruncatedCiphertext
	}
	key := DeriveKey(userKey)
	block, err := newCTRBlock(key)
	if err != nil {
		return nil, xerrors.Errorf("jpkcrypto: new cipher: %w", err)
	}

	iv, ct := buf[:ivSize], buf[ivSize:]
	out := make([]byte, len(ct))
	cipher.NewCTR(block, iv).XORKeyStream(out, ct)
	return out, nil
}

// ComputeHMAC returns the HMAC-SHA256 of buf under the derived key.
func ComputeHMAC(buf, userKey []byte) [32]byte {
	key := DeriveKey(userKey)
	mac := hmac.New(sha256.New, key[:])
	mac.Write(buf)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// VerifyHMAC reports whether tag is the HMAC-SHA256 of buf, compared in
// constant time.
func VerifyHMAC(buf, tag, userKey []byte) bool {
	want := ComputeHMAC(buf, userKey)
	return hmac.Equal(want[:], tag)
}

// NewHasher returns a fresh HMAC-SHA256 hash.Hash under the derived key, for
// streaming use by streamxform.
func NewHasher(userKey []byte) hash.Hash {
	key := DeriveKey(userKey)
	return hmac.New(sha256.New, key[:])
}
