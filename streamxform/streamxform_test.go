package streamxform

import (
	"bytes"
	"io"
	"testing"
)

func TestCipherRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	cw, err := NewCipherWriter(&buf, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cw.Write([]byte("abcdefgh")); err != nil {
		t.Fatal(err)
	}
	if err := cw.Close(); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != ivSize+len("abcdefgh") {
		t.Fatalf("len = %d, want %d", buf.Len(), ivSize+len("abcdefgh"))
	}

	cr, err := NewCipherReader(bytes.NewReader(buf.Bytes()), []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(cr)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "abcdefgh" {
		t.Fatalf("got %q", got)
	}
}

func TestCipherReaderShortInputCompletesSilently(t *testing.T) {
	cr, err := NewCipherReader(bytes.NewReader([]byte{1, 2, 3}), nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(cr)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d bytes, want 0", len(got))
	}
}

func TestHMACWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	hw := NewHMACWriter(&buf, []byte("k"))
	payload := []byte("the quick brown fox jumps over the lazy dog")
	if _, err := hw.Write(payload); err != nil {
		t.Fatal(err)
	}
	sum := hw.Sum()
	buf.Write(sum[:])

	hr := NewHMACReader(bytes.NewReader(buf.Bytes()), []byte("k"))
	got, err := io.ReadAll(hr)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
	if err := hr.Finish(true, []byte("k")); err != nil {
		t.Fatalf("Finish(verify) = %v", err)
	}
}

func TestHMACReaderTamperDetected(t *testing.T) {
	var buf bytes.Buffer
	hw := NewHMACWriter(&buf, []byte("k"))
	payload := []byte("0123456789")
	hw.Write(payload)
	sum := hw.Sum()
	buf.Write(sum[:])

	tampered := buf.Bytes()
	tampered[0] ^= 0xFF

	hr := NewHMACReader(bytes.NewReader(tampered), []byte("k"))
	if _, err := io.ReadAll(hr); err != nil {
		t.Fatal(err)
	}
	if err := hr.Finish(true, []byte("k")); err != ErrHMACMismatch {
		t.Fatalf("Finish(verify) = %v, want ErrHMACMismatch", err)
	}
}

func TestWriteReadChainGzipCipherHMAC(t *testing.T) {
	var buf bytes.Buffer
	wc, err := BuildWriteChain(&buf, true, true, true, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("abcdefgh")
	if _, err := wc.Writer.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := wc.Finish(); err != nil {
		t.Fatal(err)
	}

	rc, err := BuildReadChain(bytes.NewReader(buf.Bytes()), true, true, true, true, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(rc.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if err := rc.Finish(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestWriteReadChainNoFlags(t *testing.T) {
	var buf bytes.Buffer
	wc, err := BuildWriteChain(&buf, false, false, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wc.Writer.Write([]byte("hi")); err != nil {
		t.Fatal(err)
	}
	if err := wc.Finish(); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "hi" {
		t.Fatalf("buf = %q, want %q", buf.String(), "hi")
	}
}
