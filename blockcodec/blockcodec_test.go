package blockcodec

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h := Header{Key: "majorVersion", Value: []byte{1}}
	n, err := h.WriteTo(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(buf.Len()) {
		t.Fatalf("WriteTo returned %d, buf has %d", n, buf.Len())
	}

	flags, err := readFlags(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if TypeOf(flags) != TypeHeader {
		t.Fatalf("type = %v, want TypeHeader", TypeOf(flags))
	}
	got, err := ReadHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Key != h.Key || !bytes.Equal(got.Value, h.Value) {
		t.Fatalf("got %+v, want %+v", got, h)
	}
}

func TestIndexRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	ix := Index{
		Flags:   uint8(TypeIndex) | FlagGzip | FlagHMAC,
		Offset:  42,
		Size:    100,
		Mode:    0644,
		MtimeMS: 1690000000123,
		AtimeMS: 1690000000456,
		Key:     []byte("hello.txt"),
	}
	if _, err := ix.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}

	flags, err := readFlags(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if TypeOf(flags) != TypeIndex {
		t.Fatalf("type = %v, want TypeIndex", TypeOf(flags))
	}
	if flags&FlagGzip == 0 || flags&FlagHMAC == 0 {
		t.Fatalf("flags = %x, want gzip+hmac bits set", flags)
	}
	got, err := ReadIndex(&buf, flags)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ix, got); diff != "" {
		t.Fatalf("ReadIndex mismatch (-want +got):\n%s", diff)
	}
}

// TestIndexRecordSize pins down the literal byte count from the spec's
// "hello.txt" seed scenario: 29 fixed bytes + 9 key bytes = 38.
func TestIndexRecordSize(t *testing.T) {
	var buf bytes.Buffer
	ix := Index{Key: []byte("hello.txt")}
	n, err := ix.WriteTo(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 29+9 {
		t.Fatalf("Index record size = %d, want %d", n, 29+9)
	}
}

func TestDirectoryRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	d := Directory{
		Flags:   uint8(TypeDirectory) | FlagEncryption,
		Mode:    0755,
		MtimeMS: 1000,
		AtimeMS: 2000,
		Key:     []byte("d"),
	}
	if _, err := d.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}

	flags, err := readFlags(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if TypeOf(flags) != TypeDirectory {
		t.Fatalf("type = %v, want TypeDirectory", TypeOf(flags))
	}
	got, err := ReadDirectory(&buf, flags)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(d, got); diff != "" {
		t.Fatalf("ReadDirectory mismatch (-want +got):\n%s", diff)
	}
}

func TestDatablockPreludeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if _, err := (Datablock{Size: 7}).WritePrelude(&buf); err != nil {
		t.Fatal(err)
	}
	flags, err := readFlags(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if TypeOf(flags) != TypeDatablock {
		t.Fatalf("type = %v, want TypeDatablock", TypeOf(flags))
	}
	db, err := ReadDatablockPrelude(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if db.Size != 7 {
		t.Fatalf("Size = %d, want 7", db.Size)
	}
}

func TestKeyTooLarge(t *testing.T) {
	ix := Index{Key: make([]byte, KeyBufferMaxSize+1)}
	var buf bytes.Buffer
	if _, err := ix.WriteTo(&buf); err != ErrKeyTooLarge {
		t.Fatalf("err = %v, want ErrKeyTooLarge", err)
	}
}

func readFlags(r *bytes.Buffer) (uint8, error) {
	b, err := r.ReadByte()
	return b, err
}
