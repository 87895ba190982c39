package archive

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashworks/jpk/blockcodec"
)

func TestOpenCreatesMagicOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.jpk")

	a, err := Open(path, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if err := a.Load(false); err != nil {
		t.Fatal(err)
	}
	if len(a.Keys()) != 0 {
		t.Fatalf("Keys() = %v, want empty", a.Keys())
	}

	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Size() != 3 {
		t.Fatalf("file size = %d, want 3", st.Size())
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "JPK" {
		t.Fatalf("magic = %q, want JPK", b)
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.jpk")
	if err := os.WriteFile(path, []byte("XXXnonsense"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, false, nil); err != ErrBadMagic {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestOpenShouldBeNewRejectsExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.jpk")
	a, err := Open(path, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	a.Close()

	if _, err := Open(path, true, nil); err == nil {
		t.Fatal("expected error re-creating an existing archive")
	}
}

func TestAddHeaderRoundTripAndVersionHeaders(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.jpk")
	a, err := Open(path, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	// AddHeader accepts only the known header keys.
	if err := a.AddHeader("x-custom", []byte("hello"), false); err != ErrUnknownHeader {
		t.Fatalf("AddHeader(x-custom) err = %v, want ErrUnknownHeader", err)
	}
	// A non-internal AddHeader on a new archive writes the version headers first.
	if err := a.AddHeader(HeaderMinorVersion, uint8(MinorVersion), false); err != nil {
		t.Fatal(err)
	}
	// A header record with an unknown key still loads, as raw bytes.
	if _, err := a.File().Seek(a.EOF(), io.SeekStart); err != nil {
		t.Fatal(err)
	}
	n, err := (blockcodec.Header{Key: "x-custom", Value: []byte("hello")}).WriteTo(a.File())
	if err != nil {
		t.Fatal(err)
	}
	a.SetEOF(a.EOF() + n)

	a2, err := Open(path, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a2.Close()
	if err := a2.Load(false); err != nil {
		t.Fatal(err)
	}
	if v, ok := a2.headers[HeaderMajorVersion]; !ok || v.(uint8) != MajorVersion {
		t.Fatalf("majorVersion header = %v, ok=%v", v, ok)
	}
	if v, ok := a2.headers["x-custom"]; !ok {
		t.Fatalf("x-custom header missing")
	} else if string(v.([]byte)) != "hello" {
		t.Fatalf("x-custom = %q", v)
	}
}

func TestMetaHMACStabilityAndSingleUse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.jpk")
	a, err := Open(path, true, []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if err := a.EnsureCoreHeaders(); err != nil {
		t.Fatal(err)
	}
	sum1, err := a.computeMetaHMAC()
	if err != nil {
		t.Fatal(err)
	}
	sum2, err := a.computeMetaHMAC()
	if err != nil {
		t.Fatal(err)
	}
	if sum1 != sum2 {
		t.Fatal("computeMetaHMAC should be stable across calls")
	}

	if err := a.AddMetaHMAC(); err != nil {
		t.Fatal(err)
	}
	if err := a.AddMetaHMAC(); err != ErrMetaHMACExists {
		t.Fatalf("second AddMetaHMAC err = %v, want ErrMetaHMACExists", err)
	}
}

func TestTamperDetection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.jpk")
	a, err := Open(path, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.EnsureCoreHeaders(); err != nil {
		t.Fatal(err)
	}
	if err := a.AddMetaHMAC(); err != nil {
		t.Fatal(err)
	}
	a.Close()

	// Flip the first byte of the majorVersion header's value (offset 3 is
	// the flags byte of the first Header record; its value byte sits after
	// flags(1)+keyLen(1)+valueLen(2)+key bytes).
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// majorVersion header: flags(1)=0 keyLen(1)=12 valueLen(2)=1 "majorVersion"(12) value(1)
	valueOffset := 3 + 1 + 1 + 2 + len(HeaderMajorVersion)
	b[valueOffset] ^= 0xFF
	if err := os.WriteFile(path, b, 0644); err != nil {
		t.Fatal(err)
	}

	a2, err := Open(path, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a2.Close()
	if err := a2.Load(true); err != ErrHmacMismatch {
		t.Fatalf("Load(verify) err = %v, want ErrHmacMismatch", err)
	}
}

func TestAppendOrderAcrossSessions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.jpk")
	a, err := Open(path, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.EnsureCoreHeaders(); err != nil {
		t.Fatal(err)
	}

	writeEntry(t, a, "first.txt", []byte("1"))
	writeEntry(t, a, "second.txt", []byte("2"))
	a.Close()

	a2, err := Open(path, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a2.Close()
	if err := a2.Load(false); err != nil {
		t.Fatal(err)
	}

	got := a2.Keys()
	if len(got) != 2 || got[0] != "first.txt" || got[1] != "second.txt" {
		t.Fatalf("Keys() = %v", got)
	}
}

// writeEntry performs the minimal write-session dance directly against the
// archive package, without pulling in writesession, for tests that only
// care about append order: a Datablock prelude+payload followed by an Index
// record pointing at the payload window, mirroring what writesession.Add
// does for an uncompressed, unencrypted, unauthenticated entry.
func writeEntry(t *testing.T, a *Archive, key string, content []byte) {
	t.Helper()
	f := a.File()

	if _, err := f.Seek(a.EOF(), io.SeekStart); err != nil {
		t.Fatal(err)
	}
	db := blockcodec.Datablock{Size: uint32(len(content))}
	preN, err := db.WritePrelude(f)
	if err != nil {
		t.Fatal(err)
	}
	payloadOffset := a.EOF() + preN
	if _, err := f.Write(content); err != nil {
		t.Fatal(err)
	}
	eof := payloadOffset + int64(len(content))

	if _, err := f.Seek(eof, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	ix := blockcodec.Index{
		Offset: uint32(payloadOffset),
		Size:   uint32(len(content)),
		Mode:   0644,
		Key:    []byte(key),
	}
	ixN, err := ix.WriteTo(f)
	if err != nil {
		t.Fatal(err)
	}
	eof += ixN

	a.SetEOF(eof)
	a.TrackIndexEntry(IndexEntry{Key: key, Offset: uint32(payloadOffset), Size: uint32(len(content)), Mode: 0644})
}
