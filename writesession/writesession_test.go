package writesession

import (
	"path/filepath"
	"testing"

	"github.com/hashworks/jpk/archive"
)

func openNew(t *testing.T, userKey []byte) (*archive.Archive, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "a.jpk")
	a, err := archive.Open(path, true, userKey)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	return a, path
}

func TestAddBufferSourcesRoundTrip(t *testing.T) {
	a, path := openNew(t, nil)

	sess := NewSession(a, Options{})
	if err := sess.Add(
		BufferSource{Key: "hello.txt", Data: []byte("hello world")},
		BufferSource{Key: "second.txt", Data: []byte("second")},
	); err != nil {
		t.Fatal(err)
	}
	a.Close()

	a2, err := archive.Open(path, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a2.Close()
	if err := a2.Load(false); err != nil {
		t.Fatal(err)
	}

	got := a2.Keys()
	if len(got) != 2 || got[0] != "hello.txt" || got[1] != "second.txt" {
		t.Fatalf("Keys() = %v", got)
	}

	buf, err := a2.GetBuffer("hello.txt", false)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hello world" {
		t.Fatalf("GetBuffer(hello.txt) = %q", buf)
	}
}

func TestAddWithGzipCipherHMACRoundTrip(t *testing.T) {
	key := []byte("super secret key")
	a, path := openNew(t, key)

	sess := NewSession(a, Options{Gzip: true, Encryption: true, HMAC: true})
	if err := sess.Add(BufferSource{Key: "secret.txt", Data: []byte("classified payload")}); err != nil {
		t.Fatal(err)
	}
	a.Close()

	a2, err := archive.Open(path, false, key)
	if err != nil {
		t.Fatal(err)
	}
	defer a2.Close()
	if err := a2.Load(false); err != nil {
		t.Fatal(err)
	}

	meta, err := a2.GetMeta("secret.txt")
	if err != nil {
		t.Fatal(err)
	}
	if meta == nil {
		t.Fatal("meta is nil")
	}
	if !meta.Gzip || !meta.Encrypted || !meta.HMAC {
		t.Fatalf("meta flags = %+v", meta)
	}

	buf, err := a2.GetBuffer("secret.txt", true)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf) != "classified payload" {
		t.Fatalf("GetBuffer = %q", buf)
	}
}

func TestKeyEncryptionRoundTrip(t *testing.T) {
	key := []byte("k")
	a, path := openNew(t, key)

	sess := NewSession(a, Options{Encryption: true})
	if err := sess.Add(BufferSource{Key: "topsecret.txt", Data: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	a.Close()

	a2, err := archive.Open(path, false, key)
	if err != nil {
		t.Fatal(err)
	}
	defer a2.Close()
	if err := a2.Load(false); err != nil {
		t.Fatal(err)
	}
	if !a2.Has("topsecret.txt") {
		t.Fatalf("Keys() = %v, want topsecret.txt present (decrypted)", a2.Keys())
	}
}

func TestPrefixValidation(t *testing.T) {
	a, _ := openNew(t, nil)
	sess := NewSession(a, Options{Prefix: "/etc"})
	err := sess.Add(BufferSource{Key: "passwd", Data: []byte("x")})
	if err != ErrInvalidPrefix {
		t.Fatalf("err = %v, want ErrInvalidPrefix", err)
	}
}

func TestKeyTooLarge(t *testing.T) {
	a, _ := openNew(t, nil)
	sess := NewSession(a, Options{})
	bigKey := make([]byte, 70000)
	for i := range bigKey {
		bigKey[i] = 'a'
	}
	err := sess.Add(BufferSource{Key: string(bigKey), Data: []byte("x")})
	if err != ErrKeyTooLarge {
		t.Fatalf("err = %v, want ErrKeyTooLarge", err)
	}
}

func TestDirSourceRecordsDirectoryEntry(t *testing.T) {
	a, path := openNew(t, nil)

	sess := NewSession(a, Options{})
	if err := sess.Add(
		DirSource{Key: "sub", Mode: 0755},
		BufferSource{Key: "sub/file.txt", Data: []byte("x")},
	); err != nil {
		t.Fatal(err)
	}
	a.Close()

	a2, err := archive.Open(path, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a2.Close()
	if err := a2.Load(false); err != nil {
		t.Fatal(err)
	}
	dirs := a2.DirectoryKeys()
	if len(dirs) != 1 || dirs[0] != "sub" {
		t.Fatalf("DirectoryKeys() = %v", dirs)
	}
}

func TestAppendAcrossTwoAddCalls(t *testing.T) {
	a, path := openNew(t, nil)

	sess := NewSession(a, Options{})
	if err := sess.Add(BufferSource{Key: "a.txt", Data: []byte("a")}); err != nil {
		t.Fatal(err)
	}
	if err := sess.Add(BufferSource{Key: "b.txt", Data: []byte("b")}); err != nil {
		t.Fatal(err)
	}
	a.Close()

	a2, err := archive.Open(path, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a2.Close()
	if err := a2.Load(false); err != nil {
		t.Fatal(err)
	}
	got := a2.Keys()
	if len(got) != 2 || got[0] != "a.txt" || got[1] != "b.txt" {
		t.Fatalf("Keys() = %v", got)
	}
}
