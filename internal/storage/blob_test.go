package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCreateWritesExpirationHeader(t *testing.T) {
	dir := t.TempDir()
	before := uint64(time.Now().Unix())

	f, id, err := Create(dir, 3600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	pos, err := Position(f)
	if err != nil || pos != HeaderSize {
		t.Fatalf("Position after Create = %d, %v, want %d", pos, err, HeaderSize)
	}

	expireAt, err := ReadHeader(filepath.Join(dir, id.Hex()))
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	after := uint64(time.Now().Unix())
	if expireAt < before+3600-1 || expireAt > after+3600+1 {
		t.Fatalf("expireAt = %d, want within 1s of now+3600", expireAt)
	}
}

func TestAppendAndOpenForRead(t *testing.T) {
	dir := t.TempDir()
	f, id, err := Create(dir, 3600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	payload := []byte("hello, blob")
	if err := Append(f, payload); err != nil {
		t.Fatalf("Append: %v", err)
	}
	f.Close()

	rf, err := OpenForRead(dir, id)
	if err != nil {
		t.Fatalf("OpenForRead: %v", err)
	}
	defer rf.Close()

	got := make([]byte, len(payload))
	if _, err := rf.Read(got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestOpenForReadMissingBlobErrors(t *testing.T) {
	dir := t.TempDir()
	id, _ := GenerateID()
	if _, err := OpenForRead(dir, id); err == nil {
		t.Fatal("expected error opening nonexistent blob")
	}
}

func TestDeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()
	f, id, err := Create(dir, 3600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.Close()

	if err := Delete(dir, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, id.Hex())); !os.IsNotExist(err) {
		t.Fatalf("blob still exists after Delete")
	}
}

func TestCreateIsExclusive(t *testing.T) {
	dir := t.TempDir()
	f, id, err := Create(dir, 3600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.Close()

	// Directly recreating the same path must fail with O_EXCL rather
	// than silently truncating existing content.
	_, err = os.OpenFile(filepath.Join(dir, id.Hex()), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if !os.IsExist(err) {
		t.Fatalf("expected IsExist error, got %v", err)
	}
}
