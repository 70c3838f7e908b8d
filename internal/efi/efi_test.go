//go:build linux

package efi

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

var testScope = uuid.MustParse("6987e713-a5ff-4ec2-ad55-c1fca471ed2d")

func TestVarPath(t *testing.T) {
	s := NewStore(testScope)
	want := "/sys/firmware/efi/efivars/Wyrcan-6987e713-a5ff-4ec2-ad55-c1fca471ed2d"
	if got := s.path("Wyrcan"); got != want {
		t.Errorf("path() = %q, want %q", got, want)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := NewStoreAt(t.TempDir(), testScope)

	payload := []byte(`{"image":"r/d:1"}`)
	if err := s.Write("Wyrcan", payload); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	got, err := s.Read("Wyrcan")
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Read() = %q, want %q", got, payload)
	}
}

func TestWriteAttributePrefix(t *testing.T) {
	dir := t.TempDir()
	s := NewStoreAt(dir, testScope)

	if err := s.Write("Wyrcan", []byte("abc")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "Wyrcan-"+testScope.String()))
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}

	want := []byte{0x07, 0x00, 0x00, 0x00, 'a', 'b', 'c'}
	if !bytes.Equal(raw, want) {
		t.Errorf("on-disk bytes = %v, want %v", raw, want)
	}
}

func TestWriteOverwrites(t *testing.T) {
	s := NewStoreAt(t.TempDir(), testScope)

	if err := s.Write("Wyrcan", []byte("long first value")); err != nil {
		t.Fatalf("first Write() error: %v", err)
	}
	if err := s.Write("Wyrcan", []byte("v2")); err != nil {
		t.Fatalf("second Write() error: %v", err)
	}

	got, err := s.Read("Wyrcan")
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("Read() = %q, want %q", got, "v2")
	}
}

func TestReadMalformed(t *testing.T) {
	dir := t.TempDir()
	s := NewStoreAt(dir, testScope)

	if err := os.WriteFile(filepath.Join(dir, "Wyrcan-"+testScope.String()), []byte{0x07}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read("Wyrcan"); err == nil {
		t.Error("Read() accepted a variable shorter than the attribute word")
	}
}

func TestReadMissing(t *testing.T) {
	s := NewStoreAt(t.TempDir(), testScope)
	if _, err := s.Read("Wyrcan"); err == nil {
		t.Error("Read() of a missing variable did not fail")
	}
}

func TestExistsAndClear(t *testing.T) {
	s := NewStoreAt(t.TempDir(), testScope)

	if s.Exists("Wyrcan") {
		t.Fatal("Exists() true before Write()")
	}
	if err := s.Write("Wyrcan", []byte("x")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if !s.Exists("Wyrcan") {
		t.Fatal("Exists() false after Write()")
	}
	if err := s.Clear("Wyrcan"); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	if s.Exists("Wyrcan") {
		t.Error("Exists() true after Clear()")
	}
}

func TestClearMissing(t *testing.T) {
	s := NewStoreAt(t.TempDir(), testScope)
	if err := s.Clear("Wyrcan"); err == nil {
		t.Error("Clear() of a missing variable did not fail")
	}
}

func TestWriteEmptyPayload(t *testing.T) {
	s := NewStoreAt(t.TempDir(), testScope)

	if err := s.Write("Wyrcan", nil); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	got, err := s.Read("Wyrcan")
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Read() = %v, want empty payload", got)
	}
}
