package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	s, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestWriteAndRead(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	const data = "model blob"
	if err := WriteFile(ctx, s, "models/selector.blob", []byte(data)); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFile(ctx, s, "models/selector.blob")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != data {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestReadNotExist(t *testing.T) {
	s := newTestLocal(t)
	_, err := s.Read(context.Background(), "no-such-file")
	if !os.IsNotExist(err) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestWriteVisibleOnClose(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	if err := WriteFile(ctx, s, "f.yml", []byte("old")); err != nil {
		t.Fatal(err)
	}
	w, err := s.Write(ctx, "f.yml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(w, "new content"); err != nil {
		t.Fatal(err)
	}

	got, err := ReadFile(ctx, s, "f.yml")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "old" {
		t.Fatalf("before Close got %q, want %q", got, "old")
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	got, err = ReadFile(ctx, s, "f.yml")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new content" {
		t.Fatalf("after Close got %q, want %q", got, "new content")
	}

	entries, err := os.ReadDir(s.Root())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("directory has %d entries, want only the target file", len(entries))
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close = %v, want nil", err)
	}
}

func TestExists(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected false for missing file")
	}
	if err := WriteFile(ctx, s, "present", nil); err != nil {
		t.Fatal(err)
	}
	ok, err = s.Exists(ctx, "present")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected true for existing file")
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	if err := s.Delete(ctx, "ghost"); err != nil {
		t.Fatal(err)
	}
	if err := WriteFile(ctx, s, "tmp", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "tmp"); err != nil {
		t.Fatal(err)
	}
	ok, err := s.Exists(ctx, "tmp")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("file should be gone after delete")
	}
	if err := s.Delete(ctx, "tmp"); err != nil {
		t.Fatal(err)
	}
}

func TestCopy(t *testing.T) {
	src, dst := newTestLocal(t), newTestLocal(t)
	ctx := context.Background()
	files := map[string]string{
		"selector.blob":             "blob",
		"selector.label_table.yml":  "labels",
		"nested/selector.vocab.yml": "vocab",
	}
	var paths []string
	for p, data := range files {
		if err := WriteFile(ctx, src, p, []byte(data)); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}
	if err := Copy(ctx, dst, src, paths...); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	for p, want := range files {
		got, err := ReadFile(ctx, dst, p)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Fatalf("%s = %q, want %q", p, got, want)
		}
	}
	if err := Copy(ctx, dst, src, "missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Copy missing = %v, want not-exist", err)
	}
}

func TestNewLocalCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "dir")
	s, err := NewLocal(dir)
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(s.Root())
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsDir() {
		t.Fatal("expected directory")
	}
}

func TestInvalidName(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()
	for _, name := range []string{"", ".", "../escape.blob", "/abs.blob", "a/../../b"} {
		if _, err := s.Write(ctx, name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Write(%q) = %v, want ErrInvalidName", name, err)
		}
		if _, err := s.Exists(ctx, name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Exists(%q) = %v, want ErrInvalidName", name, err)
		}
	}
}
