package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrInvalidName is returned for artifact names that are not
// slash-separated paths inside the store, such as "../x" or "/x".
var ErrInvalidName = errors.New("storage: invalid artifact name")

// Local keeps artifacts as files below a root directory. Names use
// forward slashes on every platform.
//
// A written artifact only replaces the old file when its writer is
// closed without error, so readers see either the old or the new bytes.
type Local struct {
	root string
}

var _ FileStore = (*Local)(nil)

// NewLocal returns a store rooted at dir, creating dir if needed.
func NewLocal(dir string) (*Local, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: local root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: local root: %w", err)
	}
	return &Local{root: root}, nil
}

// Root returns the absolute root directory.
func (l *Local) Root() string { return l.root }

func (l *Local) file(name string) (string, error) {
	if !fs.ValidPath(name) || name == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(l.root, filepath.FromSlash(name)), nil
}

func (l *Local) Read(_ context.Context, name string) (io.ReadCloser, error) {
	p, err := l.file(name)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// Write stages the artifact in a hidden temp file in the same directory.
func (l *Local) Write(_ context.Context, name string) (io.WriteCloser, error) {
	p, err := l.file(name)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: write %s: %w", name, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("storage: write %s: %w", name, err)
	}
	return &stagedFile{f: f, target: p}, nil
}

// Delete removes an artifact. Missing files are not an error.
func (l *Local) Delete(_ context.Context, name string) error {
	p, err := l.file(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (l *Local) Exists(_ context.Context, name string) (bool, error) {
	p, err := l.file(name)
	if err != nil {
		return false, err
	}
	switch _, err := os.Stat(p); {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// stagedFile renames its temp file onto target when closed. The first
// error from Write, Sync or Close discards the temp file instead.
type stagedFile struct {
	f      *os.File
	target string
	err    error
	done   bool
}

func (s *stagedFile) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	if s.err == nil {
		s.err = err
	}
	return n, err
}

func (s *stagedFile) Close() error {
	if s.done {
		return s.err
	}
	s.done = true
	tmp := s.f.Name()
	for _, step := range []func() error{s.f.Sync, s.f.Close} {
		if err := step(); s.err == nil {
			s.err = err
		}
	}
	if s.err == nil {
		s.err = os.Rename(tmp, s.target)
	}
	if s.err != nil {
		os.Remove(tmp)
	}
	return s.err
}
