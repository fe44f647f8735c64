// Package storage defines the FileStore interface used to persist trained
// selector artifacts: the model blob, its side files and the featurizer
// vocabulary. Backends are local disk ([Local]) and S3-compatible object
// stores ([S3Store]).
//
// Paths are forward-slash separated and relative to the store root, so an
// artifact set written to one backend can be copied to another with
// [Copy].
package storage

import (
	"context"
	"fmt"
	"io"
)

// FileStore is a minimal interface for file-oriented storage.
//
// Implementations must be safe for concurrent use.
type FileStore interface {
	// Read opens the named file for reading.
	// The caller must close the returned ReadCloser when done.
	// If the file does not exist, an error wrapping os.ErrNotExist is returned.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write opens the named file for writing. The content becomes visible
	// when the returned WriteCloser is closed without error.
	// Parent directories are created automatically.
	Write(ctx context.Context, path string) (io.WriteCloser, error)

	// Delete removes the named file.
	// If the file does not exist, Delete returns nil (idempotent).
	Delete(ctx context.Context, path string) error

	// Exists reports whether the named file exists.
	Exists(ctx context.Context, path string) (bool, error)
}

// ReadFile reads the whole named file.
func ReadFile(ctx context.Context, fs FileStore, path string) ([]byte, error) {
	r, err := fs.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return data, nil
}

// WriteFile writes data to the named file.
func WriteFile(ctx context.Context, fs FileStore, path string, data []byte) error {
	w, err := fs.Write(ctx, path)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("storage: write %s: %w", path, err)
	}
	return w.Close()
}

// Copy streams the named files from src to dst.
func Copy(ctx context.Context, dst, src FileStore, paths ...string) error {
	for _, p := range paths {
		if err := copyFile(ctx, dst, src, p); err != nil {
			return fmt.Errorf("storage: copy %s: %w", p, err)
		}
	}
	return nil
}

func copyFile(ctx context.Context, dst, src FileStore, path string) error {
	r, err := src.Read(ctx, path)
	if err != nil {
		return err
	}
	defer r.Close()
	w, err := dst.Write(ctx, path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
