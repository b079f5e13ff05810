package blockio

import (
	"fmt"
	"os"
	"path/filepath"
)

// Writer appends to a temporary block file.
type Writer struct {
	path string
	f    *os.File
	size int64
}

// OpenWriter opens the temporary block file at path for appending,
// creating it and its session dir if needed.
func OpenWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening temp block file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat temp block file: %w", err)
	}
	return &Writer{path: path, f: f, size: fi.Size()}, nil
}

func (w *Writer) Path() string { return w.path }

// Size returns the bytes written so far.
func (w *Writer) Size() int64 { return w.size }

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

// Close syncs and closes the file.
func (w *Writer) Close() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("syncing temp block file: %w", err)
	}
	return w.f.Close()
}
