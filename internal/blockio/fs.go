package blockio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
)

// LocalFS applies block lifecycle changes to local files.
type LocalFS struct {
	logger *zap.Logger
}

func NewLocalFS(logger *zap.Logger) *LocalFS {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalFS{logger: logger.Named("blockio")}
}

func (fs *LocalFS) Size(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Create writes an empty file at path, creating its parent dirs. An
// existing file is truncated.
func (fs *LocalFS) Create(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Move renames from to to. When the two paths are on different
// filesystems the file is copied, synced and the source deleted.
func (fs *LocalFS) Move(from, to string) error {
	if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
		return fmt.Errorf("creating dir for %s: %w", to, err)
	}
	err := os.Rename(from, to)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}
	if err := copyFile(from, to); err != nil {
		os.Remove(to) // cleanup on failure
		return fmt.Errorf("copying %s to %s: %w", from, to, err)
	}
	if err := os.Remove(from); err != nil {
		fs.logger.Warn("failed to remove source after copy", zap.Error(err), zap.String("path", from))
	}
	return nil
}

// Remove deletes a file or an empty directory. Missing paths are ignored.
func (fs *LocalFS) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(to, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
