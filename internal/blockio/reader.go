// Package blockio reads and writes block files on local storage dirs.
package blockio

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Reader is a read-only memory mapping of a committed block file. Reads
// need no locking and may run concurrently.
type Reader struct {
	path string
	data []byte
}

// OpenReader maps the file at path read-only.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening block file: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat block file: %w", err)
	}
	r := &Reader{path: path}
	if fi.Size() == 0 {
		return r, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping block file %s: %w", path, err)
	}
	r.data = data
	return r, nil
}

func (r *Reader) Path() string { return r.path }

// Length returns the block size in bytes.
func (r *Reader) Length() int64 { return int64(len(r.data)) }

// Read returns length bytes starting at offset. The slice aliases the
// mapping and is only valid until Close.
func (r *Reader) Read(offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > int64(len(r.data)) {
		return nil, fmt.Errorf("range [%d, %d) outside block of %d bytes", offset, offset+length, len(r.data))
	}
	return r.data[offset : offset+length], nil
}

// ReadAt implements io.ReaderAt.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *Reader) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return err
}
