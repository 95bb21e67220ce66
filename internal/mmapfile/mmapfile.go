// Package mmapfile maps read-only model artifacts into memory.
package mmapfile

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// ErrTooLarge is returned when a file cannot be addressed as a []byte on this architecture.
var ErrTooLarge = errors.New("mmapfile: file too large to address")

// File is a read-only view of a whole file, either mapped or read into memory.
type File struct {
	Data    []byte
	mmapped bool
}

// Open returns the contents of path. With mmap set it maps the file read-only and
// falls back to ReadAt-based loading when mapping is unavailable.
// The returned file must be closed to release any mapping.
func Open(path string, mmap bool) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < 0 || size64 > int64(int(^uint(0)>>1)) {
		return nil, ErrTooLarge
	}
	size := int(size64)
	if size == 0 {
		return &File{Data: []byte{}}, nil
	}

	if mmap {
		data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
		if err == nil {
			return &File{Data: data, mmapped: true}, nil
		}
	}

	data, err := readAllAt(f, size)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &File{Data: data}, nil
}

// Size returns the file size on disk without reading it.
func Size(path string) (int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Mapped reports whether Data is backed by a memory mapping.
func (f *File) Mapped() bool { return f != nil && f.mmapped }

// Close releases the mapping. It is safe to call more than once.
func (f *File) Close() error {
	if f == nil {
		return nil
	}
	var err error
	if f.mmapped && f.Data != nil {
		err = unix.Munmap(f.Data)
	}
	f.Data = nil
	f.mmapped = false
	return err
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err != nil {
			if errors.Is(err, io.EOF) && off == int64(size) {
				break
			}
			return nil, err
		}
	}
	return out, nil
}
