// Package embedding serves rows of the token embedding matrix.
package embedding

import (
	"errors"
	"fmt"

	"github.com/samcharles93/tessera/internal/bf16"
	"github.com/samcharles93/tessera/internal/errdefs"
	"github.com/samcharles93/tessera/internal/mmapfile"
)

var (
	// ErrSizeMismatch is returned when the file is not exactly vocab*dim bf16 values.
	ErrSizeMismatch = errors.New("embedding: file size mismatch")
	// ErrTokenOutOfRange is returned for ids outside [0, vocab).
	ErrTokenOutOfRange = errors.New("embedding: token id out of range")
)

// Table is an immutable vocab x dim bf16 matrix stored row-major in little-endian order.
type Table struct {
	vocab int
	dim   int
	file  *mmapfile.File
	data  []byte
}

type options struct {
	mmap bool
}

// Option configures Open.
type Option func(*options)

// WithMmap maps the table instead of reading it into memory.
func WithMmap(enabled bool) Option {
	return func(o *options) { o.mmap = enabled }
}

// Open loads the embedding file at path. The file must hold exactly vocab*dim*2 bytes.
func Open(path string, vocab, dim int, opts ...Option) (*Table, error) {
	if vocab <= 0 || dim <= 0 {
		return nil, errdefs.Config(nil, "embedding: invalid shape %dx%d", vocab, dim)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	want := int64(vocab) * int64(dim) * bf16.Size
	size, err := mmapfile.Size(path)
	if err != nil {
		return nil, errdefs.Config(err, "embedding: stat %s", path)
	}
	if size != want {
		return nil, errdefs.Config(ErrSizeMismatch, "embedding %s: got %d bytes want %d (%d x %d bf16)", path, size, want, vocab, dim)
	}

	f, err := mmapfile.Open(path, o.mmap)
	if err != nil {
		return nil, errdefs.Config(err, "embedding: open %s", path)
	}
	if int64(len(f.Data)) != want {
		_ = f.Close()
		return nil, errdefs.Config(ErrSizeMismatch, "embedding %s: file changed while loading", path)
	}
	return &Table{vocab: vocab, dim: dim, file: f, data: f.Data}, nil
}

// FromBytes wraps an in-memory table. data must hold exactly vocab*dim bf16 values.
func FromBytes(data []byte, vocab, dim int) (*Table, error) {
	if vocab <= 0 || dim <= 0 {
		return nil, errdefs.Config(nil, "embedding: invalid shape %dx%d", vocab, dim)
	}
	if len(data) != vocab*dim*bf16.Size {
		return nil, errdefs.Config(ErrSizeMismatch, "embedding: got %d bytes want %d", len(data), vocab*dim*bf16.Size)
	}
	return &Table{vocab: vocab, dim: dim, data: data}, nil
}

// Vocab returns the number of rows.
func (t *Table) Vocab() int { return t.vocab }

// Dim returns the row width in elements.
func (t *Table) Dim() int { return t.dim }

// Bytes returns the table size in bytes.
func (t *Table) Bytes() int { return len(t.data) }

// Mapped reports whether the table is memory mapped.
func (t *Table) Mapped() bool { return t.file.Mapped() }

// Row returns a read-only view of row id. Callers must not modify it.
func (t *Table) Row(id int) ([]byte, error) {
	if id < 0 || id >= t.vocab {
		return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrTokenOutOfRange, id, t.vocab)
	}
	stride := t.dim * bf16.Size
	return t.data[id*stride : (id+1)*stride : (id+1)*stride], nil
}

// Lookup returns a copy of row id as bf16 words.
func (t *Table) Lookup(id int) ([]uint16, error) {
	row, err := t.Row(id)
	if err != nil {
		return nil, err
	}
	return bf16.Words(row), nil
}

// LookupInto copies row id into dst at row offset row (in units of dim elements).
func (t *Table) LookupInto(id int, dst []byte, row int) error {
	src, err := t.Row(id)
	if err != nil {
		return err
	}
	off := row * len(src)
	if row < 0 || off+len(src) > len(dst) {
		return fmt.Errorf("embedding: destination row %d out of range for %d bytes", row, len(dst))
	}
	copy(dst[off:], src)
	return nil
}

// Close releases the mapping, if any.
func (t *Table) Close() error {
	if t == nil {
		return nil
	}
	t.data = nil
	return t.file.Close()
}
