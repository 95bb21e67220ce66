// Package kvcache stores the per-layer key/value projections of every position
// processed so far.
package kvcache

import (
	"errors"
	"fmt"

	"github.com/samcharles93/tessera/internal/bf16"
)

var (
	// ErrSlotWritten is returned when a position is written twice.
	ErrSlotWritten = errors.New("kvcache: slot already written")
	// ErrOutOfOrder is returned when a write skips a position.
	ErrOutOfOrder = errors.New("kvcache: write out of order")
	// ErrFull is returned when every slot of a layer is in use.
	ErrFull = errors.New("kvcache: cache full")
	// ErrNotWritten is returned when reading a slot that holds no data.
	ErrNotWritten = errors.New("kvcache: slot not written")
)

// Store holds two arenas (K and V) of slots x width bf16 values per layer.
// Slots are append-only and write-once: position p of a layer is written exactly
// once, after positions 0..p-1 of that layer.
//
// A Store is not safe for concurrent use.
type Store struct {
	layers int
	slots  int
	width  int
	k      [][]byte
	v      [][]byte
	filled []int
	gen    uint64
}

// New allocates a store for layers x slots positions of width elements each.
func New(layers, slots, width int) (*Store, error) {
	if layers <= 0 || slots <= 0 || width <= 0 {
		return nil, fmt.Errorf("kvcache: invalid shape layers=%d slots=%d width=%d", layers, slots, width)
	}
	s := &Store{
		layers: layers,
		slots:  slots,
		width:  width,
		k:      make([][]byte, layers),
		v:      make([][]byte, layers),
		filled: make([]int, layers),
		gen:    1,
	}
	arena := slots * width * bf16.Size
	for i := range layers {
		s.k[i] = make([]byte, arena)
		s.v[i] = make([]byte, arena)
	}
	return s, nil
}

// Layers returns the layer count.
func (s *Store) Layers() int { return s.layers }

// Slots returns the capacity in positions.
func (s *Store) Slots() int { return s.slots }

// Width returns the element count of one slot.
func (s *Store) Width() int { return s.width }

// SlotBytes returns the byte size of one slot.
func (s *Store) SlotBytes() int { return s.width * bf16.Size }

// Generation changes every time the store is reset. Consumers that mirror the
// arenas use it to detect a stale copy.
func (s *Store) Generation() uint64 { return s.gen }

// Len returns how many positions of layer have been written.
func (s *Store) Len(layer int) int {
	if layer < 0 || layer >= s.layers {
		return 0
	}
	return s.filled[layer]
}

// Positions returns the number of positions written by every layer.
func (s *Store) Positions() int {
	n := s.slots
	for _, f := range s.filled {
		n = min(n, f)
	}
	return n
}

// Append writes the K and V rows for position pos of layer.
func (s *Store) Append(layer, pos int, k, v []byte) error {
	if err := s.checkWrite(layer, pos, 1); err != nil {
		return err
	}
	sb := s.SlotBytes()
	if len(k) != sb || len(v) != sb {
		return fmt.Errorf("kvcache: layer %d row sizes k=%d v=%d want %d", layer, len(k), len(v), sb)
	}
	off := pos * sb
	copy(s.k[layer][off:off+sb], k)
	copy(s.v[layer][off:off+sb], v)
	s.filled[layer] = pos + 1
	return nil
}

// AppendBlock writes n consecutive rows starting at position start. k and v hold
// at least n rows each; trailing padding rows are ignored.
func (s *Store) AppendBlock(layer, start, n int, k, v []byte) error {
	if n == 0 {
		return nil
	}
	if err := s.checkWrite(layer, start, n); err != nil {
		return err
	}
	sb := s.SlotBytes()
	if len(k) < n*sb || len(v) < n*sb {
		return fmt.Errorf("kvcache: layer %d block holds k=%d v=%d bytes want %d", layer, len(k), len(v), n*sb)
	}
	off := start * sb
	copy(s.k[layer][off:off+n*sb], k[:n*sb])
	copy(s.v[layer][off:off+n*sb], v[:n*sb])
	s.filled[layer] = start + n
	return nil
}

// Slice returns read-only views of the K and V rows at pos.
func (s *Store) Slice(layer, pos int) (k, v []byte, err error) {
	if layer < 0 || layer >= s.layers {
		return nil, nil, fmt.Errorf("kvcache: layer %d out of range", layer)
	}
	if pos < 0 || pos >= s.filled[layer] {
		return nil, nil, fmt.Errorf("%w: layer %d position %d", ErrNotWritten, layer, pos)
	}
	sb := s.SlotBytes()
	off := pos * sb
	return s.k[layer][off : off+sb : off+sb], s.v[layer][off : off+sb : off+sb], nil
}

// Range returns read-only views of positions [from, to) of layer.
func (s *Store) Range(layer, from, to int) (k, v []byte, err error) {
	if layer < 0 || layer >= s.layers {
		return nil, nil, fmt.Errorf("kvcache: layer %d out of range", layer)
	}
	if from < 0 || to < from || to > s.filled[layer] {
		return nil, nil, fmt.Errorf("%w: layer %d range [%d,%d)", ErrNotWritten, layer, from, to)
	}
	sb := s.SlotBytes()
	return s.k[layer][from*sb : to*sb], s.v[layer][from*sb : to*sb], nil
}

// Reset discards every written position.
func (s *Store) Reset() {
	for i := range s.filled {
		clear(s.k[i][:s.filled[i]*s.SlotBytes()])
		clear(s.v[i][:s.filled[i]*s.SlotBytes()])
		s.filled[i] = 0
	}
	s.gen++
}

func (s *Store) checkWrite(layer, pos, n int) error {
	if layer < 0 || layer >= s.layers {
		return fmt.Errorf("kvcache: layer %d out of range", layer)
	}
	filled := s.filled[layer]
	switch {
	case pos < filled:
		return fmt.Errorf("%w: layer %d position %d", ErrSlotWritten, layer, pos)
	case pos > filled:
		return fmt.Errorf("%w: layer %d position %d, next is %d", ErrOutOfOrder, layer, pos, filled)
	case pos+n > s.slots:
		return fmt.Errorf("%w: layer %d position %d of %d", ErrFull, layer, pos+n-1, s.slots)
	}
	return nil
}
