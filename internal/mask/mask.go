// Package mask builds the additive attention masks fed to layer executors.
//
// A mask element is either Visible (0) or Hidden (bf16 of -65536), added to the
// attention scores before softmax.
package mask

import (
	"fmt"

	"github.com/samcharles93/tessera/internal/bf16"
)

var (
	// Hidden is the additive value that suppresses attention to a position.
	Hidden = bf16.FromFloat32(-65536)
	// Visible leaves the attention score unchanged.
	Visible = bf16.FromFloat32(0)
)

// Decode is the single-row mask used while decoding one position at a time.
// It has slots+1 elements: one per KV cache slot plus a trailing sentinel for
// the position being computed, which is always visible.
//
// Revealed slots stay revealed for the life of the mask.
type Decode struct {
	slots    int
	buf      []byte
	revealed int // one past the highest revealed slot
}

// NewDecode returns a mask with every cache slot hidden.
func NewDecode(slots int) *Decode {
	if slots < 0 {
		slots = 0
	}
	m := &Decode{slots: slots, buf: make([]byte, (slots+1)*bf16.Size)}
	m.Clear()
	return m
}

// Slots returns the number of cache slots covered by the mask.
func (m *Decode) Slots() int { return m.slots }

// Len returns the element count, slots+1.
func (m *Decode) Len() int { return m.slots + 1 }

// Reveal makes cache slot p visible. p must be in [0, slots).
func (m *Decode) Reveal(p int) error {
	if p < 0 || p >= m.slots {
		return fmt.Errorf("mask: slot %d out of range [0,%d)", p, m.slots)
	}
	bf16.Put(m.buf, p, Visible)
	if p >= m.revealed {
		m.revealed = p + 1
	}
	return nil
}

// RevealThrough makes slots 0..p visible.
func (m *Decode) RevealThrough(p int) error {
	for i := m.revealed; i <= p; i++ {
		if err := m.Reveal(i); err != nil {
			return err
		}
	}
	return nil
}

// Visible reports whether element i is unmasked. The sentinel index slots is always visible.
func (m *Decode) Visible(i int) bool {
	if i < 0 || i > m.slots {
		return false
	}
	return bf16.Get(m.buf, i) == Visible
}

// Revealed returns one past the highest revealed slot.
func (m *Decode) Revealed() int { return m.revealed }

// Bytes returns the little-endian bf16 buffer. It is owned by the mask.
func (m *Decode) Bytes() []byte { return m.buf }

// Clear hides every slot again. Only used when a session discards its cache.
func (m *Decode) Clear() {
	bf16.Fill(m.buf, Hidden)
	bf16.Put(m.buf, m.slots, Visible)
	m.revealed = 0
}

// Prefill returns the n x n lower-triangular mask for a prompt block:
// row i sees columns 0..i.
func Prefill(n int) []byte {
	if n <= 0 {
		return nil
	}
	buf := make([]byte, n*n*bf16.Size)
	bf16.Fill(buf, Hidden)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			bf16.Put(buf, i*n+j, Visible)
		}
	}
	return buf
}
