package vision

import (
	"errors"
	"fmt"

	"github.com/samcharles93/tessera/internal/bf16"
)

// ErrNoPlaceholder is returned when a prompt holds no image placeholder run.
var ErrNoPlaceholder = errors.New("vision: prompt has no image placeholders")

// BoundaryScale multiplies the first and last Count rows of a spliced image
// block by Factor. The zero value leaves rows untouched.
type BoundaryScale struct {
	Count  int     `yaml:"count"`
	Factor float32 `yaml:"factor"`
}

// Enabled reports whether the hook changes anything.
func (b BoundaryScale) Enabled() bool { return b.Count > 0 && b.Factor != 0 && b.Factor != 1 }

// PlaceholderRun returns the first contiguous run of placeholder in ids.
func PlaceholderRun(ids []int, placeholder int) (start, n int) {
	start = -1
	for i, id := range ids {
		if id != placeholder {
			if start >= 0 {
				break
			}
			continue
		}
		if start < 0 {
			start = i
		}
		n++
	}
	return start, n
}

// Splice writes rows (image embeddings of dim elements each) over the
// placeholder run of ids in seq, the prompt's embedding sequence. The run
// length must equal the number of rows.
func Splice(seq []byte, ids []int, placeholder int, rows []byte, dim int, hook BoundaryScale) error {
	rowBytes := dim * bf16.Size
	if rowBytes == 0 || len(rows)%rowBytes != 0 {
		return fmt.Errorf("vision: %d image bytes are not whole rows of %d", len(rows), dim)
	}
	if len(seq) < len(ids)*rowBytes {
		return fmt.Errorf("vision: sequence holds %d bytes for %d ids", len(seq), len(ids))
	}
	start, n := PlaceholderRun(ids, placeholder)
	if start < 0 {
		return ErrNoPlaceholder
	}
	if want := len(rows) / rowBytes; n != want {
		return fmt.Errorf("vision: %d placeholders for %d image rows", n, want)
	}
	block := seq[start*rowBytes : (start+n)*rowBytes]
	copy(block, rows)
	if hook.Enabled() {
		for r := 0; r < n; r++ {
			if r >= hook.Count && r < n-hook.Count {
				continue
			}
			scaleRow(block[r*rowBytes:(r+1)*rowBytes], hook.Factor)
		}
	}
	return nil
}

func scaleRow(row []byte, f float32) {
	for i := 0; i < len(row)/bf16.Size; i++ {
		bf16.Put(row, i, bf16.FromFloat32(bf16.ToFloat32(bf16.Get(row, i))*f))
	}
}
