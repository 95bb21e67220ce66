// Package toy is an in-process reference backend. Its executors implement the
// exact tensor contract of real compiled layers with trivial, deterministic
// arithmetic, and they reject inputs that break the runtime's protocol (wrong
// mask, stale cache mirror, non-raster position ids).
//
// A toy "weights" file is a small JSON document describing the unit.
package toy

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// Kinds of toy units.
const (
	KindLayer     = "layer"
	KindPost      = "post"
	KindEncoder   = "encoder"
	KindResampler = "resampler"
)

// Unit describes one toy compute unit.
type Unit struct {
	Kind  string `json:"kind"`
	Embed int    `json:"embed"`

	// Layer units.
	Slots   int `json:"slots,omitempty"`
	Width   int `json:"width,omitempty"`
	Prefill int `json:"prefill,omitempty"`

	// Post processor units. The next token after id is Next[id] when present,
	// otherwise (id+Step) mod Vocab.
	Vocab int         `json:"vocab,omitempty"`
	Next  map[int]int `json:"next,omitempty"`
	Step  int         `json:"step,omitempty"`
	Top1  bool        `json:"top1,omitempty"`

	// Vision units.
	ImageHeight int    `json:"image_height,omitempty"`
	ImageWidth  int    `json:"image_width,omitempty"`
	Patch       int    `json:"patch,omitempty"`
	Tokens      int    `json:"tokens,omitempty"`
	Stride      int    `json:"stride,omitempty"`
	InputDType  string `json:"input_dtype,omitempty"`

	// FailAt makes the n-th Infer call (1-based) fail.
	FailAt int `json:"fail_at,omitempty"`
}

// ParseUnit decodes and validates a toy unit description.
func ParseUnit(data []byte) (Unit, error) {
	var s Unit
	if err := json.Unmarshal(data, &s); err != nil {
		return Unit{}, fmt.Errorf("toy: parse unit: %w", err)
	}
	if err := s.validate(); err != nil {
		return Unit{}, err
	}
	return s, nil
}

// WriteUnit stores s as a toy weights file.
func WriteUnit(path string, s Unit) error {
	if err := s.validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (s Unit) validate() error {
	if s.Embed <= 0 {
		return fmt.Errorf("toy: %s: embed must be positive", s.Kind)
	}
	switch s.Kind {
	case KindLayer:
		if s.Slots <= 0 || s.Width <= 0 {
			return fmt.Errorf("toy: layer needs slots and width")
		}
	case KindPost:
		if s.Vocab <= 0 {
			return fmt.Errorf("toy: post needs vocab")
		}
	case KindEncoder:
		if s.ImageHeight <= 0 || s.ImageWidth <= 0 || s.Patch <= 0 {
			return fmt.Errorf("toy: encoder needs image size and patch")
		}
		if s.ImageHeight%s.Patch != 0 || s.ImageWidth%s.Patch != 0 {
			return fmt.Errorf("toy: image %dx%d not divisible by patch %d", s.ImageWidth, s.ImageHeight, s.Patch)
		}
	case KindResampler:
		if s.ImageHeight <= 0 || s.ImageWidth <= 0 || s.Patch <= 0 || s.Tokens <= 0 {
			return fmt.Errorf("toy: resampler needs image size, patch and tokens")
		}
	default:
		return fmt.Errorf("toy: unknown kind %q", s.Kind)
	}
	return nil
}

func (s Unit) gridW() int { return s.ImageWidth / s.Patch }
func (s Unit) gridH() int { return s.ImageHeight / s.Patch }

func (s Unit) stride() int {
	if s.Stride > 0 {
		return s.Stride
	}
	return s.gridW()
}

func (s Unit) next(id int) int {
	if n, ok := s.Next[id]; ok {
		return n
	}
	step := s.Step
	if step == 0 {
		step = 1
	}
	return ((id+step)%s.Vocab + s.Vocab) % s.Vocab
}
