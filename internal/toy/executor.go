package toy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/samcharles93/tessera/internal/backend"
	"github.com/samcharles93/tessera/internal/bf16"
)

// ErrInjected is returned by Infer when the unit's FailAt call is reached.
var ErrInjected = errors.New("toy: injected failure")

// Executor runs a single toy unit.
type Executor struct {
	unit    Unit
	loaded  bool
	calls   int
	inputs  []map[string]*backend.Tensor
	outputs []map[string]*backend.Tensor
}

// Unit returns the loaded unit description.
func (e *Executor) Unit() Unit { return e.unit }

// Calls returns how many times Infer has run since the executor was created.
func (e *Executor) Calls() int { return e.calls }

func (e *Executor) Load(ctx context.Context, src backend.WeightSource) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data := src.Data
	if data == nil {
		var err error
		if data, err = os.ReadFile(src.Path); err != nil {
			return fmt.Errorf("toy: load %s: %w", src.Path, err)
		}
	}
	unit, err := ParseUnit(data)
	if err != nil {
		return err
	}
	e.unit = unit
	e.inputs = nil
	e.outputs = nil
	e.build()
	e.loaded = true
	return nil
}

func (e *Executor) build() {
	s := e.unit
	E := int64(s.Embed)
	switch s.Kind {
	case KindLayer:
		S, W := int64(s.Slots), int64(s.Width)
		e.addProfile(
			[]*backend.Tensor{
				backend.NewTensor("input", backend.BF16, 1, 1, E),
				backend.NewTensor("indices", backend.U32, 1, 1),
				backend.NewTensor("mask", backend.BF16, 1, 1, S+1),
				backend.NewTensor("K_cache", backend.BF16, 1, S, W),
				backend.NewTensor("V_cache", backend.BF16, 1, S, W),
			},
			[]*backend.Tensor{
				backend.NewTensor("output", backend.BF16, 1, 1, E),
				backend.NewTensor("K_cache_out", backend.BF16, 1, 1, W),
				backend.NewTensor("V_cache_out", backend.BF16, 1, 1, W),
			})
		if s.Prefill > 0 {
			B := int64(s.Prefill)
			e.addProfile(
				[]*backend.Tensor{
					backend.NewTensor("input", backend.BF16, 1, B, E),
					backend.NewTensor("indices", backend.U32, 1, B),
					backend.NewTensor("mask", backend.BF16, 1, B, B),
					backend.NewTensor("K_cache", backend.BF16, 1, S, W),
					backend.NewTensor("V_cache", backend.BF16, 1, S, W),
				},
				[]*backend.Tensor{
					backend.NewTensor("output", backend.BF16, 1, B, E),
					backend.NewTensor("K_cache_out", backend.BF16, 1, B, W),
					backend.NewTensor("V_cache_out", backend.BF16, 1, B, W),
				})
		}
	case KindPost:
		outs := []*backend.Tensor{backend.NewTensor("output", backend.BF16, 1, 1, int64(s.Vocab))}
		if s.Top1 {
			outs = append(outs, backend.NewTensor("index", backend.U32, 1, 1))
		}
		e.addProfile([]*backend.Tensor{backend.NewTensor("input", backend.BF16, 1, 1, E)}, outs)
	case KindEncoder:
		H, W := int64(s.ImageHeight), int64(s.ImageWidth)
		in := backend.NewTensor("input", backend.U8, 1, H, W, 3)
		if s.InputDType == "bf16" {
			in = backend.NewTensor("input", backend.BF16, 1, 3, H, W)
		}
		T := int64(s.gridH() * s.gridW())
		e.addProfile([]*backend.Tensor{in}, []*backend.Tensor{backend.NewTensor("output", backend.BF16, 1, T, E)})
	case KindResampler:
		T := int64(s.gridH() * s.gridW())
		e.addProfile(
			[]*backend.Tensor{
				backend.NewTensor("input", backend.BF16, 1, T, E),
				backend.NewTensor("indices", backend.U32, 1, T),
			},
			[]*backend.Tensor{backend.NewTensor("output", backend.BF16, 1, int64(s.Tokens), E)})
	}
}

func (e *Executor) addProfile(in, out []*backend.Tensor) {
	im := make(map[string]*backend.Tensor, len(in))
	for _, t := range in {
		im[t.Name] = t
	}
	om := make(map[string]*backend.Tensor, len(out))
	for _, t := range out {
		om[t.Name] = t
	}
	e.inputs = append(e.inputs, im)
	e.outputs = append(e.outputs, om)
}

func (e *Executor) Profiles() int { return len(e.inputs) }

func (e *Executor) Input(p backend.Profile, name string) (*backend.Tensor, error) {
	return e.lookup(e.inputs, p, name)
}

func (e *Executor) Output(p backend.Profile, name string) (*backend.Tensor, error) {
	return e.lookup(e.outputs, p, name)
}

func (e *Executor) lookup(set []map[string]*backend.Tensor, p backend.Profile, name string) (*backend.Tensor, error) {
	if !e.loaded {
		return nil, errors.New("toy: executor not loaded")
	}
	if int(p) < 0 || int(p) >= len(set) {
		return nil, fmt.Errorf("toy: %s has no %s profile", e.unit.Kind, p)
	}
	t, ok := set[p][name]
	if !ok {
		return nil, fmt.Errorf("toy: %s %s has no tensor %q", e.unit.Kind, p, name)
	}
	return t, nil
}

func (e *Executor) Infer(ctx context.Context, p backend.Profile) error {
	if !e.loaded {
		return errors.New("toy: executor not loaded")
	}
	if int(p) < 0 || int(p) >= len(e.inputs) {
		return fmt.Errorf("toy: %s has no %s profile", e.unit.Kind, p)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.calls++
	if e.unit.FailAt > 0 && e.calls == e.unit.FailAt {
		return ErrInjected
	}
	in, out := e.inputs[p], e.outputs[p]
	switch e.unit.Kind {
	case KindLayer:
		if p == backend.ProfilePrefill {
			return e.prefill(in, out)
		}
		return e.decode(in, out)
	case KindPost:
		return e.post(in, out)
	case KindEncoder:
		return e.encode(in, out)
	case KindResampler:
		return e.resample(in, out)
	}
	return nil
}

func (e *Executor) Release() error {
	e.loaded = false
	e.inputs = nil
	e.outputs = nil
	return nil
}

// slotValue is the K row marker written for position pos.
func slotValue(pos int) uint16 { return bf16.FromFloat32(float32(pos + 1)) }

func (e *Executor) decode(in, out map[string]*backend.Tensor) error {
	S, W, E := e.unit.Slots, e.unit.Width, e.unit.Embed
	pos := int(in["indices"].U32(0))
	if pos >= S {
		return fmt.Errorf("toy: position %d beyond %d slots", pos, S)
	}
	mask := in["mask"].Data
	for i := 0; i <= S; i++ {
		visible := bf16.Get(mask, i) == 0
		if want := i < pos || i == S; visible != want {
			return fmt.Errorf("toy: mask slot %d visible=%v at position %d", i, visible, pos)
		}
	}
	kc := in["K_cache"].Data
	for i := 0; i < pos; i++ {
		if got := bf16.Get(kc, i*W); got != slotValue(i) {
			return fmt.Errorf("toy: K_cache slot %d holds %#04x want %#04x", i, got, slotValue(i))
		}
	}

	src := in["input"].Data
	copy(out["output"].Data, src)
	bf16.Fill(out["K_cache_out"].Data, slotValue(pos))
	v := out["V_cache_out"].Data
	for j := 0; j < W; j++ {
		bf16.Put(v, j, bf16.Get(src, j%E))
	}
	return nil
}

func (e *Executor) prefill(in, out map[string]*backend.Tensor) error {
	B, W, E := e.unit.Prefill, e.unit.Width, e.unit.Embed
	mask := in["mask"].Data
	idx := in["indices"]
	for i := 0; i < B; i++ {
		if int(idx.U32(i)) != i {
			return fmt.Errorf("toy: prefill row %d has position %d", i, idx.U32(i))
		}
		if bf16.Get(mask, i*B+i) != 0 {
			return fmt.Errorf("toy: prefill row %d hides itself", i)
		}
		for j := i + 1; j < B; j++ {
			if bf16.Get(mask, i*B+j) == 0 {
				return fmt.Errorf("toy: prefill row %d sees future column %d", i, j)
			}
		}
	}
	src := in["input"].Data
	copy(out["output"].Data, src)
	k := out["K_cache_out"].Data
	v := out["V_cache_out"].Data
	for i := 0; i < B; i++ {
		for j := 0; j < W; j++ {
			bf16.Put(k, i*W+j, slotValue(i))
			bf16.Put(v, i*W+j, bf16.Get(src, i*E+j%E))
		}
	}
	return nil
}

// TokenOf recovers the token id encoded in a toy hidden state.
func TokenOf(hidden []byte) int {
	hi := int(math.Round(float64(bf16.ToFloat32(bf16.Get(hidden, 0)))))
	lo := 0
	if len(hidden) >= 2*bf16.Size {
		lo = int(math.Round(float64(bf16.ToFloat32(bf16.Get(hidden, 1)))))
	}
	return hi*256 + lo
}

func (e *Executor) post(in, out map[string]*backend.Tensor) error {
	next := e.unit.next(TokenOf(in["input"].Data))
	logits := out["output"].Data
	clear(logits)
	bf16.Put(logits, next, bf16.FromFloat32(8))
	if t, ok := out["index"]; ok {
		t.PutU32(0, uint32(next))
	}
	return nil
}

func (e *Executor) encode(in, out map[string]*backend.Tensor) error {
	src := in["input"]
	var sum float64
	n := src.Elements()
	for i := 0; i < n; i++ {
		if src.DType == backend.U8 {
			sum += float64(src.Data[i]) / 255
		} else {
			sum += float64(bf16.ToFloat32(bf16.Get(src.Data, i)))
		}
	}
	mean := bf16.FromFloat32(float32(sum / float64(n)))
	dst := out["output"]
	E := e.unit.Embed
	rows := dst.Elements() / E
	for r := 0; r < rows; r++ {
		for j := 0; j < E; j++ {
			bf16.Put(dst.Data, r*E+j, mean)
		}
		bf16.Put(dst.Data, r*E, bf16.FromFloat32(float32(r%256)))
	}
	return nil
}

func (e *Executor) resample(in, out map[string]*backend.Tensor) error {
	s := e.unit
	gw, stride := s.gridW(), s.stride()
	idx := in["indices"]
	T := idx.Elements()
	for t := 0; t < T; t++ {
		want := uint32((t/gw)*stride + t%gw)
		if idx.U32(t) != want {
			return fmt.Errorf("toy: resampler position %d is %d want %d", t, idx.U32(t), want)
		}
	}
	E := s.Embed
	src := in["input"].Data
	dst := out["output"].Data
	rowBytes := E * bf16.Size
	for q := 0; q < s.Tokens; q++ {
		r := q * T / s.Tokens
		copy(dst[q*rowBytes:(q+1)*rowBytes], src[r*rowBytes:(r+1)*rowBytes])
	}
	return nil
}
