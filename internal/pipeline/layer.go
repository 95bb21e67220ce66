package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samcharles93/tessera/internal/backend"
	"github.com/samcharles93/tessera/internal/errdefs"
	"github.com/samcharles93/tessera/internal/kvcache"
	"github.com/samcharles93/tessera/internal/logger"
	"github.com/samcharles93/tessera/internal/metrics"
	"github.com/samcharles93/tessera/internal/mmapfile"
)

// Tensor names of a decoder layer.
const (
	TensorInput     = "input"
	TensorOutput    = "output"
	TensorIndices   = "indices"
	TensorMask      = "mask"
	TensorKCache    = "K_cache"
	TensorVCache    = "V_cache"
	TensorKCacheOut = "K_cache_out"
	TensorVCacheOut = "V_cache_out"
	// TensorIndex is the optional top-1 output of a post processor.
	TensorIndex = "index"
)

// Shape is what a layer declares about itself through its tensors.
type Shape struct {
	Embed int
	Slots int
	Width int
	// Prefill is the prefill block size, or 0 without a prefill profile.
	Prefill int
}

// MaskLen is the decode mask length: every slot plus the sentinel.
func (s Shape) MaskLen() int { return s.Slots + 1 }

// handles are the typed tensors of one profile, resolved once per load.
type handles struct {
	input, output, indices, mask *backend.Tensor
	kIn, vIn, kOut, vOut         *backend.Tensor

	// mirrorGen and mirrored track which store slots are already copied into kIn/vIn.
	mirrorGen uint64
	mirrored  int
}

// LayerOptions configures a Layer.
type LayerOptions struct {
	// Dynamic loads the weights right before each call and releases them right after.
	Dynamic bool
	// Mmap maps weight files instead of reading them.
	Mmap    bool
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// Layer binds one executor to one decoder block's weights.
type Layer struct {
	index int
	exec  backend.Executor
	src   backend.WeightSource
	opts  LayerOptions
	log   logger.Logger

	loaded  bool
	shape   Shape
	want    *Shape
	handles [2]*handles
}

// NewLayer wraps exec. Nothing is loaded until Load or the first call.
func NewLayer(index int, exec backend.Executor, src backend.WeightSource, opts LayerOptions) *Layer {
	return &Layer{
		index: index,
		exec:  exec,
		src:   src,
		opts:  opts,
		log:   logger.OrDiscard(opts.Logger).With("layer", index),
	}
}

func (l *Layer) Index() int { return l.index }

// Shape returns the shape read from the layer's tensors at its last load.
func (l *Layer) Shape() Shape { return l.shape }

func (l *Layer) Loaded() bool { return l.loaded }

// Dynamic reports whether the layer is loaded per call.
func (l *Layer) Dynamic() bool { return l.opts.Dynamic }

// Expect makes every later load fail with a config error unless the layer's
// shape equals s.
func (l *Layer) Expect(s Shape) { l.want = &s }

// Load reads the weights, loads the executor and resolves its tensors.
func (l *Layer) Load(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	start := time.Now()
	if err := loadWeights(ctx, l.exec, l.src, l.opts.Mmap, l.index); err != nil {
		return err
	}
	l.loaded = true
	l.handles = [2]*handles{}
	if err := l.resolve(); err != nil {
		_ = l.release()
		return err
	}
	l.opts.Metrics.LayerLoaded()
	l.log.Debug("layer loaded", "took", time.Since(start), "profiles", l.exec.Profiles())
	return nil
}

// Release frees the executor's weights. It is a no-op when nothing is loaded.
func (l *Layer) Release() error {
	if !l.loaded {
		return nil
	}
	return l.release()
}

func (l *Layer) release() error {
	l.loaded = false
	l.handles = [2]*handles{}
	if err := l.exec.Release(); err != nil {
		return errdefs.Executor(l.index, "release", err)
	}
	return nil
}

func (l *Layer) resolve() error {
	h, err := l.resolveProfile(backend.ProfileDecode)
	if err != nil {
		return err
	}
	shape := Shape{
		Embed: h.input.Dim(0),
		Slots: h.kIn.Dim(1),
		Width: h.kIn.Dim(0),
	}
	if err := checkDecode(h, shape); err != nil {
		return errdefs.Config(err, "layer %d decode profile", l.index)
	}
	l.handles[backend.ProfileDecode] = h

	if l.exec.Profiles() > 1 {
		p, err := l.resolveProfile(backend.ProfilePrefill)
		if err != nil {
			return err
		}
		shape.Prefill = p.input.Dim(1)
		if err := checkPrefill(p, shape); err != nil {
			return errdefs.Config(err, "layer %d prefill profile", l.index)
		}
		l.handles[backend.ProfilePrefill] = p
	}

	if l.want != nil && *l.want != shape {
		return errdefs.Config(nil, "layer %d shape %+v differs from layer 0 %+v", l.index, shape, *l.want)
	}
	l.shape = shape
	return nil
}

func (l *Layer) resolveProfile(p backend.Profile) (*handles, error) {
	var h handles
	for _, r := range []struct {
		dst    **backend.Tensor
		name   string
		output bool
	}{
		{&h.input, TensorInput, false},
		{&h.indices, TensorIndices, false},
		{&h.mask, TensorMask, false},
		{&h.kIn, TensorKCache, false},
		{&h.vIn, TensorVCache, false},
		{&h.output, TensorOutput, true},
		{&h.kOut, TensorKCacheOut, true},
		{&h.vOut, TensorVCacheOut, true},
	} {
		var (
			t   *backend.Tensor
			err error
		)
		if r.output {
			t, err = l.exec.Output(p, r.name)
		} else {
			t, err = l.exec.Input(p, r.name)
		}
		if err != nil {
			return nil, errdefs.Config(err, "layer %d %s tensor %q", l.index, p, r.name)
		}
		*r.dst = t
	}
	return &h, nil
}

func checkDecode(h *handles, s Shape) error {
	if s.Embed <= 0 || s.Slots <= 0 || s.Width <= 0 {
		return fmt.Errorf("degenerate shape %+v", s)
	}
	return errors.Join(
		h.input.Expect(backend.BF16, s.Embed),
		h.output.Expect(backend.BF16, s.Embed),
		h.indices.Expect(backend.U32, 1),
		h.mask.Expect(backend.BF16, s.MaskLen()),
		h.kIn.Expect(backend.BF16, s.Slots*s.Width),
		h.vIn.Expect(backend.BF16, s.Slots*s.Width),
		h.kOut.Expect(backend.BF16, s.Width),
		h.vOut.Expect(backend.BF16, s.Width),
	)
}

func checkPrefill(h *handles, s Shape) error {
	b := s.Prefill
	if b <= 0 || b > s.Slots {
		return fmt.Errorf("prefill block %d outside [1,%d]", b, s.Slots)
	}
	return errors.Join(
		h.input.Expect(backend.BF16, b*s.Embed),
		h.output.Expect(backend.BF16, b*s.Embed),
		h.indices.Expect(backend.U32, b),
		h.mask.Expect(backend.BF16, b*b),
		h.kIn.Expect(backend.BF16, s.Slots*s.Width),
		h.vIn.Expect(backend.BF16, s.Slots*s.Width),
		h.kOut.Expect(backend.BF16, b*s.Width),
		h.vOut.Expect(backend.BF16, b*s.Width),
	)
}

// enter loads a dynamic layer; the returned func releases it again.
func (l *Layer) enter(ctx context.Context) (func() error, error) {
	if l.loaded {
		if l.opts.Dynamic {
			return l.Release, nil
		}
		return func() error { return nil }, nil
	}
	if !l.opts.Dynamic {
		return nil, errdefs.Executor(l.index, "run", errors.New("layer not loaded"))
	}
	if err := l.Load(ctx); err != nil {
		return nil, err
	}
	return l.Release, nil
}

// Decode runs the decode profile for position pos. hidden holds the input
// embedding and receives the output. The layer's new K/V row is appended to store.
func (l *Layer) Decode(ctx context.Context, hidden []byte, pos int, mask []byte, store *kvcache.Store) (err error) {
	start := time.Now()
	leave, err := l.enter(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := leave(); err == nil {
			err = rerr
		}
		l.opts.Metrics.ObserveLayer(l.index, backend.ProfileDecode.String(), time.Since(start))
	}()

	h := l.handles[backend.ProfileDecode]
	if len(hidden) != len(h.input.Data) {
		return errdefs.Config(nil, "layer %d: hidden state holds %d bytes want %d", l.index, len(hidden), len(h.input.Data))
	}
	if len(mask) != len(h.mask.Data) {
		return errdefs.Config(nil, "layer %d: mask holds %d bytes want %d", l.index, len(mask), len(h.mask.Data))
	}
	if n := store.Len(l.index); n != pos {
		return errdefs.Executor(l.index, "decode", fmt.Errorf("cache holds %d positions, decoding position %d", n, pos))
	}

	copy(h.input.Data, hidden)
	h.indices.PutU32(0, uint32(pos))
	copy(h.mask.Data, mask)
	if err := l.mirror(h, store); err != nil {
		return err
	}
	if err := l.run(ctx, backend.ProfileDecode); err != nil {
		return err
	}
	if err := store.Append(l.index, pos, h.kOut.Data, h.vOut.Data); err != nil {
		return errdefs.Executor(l.index, "decode", err)
	}
	copy(hidden, h.output.Data)
	return nil
}

// Prefill runs the prefill profile over block, which holds Prefill rows of
// which the first n are real prompt positions starting at 0. Rows 0..n-1 of
// the cache are appended to store and block receives the output rows.
func (l *Layer) Prefill(ctx context.Context, block []byte, n int, mask []byte, store *kvcache.Store) (err error) {
	start := time.Now()
	leave, err := l.enter(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := leave(); err == nil {
			err = rerr
		}
		l.opts.Metrics.ObserveLayer(l.index, backend.ProfilePrefill.String(), time.Since(start))
	}()

	h := l.handles[backend.ProfilePrefill]
	if h == nil {
		return errdefs.Config(nil, "layer %d has no prefill profile", l.index)
	}
	if len(block) != len(h.input.Data) || len(mask) != len(h.mask.Data) {
		return errdefs.Config(nil, "layer %d: prefill buffers hold %d/%d bytes want %d/%d",
			l.index, len(block), len(mask), len(h.input.Data), len(h.mask.Data))
	}
	if n <= 0 || n > l.shape.Prefill {
		return errdefs.Executor(l.index, "prefill", fmt.Errorf("%d positions outside block of %d", n, l.shape.Prefill))
	}
	if have := store.Len(l.index); have != 0 {
		return errdefs.Executor(l.index, "prefill", fmt.Errorf("cache already holds %d positions", have))
	}

	copy(h.input.Data, block)
	for i := 0; i < l.shape.Prefill; i++ {
		h.indices.PutU32(i, uint32(i))
	}
	copy(h.mask.Data, mask)
	clear(h.kIn.Data)
	clear(h.vIn.Data)
	if err := l.run(ctx, backend.ProfilePrefill); err != nil {
		return err
	}
	rows := n * store.SlotBytes()
	if err := store.AppendBlock(l.index, 0, n, h.kOut.Data[:rows], h.vOut.Data[:rows]); err != nil {
		return errdefs.Executor(l.index, "prefill", err)
	}
	copy(block, h.output.Data)
	return nil
}

// mirror copies store slots the executor has not seen into its cache inputs.
// A new or reset store, or a reload, starts over from slot 0.
func (l *Layer) mirror(h *handles, store *kvcache.Store) error {
	if store.Width() != l.shape.Width || store.Slots() != l.shape.Slots {
		return errdefs.Config(nil, "layer %d: cache store is %dx%d, layer wants %dx%d",
			l.index, store.Slots(), store.Width(), l.shape.Slots, l.shape.Width)
	}
	if h.mirrorGen != store.Generation() {
		clear(h.kIn.Data)
		clear(h.vIn.Data)
		h.mirrorGen = store.Generation()
		h.mirrored = 0
	}
	n := store.Len(l.index)
	if n <= h.mirrored {
		return nil
	}
	k, v, err := store.Range(l.index, h.mirrored, n)
	if err != nil {
		return errdefs.Executor(l.index, "mirror", err)
	}
	off := h.mirrored * store.SlotBytes()
	copy(h.kIn.Data[off:], k)
	copy(h.vIn.Data[off:], v)
	h.mirrored = n
	return nil
}

func (l *Layer) run(ctx context.Context, p backend.Profile) error {
	syncer, _ := l.exec.(backend.Syncer)
	if syncer != nil {
		if err := syncer.FlushInputs(p); err != nil {
			return errdefs.Executor(l.index, "flush", err)
		}
	}
	if err := l.exec.Infer(ctx, p); err != nil {
		return errdefs.Executor(l.index, p.String(), err)
	}
	if syncer != nil {
		if err := syncer.InvalidateOutputs(p); err != nil {
			return errdefs.Executor(l.index, "invalidate", err)
		}
	}
	return nil
}

// loadWeights hands src to exec, reading or mapping the file first when only a
// path is given. The mapping is dropped once Load returns; executors copy what
// they keep.
func loadWeights(ctx context.Context, exec backend.Executor, src backend.WeightSource, mmap bool, layer int) error {
	if src.Data == nil && src.Path != "" {
		f, err := mmapfile.Open(src.Path, mmap)
		if err != nil {
			return errdefs.Config(err, "weights %s", src.Path)
		}
		defer func() { _ = f.Close() }()
		src.Data = f.Data
	}
	if err := exec.Load(ctx, src); err != nil {
		return errdefs.Executor(layer, "load", err)
	}
	return nil
}

// LoadWeights loads a non-layer unit (post processor, vision stage) from src.
func LoadWeights(ctx context.Context, exec backend.Executor, src backend.WeightSource, mmap bool) error {
	return loadWeights(ctx, exec, src, mmap, -1)
}
