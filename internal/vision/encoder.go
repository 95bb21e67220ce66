package vision

import (
	"context"
	"errors"
	"image"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/samcharles93/tessera/internal/backend"
	"github.com/samcharles93/tessera/internal/errdefs"
	"github.com/samcharles93/tessera/internal/logger"
	"github.com/samcharles93/tessera/internal/metrics"
	"github.com/samcharles93/tessera/internal/pipeline"
)

// Stage is one executor of the vision path and its weights.
type Stage struct {
	Exec backend.Executor
	Src  backend.WeightSource
}

// Options configures an Encoder.
type Options struct {
	// Patch is the encoder patch size in pixels; the resampler grid is
	// (W/Patch) x (H/Patch).
	Patch int
	// PositionStride is the row stride of the resampler position table.
	// Zero uses the grid width.
	PositionStride int
	Norm           Normalization
	Mmap           bool
	// CacheSize bounds the number of cached image embeddings. Negative disables the cache.
	CacheSize int
	Logger    logger.Logger
	Metrics   *metrics.Metrics
}

const defaultCacheSize = 8

var errNotLoaded = errors.New("vision: encoder not loaded")

// Encoder runs the encoder stage and the optional resampler stage.
type Encoder struct {
	enc  Stage
	res  *Stage
	opts Options
	log  logger.Logger

	encIn, encOut         *backend.Tensor
	resIn, resIdx, resOut *backend.Tensor
	positions             []uint32
	embed                 int
	tokens                int
	encLoaded, resLoaded  bool

	mu    sync.Mutex
	cache map[uint64][]byte
	order []uint64
}

// NewEncoder builds an encoder. res may be nil for single-stage models.
func NewEncoder(enc Stage, res *Stage, opts Options) *Encoder {
	if opts.CacheSize == 0 {
		opts.CacheSize = defaultCacheSize
	}
	return &Encoder{
		enc:   enc,
		res:   res,
		opts:  opts,
		log:   logger.OrDiscard(opts.Logger).With("component", "vision"),
		cache: make(map[uint64][]byte),
	}
}

// Load loads both stages and checks that their tensors chain.
func (e *Encoder) Load(ctx context.Context) error {
	if err := pipeline.LoadWeights(ctx, e.enc.Exec, e.enc.Src, e.opts.Mmap); err != nil {
		return err
	}
	e.encLoaded = true
	var err error
	if e.encIn, err = e.enc.Exec.Input(backend.ProfileDecode, pipeline.TensorInput); err != nil {
		return e.fail(errdefs.Config(err, "vision encoder input"))
	}
	if e.encOut, err = e.enc.Exec.Output(backend.ProfileDecode, pipeline.TensorOutput); err != nil {
		return e.fail(errdefs.Config(err, "vision encoder output"))
	}
	h, w, err := inputSize(e.encIn)
	if err != nil {
		return e.fail(errdefs.Config(err, "vision encoder"))
	}
	if e.encOut.DType != backend.BF16 || len(e.encOut.Shape) != 3 {
		return e.fail(errdefs.Config(nil, "vision encoder output %s must be bf16 [1,T,E]", e.encOut))
	}
	e.embed = e.encOut.Dim(0)
	e.tokens = e.encOut.Dim(1)

	if e.res == nil {
		e.log.Debug("vision encoder loaded", "image", [2]int{w, h}, "tokens", e.tokens)
		return nil
	}

	if err := pipeline.LoadWeights(ctx, e.res.Exec, e.res.Src, e.opts.Mmap); err != nil {
		return e.fail(err)
	}
	e.resLoaded = true
	if e.resIn, err = e.res.Exec.Input(backend.ProfileDecode, pipeline.TensorInput); err != nil {
		return e.fail(errdefs.Config(err, "vision resampler input"))
	}
	if e.resIdx, err = e.res.Exec.Input(backend.ProfileDecode, pipeline.TensorIndices); err != nil {
		return e.fail(errdefs.Config(err, "vision resampler indices"))
	}
	if e.resOut, err = e.res.Exec.Output(backend.ProfileDecode, pipeline.TensorOutput); err != nil {
		return e.fail(errdefs.Config(err, "vision resampler output"))
	}
	if err := e.resIn.Expect(backend.BF16, e.encOut.Elements()); err != nil {
		return e.fail(errdefs.Config(err, "vision resampler"))
	}
	if e.resOut.DType != backend.BF16 || e.resOut.Dim(0) != e.embed {
		return e.fail(errdefs.Config(nil, "vision resampler output %s must be bf16 rows of %d", e.resOut, e.embed))
	}
	if e.opts.Patch <= 0 || h%e.opts.Patch != 0 || w%e.opts.Patch != 0 {
		return e.fail(errdefs.Config(nil, "vision: image %dx%d is not a whole number of %d px patches", w, h, e.opts.Patch))
	}
	gw, gh := w/e.opts.Patch, h/e.opts.Patch
	if gw*gh != e.tokens {
		return e.fail(errdefs.Config(nil, "vision: %dx%d patch grid but encoder emits %d rows", gw, gh, e.tokens))
	}
	if err := e.resIdx.Expect(backend.U32, e.tokens); err != nil {
		return e.fail(errdefs.Config(err, "vision resampler"))
	}
	if e.positions == nil {
		e.positions = RasterPositions(gw, gh, e.opts.PositionStride)
	}
	e.tokens = e.resOut.Dim(1)
	e.log.Debug("vision encoder loaded", "image", [2]int{w, h}, "grid", [2]int{gw, gh}, "tokens", e.tokens)
	return nil
}

func (e *Encoder) fail(err error) error {
	_ = e.Release()
	return err
}

// RasterPositions returns the resampler position id of each grid cell in
// row-major order: y*stride + x. stride defaults to the grid width.
func RasterPositions(gw, gh, stride int) []uint32 {
	if stride <= 0 {
		stride = gw
	}
	out := make([]uint32, 0, gw*gh)
	for y := 0; y < gh; y++ {
		for x := 0; x < gw; x++ {
			out = append(out, uint32(y*stride+x))
		}
	}
	return out
}

// Tokens is the number of embedding rows an image produces.
func (e *Encoder) Tokens() int { return e.tokens }

// Embed is the row width.
func (e *Encoder) Embed() int { return e.embed }

// Encode returns Tokens() rows of Embed() bf16 values for img. The result is
// owned by the caller.
func (e *Encoder) Encode(ctx context.Context, img image.Image) ([]byte, error) {
	if e.encIn == nil {
		return nil, errdefs.Executor(-1, "vision", errNotLoaded)
	}
	if err := Preprocess(img, e.encIn, e.opts.Norm); err != nil {
		return nil, errdefs.Config(err, "vision preprocess")
	}
	key := xxhash.Sum64(e.encIn.Data)
	if rows, ok := e.lookup(key); ok {
		e.opts.Metrics.ImageCache(true)
		return rows, nil
	}
	e.opts.Metrics.ImageCache(false)

	if err := run(ctx, e.enc.Exec, "vision encoder"); err != nil {
		return nil, err
	}
	out := e.encOut.Data
	if e.res != nil {
		copy(e.resIn.Data, e.encOut.Data)
		for i, p := range e.positions {
			e.resIdx.PutU32(i, p)
		}
		if err := run(ctx, e.res.Exec, "vision resampler"); err != nil {
			return nil, err
		}
		out = e.resOut.Data
	}
	rows := slices.Clone(out)
	e.store(key, rows)
	return slices.Clone(rows), nil
}

func run(ctx context.Context, exec backend.Executor, stage string) error {
	syncer, _ := exec.(backend.Syncer)
	if syncer != nil {
		if err := syncer.FlushInputs(backend.ProfileDecode); err != nil {
			return errdefs.Executor(-1, stage+" flush", err)
		}
	}
	if err := exec.Infer(ctx, backend.ProfileDecode); err != nil {
		return errdefs.Executor(-1, stage, err)
	}
	if syncer != nil {
		if err := syncer.InvalidateOutputs(backend.ProfileDecode); err != nil {
			return errdefs.Executor(-1, stage+" invalidate", err)
		}
	}
	return nil
}

func (e *Encoder) lookup(key uint64) ([]byte, bool) {
	if e.opts.CacheSize < 0 {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rows, ok := e.cache[key]
	if !ok {
		return nil, false
	}
	return slices.Clone(rows), true
}

func (e *Encoder) store(key uint64, rows []byte) {
	if e.opts.CacheSize < 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.cache[key]; ok {
		return
	}
	for len(e.order) >= e.opts.CacheSize {
		delete(e.cache, e.order[0])
		e.order = e.order[1:]
	}
	e.cache[key] = rows
	e.order = append(e.order, key)
}

// Release frees both stages and drops the cache.
func (e *Encoder) Release() error {
	var errs []error
	if e.encLoaded {
		errs = append(errs, e.enc.Exec.Release())
	}
	if e.resLoaded {
		errs = append(errs, e.res.Exec.Release())
	}
	e.encLoaded, e.resLoaded = false, false
	e.encIn, e.encOut, e.resIn, e.resIdx, e.resOut = nil, nil, nil, nil, nil
	e.mu.Lock()
	clear(e.cache)
	e.order = nil
	e.mu.Unlock()
	return errdefs.Executor(-1, "vision release", errors.Join(errs...))
}
