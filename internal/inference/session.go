// Package inference drives generation over a model split into per-layer
// executors: Init wires the tokenizer, embedding table, layer pipeline, post
// processor and optional vision encoder, and Run turns a prompt into streamed text.
package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/samcharles93/tessera/internal/backend"
	"github.com/samcharles93/tessera/internal/embedding"
	"github.com/samcharles93/tessera/internal/errdefs"
	"github.com/samcharles93/tessera/internal/kvcache"
	"github.com/samcharles93/tessera/internal/logger"
	"github.com/samcharles93/tessera/internal/logits"
	"github.com/samcharles93/tessera/internal/mask"
	"github.com/samcharles93/tessera/internal/metrics"
	"github.com/samcharles93/tessera/internal/pipeline"
	"github.com/samcharles93/tessera/internal/tokenizer"
	"github.com/samcharles93/tessera/internal/tplparser"
	"github.com/samcharles93/tessera/internal/vision"
)

// Option configures New.
type Option func(*options)

type options struct {
	log      logger.Logger
	metrics  *metrics.Metrics
	backend  backend.Backend
	tok      tokenizer.Tokenizer
	progress func(stage string, done, total int)
}

// WithLogger sets the session logger. The default discards records.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics records runs into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithBackend shares an existing backend instead of creating one from
// Config.Backend. The session does not close it.
func WithBackend(b backend.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithTokenizer uses tok instead of building one from Config.Tokenizer.
func WithTokenizer(tok tokenizer.Tokenizer) Option {
	return func(o *options) { o.tok = tok }
}

// WithProgress reports load progress per stage ("layers", "post", "vision").
func WithProgress(fn func(stage string, done, total int)) Option {
	return func(o *options) { o.progress = fn }
}

// Session owns one loaded model. Runs are serialized: a second concurrent Run
// fails with ErrBusy. Stop may be called from any goroutine.
type Session struct {
	cfg     Config
	shapes  Shapes
	log     logger.Logger
	metrics *metrics.Metrics

	backend     backend.Backend
	ownsBackend bool
	tok         tokenizer.Tokenizer
	table       *embedding.Table
	pipe        *pipeline.Pipeline
	post        *pipeline.PostProcessor
	vision      *vision.Encoder
	placeholder int

	running atomic.Bool
	// stop is eventually observed: before each layer call and at each token boundary.
	stop  atomic.Bool
	state atomic.Int32

	// Guarded by running.
	store       *kvcache.Store
	decodeMask  *mask.Decode
	prefillMask []byte
	history     []int

	closeOnce sync.Once
	closeErr  error
}

// New loads every unit named by cfg and derives the runtime shapes from the
// first layer. Any inconsistency is a config error.
func New(ctx context.Context, cfg Config, opts ...Option) (_ *Session, err error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		cfg:     cfg,
		log:     logger.OrDiscard(o.log).With("component", "session"),
		metrics: o.metrics,
		tok:     o.tok,
	}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	start := time.Now()
	if s.tok == nil {
		if s.tok, err = tokenizer.New(ctx, cfg.Tokenizer); err != nil {
			return nil, err
		}
	}

	s.backend = o.backend
	if s.backend == nil {
		s.backend, err = backend.New(cfg.Backend, backend.Options{LibraryPath: cfg.LibraryPath, Threads: cfg.Threads})
		if err != nil {
			return nil, errdefs.Config(err, "backend")
		}
		s.ownsBackend = true
	}

	if err := s.loadLayers(ctx, o.progress); err != nil {
		return nil, err
	}
	if err := s.openEmbedding(); err != nil {
		return nil, err
	}
	if err := s.loadPost(ctx, o.progress); err != nil {
		return nil, err
	}
	if cfg.Vision != nil {
		if err := s.loadVision(ctx, o.progress); err != nil {
			return nil, err
		}
	}

	if s.store, err = kvcache.New(s.shapes.Layers, s.shapes.Slots, s.shapes.Width); err != nil {
		return nil, errdefs.Config(err, "kv cache")
	}
	s.decodeMask = mask.NewDecode(s.shapes.Slots)
	if s.shapes.Prefill > 0 {
		s.prefillMask = mask.Prefill(s.shapes.Prefill)
	}

	s.log.Info("session ready",
		"backend", s.backend.Name(),
		"shapes", s.shapes.String(),
		"kv_cache", humanize.IBytes(uint64(2*s.shapes.Layers*s.shapes.Slots*s.store.SlotBytes())),
		"took", time.Since(start))
	return s, nil
}

func (s *Session) loadLayers(ctx context.Context, progress func(string, int, int)) error {
	layers := make([]*pipeline.Layer, len(s.cfg.Layers))
	for i, path := range s.cfg.Layers {
		exec, err := s.backend.NewExecutor()
		if err != nil {
			return errdefs.Executor(i, "create", err)
		}
		layers[i] = pipeline.NewLayer(i, exec, backend.WeightSource{Path: path}, pipeline.LayerOptions{
			Dynamic: s.cfg.DynamicLayers,
			Mmap:    s.cfg.Mmap,
			Logger:  s.log,
			Metrics: s.metrics,
		})
	}
	s.pipe = pipeline.New(layers, s.log)

	var report func(done, total int)
	if progress != nil {
		report = func(done, total int) { progress("layers", done, total) }
	}
	if err := s.pipe.Load(ctx, report); err != nil {
		return err
	}

	shape := s.pipe.Shape()
	s.shapes = Shapes{
		Layers:      len(layers),
		Vocab:       s.cfg.Vocab,
		Embed:       shape.Embed,
		Slots:       shape.Slots,
		Width:       shape.Width,
		MaskLen:     shape.MaskLen(),
		MaxSequence: s.cfg.MaxSequence,
	}
	if !s.cfg.NoPrefill {
		s.shapes.Prefill = shape.Prefill
	}
	if s.shapes.MaxSequence == 0 {
		s.shapes.MaxSequence = shape.Slots
	}
	if s.shapes.MaxSequence > shape.Slots {
		return errdefs.Config(nil, "max_sequence %d exceeds the %d cache slots of the layers", s.shapes.MaxSequence, shape.Slots)
	}
	if s.cfg.Embed != 0 && s.cfg.Embed != shape.Embed {
		return errdefs.Config(nil, "configured embed %d but layers declare %d", s.cfg.Embed, shape.Embed)
	}
	return nil
}

func (s *Session) openEmbedding() error {
	table, err := embedding.Open(s.cfg.Embedding, s.shapes.Vocab, s.shapes.Embed, embedding.WithMmap(s.cfg.Mmap))
	if err != nil {
		return err
	}
	s.table = table
	s.log.Debug("embedding table loaded",
		"size", humanize.IBytes(uint64(table.Bytes())),
		"mapped", table.Mapped())
	return nil
}

func (s *Session) loadPost(ctx context.Context, progress func(string, int, int)) error {
	exec, err := s.backend.NewExecutor()
	if err != nil {
		return errdefs.Executor(-1, "post create", err)
	}
	s.post = pipeline.NewPostProcessor(exec, backend.WeightSource{Path: s.cfg.Post}, logits.NewSampler(s.cfg.Sampler), pipeline.PostOptions{
		HardwareTop1: s.cfg.HardwareTop1,
		Mmap:         s.cfg.Mmap,
		Logger:       s.log,
		Metrics:      s.metrics,
	})
	if err := s.post.Load(ctx); err != nil {
		return err
	}
	if s.post.Embed() != s.shapes.Embed {
		return errdefs.Config(nil, "post processor takes %d wide input, layers produce %d", s.post.Embed(), s.shapes.Embed)
	}
	if s.post.Vocab() != s.shapes.Vocab {
		return errdefs.Config(nil, "post processor emits %d logits for a vocab of %d", s.post.Vocab(), s.shapes.Vocab)
	}
	if progress != nil {
		progress("post", 1, 1)
	}
	return nil
}

func (s *Session) loadVision(ctx context.Context, progress func(string, int, int)) error {
	vc := s.cfg.Vision
	encExec, err := s.backend.NewExecutor()
	if err != nil {
		return errdefs.Executor(-1, "vision create", err)
	}
	enc := vision.Stage{Exec: encExec, Src: backend.WeightSource{Path: vc.Encoder}}
	var res *vision.Stage
	if vc.Resampler != "" {
		resExec, err := s.backend.NewExecutor()
		if err != nil {
			return errdefs.Executor(-1, "vision create", err)
		}
		res = &vision.Stage{Exec: resExec, Src: backend.WeightSource{Path: vc.Resampler}}
	}
	s.vision = vision.NewEncoder(enc, res, vision.Options{
		Patch:          vc.Patch,
		PositionStride: vc.PositionStride,
		Norm:           vc.Norm,
		Mmap:           s.cfg.Mmap,
		CacheSize:      vc.CacheSize,
		Logger:         s.log,
		Metrics:        s.metrics,
	})
	if err := s.vision.Load(ctx); err != nil {
		return err
	}
	if s.vision.Embed() != s.shapes.Embed {
		return errdefs.Config(nil, "vision encoder emits %d wide rows, layers take %d", s.vision.Embed(), s.shapes.Embed)
	}
	s.shapes.ImageTokens = s.vision.Tokens()

	s.placeholder = vc.PlaceholderID
	if s.placeholder == 0 {
		name := vc.Placeholder
		if name == "" {
			name = tplparser.ImageContext
		}
		vocab, ok := s.tok.(tokenizer.Vocabulary)
		if !ok {
			return errdefs.Config(nil, "vision: tokenizer cannot resolve placeholder %q, set placeholder_id", name)
		}
		id, ok := vocab.TokenID(name)
		if !ok {
			return errdefs.Config(nil, "vision: placeholder %q is not in the vocabulary", name)
		}
		s.placeholder = id
	}
	if s.placeholder < 0 || s.placeholder >= s.shapes.Vocab {
		return errdefs.Config(nil, "vision: placeholder id %d outside vocab of %d", s.placeholder, s.shapes.Vocab)
	}
	if progress != nil {
		progress("vision", 1, 1)
	}
	return nil
}

// Shapes returns the constants derived at Init.
func (s *Session) Shapes() Shapes { return s.shapes }

// Tokenizer returns the session's tokenizer.
func (s *Session) Tokenizer() tokenizer.Tokenizer { return s.tok }

// Config returns the configuration the session was built from.
func (s *Session) Config() Config { return s.cfg }

// State returns the state of the current or last Run.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Running reports whether a Run is in progress.
func (s *Session) Running() bool { return s.running.Load() }

// HasVision reports whether the model accepts images.
func (s *Session) HasVision() bool { return s.vision != nil }

// Stop asks the current Run to end. It is observed before the next layer call
// or token boundary, so an in-flight executor call always completes.
func (s *Session) Stop() { s.stop.Store(true) }

// Reset drops the cache kept for continue mode.
func (s *Session) Reset() error {
	if !s.running.CompareAndSwap(false, true) {
		return errdefs.ErrBusy
	}
	defer s.running.Store(false)
	s.resetCache()
	s.setState(StateIdle)
	return nil
}

func (s *Session) resetCache() {
	s.store.Reset()
	s.decodeMask.Clear()
	s.history = s.history[:0]
}

// Close releases every executor and the embedding table.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.vision != nil {
			errs = append(errs, s.vision.Release())
		}
		if s.post != nil {
			errs = append(errs, s.post.Release())
		}
		if s.pipe != nil {
			errs = append(errs, s.pipe.Close())
		}
		if s.table != nil {
			errs = append(errs, s.table.Close())
		}
		if s.ownsBackend && s.backend != nil {
			errs = append(errs, s.backend.Close())
		}
		if c, ok := s.tok.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// safeEncode and safeDecode keep a misbehaving tokenizer from taking down the process.
func safeEncode(ctx context.Context, tok tokenizer.Tokenizer, text string, imagePrompt bool) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Encode: %v", rec)
		}
	}()
	return tokenizer.EncodeContext(ctx, tok, text, imagePrompt)
}

func safeDecode(ctx context.Context, tok tokenizer.Tokenizer, ids []int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Decode: %v", rec)
		}
	}()
	return tokenizer.DecodeContext(ctx, tok, ids)
}
