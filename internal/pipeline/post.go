package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/tessera/internal/backend"
	"github.com/samcharles93/tessera/internal/errdefs"
	"github.com/samcharles93/tessera/internal/logger"
	"github.com/samcharles93/tessera/internal/logits"
	"github.com/samcharles93/tessera/internal/metrics"
)

// PostOptions configures a PostProcessor.
type PostOptions struct {
	// HardwareTop1 reads the executor's index output instead of scanning logits.
	// It only applies while the sampler is plain greedy.
	HardwareTop1 bool
	Mmap         bool
	Logger       logger.Logger
	Metrics      *metrics.Metrics
}

// PostProcessor projects the final hidden state to the vocabulary and picks
// the next token, either on the host through a Sampler or from a top-1 index
// computed by the executor.
type PostProcessor struct {
	exec    backend.Executor
	src     backend.WeightSource
	sampler *logits.Sampler
	opts    PostOptions
	log     logger.Logger

	input, output, index *backend.Tensor
	loaded               bool
}

func NewPostProcessor(exec backend.Executor, src backend.WeightSource, sampler *logits.Sampler, opts PostOptions) *PostProcessor {
	if sampler == nil {
		sampler = logits.NewSampler(logits.SamplerConfig{})
	}
	return &PostProcessor{
		exec:    exec,
		src:     src,
		sampler: sampler,
		opts:    opts,
		log:     logger.OrDiscard(opts.Logger).With("component", "post"),
	}
}

// Load loads the executor and resolves its tensors.
func (pp *PostProcessor) Load(ctx context.Context) error {
	if pp.loaded {
		return nil
	}
	if err := LoadWeights(ctx, pp.exec, pp.src, pp.opts.Mmap); err != nil {
		return err
	}
	pp.loaded = true
	var err error
	if pp.input, err = pp.exec.Input(backend.ProfileDecode, TensorInput); err != nil {
		return pp.fail(errdefs.Config(err, "post processor input"))
	}
	if pp.output, err = pp.exec.Output(backend.ProfileDecode, TensorOutput); err != nil {
		return pp.fail(errdefs.Config(err, "post processor output"))
	}
	if pp.input.DType != backend.BF16 || pp.output.DType != backend.BF16 {
		return pp.fail(errdefs.Config(nil, "post processor tensors %s, %s must be bf16", pp.input, pp.output))
	}
	pp.index = nil
	if pp.opts.HardwareTop1 {
		idx, err := pp.exec.Output(backend.ProfileDecode, TensorIndex)
		switch {
		case err != nil:
			pp.log.Warn("hardware top-1 requested but the executor has no index output, scanning logits", "error", err)
		case idx.Expect(backend.U32, 1) != nil:
			pp.log.Warn("ignoring index output with unexpected shape", "tensor", idx.String())
		default:
			pp.index = idx
		}
	}
	return nil
}

func (pp *PostProcessor) fail(err error) error {
	_ = pp.Release()
	return err
}

// Embed returns the hidden width the post processor consumes.
func (pp *PostProcessor) Embed() int { return pp.input.Dim(0) }

// Vocab returns the logits width.
func (pp *PostProcessor) Vocab() int { return pp.output.Dim(0) }

// HardwareTop1 reports whether SelectNextToken reads the executor's index.
func (pp *PostProcessor) HardwareTop1() bool {
	return pp.index != nil && pp.sampler.CanUseDeviceGreedy()
}

// Sampler returns the sampling policy in use.
func (pp *PostProcessor) Sampler() *logits.Sampler { return pp.sampler }

// SetSampler swaps the sampling policy, e.g. per request.
func (pp *PostProcessor) SetSampler(s *logits.Sampler) {
	if s != nil {
		pp.sampler = s
	}
}

// SelectNextToken runs the post processor on hidden and returns the next
// token id. history feeds the sampler's repetition penalty.
func (pp *PostProcessor) SelectNextToken(ctx context.Context, hidden []byte, history []int) (int, error) {
	start := time.Now()
	defer func() { pp.opts.Metrics.ObservePost(time.Since(start)) }()

	if !pp.loaded {
		return 0, errdefs.Executor(-1, "post", fmt.Errorf("post processor not loaded"))
	}
	if len(hidden) != len(pp.input.Data) {
		return 0, errdefs.Config(nil, "post processor: hidden state holds %d bytes want %d", len(hidden), len(pp.input.Data))
	}
	copy(pp.input.Data, hidden)

	syncer, _ := pp.exec.(backend.Syncer)
	if syncer != nil {
		if err := syncer.FlushInputs(backend.ProfileDecode); err != nil {
			return 0, errdefs.Executor(-1, "post flush", err)
		}
	}
	if err := pp.exec.Infer(ctx, backend.ProfileDecode); err != nil {
		return 0, errdefs.Executor(-1, "post", err)
	}
	if syncer != nil {
		if err := syncer.InvalidateOutputs(backend.ProfileDecode); err != nil {
			return 0, errdefs.Executor(-1, "post invalidate", err)
		}
	}

	if pp.HardwareTop1() {
		id := int(pp.index.U32(0))
		if id >= pp.Vocab() {
			return 0, errdefs.Executor(-1, "post", fmt.Errorf("top-1 index %d outside vocabulary of %d", id, pp.Vocab()))
		}
		return id, nil
	}
	id, err := pp.sampler.SampleBF16(pp.output.Data, history)
	if err != nil {
		return 0, errdefs.Executor(-1, "sample", err)
	}
	return id, nil
}

// Release frees the executor.
func (pp *PostProcessor) Release() error {
	if !pp.loaded {
		return nil
	}
	pp.loaded = false
	if err := pp.exec.Release(); err != nil {
		return errdefs.Executor(-1, "post release", err)
	}
	return nil
}
