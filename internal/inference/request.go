package inference

import "github.com/samcharles93/tessera/internal/logits"

// RunOption adjusts a single Run.
type RunOption func(*runOptions)

type runOptions struct {
	sampler   *logits.SamplerConfig
	cont      *bool
	maxTokens int
}

// WithSampler replaces the session's sampling policy for one Run.
func WithSampler(cfg logits.SamplerConfig) RunOption {
	return func(o *runOptions) { o.sampler = &cfg }
}

// WithContinue keeps (or drops) the cache of the previous Run, overriding Config.Continue.
func WithContinue(enabled bool) RunOption {
	return func(o *runOptions) { o.cont = &enabled }
}

// WithMaxTokens stops after n generated tokens. Zero leaves only the sequence cap.
func WithMaxTokens(n int) RunOption {
	return func(o *runOptions) { o.maxTokens = n }
}

// RequestOptions are per-request overrides as they arrive from the CLI or the
// HTTP API. Nil fields keep the session defaults.
type RequestOptions struct {
	MaxTokens *int
	Seed      *int64

	Temperature   *float64
	TopK          *int
	TopP          *float64
	MinP          *float64
	RepeatPenalty *float64
	RepeatLastN   *int

	Continue *bool
}

// Request is a fully resolved set of Run options.
type Request struct {
	MaxTokens int
	Sampler   logits.SamplerConfig
	Continue  bool
}

// ResolveRequest applies opts over the session defaults.
func ResolveRequest(opts RequestOptions, defaults logits.SamplerConfig, cont bool) Request {
	req := Request{
		Sampler:  defaults,
		Continue: cont,
	}

	if opts.MaxTokens != nil && *opts.MaxTokens > 0 {
		req.MaxTokens = *opts.MaxTokens
	}
	if opts.Seed != nil {
		req.Sampler.Seed = *opts.Seed
	}
	if opts.Temperature != nil {
		req.Sampler.Temperature = float32(*opts.Temperature)
	}
	if opts.TopK != nil {
		req.Sampler.TopK = *opts.TopK
	}
	if opts.TopP != nil {
		req.Sampler.TopP = float32(*opts.TopP)
	}
	if opts.MinP != nil {
		req.Sampler.MinP = float32(*opts.MinP)
	}
	if opts.RepeatPenalty != nil {
		req.Sampler.RepeatPenalty = float32(*opts.RepeatPenalty)
	}
	if opts.RepeatLastN != nil {
		req.Sampler.RepeatLastN = *opts.RepeatLastN
	}
	if opts.Continue != nil {
		req.Continue = *opts.Continue
	}

	return req
}

// Options turns the request into Run options.
func (r Request) Options() []RunOption {
	return []RunOption{
		WithSampler(r.Sampler),
		WithContinue(r.Continue),
		WithMaxTokens(r.MaxTokens),
	}
}
