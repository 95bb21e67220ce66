package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samcharles93/tessera/internal/bf16"
	"github.com/samcharles93/tessera/internal/errdefs"
	"github.com/samcharles93/tessera/internal/logits"
	"github.com/samcharles93/tessera/internal/metrics"
	"github.com/samcharles93/tessera/internal/pipeline"
	"github.com/samcharles93/tessera/internal/tokenizer"
	"github.com/samcharles93/tessera/internal/vision"
)

// streamBatch is how many accepted tokens are decoded together for the stream.
const streamBatch = 3

// Run generates a completion for prompt. Batches of accepted tokens go to
// stream when it is set. Run returns when the model emits an end token, the
// sequence cap is reached, Stop is called or ctx is cancelled.
//
// A stopped Run returns a Cancelled result and a nil error; a cancelled ctx
// returns the same result with ctx.Err(). On executor failure the returned
// result holds whatever was generated and streamed before it.
func (s *Session) Run(ctx context.Context, prompt Prompt, stream StreamFunc, opts ...RunOption) (*Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, errdefs.ErrBusy
	}
	defer s.running.Store(false)
	s.stop.Store(false)

	ro := runOptions{}
	for _, opt := range opts {
		opt(&ro)
	}
	if ro.sampler != nil {
		prev := s.post.Sampler()
		s.post.SetSampler(logits.NewSampler(*ro.sampler))
		defer s.post.SetSampler(prev)
	}
	cont := s.cfg.Continue
	if ro.cont != nil {
		cont = *ro.cont
	}

	g := &generation{
		s:      s,
		ctx:    ctx,
		opts:   ro,
		start:  time.Now(),
		stream: stream,
		cont:   cont,
	}
	res, err := g.run(prompt, cont)
	s.setState(res.State)
	s.record(res)
	return res, err
}

// generation is the state of one Run.
type generation struct {
	s      *Session
	ctx    context.Context
	opts   runOptions
	start  time.Time
	stream StreamFunc
	cont   bool

	generated []int
	pending   []int
	firstAt   time.Duration
}

func (g *generation) run(prompt Prompt, cont bool) (*Result, error) {
	s := g.s
	s.setState(StatePrefilling)

	ids, err := safeEncode(g.ctx, s.tok, prompt.Text, prompt.Image != nil)
	if err != nil {
		if cerr := g.ctx.Err(); cerr != nil {
			return g.finish(0, cerr)
		}
		if !errors.Is(err, errdefs.ErrTokenizer) {
			err = errdefs.Tokenizer("encode", err)
		}
		return g.fail(0, err)
	}
	if len(ids) == 0 {
		return g.fail(0, errdefs.Tokenizer("encode", errors.New("prompt encodes to no tokens")))
	}

	base := len(s.history)
	if !cont || base == 0 || base+len(ids) > s.shapes.MaxSequence || s.store.Positions() != base {
		if cont && base > 0 {
			s.log.Info("starting a new context", "kept", base, "prompt", len(ids), "max_sequence", s.shapes.MaxSequence)
		}
		s.resetCache()
		base = 0
	}
	if len(ids) > s.shapes.MaxSequence {
		return g.fail(len(ids), errdefs.Config(nil, "prompt of %d tokens does not fit max_sequence %d", len(ids), s.shapes.MaxSequence))
	}

	seq, err := g.embedPrompt(ids, prompt)
	if err != nil {
		return g.fail(len(ids), err)
	}

	hidden, err := g.prefill(seq, ids, base)
	if err != nil {
		return g.finish(len(ids), err)
	}
	history := append(s.history, ids...)
	pos := base + len(ids)
	s.history = history[:pos]
	return g.finish(len(ids), g.decode(hidden, history, pos))
}

// embedPrompt looks up every prompt token and splices image rows over the
// placeholder run.
func (g *generation) embedPrompt(ids []int, prompt Prompt) ([]byte, error) {
	s := g.s
	row := s.shapes.Embed * bf16.Size
	seq := make([]byte, len(ids)*row)
	for i, id := range ids {
		if err := s.table.LookupInto(id, seq, i); err != nil {
			return nil, errdefs.Config(err, "prompt position %d", i)
		}
	}
	if prompt.Image == nil {
		return seq, nil
	}
	if s.vision == nil {
		return nil, errdefs.Config(nil, "model has no vision encoder")
	}
	rows, err := s.vision.Encode(g.ctx, prompt.Image)
	if err != nil {
		return nil, err
	}
	if err := vision.Splice(seq, ids, s.placeholder, rows, s.shapes.Embed, s.cfg.Vision.Boundary); err != nil {
		return nil, errdefs.Config(err, "image splice")
	}
	return seq, nil
}

// prefill runs the prompt through every layer and returns the hidden state of
// its last position. A single block goes through the prefill profile when the
// cache is empty; anything else is fed position by position.
func (g *generation) prefill(seq []byte, ids []int, base int) ([]byte, error) {
	s := g.s
	row := s.shapes.Embed * bf16.Size
	n := len(ids)

	if base == 0 && s.shapes.Prefill > 0 && n <= s.shapes.Prefill {
		block := make([]byte, s.shapes.Prefill*row)
		copy(block, seq)
		if err := s.pipe.Prefill(g.ctx, block, n, s.prefillMask, s.store, g.stopped); err != nil {
			return nil, err
		}
		if err := s.decodeMask.RevealThrough(n - 1); err != nil {
			return nil, errdefs.Executor(-1, "prefill", err)
		}
		return block[(n-1)*row : n*row], nil
	}

	hidden := make([]byte, row)
	for i := 0; i < n; i++ {
		copy(hidden, seq[i*row:(i+1)*row])
		if err := g.step(hidden, base+i); err != nil {
			return nil, err
		}
	}
	return hidden, nil
}

// step runs one decode position and reveals it for the following ones.
func (g *generation) step(hidden []byte, pos int) error {
	s := g.s
	if err := s.pipe.Decode(g.ctx, hidden, pos, s.decodeMask.Bytes(), s.store, g.stopped); err != nil {
		return err
	}
	if err := s.decodeMask.Reveal(pos); err != nil {
		return errdefs.Executor(-1, "decode", err)
	}
	return nil
}

func (g *generation) decode(hidden []byte, history []int, pos int) error {
	s := g.s
	for {
		if err := g.checkpoint(); err != nil {
			return err
		}
		next, err := s.post.SelectNextToken(g.ctx, hidden, history)
		if err != nil {
			return err
		}
		if g.firstAt == 0 {
			g.firstAt = time.Since(g.start)
			s.metrics.ObserveFirstToken(g.firstAt)
			s.setState(StateDecoding)
		}
		if s.tok.IsEnd(next) {
			return nil
		}
		history = append(history, next)
		g.accept(next)

		if pos >= s.shapes.MaxSequence {
			return nil
		}
		capped := g.opts.maxTokens > 0 && len(g.generated) >= g.opts.maxTokens
		if capped && !g.cont {
			// The last reply token never reaches the cache, so this
			// context cannot be extended.
			g.invalidate()
			return nil
		}
		if err := g.checkpoint(); err != nil {
			return err
		}
		if err := s.table.LookupInto(next, hidden, 0); err != nil {
			return errdefs.Executor(-1, "decode", err)
		}
		if err := g.step(hidden, pos); err != nil {
			return err
		}
		pos++
		s.history = history[:pos]
		if capped {
			return nil
		}
	}
}

func (g *generation) stopped() bool { return g.s.stop.Load() }

func (g *generation) checkpoint() error {
	if err := g.ctx.Err(); err != nil {
		return err
	}
	if g.stopped() {
		return pipeline.ErrStopped
	}
	return nil
}

// accept appends id to the output and streams a full batch.
func (g *generation) accept(id int) {
	g.generated = append(g.generated, id)
	if g.stream == nil {
		return
	}
	g.pending = append(g.pending, id)
	if len(g.pending) >= streamBatch {
		g.flush()
	}
}

// flush delivers whatever is pending.
func (g *generation) flush() {
	if g.stream == nil || len(g.pending) == 0 {
		return
	}
	ids := g.pending
	g.pending = nil
	g.stream(Chunk{
		IDs:             ids,
		Text:            g.decodeText(ids),
		TokensPerSecond: g.rate(),
	})
}

// decodeText treats a failed decode as empty text; generation carries on.
func (g *generation) decodeText(ids []int) string {
	text, err := safeDecode(g.ctx, g.s.tok, ids)
	if err != nil {
		if !errors.Is(err, tokenizer.ErrRemote) && g.ctx.Err() == nil {
			g.s.log.Warn("decode failed", "tokens", len(ids), "error", err)
		}
		return ""
	}
	return text
}

func (g *generation) rate() float64 {
	elapsed := time.Since(g.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(len(g.generated)) / elapsed
}

// finish maps the loop's exit onto a terminal state.
func (g *generation) finish(promptTokens int, err error) (*Result, error) {
	switch {
	case err == nil:
		g.flush()
		return g.result(promptTokens, StateCompleted), nil
	case errors.Is(err, pipeline.ErrStopped):
		g.flush()
		g.invalidate()
		return g.result(promptTokens, StateCancelled), nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		g.flush()
		g.invalidate()
		if cerr := g.ctx.Err(); cerr != nil {
			err = cerr
		}
		return g.result(promptTokens, StateCancelled), err
	default:
		return g.fail(promptTokens, err)
	}
}

// fail ends the Run in the error state. Nothing streamed is taken back.
func (g *generation) fail(promptTokens int, err error) (*Result, error) {
	g.flush()
	g.invalidate()
	g.s.log.Error("run failed", "error", err, "generated", len(g.generated))
	return g.result(promptTokens, StateError), err
}

// invalidate drops the continue state. An interrupted Run can leave a
// position cached by some layers only.
func (g *generation) invalidate() {
	g.s.history = g.s.history[:0]
}

func (g *generation) result(promptTokens int, st State) *Result {
	res := &Result{
		Tokens: g.generated,
		State:  st,
		Stats: Stats{
			PromptTokens:     promptTokens,
			GeneratedTokens:  len(g.generated),
			TimeToFirstToken: g.firstAt,
			Duration:         time.Since(g.start),
			TokensPerSecond:  g.rate(),
		},
	}
	if len(g.generated) > 0 {
		res.Text = g.decodeText(g.generated)
	}
	return res
}

func (s *Session) record(res *Result) {
	outcome := metrics.OutcomeCompleted
	switch res.State {
	case StateCancelled:
		outcome = metrics.OutcomeCancelled
	case StateError:
		outcome = metrics.OutcomeError
	}
	s.metrics.ObserveRun(outcome, res.Stats.PromptTokens, res.Stats.GeneratedTokens, res.Stats.TokensPerSecond)
	s.log.Debug("run finished",
		"state", res.State.String(),
		"prompt", res.Stats.PromptTokens,
		"generated", res.Stats.GeneratedTokens,
		"ttft", res.Stats.TimeToFirstToken,
		"tps", fmt.Sprintf("%.2f", res.Stats.TokensPerSecond))
}
