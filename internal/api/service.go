package api

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/samcharles93/tessera/internal/errdefs"
	"github.com/samcharles93/tessera/internal/inference"
	"github.com/samcharles93/tessera/internal/logger"
)

// Generator is the part of *inference.Session the API drives.
type Generator interface {
	Run(ctx context.Context, prompt inference.Prompt, stream inference.StreamFunc, opts ...inference.RunOption) (*inference.Result, error)
	Stop()
	Reset() error
	State() inference.State
	Running() bool
	HasVision() bool
	Shapes() inference.Shapes
	Config() inference.Config
}

type StreamWriter interface {
	Begin(g Generation) error
	Chunk(ch inference.Chunk) error
	Complete(g Generation) error
	Incomplete(g Generation) error
	Failed(g Generation) error
}

type ServiceOptions struct {
	// Queue makes concurrent requests wait for the session instead of failing with 409.
	Queue  bool
	Logger logger.Logger
}

// GenerationService serializes requests onto one Generator.
type GenerationService struct {
	gen   Generator
	sem   *semaphore.Weighted
	queue bool
	log   logger.Logger
}

func NewGenerationService(gen Generator, opts ServiceOptions) *GenerationService {
	return &GenerationService{
		gen:   gen,
		sem:   semaphore.NewWeighted(1),
		queue: opts.Queue,
		log:   logger.OrDiscard(opts.Logger),
	}
}

func (s *GenerationService) acquire(ctx context.Context) error {
	if s.queue {
		return s.sem.Acquire(ctx, 1)
	}
	if !s.sem.TryAcquire(1) {
		return errdefs.ErrBusy
	}
	return nil
}

// Generate runs req to completion. The returned Generation is non-nil whenever
// the Run started, including on failure.
func (s *GenerationService) Generate(ctx context.Context, req *GenerateRequest, stream StreamWriter) (*Generation, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, newInvalidRequest("prompt is required")
	}
	img, err := decodeImage(req.Image)
	if err != nil {
		return nil, err
	}
	if img != nil && !s.gen.HasVision() {
		return nil, newInvalidRequest("model has no vision encoder")
	}
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	g := Generation{
		ID:        newGenerationID(),
		Object:    "generation",
		CreatedAt: timeNow().Unix(),
		Status:    "in_progress",
		Tokens:    []int{},
	}
	log := s.log.With("generation", g.ID)
	if stream != nil {
		if err := stream.Begin(g); err != nil {
			return &g, err
		}
	}

	cfg := s.gen.Config()
	run := inference.ResolveRequest(req.options(), cfg.Sampler, cfg.Continue)
	var onChunk inference.StreamFunc
	if stream != nil {
		onChunk = func(ch inference.Chunk) {
			if err := stream.Chunk(ch); err != nil {
				log.Debug("stream write failed", "error", err)
			}
		}
	}

	res, runErr := s.gen.Run(ctx, inference.Prompt{Text: req.Prompt, Image: img}, onChunk, run.Options()...)
	fill(&g, res, runErr)
	log.Info("generation finished", "status", g.Status, "tokens", len(g.Tokens))

	if stream != nil {
		var err error
		switch g.Status {
		case "completed":
			err = stream.Complete(g)
		case "cancelled":
			err = stream.Incomplete(g)
		default:
			err = stream.Failed(g)
		}
		if err != nil {
			log.Debug("stream write failed", "error", err)
		}
	}
	return &g, runErr
}

func fill(g *Generation, res *inference.Result, err error) {
	now := timeNow().Unix()
	g.CompletedAt = &now
	if res != nil {
		g.Text = res.Text
		if res.Tokens != nil {
			g.Tokens = res.Tokens
		}
		g.Usage = &GenerationUsage{
			PromptTokens:       res.Stats.PromptTokens,
			GeneratedTokens:    res.Stats.GeneratedTokens,
			TimeToFirstTokenMS: milliseconds(res.Stats.TimeToFirstToken),
			DurationMS:         milliseconds(res.Stats.Duration),
			TokensPerSecond:    res.Stats.TokensPerSecond,
		}
	}
	switch {
	case res != nil && res.State == inference.StateCompleted:
		g.Status = "completed"
	case res != nil && res.State == inference.StateCancelled:
		g.Status = "cancelled"
	default:
		g.Status = "failed"
	}
	if err != nil {
		_, errType := classify(err)
		g.Error = &ErrorBody{Message: err.Error(), Type: errType}
	}
}

// Stop asks the running generation, if any, to end. It reports whether one was running.
func (s *GenerationService) Stop() bool {
	running := s.gen.Running()
	s.gen.Stop()
	return running
}

func (s *GenerationService) Reset() error {
	return s.gen.Reset()
}

func (s *GenerationService) Status() StatusResponse {
	return StatusResponse{
		State:   s.gen.State().String(),
		Running: s.gen.Running(),
		Vision:  s.gen.HasVision(),
		Shapes:  s.gen.Shapes(),
	}
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

var timeNow = func() time.Time {
	return time.Now()
}
