// Package pipeline runs a model split into per-layer executors: the decoder
// layers in strict order, then the post processor that picks the next token.
package pipeline

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/tessera/internal/errdefs"
	"github.com/samcharles93/tessera/internal/kvcache"
	"github.com/samcharles93/tessera/internal/logger"
)

// ErrStopped is returned when the stop check fires at a layer boundary.
var ErrStopped = errors.New("pipeline: stopped")

// StopFunc is polled before every layer call.
type StopFunc func() bool

// Pipeline is an ordered chain of layers. Layer i's output is layer i+1's input.
type Pipeline struct {
	layers []*Layer
	shape  Shape
	log    logger.Logger
}

// New builds a pipeline over layers, which must be in model order.
func New(layers []*Layer, log logger.Logger) *Pipeline {
	return &Pipeline{layers: layers, log: logger.OrDiscard(log)}
}

// Layers returns the layer count.
func (p *Pipeline) Layers() int { return len(p.layers) }

// Layer returns layer i.
func (p *Pipeline) Layer(i int) *Layer { return p.layers[i] }

// Shape returns the shape declared by layer 0. Valid after Load.
func (p *Pipeline) Shape() Shape { return p.shape }

// CanPrefill reports whether the layers were compiled with a prefill profile.
func (p *Pipeline) CanPrefill() bool { return p.shape.Prefill > 0 }

// Load derives the shape from layer 0 and loads every resident layer, in
// parallel, checking each against layer 0. Dynamic layers are checked each
// time they are loaded. progress, if set, is called after each resident layer.
func (p *Pipeline) Load(ctx context.Context, progress func(done, total int)) error {
	if len(p.layers) == 0 {
		return errdefs.Config(nil, "pipeline has no layers")
	}
	first := p.layers[0]
	if err := first.Load(ctx); err != nil {
		return err
	}
	p.shape = first.Shape()
	for _, l := range p.layers[1:] {
		l.Expect(p.shape)
	}
	if first.Dynamic() {
		if err := first.Release(); err != nil {
			return err
		}
	}

	total := len(p.layers)
	var done atomic.Int32
	report := func() {
		n := int(done.Add(1))
		if progress != nil {
			progress(n, total)
		}
	}
	report()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, l := range p.layers[1:] {
		if l.Dynamic() {
			report()
			continue
		}
		g.Go(func() error {
			if err := l.Load(gctx); err != nil {
				return err
			}
			report()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = p.Close()
		return err
	}
	p.log.Debug("pipeline loaded", "layers", total, "embed", p.shape.Embed,
		"slots", p.shape.Slots, "width", p.shape.Width, "prefill", p.shape.Prefill)
	return nil
}

// Decode runs every layer once for position pos. hidden holds the token
// embedding on entry and the last layer's output on return.
func (p *Pipeline) Decode(ctx context.Context, hidden []byte, pos int, mask []byte, store *kvcache.Store, stop StopFunc) error {
	for _, l := range p.layers {
		if err := checkpoint(ctx, stop); err != nil {
			return err
		}
		if err := l.Decode(ctx, hidden, pos, mask, store); err != nil {
			return err
		}
	}
	return nil
}

// Prefill runs every layer once over a prompt block of n real positions.
func (p *Pipeline) Prefill(ctx context.Context, block []byte, n int, mask []byte, store *kvcache.Store, stop StopFunc) error {
	for _, l := range p.layers {
		if err := checkpoint(ctx, stop); err != nil {
			return err
		}
		if err := l.Prefill(ctx, block, n, mask, store); err != nil {
			return err
		}
	}
	return nil
}

func checkpoint(ctx context.Context, stop StopFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if stop != nil && stop() {
		return ErrStopped
	}
	return nil
}

// Close releases every loaded layer.
func (p *Pipeline) Close() error {
	var errs []error
	for _, l := range p.layers {
		if err := l.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
