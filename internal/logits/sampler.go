// Package logits turns vocabulary logits into the next token id.
package logits

import (
	"container/heap"
	"errors"
	"math"
	"math/rand"

	"github.com/samcharles93/tessera/internal/bf16"
)

// SamplerConfig configures the behaviour of a Sampler. The zero value is greedy argmax.
type SamplerConfig struct {
	Seed          int64   `yaml:"seed"`
	Temperature   float32 `yaml:"temperature"`
	TopK          int     `yaml:"top_k"`
	TopP          float32 `yaml:"top_p"`
	MinP          float32 `yaml:"min_p"`
	RepeatPenalty float32 `yaml:"repeat_penalty"`
	RepeatLastN   int     `yaml:"repeat_last_n"`
}

// Sampler picks token ids from logit rows. It keeps scratch buffers between
// calls and is not safe for concurrent use.
type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool

	row   []float32
	seen  map[int]struct{}
	short shortlist
}

// NewSampler fills unset fields of cfg with defaults. A non-positive
// temperature selects greedy argmax.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if greedy {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
		seen:   make(map[int]struct{}),
	}
}

// Greedy reports whether the sampler always picks the argmax.
func (s *Sampler) Greedy() bool { return s.greedy }

// CanUseDeviceGreedy reports whether a hardware top-1 index gives the same
// answer as Sample: plain argmax with no history penalty.
func (s *Sampler) CanUseDeviceGreedy() bool {
	return s.greedy && s.cfg.RepeatPenalty <= 1
}

// SampleBF16 expands one row of little-endian bf16 logits and picks from it,
// penalizing ids in the tail of history.
func (s *Sampler) SampleBF16(raw []byte, history []int) (int, error) {
	row, err := FromBF16(s.row, raw)
	if err != nil {
		return 0, err
	}
	if len(row) == 0 {
		return 0, errors.New("logits: empty logits")
	}
	s.row = row
	return s.Sample(row, history, nil), nil
}

// Sample picks an index from logits. Ids in the last RepeatLastN entries of
// recent are penalized unless listed in exempt. logits is modified in place.
func (s *Sampler) Sample(logits []float32, recent []int, exempt []int) int {
	s.penalize(logits, recent, exempt)

	if s.greedy || (s.cfg.TopK == 1 && s.cfg.TopP >= 1) {
		return Argmax(logits)
	}

	cands := s.short.collect(logits, min(s.cfg.TopK, len(logits)))
	if len(cands) == 0 {
		return 0
	}
	weights(cands, s.cfg.Temperature)
	cands = filterMinP(cands, s.cfg.MinP)
	cands = cutTopP(cands, s.cfg.TopP)
	return draw(cands, s.rng.Float64())
}

// penalize divides positive logits (and multiplies negative ones) of
// recently seen ids by the repeat penalty, once per distinct id.
func (s *Sampler) penalize(logits []float32, recent, exempt []int) {
	if s.cfg.RepeatPenalty <= 1 || len(recent) == 0 {
		return
	}
	clear(s.seen)
	for _, id := range recent[max(len(recent)-s.cfg.RepeatLastN, 0):] {
		if id >= 0 && id < len(logits) {
			s.seen[id] = struct{}{}
		}
	}
	for _, id := range exempt {
		delete(s.seen, id)
	}
	for id := range s.seen {
		if logits[id] > 0 {
			logits[id] /= s.cfg.RepeatPenalty
		} else {
			logits[id] *= s.cfg.RepeatPenalty
		}
	}
}

// FromBF16 expands raw bf16 logits into dst, zero-filling the low mantissa bits.
func FromBF16(dst []float32, raw []byte) ([]float32, error) {
	return bf16.Decode(dst, raw)
}

// Argmax returns the index of the largest value; ties resolve to the first
// occurrence. It panics on an empty slice.
func Argmax(x []float32) int {
	if len(x) == 0 {
		panic("logits: argmax of empty slice")
	}
	best := 0
	for i, v := range x[1:] {
		if v > x[best] {
			best = i + 1
		}
	}
	return best
}

type candidate struct {
	id    int
	logit float32
	p     float64
}

// shortlist is a min-heap of the best candidates seen so far. The root is the
// weakest: lowest logit, and on a tie the later id.
type shortlist []candidate

func (h shortlist) Len() int { return len(h) }

func (h shortlist) Less(i, j int) bool {
	if h[i].logit != h[j].logit {
		return h[i].logit < h[j].logit
	}
	return h[i].id > h[j].id
}

func (h shortlist) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *shortlist) Push(x any) { *h = append(*h, x.(candidate)) }

func (h *shortlist) Pop() any {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}

// collect returns the k largest logits ordered best first. The result aliases
// the shortlist's storage.
func (h *shortlist) collect(logits []float32, k int) []candidate {
	*h = (*h)[:0]
	if k <= 0 {
		return nil
	}
	for id, l := range logits {
		if h.Len() < k {
			heap.Push(h, candidate{id: id, logit: l})
			continue
		}
		if l > (*h)[0].logit {
			(*h)[0] = candidate{id: id, logit: l}
			heap.Fix(h, 0)
		}
	}
	// popping the weakest into the tail leaves the slice sorted best first
	n := h.Len()
	for i := n - 1; i > 0; i-- {
		h.Swap(0, i)
		*h = (*h)[:i]
		heap.Fix(h, 0)
	}
	*h = (*h)[:n]
	return *h
}

// weights sets p to the softmax of logit/temp. cands[0] holds the largest logit.
func weights(cands []candidate, temp float32) {
	top := float64(cands[0].logit)
	inv := 1 / float64(temp)
	var sum float64
	for i := range cands {
		cands[i].p = math.Exp((float64(cands[i].logit) - top) * inv)
		sum += cands[i].p
	}
	for i := range cands {
		cands[i].p /= sum
	}
}

// filterMinP drops candidates below minP times the top probability and
// renormalizes the rest.
func filterMinP(cands []candidate, minP float32) []candidate {
	if minP <= 0 {
		return cands
	}
	floor := cands[0].p * float64(minP)
	kept := cands[:0]
	var sum float64
	for _, c := range cands {
		if c.p >= floor {
			kept = append(kept, c)
			sum += c.p
		}
	}
	if len(kept) == 0 {
		return cands[:1]
	}
	for i := range kept {
		kept[i].p /= sum
	}
	return kept
}

// cutTopP keeps the shortest prefix whose mass reaches topP.
func cutTopP(cands []candidate, topP float32) []candidate {
	if topP >= 1 {
		return cands
	}
	var mass float64
	for i, c := range cands {
		mass += c.p
		if float32(mass) >= topP {
			return cands[:i+1]
		}
	}
	return cands
}

// draw picks a candidate with probability proportional to p, using r in [0,1).
func draw(cands []candidate, r float64) int {
	var total float64
	for _, c := range cands {
		total += c.p
	}
	r *= total
	for _, c := range cands {
		r -= c.p
		if r < 0 {
			return c.id
		}
	}
	return cands[len(cands)-1].id
}
