package logits

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/tessera/internal/bf16"
)

// TestSamplerDeterminism ensures that two samplers configured identically
// produce identical results when sampling the same logits vector.
func TestSamplerDeterminism(t *testing.T) {
	t.Parallel()
	s1 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	s2 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	for i := 0; i < 20; i++ {
		a := s1.Sample([]float32{0, 1, 2, 3, 4, 5}, nil, nil)
		b := s2.Sample([]float32{0, 1, 2, 3, 4, 5}, nil, nil)
		if a != b {
			t.Fatalf("draw %d: got %d vs %d", i, a, b)
		}
	}
}

func TestZeroConfigIsGreedy(t *testing.T) {
	t.Parallel()
	s := NewSampler(SamplerConfig{})
	if !s.Greedy() || !s.CanUseDeviceGreedy() {
		t.Fatal("zero config should be greedy")
	}
	for i := 0; i < 10; i++ {
		if got := s.Sample([]float32{-1, 5, 3, 7, 2}, []int{3, 3, 3}, nil); got != 3 {
			t.Fatalf("Sample: got %d want 3", got)
		}
	}
}

func TestArgmaxFirstOccurrence(t *testing.T) {
	t.Parallel()
	if got := Argmax([]float32{1, 4, 2, 4, 4}); got != 1 {
		t.Fatalf("Argmax: got %d want 1", got)
	}
	if got := Argmax([]float32{-3, -3}); got != 0 {
		t.Fatalf("Argmax: got %d want 0", got)
	}
}

// TestSamplerTopK1 tests that TopK=1 with neutral temperature and top-p returns the argmax.
func TestSamplerTopK1(t *testing.T) {
	t.Parallel()
	s := NewSampler(SamplerConfig{Seed: 99, Temperature: 1.0, TopK: 1, TopP: 1.0})
	if idx := s.Sample([]float32{-1, 5, 3, 7, 2}, nil, nil); idx != 3 {
		t.Fatalf("expected index 3, got %d", idx)
	}
}

// TestSamplerTopP ensures that when the first candidate alone exceeds TopP
// only that candidate is ever returned.
func TestSamplerTopP(t *testing.T) {
	t.Parallel()
	s := NewSampler(SamplerConfig{Seed: 7, Temperature: 1.0, TopK: 5, TopP: 0.5})
	for i := 0; i < 10; i++ {
		if idx := s.Sample([]float32{10, 0, 0, 0, 0}, nil, nil); idx != 0 {
			t.Fatalf("top-p sampling returned unexpected index %d", idx)
		}
	}
}

func TestSamplerMinP(t *testing.T) {
	t.Parallel()
	s := NewSampler(SamplerConfig{Seed: 3, Temperature: 1.0, TopK: 3, MinP: 0.5})
	// exp(-5) is far below half the top probability, so index 1 is filtered out.
	for i := 0; i < 50; i++ {
		if idx := s.Sample([]float32{5, 0, 5}, nil, nil); idx == 1 {
			t.Fatal("min-p should drop the low probability candidate")
		}
	}
}

func TestRepeatPenalty(t *testing.T) {
	t.Parallel()
	s := NewSampler(SamplerConfig{RepeatPenalty: 2})
	if s.CanUseDeviceGreedy() {
		t.Fatal("repeat penalty needs host logits")
	}
	// 4/2 drops below 3, so the unpenalized index wins.
	if got := s.Sample([]float32{4, 3}, []int{0}, nil); got != 1 {
		t.Fatalf("penalized sample: got %d want 1", got)
	}
	if got := s.Sample([]float32{4, 3}, []int{0}, []int{0}); got != 0 {
		t.Fatalf("excluded id should not be penalized: got %d want 0", got)
	}
}

func TestSampleBF16(t *testing.T) {
	t.Parallel()
	// 1.00390625 truncates to 1.0 in bf16; the tie goes to the first index.
	raw := bf16.Encode(nil, []float32{1.0, 1.00390625, -2})
	s := NewSampler(SamplerConfig{})
	got, err := s.SampleBF16(raw, nil)
	if err != nil {
		t.Fatalf("SampleBF16: %v", err)
	}
	if got != 0 {
		t.Fatalf("SampleBF16: got %d want 0", got)
	}

	raw = bf16.Encode(nil, []float32{0.5, 0.75, 2.5})
	if got, _ := s.SampleBF16(raw, nil); got != 2 {
		t.Fatalf("SampleBF16: got %d want 2", got)
	}
	if _, err := s.SampleBF16([]byte{1}, nil); err == nil {
		t.Fatal("expected error for odd length buffer")
	}
	if _, err := s.SampleBF16(nil, nil); err == nil {
		t.Fatal("expected error for empty logits")
	}
}

func TestFromBF16ZeroExtends(t *testing.T) {
	t.Parallel()
	raw := []byte{0x80, 0x3f, 0x40, 0xc0} // 1.0, -3.0
	got, err := FromBF16(nil, raw)
	if err != nil {
		t.Fatalf("FromBF16: %v", err)
	}
	if got[0] != 1.0 || got[1] != -3.0 {
		t.Fatalf("FromBF16: got %v", got)
	}
}

func TestShortlistOrdersBestFirst(t *testing.T) {
	t.Parallel()
	var h shortlist
	got := h.collect([]float32{0.5, 3, -1, 3, 2, 7}, 4)
	var ids []int
	for _, c := range got {
		ids = append(ids, c.id)
	}
	// equal logits keep the earlier id first
	if diff := cmp.Diff([]int{5, 1, 3, 4}, ids); diff != "" {
		t.Fatalf("shortlist (-want +got):\n%s", diff)
	}
	if got := h.collect([]float32{1, 2}, 5); len(got) != 2 || got[0].id != 1 {
		t.Fatalf("short vocab: got %+v", got)
	}
}

func TestDrawFollowsWeights(t *testing.T) {
	t.Parallel()
	cands := []candidate{{id: 4, p: 0.25}, {id: 9, p: 0.75}}
	tests := []struct {
		r    float64
		want int
	}{
		{0, 4},
		{0.2, 4},
		{0.25, 9},
		{0.99, 9},
	}
	for _, tc := range tests {
		if got := draw(cands, tc.r); got != tc.want {
			t.Errorf("draw(%v): got %d want %d", tc.r, got, tc.want)
		}
	}
}

func TestMinPAboveOneKeepsTop(t *testing.T) {
	t.Parallel()
	s := NewSampler(SamplerConfig{Seed: 1, Temperature: 1, TopK: 3, MinP: 2})
	if got := s.Sample([]float32{1, 4, 2}, nil, nil); got != 1 {
		t.Fatalf("Sample: got %d want 1", got)
	}
}
