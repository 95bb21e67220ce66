package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/samcharles93/tessera/internal/backend"
	"github.com/samcharles93/tessera/internal/bf16"
	"github.com/samcharles93/tessera/internal/errdefs"
	"github.com/samcharles93/tessera/internal/kvcache"
	"github.com/samcharles93/tessera/internal/logits"
	"github.com/samcharles93/tessera/internal/mask"
	"github.com/samcharles93/tessera/internal/toy"
)

const (
	testEmbed = 4
	testSlots = 8
	testWidth = 3
	testVocab = 10
)

// recorder wraps a toy executor and records coherence calls.
type recorder struct {
	*toy.Executor
	events []string
}

func (r *recorder) FlushInputs(p backend.Profile) error {
	r.events = append(r.events, "flush:"+p.String())
	return nil
}

func (r *recorder) Infer(ctx context.Context, p backend.Profile) error {
	r.events = append(r.events, "infer:"+p.String())
	return r.Executor.Infer(ctx, p)
}

func (r *recorder) InvalidateOutputs(p backend.Profile) error {
	r.events = append(r.events, "invalidate:"+p.String())
	return nil
}

func writeModel(t *testing.T, m toy.Model) toy.Files {
	t.Helper()
	if m.Embed == 0 {
		m.Embed = testEmbed
	}
	if m.Slots == 0 {
		m.Slots = testSlots
	}
	if m.Width == 0 {
		m.Width = testWidth
	}
	if m.Vocab == 0 {
		m.Vocab = testVocab
	}
	files, err := toy.WriteModel(t.TempDir(), m)
	if err != nil {
		t.Fatalf("WriteModel: %v", err)
	}
	return files
}

func newPipeline(t *testing.T, files toy.Files, opts LayerOptions) (*Pipeline, []*toy.Executor) {
	t.Helper()
	var (
		layers []*Layer
		execs  []*toy.Executor
	)
	for i, path := range files.Layers {
		e := &toy.Executor{}
		execs = append(execs, e)
		layers = append(layers, NewLayer(i, e, backend.WeightSource{Path: path}, opts))
	}
	p := New(layers, nil)
	if err := p.Load(context.Background(), nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p, execs
}

func embed(t *testing.T, ids ...int) []byte {
	t.Helper()
	rows := toy.EmbeddingRows(testVocab, testEmbed)
	rowBytes := testEmbed * bf16.Size
	out := make([]byte, 0, len(ids)*rowBytes)
	for _, id := range ids {
		out = append(out, rows[id*rowBytes:(id+1)*rowBytes]...)
	}
	return out
}

func TestPipelineDecodeSequence(t *testing.T) {
	t.Parallel()
	files := writeModel(t, toy.Model{Layers: 3})
	p, execs := newPipeline(t, files, LayerOptions{})

	want := Shape{Embed: testEmbed, Slots: testSlots, Width: testWidth}
	if p.Shape() != want {
		t.Fatalf("Shape: got %+v want %+v", p.Shape(), want)
	}
	if p.CanPrefill() {
		t.Fatal("model without prefill profile reports CanPrefill")
	}

	store, _ := kvcache.New(3, testSlots, testWidth)
	m := mask.NewDecode(testSlots)
	for pos, id := range []int{1, 5, 7, 2} {
		hidden := embed(t, id)
		if err := p.Decode(context.Background(), hidden, pos, m.Bytes(), store, nil); err != nil {
			t.Fatalf("Decode(%d): %v", pos, err)
		}
		if got := toy.TokenOf(hidden); got != id {
			t.Fatalf("Decode(%d): hidden encodes %d want %d", pos, got, id)
		}
		if err := m.Reveal(pos); err != nil {
			t.Fatalf("Reveal: %v", err)
		}
	}
	if got := store.Positions(); got != 4 {
		t.Fatalf("Positions: got %d want 4", got)
	}
	for i, e := range execs {
		if e.Calls() != 4 {
			t.Errorf("layer %d calls: got %d want 4", i, e.Calls())
		}
	}
}

func TestPipelineDecodeRejectsStaleMask(t *testing.T) {
	t.Parallel()
	files := writeModel(t, toy.Model{Layers: 1})
	p, _ := newPipeline(t, files, LayerOptions{})

	store, _ := kvcache.New(1, testSlots, testWidth)
	m := mask.NewDecode(testSlots)
	if err := p.Decode(context.Background(), embed(t, 1), 0, m.Bytes(), store, nil); err != nil {
		t.Fatalf("Decode(0): %v", err)
	}
	// position 0 was not revealed, the executor must refuse position 1.
	err := p.Decode(context.Background(), embed(t, 2), 1, m.Bytes(), store, nil)
	if !errors.Is(err, errdefs.ErrExecutor) {
		t.Fatalf("expected executor error, got %v", err)
	}
	var ee *errdefs.ExecutorError
	if !errors.As(err, &ee) || ee.Layer != 0 {
		t.Fatalf("expected layer 0 executor error, got %v", err)
	}
}

func TestPipelinePrefillThenDecode(t *testing.T) {
	t.Parallel()
	files := writeModel(t, toy.Model{Layers: 2, Prefill: 4})
	p, _ := newPipeline(t, files, LayerOptions{})
	if p.Shape().Prefill != 4 || !p.CanPrefill() {
		t.Fatalf("Shape: got %+v", p.Shape())
	}

	store, _ := kvcache.New(2, testSlots, testWidth)
	block := make([]byte, 4*testEmbed*bf16.Size)
	copy(block, embed(t, 3, 4, 6))
	pm := mask.Prefill(4)
	if err := p.Prefill(context.Background(), block, 3, pm, store, nil); err != nil {
		t.Fatalf("Prefill: %v", err)
	}
	last := block[2*testEmbed*bf16.Size : 3*testEmbed*bf16.Size]
	if got := toy.TokenOf(last); got != 6 {
		t.Fatalf("last prefill row encodes %d want 6", got)
	}
	if store.Len(0) != 3 || store.Len(1) != 3 {
		t.Fatalf("store lengths after prefill: %d %d", store.Len(0), store.Len(1))
	}

	m := mask.NewDecode(testSlots)
	if err := m.RevealThrough(2); err != nil {
		t.Fatalf("RevealThrough: %v", err)
	}
	if err := p.Decode(context.Background(), embed(t, 9), 3, m.Bytes(), store, nil); err != nil {
		t.Fatalf("Decode after prefill: %v", err)
	}
	// prefill again on a non-empty cache is a protocol error
	if err := p.Prefill(context.Background(), block, 3, pm, store, nil); !errors.Is(err, errdefs.ErrExecutor) {
		t.Fatalf("expected executor error, got %v", err)
	}
}

func TestPipelineStopBetweenLayers(t *testing.T) {
	t.Parallel()
	files := writeModel(t, toy.Model{Layers: 4})
	p, execs := newPipeline(t, files, LayerOptions{})

	store, _ := kvcache.New(4, testSlots, testWidth)
	m := mask.NewDecode(testSlots)
	checks := 0
	stop := func() bool {
		checks++
		return checks == 3 // fires before layer 2
	}
	err := p.Decode(context.Background(), embed(t, 1), 0, m.Bytes(), store, stop)
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	for i, want := range []int{1, 1, 0, 0} {
		if got := execs[i].Calls(); got != want {
			t.Errorf("layer %d calls: got %d want %d", i, got, want)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Decode(ctx, embed(t, 1), 0, m.Bytes(), store, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLayerShapeMismatchFailsFast(t *testing.T) {
	t.Parallel()
	good := writeModel(t, toy.Model{Layers: 1})
	bad := writeModel(t, toy.Model{Layers: 1, Width: testWidth + 1})

	layers := []*Layer{
		NewLayer(0, &toy.Executor{}, backend.WeightSource{Path: good.Layers[0]}, LayerOptions{}),
		NewLayer(1, &toy.Executor{}, backend.WeightSource{Path: bad.Layers[0]}, LayerOptions{}),
	}
	err := New(layers, nil).Load(context.Background(), nil)
	if !errors.Is(err, errdefs.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestLayerMissingWeights(t *testing.T) {
	t.Parallel()
	l := NewLayer(0, &toy.Executor{}, backend.WeightSource{Path: filepath.Join(t.TempDir(), "nope.json")}, LayerOptions{})
	if err := l.Load(context.Background()); !errors.Is(err, errdefs.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestDynamicLayerReloadsAndResyncs(t *testing.T) {
	t.Parallel()
	files := writeModel(t, toy.Model{Layers: 2})
	p, execs := newPipeline(t, files, LayerOptions{Dynamic: true, Mmap: true})
	for i := 0; i < p.Layers(); i++ {
		if p.Layer(i).Loaded() {
			t.Fatalf("dynamic layer %d resident after Load", i)
		}
	}

	store, _ := kvcache.New(2, testSlots, testWidth)
	m := mask.NewDecode(testSlots)
	for pos := 0; pos < 5; pos++ {
		// the toy executor verifies the K_cache mirror, so a missed resync fails here
		if err := p.Decode(context.Background(), embed(t, pos), pos, m.Bytes(), store, nil); err != nil {
			t.Fatalf("Decode(%d): %v", pos, err)
		}
		_ = m.Reveal(pos)
		for i := 0; i < p.Layers(); i++ {
			if p.Layer(i).Loaded() {
				t.Fatalf("layer %d still loaded after call", i)
			}
		}
	}
	if execs[1].Calls() != 5 {
		t.Fatalf("layer 1 calls: got %d want 5", execs[1].Calls())
	}
}

func TestStoreResetResyncsMirror(t *testing.T) {
	t.Parallel()
	files := writeModel(t, toy.Model{Layers: 1})
	p, _ := newPipeline(t, files, LayerOptions{})

	store, _ := kvcache.New(1, testSlots, testWidth)
	m := mask.NewDecode(testSlots)
	for pos := 0; pos < 3; pos++ {
		if err := p.Decode(context.Background(), embed(t, 1), pos, m.Bytes(), store, nil); err != nil {
			t.Fatalf("Decode(%d): %v", pos, err)
		}
		_ = m.Reveal(pos)
	}
	store.Reset()
	m.Clear()
	for pos := 0; pos < 2; pos++ {
		if err := p.Decode(context.Background(), embed(t, 2), pos, m.Bytes(), store, nil); err != nil {
			t.Fatalf("Decode after reset (%d): %v", pos, err)
		}
		_ = m.Reveal(pos)
	}
}

func TestLayerSyncerOrder(t *testing.T) {
	t.Parallel()
	files := writeModel(t, toy.Model{Layers: 1})
	rec := &recorder{Executor: &toy.Executor{}}
	l := NewLayer(0, rec, backend.WeightSource{Path: files.Layers[0]}, LayerOptions{})
	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	store, _ := kvcache.New(1, testSlots, testWidth)
	m := mask.NewDecode(testSlots)
	if err := l.Decode(context.Background(), embed(t, 1), 0, m.Bytes(), store); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := []string{"flush:decode", "infer:decode", "invalidate:decode"}
	if len(rec.events) != len(want) {
		t.Fatalf("events: got %v want %v", rec.events, want)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Fatalf("events: got %v want %v", rec.events, want)
		}
	}
}

func TestPostProcessorPaths(t *testing.T) {
	t.Parallel()
	files := writeModel(t, toy.Model{Layers: 1, Top1: true, Next: map[int]int{4: 7}})

	tests := []struct {
		name    string
		top1    bool
		sampler logits.SamplerConfig
		wantHW  bool
	}{
		{"logits", false, logits.SamplerConfig{}, false},
		{"hardware", true, logits.SamplerConfig{}, true},
		{"hardware disabled by penalty", true, logits.SamplerConfig{RepeatPenalty: 1.5}, false},
	}
	for _, tc := range tests {
		pp := NewPostProcessor(&toy.Executor{}, backend.WeightSource{Path: files.Post},
			logits.NewSampler(tc.sampler), PostOptions{HardwareTop1: tc.top1})
		if err := pp.Load(context.Background()); err != nil {
			t.Fatalf("%s: Load: %v", tc.name, err)
		}
		if pp.Vocab() != testVocab || pp.Embed() != testEmbed {
			t.Fatalf("%s: vocab=%d embed=%d", tc.name, pp.Vocab(), pp.Embed())
		}
		if pp.HardwareTop1() != tc.wantHW {
			t.Fatalf("%s: HardwareTop1 got %v want %v", tc.name, pp.HardwareTop1(), tc.wantHW)
		}
		id, err := pp.SelectNextToken(context.Background(), embed(t, 4), nil)
		if err != nil {
			t.Fatalf("%s: SelectNextToken: %v", tc.name, err)
		}
		if id != 7 {
			t.Fatalf("%s: got %d want 7", tc.name, id)
		}
		_ = pp.Release()
	}
}

func TestPostProcessorFailure(t *testing.T) {
	t.Parallel()
	files := writeModel(t, toy.Model{Layers: 1})
	pp := NewPostProcessor(&toy.Executor{}, backend.WeightSource{Path: files.Post}, nil, PostOptions{})
	if _, err := pp.SelectNextToken(context.Background(), embed(t, 1), nil); !errors.Is(err, errdefs.ErrExecutor) {
		t.Fatalf("expected executor error before Load, got %v", err)
	}
	if err := pp.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := pp.SelectNextToken(context.Background(), []byte{1, 2}, nil); !errors.Is(err, errdefs.ErrConfig) {
		t.Fatalf("expected config error for short hidden state, got %v", err)
	}
}
