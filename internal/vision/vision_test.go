package vision

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/tessera/internal/backend"
	"github.com/samcharles93/tessera/internal/bf16"
	"github.com/samcharles93/tessera/internal/errdefs"
	"github.com/samcharles93/tessera/internal/toy"
)

func solid(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestRasterPositions(t *testing.T) {
	t.Parallel()
	if diff := cmp.Diff([]uint32{0, 1, 2, 3, 4, 5}, RasterPositions(3, 2, 0)); diff != "" {
		t.Fatalf("default stride (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{0, 1, 2, 5, 6, 7}, RasterPositions(3, 2, 5)); diff != "" {
		t.Fatalf("stride 5 (-want +got):\n%s", diff)
	}
}

func TestPreprocessHWC(t *testing.T) {
	t.Parallel()
	in := backend.NewTensor("input", backend.U8, 1, 8, 12, 3)
	if err := Preprocess(solid(20, 30, color.RGBA{R: 255, A: 255}), in, Normalization{}); err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	for i := 0; i < len(in.Data); i += 3 {
		if in.Data[i] != 255 || in.Data[i+1] != 0 || in.Data[i+2] != 0 {
			t.Fatalf("pixel %d: got %v", i/3, in.Data[i:i+3])
		}
	}
}

func TestPreprocessCHWNormalized(t *testing.T) {
	t.Parallel()
	in := backend.NewTensor("input", backend.BF16, 1, 3, 4, 4)
	// a fully transparent image is composited onto white
	if err := Preprocess(image.NewRGBA(image.Rect(0, 0, 7, 7)), in, Normalization{}); err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	for c := 0; c < 3; c++ {
		want := (1 - ImageNet.Mean[c]) / ImageNet.Std[c]
		got := bf16.ToFloat32(bf16.Get(in.Data, c*16+5))
		if math.Abs(float64(got-want)) > 0.02 {
			t.Fatalf("channel %d: got %v want %v", c, got, want)
		}
	}
}

func TestPreprocessRejectsLayout(t *testing.T) {
	t.Parallel()
	in := backend.NewTensor("input", backend.F32, 1, 3, 4, 4)
	if err := Preprocess(solid(4, 4, color.White), in, Normalization{}); err == nil {
		t.Fatal("expected error for f32 input")
	}
}

func TestDecodeImagePNG(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := png.Encode(&buf, solid(3, 2, color.Black)); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	img, err := DecodeImage(&buf)
	if err != nil {
		t.Fatalf("DecodeImage: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 3 || b.Dy() != 2 {
		t.Fatalf("bounds: got %v", b)
	}
	if _, err := DecodeImage(bytes.NewReader([]byte("not an image"))); err == nil {
		t.Fatal("expected decode error")
	}
}

func row(dim int, v float32) []byte {
	out := make([]byte, dim*bf16.Size)
	bf16.Fill(out, bf16.FromFloat32(v))
	return out
}

func TestSplice(t *testing.T) {
	t.Parallel()
	const dim = 2
	ids := []int{1, 9, 9, 9, 2}
	seq := bytes.Repeat(row(dim, 0.5), len(ids))
	rows := append(append(row(dim, 1), row(dim, 2)...), row(dim, 3)...)

	if err := Splice(seq, ids, 9, rows, dim, BoundaryScale{}); err != nil {
		t.Fatalf("Splice: %v", err)
	}
	want := []float32{0.5, 0.5, 1, 1, 2, 2, 3, 3, 0.5, 0.5}
	got, _ := bf16.Decode(nil, seq)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Splice (-want +got):\n%s", diff)
	}

	seq = bytes.Repeat(row(dim, 0.5), len(ids))
	if err := Splice(seq, ids, 9, rows, dim, BoundaryScale{Count: 1, Factor: 4}); err != nil {
		t.Fatalf("Splice with hook: %v", err)
	}
	want = []float32{0.5, 0.5, 4, 4, 2, 2, 12, 12, 0.5, 0.5}
	got, _ = bf16.Decode(nil, seq)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Splice with hook (-want +got):\n%s", diff)
	}
}

func TestSpliceErrors(t *testing.T) {
	t.Parallel()
	const dim = 2
	seq := bytes.Repeat(row(dim, 0), 4)
	if err := Splice(seq, []int{1, 2, 3, 4}, 9, row(dim, 1), dim, BoundaryScale{}); !errors.Is(err, ErrNoPlaceholder) {
		t.Fatalf("expected ErrNoPlaceholder, got %v", err)
	}
	if err := Splice(seq, []int{1, 9, 9, 4}, 9, row(dim, 1), dim, BoundaryScale{}); err == nil {
		t.Fatal("expected count mismatch error")
	}
	if err := Splice(seq, []int{1, 9, 9, 4}, 9, []byte{1, 2, 3}, dim, BoundaryScale{}); err == nil {
		t.Fatal("expected partial row error")
	}
}

func TestPlaceholderRun(t *testing.T) {
	t.Parallel()
	start, n := PlaceholderRun([]int{5, 7, 7, 5, 7}, 7)
	if start != 1 || n != 2 {
		t.Fatalf("PlaceholderRun: got (%d, %d) want (1, 2)", start, n)
	}
	if start, _ := PlaceholderRun([]int{1}, 7); start != -1 {
		t.Fatalf("PlaceholderRun without match: got %d", start)
	}
}

type stages struct {
	enc, res *toy.Executor
	encoder  *Encoder
}

func newEncoder(t *testing.T, stride int, opts Options) stages {
	t.Helper()
	dir := t.TempDir()
	encPath := filepath.Join(dir, "encoder.json")
	resPath := filepath.Join(dir, "resampler.json")
	if err := toy.WriteUnit(encPath, toy.Unit{Kind: toy.KindEncoder, Embed: 4, ImageHeight: 8, ImageWidth: 12, Patch: 4}); err != nil {
		t.Fatalf("WriteUnit: %v", err)
	}
	if err := toy.WriteUnit(resPath, toy.Unit{Kind: toy.KindResampler, Embed: 4, ImageHeight: 8, ImageWidth: 12, Patch: 4, Tokens: 3, Stride: stride}); err != nil {
		t.Fatalf("WriteUnit: %v", err)
	}
	s := stages{enc: &toy.Executor{}, res: &toy.Executor{}}
	s.encoder = NewEncoder(
		Stage{Exec: s.enc, Src: backend.WeightSource{Path: encPath}},
		&Stage{Exec: s.res, Src: backend.WeightSource{Path: resPath}},
		opts,
	)
	return s
}

func TestEncoderTwoStages(t *testing.T) {
	t.Parallel()
	s := newEncoder(t, 0, Options{Patch: 4})
	if err := s.encoder.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() { _ = s.encoder.Release() })
	if s.encoder.Tokens() != 3 || s.encoder.Embed() != 4 {
		t.Fatalf("Tokens=%d Embed=%d", s.encoder.Tokens(), s.encoder.Embed())
	}

	img := solid(24, 16, color.RGBA{G: 255, A: 255})
	rows, err := s.encoder.Encode(context.Background(), img)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(rows) != 3*4*bf16.Size {
		t.Fatalf("rows: got %d bytes", len(rows))
	}
	// the resampler picks encoder rows 0, 2 and 4, whose first element is the row number
	for q, want := range []float32{0, 2, 4} {
		if got := bf16.ToFloat32(bf16.Get(rows, q*4)); got != want {
			t.Fatalf("row %d: got %v want %v", q, got, want)
		}
	}

	again, err := s.encoder.Encode(context.Background(), img)
	if err != nil {
		t.Fatalf("Encode again: %v", err)
	}
	if !bytes.Equal(rows, again) {
		t.Fatal("cached encoding differs")
	}
	if s.enc.Calls() != 1 || s.res.Calls() != 1 {
		t.Fatalf("repeat image should hit the cache: encoder calls %d resampler calls %d", s.enc.Calls(), s.res.Calls())
	}
	if _, err := s.encoder.Encode(context.Background(), solid(24, 16, color.White)); err != nil {
		t.Fatalf("Encode other image: %v", err)
	}
	if s.enc.Calls() != 2 {
		t.Fatalf("new image should run the encoder: calls %d", s.enc.Calls())
	}
}

func TestEncoderPositionStride(t *testing.T) {
	t.Parallel()
	s := newEncoder(t, 5, Options{Patch: 4, PositionStride: 5, CacheSize: -1})
	if err := s.encoder.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := s.encoder.Encode(context.Background(), solid(4, 4, color.White)); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// a position table that does not match what the resampler was compiled for fails
	bad := newEncoder(t, 5, Options{Patch: 4})
	if err := bad.encoder.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, err := bad.encoder.Encode(context.Background(), solid(4, 4, color.White))
	if !errors.Is(err, errdefs.ErrExecutor) {
		t.Fatalf("expected executor error, got %v", err)
	}
}

func TestEncoderGridMismatch(t *testing.T) {
	t.Parallel()
	s := newEncoder(t, 0, Options{Patch: 2})
	if err := s.encoder.Load(context.Background()); !errors.Is(err, errdefs.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}
