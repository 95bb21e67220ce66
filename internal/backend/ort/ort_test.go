//go:build cgo

package ort

import (
	"context"
	"testing"

	onnx "github.com/yalue/onnxruntime_go"

	"github.com/samcharles93/tessera/internal/backend"
)

func TestPrefillPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"/m/layer_0.onnx", "/m/layer_0_prefill.onnx"},
		{"/m/post", "/m/post_prefill.onnx"},
	}
	for _, tc := range tests {
		if got := PrefillPath(tc.in); got != tc.want {
			t.Errorf("PrefillPath(%q): got %q want %q", tc.in, got, tc.want)
		}
	}
}

func TestFromONNX(t *testing.T) {
	t.Parallel()
	if d, err := fromONNX(onnx.TensorElementDataTypeBFloat16); err != nil || d != backend.BF16 {
		t.Fatalf("bf16: got %v %v", d, err)
	}
	if d, err := fromONNX(onnx.TensorElementDataTypeUint32); err != nil || d != backend.U32 {
		t.Fatalf("u32: got %v %v", d, err)
	}
	if _, err := fromONNX(onnx.TensorElementDataTypeString); err == nil {
		t.Fatal("expected error for string tensors")
	}
}

func TestUnloadedExecutor(t *testing.T) {
	t.Parallel()
	e := &Executor{}
	if e.Profiles() != 0 {
		t.Fatalf("Profiles: got %d", e.Profiles())
	}
	if _, err := e.Input(backend.ProfileDecode, "input"); err == nil {
		t.Fatal("expected error before Load")
	}
	if err := e.Infer(context.Background(), backend.ProfileDecode); err == nil {
		t.Fatal("expected error before Load")
	}
	if err := e.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}
