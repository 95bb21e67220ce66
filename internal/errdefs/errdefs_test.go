package errdefs

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"config", Config(nil, "mask has %d elements", 3), ErrConfig},
		{"config with cause", Config(io.ErrUnexpectedEOF, "embedding"), ErrConfig},
		{"executor", Executor(2, "infer", io.EOF), ErrExecutor},
		{"tokenizer", Tokenizer("decode", io.EOF), ErrTokenizer},
	}
	for _, tc := range tests {
		if !errors.Is(tc.err, tc.kind) {
			t.Errorf("%s: errors.Is(%v, %v) = false", tc.name, tc.err, tc.kind)
		}
	}
	if !errors.Is(Config(io.ErrUnexpectedEOF, "x"), io.ErrUnexpectedEOF) {
		t.Fatal("config error should unwrap to its cause")
	}
	if errors.Is(Executor(0, "load", io.EOF), ErrConfig) {
		t.Fatal("executor error must not match ErrConfig")
	}
}

func TestExecutorErrorDetails(t *testing.T) {
	t.Parallel()
	err := Executor(4, "infer", io.EOF)
	var ee *ExecutorError
	if !errors.As(err, &ee) {
		t.Fatalf("errors.As failed for %v", err)
	}
	if ee.Layer != 4 || ee.Stage != "infer" {
		t.Fatalf("got layer=%d stage=%q", ee.Layer, ee.Stage)
	}
	if !strings.Contains(Executor(-1, "postprocess", io.EOF).Error(), "postprocess") {
		t.Fatal("expected stage in message")
	}
	if Executor(1, "x", nil) != nil {
		t.Fatal("nil cause should produce nil error")
	}
}
