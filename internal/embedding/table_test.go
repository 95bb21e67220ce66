package embedding

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/samcharles93/tessera/internal/bf16"
	"github.com/samcharles93/tessera/internal/errdefs"
)

func writeTable(t *testing.T, vocab, dim int) string {
	t.Helper()
	words := make([]uint16, vocab*dim)
	for i := range words {
		words[i] = uint16(i)
	}
	path := filepath.Join(t.TempDir(), "embed.bin")
	if err := os.WriteFile(path, bf16.Bytes(words), 0o644); err != nil {
		t.Fatalf("write table: %v", err)
	}
	return path
}

func TestLookupDeterministic(t *testing.T) {
	t.Parallel()
	path := writeTable(t, 4, 3)

	for _, mmap := range []bool{false, true} {
		tab, err := Open(path, 4, 3, WithMmap(mmap))
		if err != nil {
			t.Fatalf("Open(mmap=%v): %v", mmap, err)
		}
		first, err := tab.Lookup(2)
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		second, _ := tab.Lookup(2)
		if diff := cmp.Diff([]uint16{6, 7, 8}, first); diff != "" {
			t.Fatalf("row 2 mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(first, second); diff != "" {
			t.Fatalf("repeated lookup differs (-first +second):\n%s", diff)
		}
		if err := tab.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
}

func TestOpenSizeMismatch(t *testing.T) {
	t.Parallel()
	path := writeTable(t, 4, 3)

	_, err := Open(path, 5, 3)
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("got %v want ErrSizeMismatch", err)
	}
	if !errors.Is(err, errdefs.ErrConfig) {
		t.Fatalf("got %v want ErrConfig", err)
	}
	if _, err := Open(path, 4, 2); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("oversized file: got %v want ErrSizeMismatch", err)
	}
}

func TestLookupInto(t *testing.T) {
	t.Parallel()
	tab, err := FromBytes(bf16.Bytes([]uint16{1, 2, 3, 4}), 2, 2)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	dst := make([]byte, 3*2*bf16.Size)
	if err := tab.LookupInto(1, dst, 2); err != nil {
		t.Fatalf("LookupInto: %v", err)
	}
	if diff := cmp.Diff([]uint16{0, 0, 0, 0, 3, 4}, bf16.Words(dst)); diff != "" {
		t.Fatalf("dst mismatch (-want +got):\n%s", diff)
	}
	if err := tab.LookupInto(0, dst, 3); err == nil {
		t.Fatal("expected error for destination overflow")
	}
}

func TestLookupOutOfRange(t *testing.T) {
	t.Parallel()
	tab, err := FromBytes(make([]byte, 8), 2, 2)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	for _, id := range []int{-1, 2} {
		if _, err := tab.Lookup(id); !errors.Is(err, ErrTokenOutOfRange) {
			t.Fatalf("Lookup(%d): got %v want ErrTokenOutOfRange", id, err)
		}
	}
}
