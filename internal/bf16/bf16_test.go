package bf16

import (
	"math"
	"testing"
)

func TestTruncation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float32
		want uint16
	}{
		{0, 0x0000},
		{1, 0x3f80},
		{-2, 0xc000},
		{-65536, 0xc780},
		// 1.00390625 sits between two bf16 values; truncation keeps the lower one.
		{math.Float32frombits(0x3f80ffff), 0x3f80},
	}
	for _, tc := range tests {
		if got := FromFloat32(tc.in); got != tc.want {
			t.Errorf("FromFloat32(%v): got %#04x want %#04x", tc.in, got, tc.want)
		}
	}
}

func TestExpandZeroFillsMantissa(t *testing.T) {
	t.Parallel()
	for _, u := range []uint16{0x0000, 0x3f80, 0xc780, 0x7f7f, 0x0001} {
		bits := math.Float32bits(ToFloat32(u))
		if bits&0xffff != 0 {
			t.Fatalf("ToFloat32(%#04x) low bits: got %#04x want 0", u, bits&0xffff)
		}
		if FromFloat32(ToFloat32(u)) != u {
			t.Fatalf("round trip %#04x: got %#04x", u, FromFloat32(ToFloat32(u)))
		}
	}
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()
	src := []float32{1, -2, 0.5, -65536}
	buf := Encode(nil, src)
	if len(buf) != len(src)*Size {
		t.Fatalf("encoded length: got %d want %d", len(buf), len(src)*Size)
	}
	got, err := Decode(nil, buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i := range src {
		if got[i] != src[i] {
			t.Fatalf("value %d: got %v want %v", i, got[i], src[i])
		}
	}
	if _, err := Decode(nil, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for odd buffer length")
	}
}

func TestFill(t *testing.T) {
	t.Parallel()
	buf := make([]byte, 14)
	Fill(buf, 0xc780)
	for i := 0; i < 7; i++ {
		if Get(buf, i) != 0xc780 {
			t.Fatalf("element %d: got %#04x", i, Get(buf, i))
		}
	}
}
