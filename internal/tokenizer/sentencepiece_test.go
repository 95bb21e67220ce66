package tokenizer

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/encoding/protowire"
)

type testPiece struct {
	text  string
	score float32
	kind  int32
}

var testPieces = []testPiece{
	{"<unk>", 0, pieceUnknown},
	{"<s>", 0, pieceControl},
	{"</s>", 0, pieceControl},
	{"▁", -1, pieceNormal},
	{"h", -2, pieceNormal},
	{"e", -2, pieceNormal},
	{"l", -2, pieceNormal},
	{"o", -2, pieceNormal},
	{"w", -2, pieceNormal},
	{"r", -2, pieceNormal},
	{"d", -2, pieceNormal},
	{"he", 10, pieceNormal},
	{"ll", 9, pieceNormal},
	{"llo", 8, pieceNormal},
	{"hello", 7, pieceNormal},
	{"▁hello", 6, pieceNormal}, // 15
	{"or", 5, pieceNormal},
	{"▁w", 4, pieceNormal},
	{"▁wor", 3, pieceNormal},
	{"ld", 2, pieceNormal},
	{"▁world", 1, pieceNormal}, // 20
	{"<0xE4>", 0, pieceByte},   // 21
	{"<0xBD>", 0, pieceByte},
	{"<0xA0>", 0, pieceByte},
	{"<image>", 0, pieceUserDefined}, // 24
}

func buildModel(pieces []testPiece) []byte {
	var out []byte
	for _, p := range pieces {
		var msg []byte
		msg = protowire.AppendTag(msg, 1, protowire.BytesType)
		msg = protowire.AppendString(msg, p.text)
		msg = protowire.AppendTag(msg, 2, protowire.Fixed32Type)
		msg = protowire.AppendFixed32(msg, math.Float32bits(p.score))
		msg = protowire.AppendTag(msg, 3, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(p.kind))
		out = protowire.AppendTag(out, 1, protowire.BytesType)
		out = protowire.AppendBytes(out, msg)
	}
	var trainer []byte
	for num, v := range map[protowire.Number]int64{40: 0, 41: 1, 42: 2, 43: -1} {
		trainer = protowire.AppendTag(trainer, num, protowire.VarintType)
		trainer = protowire.AppendVarint(trainer, uint64(v))
	}
	out = protowire.AppendTag(out, 2, protowire.BytesType)
	out = protowire.AppendBytes(out, trainer)
	return out
}

func writeModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokenizer.model")
	if err := os.WriteFile(path, buildModel(testPieces), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return path
}

func TestParseSentencePiece(t *testing.T) {
	t.Parallel()
	sp, err := ParseSentencePiece(buildModel(testPieces))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sp.Size() != len(testPieces) {
		t.Fatalf("Size: got %d want %d", sp.Size(), len(testPieces))
	}
	if sp.BOSID() != 1 || sp.EOSID() != 2 || sp.padID != -1 {
		t.Fatalf("special ids: bos=%d eos=%d pad=%d", sp.BOSID(), sp.EOSID(), sp.padID)
	}
	if id, ok := sp.TokenID("<image>"); !ok || id != 24 {
		t.Fatalf("TokenID(<image>): got %d %v", id, ok)
	}
	if _, err := ParseSentencePiece([]byte{0xff}); err == nil {
		t.Fatal("expected error for malformed model")
	}
}

func TestSentencePieceEncodeMerges(t *testing.T) {
	t.Parallel()
	sp, _ := ParseSentencePiece(buildModel(testPieces))

	if diff := cmp.Diff([]int{15, 20}, sp.Encode("hello world")); diff != "" {
		t.Fatalf("Encode mismatch (-want +got):\n%s", diff)
	}
	// 你 is not in the vocabulary and falls back to its UTF-8 bytes.
	if diff := cmp.Diff([]int{3, 21, 22, 23}, sp.Encode("你")); diff != "" {
		t.Fatalf("byte fallback mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{24, 20}, sp.Encode("<image> world")); diff != "" {
		t.Fatalf("user-defined piece mismatch (-want +got):\n%s", diff)
	}
}

func TestLlamaRoundTripAndBoundarySpace(t *testing.T) {
	t.Parallel()
	tok, err := NewLlama(writeModel(t), true, false)
	if err != nil {
		t.Fatalf("NewLlama: %v", err)
	}
	ids, err := tok.Encode("hello world", false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if diff := cmp.Diff([]int{1, 15, 20}, ids); diff != "" {
		t.Fatalf("Encode mismatch (-want +got):\n%s", diff)
	}

	text, _ := tok.Decode(ids[1:])
	if text != " hello world" {
		t.Fatalf("Decode: got %q want %q", text, " hello world")
	}
	chunk, _ := tok.Decode([]int{20})
	if chunk != " world" {
		t.Fatalf("streamed chunk lost its separator: got %q", chunk)
	}
	fallback, _ := tok.Decode([]int{3, 21, 22, 23})
	if fallback != " 你" {
		t.Fatalf("byte fallback decode: got %q", fallback)
	}
	if !tok.IsEnd(2) || tok.IsEnd(15) {
		t.Fatal("IsEnd mismatch")
	}
}

func TestMiniCPMDecodeWithoutBoundarySpace(t *testing.T) {
	t.Parallel()
	tok, err := NewMiniCPM(writeModel(t), false, true)
	if err != nil {
		t.Fatalf("NewMiniCPM: %v", err)
	}
	ids, _ := tok.Encode("hello world", false)
	if diff := cmp.Diff([]int{15, 20, 2}, ids); diff != "" {
		t.Fatalf("Encode mismatch (-want +got):\n%s", diff)
	}
	text, _ := tok.Decode([]int{15, 20})
	if text != "hello world" {
		t.Fatalf("Decode: got %q", text)
	}
}

func TestPhi3Wrapping(t *testing.T) {
	t.Parallel()
	sp, _ := ParseSentencePiece(buildModel(testPieces))
	tok := newPhi3(sp, true, false)

	ids, _ := tok.Encode("hello", false)
	if diff := cmp.Diff([]int{1, Phi3User, 15, Phi3End, Phi3Assistant}, ids); diff != "" {
		t.Fatalf("Encode mismatch (-want +got):\n%s", diff)
	}
	if tok.EOSID() != Phi3End {
		t.Fatalf("EOSID: got %d", tok.EOSID())
	}
	for id, want := range map[int]bool{Phi3End: true, 32000: true, 32044: true, 31999: false, 2: false} {
		if got := tok.IsEnd(id); got != want {
			t.Errorf("IsEnd(%d): got %v want %v", id, got, want)
		}
	}
}
