package tokenizer

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

var testTokenizerJSON = []byte(`{
	"model": {
		"type": "BPE",
		"vocab": {
			"h": 0, "e": 1, "l": 2, "o": 3, "Ġ": 4, "w": 5, "r": 6, "d": 7,
			"he": 8, "ll": 9, "hell": 10, "hello": 11, "Ġw": 12, "or": 13,
			"Ġwor": 14, "ld": 15, "Ġworld": 16,
			"u": 17, "s": 18, "a": 19, "i": 20, "t": 21, "n": 22, "Ċ": 23
		},
		"merges": ["h e", "l l", "he ll", "hell o", "Ġ w", "o r", "Ġw or", "l d", "Ġwor ld"]
	},
	"added_tokens": [
		{"id": 100, "content": "<|endoftext|>", "special": true},
		{"id": 101, "content": "<|im_start|>", "special": true},
		{"id": 102, "content": "<|im_end|>", "special": true}
	]
}`)

func TestBPEEncodeDecode(t *testing.T) {
	t.Parallel()
	bpe, err := ParseBPE(testTokenizerJSON, []byte(`{"eos_token":"<|im_end|>"}`))
	if err != nil {
		t.Fatalf("ParseBPE: %v", err)
	}
	ids, err := bpe.Encode("<|im_start|>hello world<|im_end|>")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if diff := cmp.Diff([]int{101, 11, 16, 102}, ids); diff != "" {
		t.Fatalf("Encode mismatch (-want +got):\n%s", diff)
	}
	text, err := bpe.Decode([]int{11, 16})
	if err != nil || text != "hello world" {
		t.Fatalf("Decode: got %q %v", text, err)
	}
	if bpe.EOSID() != 102 || bpe.BOSID() != -1 {
		t.Fatalf("special ids: bos=%d eos=%d", bpe.BOSID(), bpe.EOSID())
	}
	if _, err := bpe.Decode([]int{500}); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestParseBPERejectsUnsupportedModel(t *testing.T) {
	t.Parallel()
	if _, err := ParseBPE([]byte(`{"model":{"type":"WordPiece","vocab":{},"merges":[]}}`), nil); err == nil {
		t.Fatal("expected unsupported tokenizer model error")
	}
}

func TestQwenControlRange(t *testing.T) {
	t.Parallel()
	bpe, err := ParseBPE(testTokenizerJSON, nil)
	if err != nil {
		t.Fatalf("ParseBPE: %v", err)
	}
	tok := newQwen(bpe, true, 0)

	ids, _ := tok.Encode("hello", false)
	if diff := cmp.Diff([]int{11, 100}, ids); diff != "" {
		t.Fatalf("Encode mismatch (-want +got):\n%s", diff)
	}
	if tok.BOSID() != -1 || tok.EOSID() != 100 {
		t.Fatalf("special ids: bos=%d eos=%d", tok.BOSID(), tok.EOSID())
	}
	for id, want := range map[int]bool{100: true, 101: true, 102: true, 16: false} {
		if got := tok.IsEnd(id); got != want {
			t.Errorf("IsEnd(%d): got %v want %v", id, got, want)
		}
	}
}

func TestWithTemplate(t *testing.T) {
	t.Parallel()
	bpe, _ := ParseBPE(testTokenizerJSON, nil)
	tok := WithTemplate(newQwen(bpe, false, 0), "chatml", "", 0)

	ids, err := tok.Encode("hello", false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []int{
		101, 17, 18, 1, 6, 23, 11, 102, 23, // <|im_start|>user\nhello<|im_end|>\n
		101, 19, 18, 18, 20, 18, 21, 19, 22, 21, 23, // <|im_start|>assistant\n
	}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Fatalf("Encode mismatch (-want +got):\n%s", diff)
	}
	if v, ok := tok.(Vocabulary); !ok {
		t.Fatal("templated tokenizer should expose the vocabulary")
	} else if id, ok := v.TokenID("<|im_end|>"); !ok || id != 102 {
		t.Fatalf("TokenID: got %d %v", id, ok)
	}
}
