package tokenizer

// QwenEndOfText is the document end marker appended as text when AddEOS is set.
const QwenEndOfText = "<|endoftext|>"

// QwenTokenizer wraps a byte-level BPE vocabulary. Qwen has no begin token and
// reserves the ids from <|endoftext|> upward for chat and vision controls, none
// of which may be emitted as ordinary text.
type QwenTokenizer struct {
	bpe          *BPE
	addEOS       bool
	eosID        int
	controlStart int
}

// NewQwen loads tokenizer.json (and optional tokenizer_config.json). controlStart
// of zero uses the id of <|endoftext|>.
func NewQwen(tokJSON, tokConfig string, addEOS bool, controlStart int) (*QwenTokenizer, error) {
	bpe, err := LoadBPE(tokJSON, tokConfig)
	if err != nil {
		return nil, err
	}
	return newQwen(bpe, addEOS, controlStart), nil
}

func newQwen(bpe *BPE, addEOS bool, controlStart int) *QwenTokenizer {
	t := &QwenTokenizer{bpe: bpe, addEOS: addEOS, eosID: bpe.EOSID(), controlStart: controlStart}
	if id, ok := bpe.TokenID(QwenEndOfText); ok {
		if t.eosID < 0 {
			t.eosID = id
		}
		if t.controlStart <= 0 {
			t.controlStart = id
		}
	}
	return t
}

func (t *QwenTokenizer) Encode(text string, _ bool) ([]int, error) {
	if t.addEOS {
		text += QwenEndOfText
	}
	return t.bpe.Encode(text)
}

func (t *QwenTokenizer) Decode(ids []int) (string, error) { return t.bpe.Decode(ids) }

func (t *QwenTokenizer) IsEnd(id int) bool {
	return id == t.eosID || (t.controlStart > 0 && id >= t.controlStart)
}

func (t *QwenTokenizer) BOSID() int { return -1 }
func (t *QwenTokenizer) EOSID() int { return t.eosID }

func (t *QwenTokenizer) TokenID(piece string) (int, bool) { return t.bpe.TokenID(piece) }
