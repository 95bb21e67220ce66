package tokenizer

import "strings"

// SentencePieceTokenizer covers the llama, minicpm and phi3 variants, which share
// a SentencePiece model and differ in wrapping, end detection and decode normalization.
type SentencePieceTokenizer struct {
	sp     *SentencePiece
	addBOS bool
	addEOS bool
	// keepBoundarySpace restores the space SentencePiece strips from a leading
	// word-boundary piece, so consecutive streamed chunks keep their separators.
	keepBoundarySpace bool
	// wrapper ids placed around the prompt; nil for plain variants.
	prefix []int
	suffix []int
	eosID  int
	// endFrom marks every id >= endFrom as an end token when positive.
	endFrom int
}

// Phi-3 chat control ids.
const (
	Phi3User      = 32010
	Phi3End       = 32007
	Phi3Assistant = 32001
	// Phi3Vocab is the size of the base vocabulary; ids above it are chat controls.
	Phi3Vocab = 32000
)

// NewLlama loads a llama-style SentencePiece tokenizer.
func NewLlama(path string, addBOS, addEOS bool) (*SentencePieceTokenizer, error) {
	sp, err := LoadSentencePiece(path)
	if err != nil {
		return nil, err
	}
	return &SentencePieceTokenizer{sp: sp, addBOS: addBOS, addEOS: addEOS, keepBoundarySpace: true, eosID: sp.EOSID()}, nil
}

// NewMiniCPM loads a SentencePiece tokenizer that decodes without space restoration.
func NewMiniCPM(path string, addBOS, addEOS bool) (*SentencePieceTokenizer, error) {
	sp, err := LoadSentencePiece(path)
	if err != nil {
		return nil, err
	}
	return &SentencePieceTokenizer{sp: sp, addBOS: addBOS, addEOS: addEOS, eosID: sp.EOSID()}, nil
}

// NewPhi3 loads a SentencePiece tokenizer that wraps prompts in Phi-3 user and
// assistant control ids and ends on <|end|> or any chat control id.
func NewPhi3(path string, addBOS, addEOS bool) (*SentencePieceTokenizer, error) {
	sp, err := LoadSentencePiece(path)
	if err != nil {
		return nil, err
	}
	return newPhi3(sp, addBOS, addEOS), nil
}

func newPhi3(sp *SentencePiece, addBOS, addEOS bool) *SentencePieceTokenizer {
	return &SentencePieceTokenizer{
		sp:                sp,
		addBOS:            addBOS,
		addEOS:            addEOS,
		keepBoundarySpace: true,
		prefix:            []int{Phi3User},
		suffix:            []int{Phi3End, Phi3Assistant},
		eosID:             Phi3End,
		endFrom:           Phi3Vocab,
	}
}

func (t *SentencePieceTokenizer) Encode(text string, _ bool) ([]int, error) {
	body := t.sp.Encode(text)
	ids := make([]int, 0, len(body)+len(t.prefix)+len(t.suffix)+2)
	if t.addBOS && t.sp.BOSID() >= 0 {
		ids = append(ids, t.sp.BOSID())
	}
	ids = append(ids, t.prefix...)
	ids = append(ids, body...)
	ids = append(ids, t.suffix...)
	if t.addEOS && t.sp.EOSID() >= 0 {
		ids = append(ids, t.sp.EOSID())
	}
	return ids, nil
}

func (t *SentencePieceTokenizer) Decode(ids []int) (string, error) {
	if len(ids) == 0 {
		return "", nil
	}
	text, first, err := t.sp.Decode(ids)
	if err != nil {
		return "", err
	}
	if t.keepBoundarySpace && strings.HasPrefix(first, wordBoundary) {
		return " " + text, nil
	}
	return text, nil
}

func (t *SentencePieceTokenizer) IsEnd(id int) bool {
	if id == t.eosID {
		return true
	}
	return t.endFrom > 0 && id >= t.endFrom
}

func (t *SentencePieceTokenizer) BOSID() int { return t.sp.BOSID() }
func (t *SentencePieceTokenizer) EOSID() int { return t.eosID }

func (t *SentencePieceTokenizer) TokenID(piece string) (int, bool) { return t.sp.TokenID(piece) }
