package tokenizer

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// BPE is a byte-level BPE tokenizer loaded from a HuggingFace tokenizer.json.
type BPE struct {
	encoder      map[string]int
	decoder      []string
	bpeRanks     map[Pair]int
	mu           sync.Mutex
	cache        map[string][]string
	byteEncoder  map[byte]string
	byteDecoder  map[string]byte
	pattern      *regexp.Regexp
	bosID        int
	eosID        int
	unkID        int
	ignoreMerges bool
	special      []string
}

type hfTokenizerJSON struct {
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		IgnoreMerges bool           `json:"ignore_merges"`
		UnkToken     string         `json:"unk_token"`
	} `json:"model"`
	PreTokenizer hfPreTokenizer `json:"pre_tokenizer"`
	AddedTokens  []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

type hfPreTokenizer struct {
	Type          string `json:"type"`
	Pretokenizers []struct {
		Type    string `json:"type"`
		Pattern struct {
			Regex string `json:"Regex"`
		} `json:"pattern"`
	} `json:"pretokenizers"`
}

type hfTokenizerConfig struct {
	BOS string `json:"bos_token"`
	EOS string `json:"eos_token"`
}

// LoadBPE reads tokenizer.json and, when tokConfig is set, tokenizer_config.json.
func LoadBPE(tokJSON, tokConfig string) (*BPE, error) {
	data, err := os.ReadFile(tokJSON)
	if err != nil {
		return nil, err
	}
	var cfg []byte
	if tokConfig != "" {
		if cfg, err = os.ReadFile(tokConfig); err != nil {
			return nil, err
		}
	}
	return ParseBPE(data, cfg)
}

// ParseBPE builds a tokenizer from tokenizer.json and optional tokenizer_config.json bytes.
func ParseBPE(tokJSON, tokConfig []byte) (*BPE, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if strings.ToUpper(tj.Model.Type) != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model: %s", tj.Model.Type)
	}

	encoder := make(map[string]int, len(tj.Model.Vocab)+len(tj.AddedTokens))
	maxID := -1
	for tok, id := range tj.Model.Vocab {
		encoder[tok] = id
		maxID = max(maxID, id)
	}
	var specials []string
	for _, at := range tj.AddedTokens {
		encoder[at.Content] = at.ID
		maxID = max(maxID, at.ID)
		specials = append(specials, at.Content)
	}
	decoder := make([]string, maxID+1)
	for tok, id := range encoder {
		decoder[id] = tok
	}

	bpeRanks := make(map[Pair]int, len(tj.Model.Merges))
	for _, raw := range tj.Model.Merges {
		var a, b string
		switch v := raw.(type) {
		case string:
			var ok bool
			a, b, ok = strings.Cut(strings.TrimSpace(v), " ")
			if !ok || strings.HasPrefix(a, "#") {
				continue
			}
		case []any:
			if len(v) != 2 {
				continue
			}
			a, _ = v[0].(string)
			b, _ = v[1].(string)
		}
		if a == "" || b == "" {
			continue
		}
		p := Pair{A: a, B: b}
		if _, ok := bpeRanks[p]; !ok {
			bpeRanks[p] = len(bpeRanks)
		}
	}

	var cfg hfTokenizerConfig
	if len(tokConfig) > 0 {
		if err := json.Unmarshal(tokConfig, &cfg); err != nil {
			return nil, fmt.Errorf("parse tokenizer_config.json: %w", err)
		}
	}

	t := &BPE{
		encoder:      encoder,
		decoder:      decoder,
		bpeRanks:     bpeRanks,
		cache:        make(map[string][]string),
		pattern:      buildHFPattern(tj.PreTokenizer),
		bosID:        -1,
		eosID:        -1,
		unkID:        -1,
		ignoreMerges: tj.Model.IgnoreMerges,
		special:      sortSpecials(specials),
	}
	t.byteEncoder, t.byteDecoder = bytesToUnicode()
	if id, ok := encoder[cfg.BOS]; ok && cfg.BOS != "" {
		t.bosID = id
	}
	if id, ok := encoder[cfg.EOS]; ok && cfg.EOS != "" {
		t.eosID = id
	}
	if id, ok := encoder[tj.Model.UnkToken]; ok && tj.Model.UnkToken != "" {
		t.unkID = id
	}
	return t, nil
}

// Encode converts text to ids. Added tokens in text map to their ids directly.
func (t *BPE) Encode(text string) ([]int, error) {
	var ids []int
	for _, part := range splitSpecials(text, t.special) {
		if part.isSpecial {
			ids = append(ids, t.encoder[part.text])
			continue
		}
		for _, word := range t.pattern.FindAllString(part.text, -1) {
			for _, sym := range t.bpe(t.byteEncode(word)) {
				id, ok := t.encoder[sym]
				if !ok {
					if t.unkID >= 0 {
						ids = append(ids, t.unkID)
						continue
					}
					return nil, fmt.Errorf("unknown token: %q", sym)
				}
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (t *BPE) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		token := t.decoder[id]
		if isSpecialToken(token) {
			b = append(b, token...)
			continue
		}
		for _, r := range token {
			if by, ok := t.byteDecoder[string(r)]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return string(b), nil
}

func (t *BPE) BOSID() int { return t.bosID }
func (t *BPE) EOSID() int { return t.eosID }

// TokenID resolves a vocabulary entry or added token.
func (t *BPE) TokenID(s string) (int, bool) {
	id, ok := t.encoder[s]
	return id, ok
}

func (t *BPE) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteString(t.byteEncoder[by])
	}
	return b.String()
}

func (t *BPE) bpe(token string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.cache[token]; ok {
		return v
	}
	if t.ignoreMerges {
		if _, ok := t.encoder[token]; ok {
			out := []string{token}
			t.cache[token] = out
			return out
		}
	}
	word := splitRunes(token)
	for len(word) > 1 {
		bestRank := int(^uint(0) >> 1)
		var bestPair Pair
		found := false
		for p := range getPairs(word) {
			if rank, ok := t.bpeRanks[p]; ok && rank < bestRank {
				bestRank, bestPair, found = rank, p, true
			}
		}
		if !found {
			break
		}
		word = mergePair(word, bestPair)
	}
	t.cache[token] = word
	return word
}

// llama3Pattern is the Llama 3 / Qwen2 pre-tokenizer with lookahead removed for Go regexp.
const llama3Pattern = `(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`

func buildHFPattern(pre hfPreTokenizer) *regexp.Regexp {
	pat := `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`
	if pre.Type == "Sequence" {
		for _, p := range pre.Pretokenizers {
			if p.Type == "Split" && p.Pattern.Regex != "" {
				pat = p.Pattern.Regex
				break
			}
		}
	}
	if strings.Contains(pat, `(?!\S)`) || strings.Contains(pat, "(?i:") {
		pat = llama3Pattern
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return regexp.MustCompile(llama3Pattern)
	}
	return re
}
