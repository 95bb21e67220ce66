package tokenizer

import (
	"cmp"
	"slices"
	"strings"
)

// Pair represents a pair of adjacent BPE symbols.
type Pair struct {
	A string
	B string
}

type textPart struct {
	text      string
	isSpecial bool
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func getPairs(word []string) map[Pair]struct{} {
	pairs := make(map[Pair]struct{}, len(word))
	for i := 1; i < len(word); i++ {
		pairs[Pair{A: word[i-1], B: word[i]}] = struct{}{}
	}
	return pairs
}

func mergePair(word []string, pair Pair) []string {
	out := word[:0:0]
	for i := 0; i < len(word); i++ {
		if i < len(word)-1 && word[i] == pair.A && word[i+1] == pair.B {
			out = append(out, word[i]+word[i+1])
			i++
			continue
		}
		out = append(out, word[i])
	}
	return out
}

// sortSpecials orders specials longest first so splitSpecials prefers the longest match.
func sortSpecials(specials []string) []string {
	out := slices.Clone(specials)
	slices.SortStableFunc(out, func(a, b string) int { return cmp.Compare(len(b), len(a)) })
	return slices.Compact(out)
}

func isSpecialToken(s string) bool {
	if len(s) < 4 {
		return false
	}
	return strings.HasPrefix(s, "<|") && strings.HasSuffix(s, "|>")
}

// splitSpecials cuts text around occurrences of special token strings so they
// encode to their reserved ids rather than through BPE.
func splitSpecials(text string, specials []string) []textPart {
	if len(specials) == 0 || !strings.Contains(text, "<") {
		return []textPart{{text: text}}
	}
	var parts []textPart
	start := 0
	for i := 0; i < len(text); {
		if text[i] != '<' {
			i++
			continue
		}
		match := ""
		for _, sp := range specials {
			if strings.HasPrefix(text[i:], sp) {
				match = sp
				break
			}
		}
		if match == "" {
			i++
			continue
		}
		if i > start {
			parts = append(parts, textPart{text: text[start:i]})
		}
		parts = append(parts, textPart{text: match, isSpecial: true})
		i += len(match)
		start = i
	}
	if start < len(text) {
		parts = append(parts, textPart{text: text[start:]})
	}
	return parts
}

// bytesToUnicode maps bytes to printable runes to make byte-level BPE reversible.
func bytesToUnicode() (map[byte]string, map[string]byte) {
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	enc := make(map[byte]string, 256)
	dec := make(map[string]byte, 256)
	n := 0
	for b := 0; b < 256; b++ {
		r := rune(b)
		if !printable(b) {
			r = rune(256 + n)
			n++
		}
		enc[byte(b)] = string(r)
		dec[string(r)] = byte(b)
	}
	return enc, dec
}
