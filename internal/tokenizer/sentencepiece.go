package tokenizer

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// SentencePiece piece types.
const (
	pieceNormal      = 1
	pieceUnknown     = 2
	pieceControl     = 3
	pieceUserDefined = 4
	pieceUnused      = 5
	pieceByte        = 6
)

const wordBoundary = "▁"

type piece struct {
	text  string
	score float32
	kind  int32
}

// SentencePiece is a score-driven BPE encoder over a SentencePiece model file.
type SentencePiece struct {
	pieces      []piece
	index       map[string]int
	bytes       [256]int
	specials    []string
	unkID       int
	bosID       int
	eosID       int
	padID       int
	dummyPrefix bool
}

// LoadSentencePiece reads a serialized ModelProto from path.
func LoadSentencePiece(path string) (*SentencePiece, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sp, err := ParseSentencePiece(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sp, nil
}

// ParseSentencePiece decodes a serialized ModelProto.
func ParseSentencePiece(data []byte) (*SentencePiece, error) {
	sp := &SentencePiece{unkID: 0, bosID: 1, eosID: 2, padID: -1, dummyPrefix: true}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			p, err := parsePiece(v)
			if err != nil {
				return err
			}
			sp.pieces = append(sp.pieces, p)
		case num == 2 && typ == protowire.BytesType:
			return sp.parseTrainerSpec(v)
		case num == 3 && typ == protowire.BytesType:
			return sp.parseNormalizerSpec(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse sentencepiece model: %w", err)
	}
	if len(sp.pieces) == 0 {
		return nil, errors.New("parse sentencepiece model: no pieces")
	}

	sp.index = make(map[string]int, len(sp.pieces))
	for i := range sp.bytes {
		sp.bytes[i] = -1
	}
	var specials []string
	for id, p := range sp.pieces {
		if _, dup := sp.index[p.text]; !dup {
			sp.index[p.text] = id
		}
		switch p.kind {
		case pieceByte:
			if b, ok := parseBytePiece(p.text); ok {
				sp.bytes[b] = id
			}
		case pieceUserDefined, pieceControl:
			if strings.HasPrefix(p.text, "<") && len(p.text) > 2 {
				specials = append(specials, p.text)
			}
		}
	}
	sp.specials = sortSpecials(specials)
	return sp, nil
}

func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		var (
			value  []byte
			varint uint64
		)
		switch typ {
		case protowire.VarintType:
			varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			varint = uint64(v)
		case protowire.Fixed64Type:
			varint, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			value, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(num, typ, value, varint); err != nil {
			return err
		}
	}
	return nil
}

func parsePiece(b []byte) (piece, error) {
	p := piece{kind: pieceNormal}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case 1:
			p.text = string(v)
		case 2:
			p.score = math.Float32frombits(uint32(x))
		case 3:
			p.kind = int32(x)
		}
		return nil
	})
	return p, err
}

func (sp *SentencePiece) parseTrainerSpec(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, _ []byte, x uint64) error {
		if typ != protowire.VarintType {
			return nil
		}
		switch num {
		case 40:
			sp.unkID = int(int32(x))
		case 41:
			sp.bosID = int(int32(x))
		case 42:
			sp.eosID = int(int32(x))
		case 43:
			sp.padID = int(int32(x))
		}
		return nil
	})
}

func (sp *SentencePiece) parseNormalizerSpec(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, _ []byte, x uint64) error {
		if num == 3 && typ == protowire.VarintType {
			sp.dummyPrefix = x != 0
		}
		return nil
	})
}

func parseBytePiece(s string) (byte, bool) {
	if len(s) != 6 || !strings.HasPrefix(s, "<0x") || s[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(s[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

func (sp *SentencePiece) BOSID() int { return sp.bosID }
func (sp *SentencePiece) EOSID() int { return sp.eosID }

// Size returns the vocabulary size.
func (sp *SentencePiece) Size() int { return len(sp.pieces) }

// TokenID returns the id of an exact piece string.
func (sp *SentencePiece) TokenID(s string) (int, bool) {
	id, ok := sp.index[s]
	return id, ok
}

// Piece returns the piece string of id.
func (sp *SentencePiece) Piece(id int) string {
	if id < 0 || id >= len(sp.pieces) {
		return ""
	}
	return sp.pieces[id].text
}

// Encode converts text to piece ids without begin or end tokens.
func (sp *SentencePiece) Encode(text string) []int {
	var ids []int
	first := true
	for _, part := range splitSpecials(text, sp.specials) {
		if part.isSpecial {
			ids = append(ids, sp.index[part.text])
			first = false
			continue
		}
		ids = append(ids, sp.encodeText(part.text, first && sp.dummyPrefix)...)
		first = false
	}
	return ids
}

func (sp *SentencePiece) encodeText(text string, prefix bool) []int {
	if text == "" {
		return nil
	}
	if prefix {
		text = " " + text
	}
	text = strings.ReplaceAll(text, " ", wordBoundary)

	// symbols start as single code points, then the best scoring adjacent pair
	// whose concatenation is a normal piece is merged until none remains.
	syms := make([]string, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		syms = append(syms, string(r))
	}
	for len(syms) > 1 {
		best, bestScore := -1, float32(math.Inf(-1))
		for i := 0; i+1 < len(syms); i++ {
			id, ok := sp.index[syms[i]+syms[i+1]]
			if !ok || !sp.mergeable(id) {
				continue
			}
			if s := sp.pieces[id].score; s > bestScore {
				best, bestScore = i, s
			}
		}
		if best < 0 {
			break
		}
		syms[best] += syms[best+1]
		syms = append(syms[:best+1], syms[best+2:]...)
	}

	ids := make([]int, 0, len(syms))
	for _, s := range syms {
		if id, ok := sp.index[s]; ok && sp.mergeable(id) {
			ids = append(ids, id)
			continue
		}
		for i := 0; i < len(s); i++ {
			if id := sp.bytes[s[i]]; id >= 0 {
				ids = append(ids, id)
			} else {
				ids = append(ids, sp.unkID)
				break
			}
		}
	}
	return ids
}

func (sp *SentencePiece) mergeable(id int) bool {
	k := sp.pieces[id].kind
	return k == pieceNormal || k == pieceUserDefined
}

// Decode converts ids back to text. It also returns the first emitted piece so
// callers can inspect the word boundary marker that decoding consumed.
func (sp *SentencePiece) Decode(ids []int) (string, string, error) {
	var (
		b     strings.Builder
		first string
		raw   []byte
	)
	flush := func() {
		if len(raw) > 0 {
			b.Write(raw)
			raw = raw[:0]
		}
	}
	for _, id := range ids {
		if id < 0 || id >= len(sp.pieces) {
			return "", "", fmt.Errorf("token id out of range: %d", id)
		}
		p := sp.pieces[id]
		if first == "" {
			first = p.text
		}
		switch p.kind {
		case pieceControl, pieceUnused:
			continue
		case pieceByte:
			if v, ok := parseBytePiece(p.text); ok {
				raw = append(raw, v)
				continue
			}
		case pieceUnknown:
			flush()
			b.WriteString(" ⁇ ")
			continue
		}
		flush()
		b.WriteString(strings.ReplaceAll(p.text, wordBoundary, " "))
	}
	flush()
	out := b.String()
	if sp.dummyPrefix {
		out = strings.TrimPrefix(out, " ")
	}
	return out, first, nil
}
