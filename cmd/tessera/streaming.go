package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/samcharles93/tessera/internal/inference"
)

type StreamMode string

const (
	StreamInstant StreamMode = "instant"
	StreamQuiet   StreamMode = "quiet"
	// StreamTokens prints the ids of each chunk instead of its text.
	StreamTokens StreamMode = "tokens"
)

func parseStreamMode(s string) (StreamMode, error) {
	switch m := StreamMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", StreamInstant:
		return StreamInstant, nil
	case StreamQuiet, StreamTokens:
		return m, nil
	default:
		return "", fmt.Errorf("unknown stream mode %q (expected instant, quiet or tokens)", s)
	}
}

// StreamWriter prints generation chunks as they arrive.
type StreamWriter struct {
	mode   StreamMode
	buffer *bufio.Writer
	raw    bool

	mu          sync.Mutex
	accumulator strings.Builder
	chunks      int
	lastRate    float64
}

func NewStreamWriter(w io.Writer, mode StreamMode, raw bool) *StreamWriter {
	return &StreamWriter{
		mode:   mode,
		buffer: bufio.NewWriterSize(w, 4096),
		raw:    raw,
	}
}

// Write handles one chunk. It matches inference.StreamFunc.
func (w *StreamWriter) Write(ch inference.Chunk) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.accumulator.WriteString(ch.Text)
	w.chunks++
	w.lastRate = ch.TokensPerSecond

	switch w.mode {
	case StreamQuiet:
		return
	case StreamTokens:
		for i, id := range ch.IDs {
			if i > 0 || w.chunks > 1 {
				_ = w.buffer.WriteByte(' ')
			}
			_, _ = w.buffer.WriteString(strconv.Itoa(id))
		}
	default:
		w.writeText(ch.Text)
	}
	_ = w.buffer.Flush()
}

// Flush writes whatever quiet mode held back and returns the full text.
func (w *StreamWriter) Flush() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	text := w.accumulator.String()
	if w.mode == StreamQuiet {
		w.writeText(text)
	}
	_ = w.buffer.Flush()
	return text
}

// Rate is the tokens per second reported with the latest chunk.
func (w *StreamWriter) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastRate
}

func (w *StreamWriter) writeText(text string) {
	if w.raw {
		text = escapeRawOutput(text)
	}
	_, _ = w.buffer.WriteString(text)
}

func escapeRawOutput(s string) string {
	var b strings.Builder
	for _, r := range s {
		b.WriteString(escapeRawOutputRune(r))
	}
	return b.String()
}

func escapeRawOutputRune(r rune) string {
	switch r {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	case '\\':
		return `\\`
	default:
		if strconv.IsPrint(r) {
			return string(r)
		}
		return fmt.Sprintf(`\u%04x`, r)
	}
}
