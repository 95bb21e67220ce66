package api

import (
	"fmt"
	"io"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/tessera/internal/inference"
)

// SSEStreamWriter emits a generation as server-sent events:
// generation.created, then one generation.delta per chunk, then exactly one of
// generation.completed, generation.incomplete or generation.failed.
type SSEStreamWriter struct {
	w             io.Writer
	flusher       func()
	startingAfter int
	seq           int
	begun         bool
}

type streamEvent struct {
	Type           string      `json:"type"`
	Generation     *Generation `json:"generation,omitempty"`
	Delta          string      `json:"delta,omitempty"`
	Tokens         []int       `json:"tokens,omitempty"`
	TokensPerSec   float64     `json:"tokens_per_second,omitempty"`
	SequenceNumber int         `json:"sequence_number"`
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}

	return &SSEStreamWriter{
		w:             res,
		flusher:       flusher.Flush,
		startingAfter: parseStartingAfter(c.QueryParam("starting_after")),
		seq:           1,
	}, nil
}

func (s *SSEStreamWriter) Begin(g Generation) error {
	s.begun = true
	g.Status = "in_progress"
	return s.emit(streamEvent{Type: "generation.created", Generation: &g})
}

func (s *SSEStreamWriter) Started() bool {
	return s.begun
}

func (s *SSEStreamWriter) Chunk(ch inference.Chunk) error {
	return s.emit(streamEvent{
		Type:         "generation.delta",
		Delta:        ch.Text,
		Tokens:       ch.IDs,
		TokensPerSec: ch.TokensPerSecond,
	})
}

func (s *SSEStreamWriter) Complete(g Generation) error {
	return s.emit(streamEvent{Type: "generation.completed", Generation: &g})
}

func (s *SSEStreamWriter) Incomplete(g Generation) error {
	return s.emit(streamEvent{Type: "generation.incomplete", Generation: &g})
}

func (s *SSEStreamWriter) Failed(g Generation) error {
	return s.emit(streamEvent{Type: "generation.failed", Generation: &g})
}

func (s *SSEStreamWriter) emit(ev streamEvent) error {
	ev.SequenceNumber = s.seq
	if err := s.send(ev); err != nil {
		return err
	}
	s.flush()
	s.seq++
	return nil
}

func (s *SSEStreamWriter) send(ev streamEvent) error {
	if s.startingAfter >= ev.SequenceNumber {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, b)
	return err
}

func (s *SSEStreamWriter) flush() {
	if s.flusher != nil {
		s.flusher()
	}
}

func parseStartingAfter(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
