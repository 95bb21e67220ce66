package toy

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/samcharles93/tessera/internal/bf16"
)

// Model describes a complete toy model laid out on disk.
type Model struct {
	Layers  int
	Embed   int
	Vocab   int
	Slots   int
	Width   int
	Prefill int
	Next    map[int]int
	Top1    bool
	// FailLayer and FailAt inject an Infer failure into one layer.
	FailLayer int
	FailAt    int
}

// Files lists the artifacts written by WriteModel.
type Files struct {
	Embedding string
	Layers    []string
	Post      string
}

// EmbeddingRows returns a vocab x dim table whose row t encodes t in its first
// two elements (t/256, t%256), which TokenOf reverses.
func EmbeddingRows(vocab, dim int) []byte {
	buf := make([]byte, vocab*dim*bf16.Size)
	fill := bf16.FromFloat32(0.5)
	for t := 0; t < vocab; t++ {
		row := t * dim
		for j := 0; j < dim; j++ {
			bf16.Put(buf, row+j, fill)
		}
		bf16.Put(buf, row, bf16.FromFloat32(float32(t/256)))
		if dim > 1 {
			bf16.Put(buf, row+1, bf16.FromFloat32(float32(t%256)))
		}
	}
	return buf
}

// WriteModel writes embedding, layer and post processor files for m under dir.
func WriteModel(dir string, m Model) (Files, error) {
	if m.Embed < 2 {
		return Files{}, fmt.Errorf("toy: embed must be at least 2")
	}
	files := Files{
		Embedding: filepath.Join(dir, "embed.bf16"),
		Post:      filepath.Join(dir, "post.json"),
	}
	if err := os.WriteFile(files.Embedding, EmbeddingRows(m.Vocab, m.Embed), 0o644); err != nil {
		return Files{}, err
	}
	for i := 0; i < m.Layers; i++ {
		path := filepath.Join(dir, fmt.Sprintf("layer_%d.json", i))
		unit := Unit{Kind: KindLayer, Embed: m.Embed, Slots: m.Slots, Width: m.Width, Prefill: m.Prefill}
		if m.FailAt > 0 && m.FailLayer == i {
			unit.FailAt = m.FailAt
		}
		if err := WriteUnit(path, unit); err != nil {
			return Files{}, err
		}
		files.Layers = append(files.Layers, path)
	}
	post := Unit{Kind: KindPost, Embed: m.Embed, Vocab: m.Vocab, Next: m.Next, Top1: m.Top1}
	if err := WriteUnit(files.Post, post); err != nil {
		return Files{}, err
	}
	return files, nil
}
