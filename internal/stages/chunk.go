package stages

import (
	"context"
	"errors"
	"strings"

	"courseforge/internal/models"
	"courseforge/internal/pipeline"
)

// Chunker splits extracted text into overlapping word windows for the embed
// stage. It runs locally; no collaborator is involved.
type Chunker struct {
	size    int
	overlap int
}

func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 400
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 10
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split divides text into windows of size words with overlap words shared
// between neighbors. Order follows the source text.
func (c *Chunker) Split(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if len(words) <= c.size {
		return []string{strings.Join(words, " ")}
	}
	step := c.size - c.overlap
	var chunks []string
	for start := 0; start < len(words); start += step {
		end := start + c.size
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}

// Stage adapts the chunker to the pipeline contract.
func (c *Chunker) Stage(_ context.Context, _ models.Job, st *pipeline.State) error {
	if strings.TrimSpace(st.Text) == "" {
		return pipeline.Permanent(errors.New("no extracted text to chunk"))
	}
	st.Chunks = c.Split(st.Text)
	return nil
}
