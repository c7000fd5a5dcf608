package rag

import (
	"iter"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"
)

// Chunker splits records into overlapping segments, preferring paragraph,
// then line, then sentence, then word boundaries.
type Chunker struct {
	size     int
	overlap  int
	splitter textsplitter.RecursiveCharacter
}

// NewChunker returns a chunker producing segments of at most size
// characters, with overlap characters shared between neighbours.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 800
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return &Chunker{
		size:    size,
		overlap: overlap,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
			textsplitter.WithSeparators([]string{"\n\n", "\n", ". ", " ", ""}),
		),
	}
}

// Chunk returns the segments of rec. The sequence is lazy and can be ranged
// over any number of times; each pass yields the same segments.
func (c *Chunker) Chunk(rec Record) iter.Seq[Segment] {
	return func(yield func(Segment) bool) {
		text := strings.TrimSpace(rec.Text)
		if text == "" {
			return
		}
		if utf8.RuneCountInString(text) <= c.size {
			yield(Segment{Source: rec.Source, Index: 0, Text: text})
			return
		}

		parts, err := c.splitter.SplitText(text)
		if err != nil || len(parts) == 0 {
			parts = []string{text}
		}
		idx := 0
		for _, part := range parts {
			for _, piece := range c.window(strings.TrimSpace(part)) {
				if !yield(Segment{Source: rec.Source, Index: idx, Text: piece}) {
					return
				}
				idx++
			}
		}
	}
}

// window hard-splits text that is still longer than the chunk size.
func (c *Chunker) window(text string) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= c.size {
		return []string{text}
	}
	step := c.size - c.overlap
	var out []string
	for start := 0; start < len(runes); start += step {
		end := min(start+c.size, len(runes))
		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			out = append(out, piece)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}

// Segments drains Chunk for every record.
func (c *Chunker) Segments(records []Record) []Segment {
	var out []Segment
	for _, rec := range records {
		for seg := range c.Chunk(rec) {
			out = append(out, seg)
		}
	}
	return out
}
