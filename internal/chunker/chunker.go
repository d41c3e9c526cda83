// Package chunker splits normalized page content into fixed-size token chunks.
package chunker

import (
	"iter"
	"strings"
)

// DefaultSize is the chunk size in whitespace tokens.
const DefaultSize = 500

// Chunk is one slice of a page's token sequence. Index starts at 1.
type Chunk struct {
	Index int
	Text  string
}

// Chunks yields chunk i holding tokens [(i-1)*size, i*size) joined by single
// spaces. The last chunk may be shorter; empty content yields nothing. The
// sequence can be ranged over repeatedly.
func Chunks(content string, size int) iter.Seq[Chunk] {
	if size <= 0 {
		size = DefaultSize
	}
	return func(yield func(Chunk) bool) {
		tokens := strings.Fields(content)
		for start, index := 0, 1; start < len(tokens); start, index = start+size, index+1 {
			end := min(start+size, len(tokens))
			if !yield(Chunk{Index: index, Text: strings.Join(tokens[start:end], " ")}) {
				return
			}
		}
	}
}

// Texts collects the chunk texts of content in index order.
func Texts(content string, size int) []string {
	var out []string
	for chunk := range Chunks(content, size) {
		out = append(out, chunk.Text)
	}
	return out
}
