package chunker

import (
	"unicode/utf8"
)

// Separator priority for recursive splitting: paragraph break, line break,
// CJK/Thai sentence terminal, latin sentence terminal, word boundary. When
// none occurs inside the window the text is hard-cut at the size budget.
var separators = []string{"\n\n", "\n", "。", ".", " "}

// Chunk is one retrieval unit produced by either strategy.
type Chunk struct {
	PageNumber int
	Index      int
	Text       string
	Title      string
	Size       int
}

// PageText is the chunker input: one OCR'd page.
type PageText struct {
	PageNumber int
	Text       string
}

// SplitText splits text into chunks of at most size bytes, copying up to
// overlap bytes of each chunk's tail onto the next chunk's prefix. The prefix
// is clipped to a rune boundary so every chunk is valid UTF-8. Splits happen
// at the highest-priority separator found within the window, falling back to
// lower priorities, then to a hard cut on a rune boundary. No input byte is
// dropped: concatenating the chunks minus the overlap prefixes reproduces the
// source exactly.
func SplitText(text string, size, overlap int) []string {
	if text == "" || size <= 0 {
		return nil
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 2
	}
	if len(text) <= size {
		return []string{text}
	}

	boundaries := []int{0}
	pos := 0
	for pos < len(text) {
		prefix := overlap
		if pos == 0 {
			prefix = 0
		} else if prefix > pos {
			prefix = pos
		}
		budget := size - prefix
		if budget <= 0 {
			budget = size
		}
		end := pos + budget
		if end >= len(text) {
			boundaries = append(boundaries, len(text))
			break
		}
		cut := findCut(text, pos, end)
		boundaries = append(boundaries, cut)
		pos = cut
	}

	chunks := make([]string, 0, len(boundaries)-1)
	for i := 0; i < len(boundaries)-1; i++ {
		start := boundaries[i]
		if i > 0 {
			if start-overlap >= 0 {
				start -= overlap
			} else {
				start = 0
			}
			// The prefix start may land mid-rune; clip forward to the next
			// rune boundary so the chunk stays valid UTF-8.
			for start < boundaries[i] && !utf8.RuneStart(text[start]) {
				start++
			}
		}
		chunks = append(chunks, text[start:boundaries[i+1]])
	}
	return chunks
}

// findCut returns the byte offset to split at, in (pos, end]. The split lands
// just after the last occurrence of the highest-priority separator inside the
// window so the separator stays with the leading chunk.
func findCut(text string, pos, end int) int {
	window := text[pos:end]
	for _, sep := range separators {
		idx := lastIndex(window, sep)
		if idx >= 0 {
			return pos + idx + len(sep)
		}
	}
	// Hard cut; back off to a rune boundary so multi-byte characters survive.
	for end > pos+1 && !utf8.RuneStart(text[end]) {
		end--
	}
	return end
}

func lastIndex(s, sep string) int {
	for i := len(s) - len(sep); i >= 0; i-- {
		if s[i:i+len(sep)] == sep {
			return i
		}
	}
	return -1
}

// RecursiveChunks splits each page independently, preserving page boundaries.
// Chunk indexes restart at 0 per page. Pages with blank text are skipped.
func RecursiveChunks(pages []PageText, size, overlap int) []Chunk {
	var all []Chunk
	for _, page := range pages {
		if isBlank(page.Text) {
			continue
		}
		parts := SplitText(page.Text, size, overlap)
		for i, part := range parts {
			all = append(all, Chunk{
				PageNumber: page.PageNumber,
				Index:      i,
				Text:       part,
				Size:       len(part),
			})
		}
	}
	return all
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
