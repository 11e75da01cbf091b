package chunker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"ragbench/internal/config"
)

// Generator is the text-generation backend used for agentic chunking.
type Generator interface {
	Generate(ctx context.Context, model string, params config.LLMParams, prompt string) (string, error)
}

const agenticPromptTemplate = `You are an expert at semantic document chunking.

The following text is the content of page %d of a document:

---
%s
---

Split this text into semantic chunks. Each chunk should:
1. Be self-contained
2. Cover a single topic or point
3. Be at most %d characters long

Answer with a JSON array only, where each element has:
- "title": a short heading for the chunk
- "text": the chunk content

Example format:
[
  {"title": "Heading 1", "text": "content..."},
  {"title": "Heading 2", "text": "content..."}
]

Answer with the JSON array only, no other text.`

type agenticSegment struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// AgenticChunker asks the LLM for a titled semantic decomposition of each
// page. Any failure for a page degrades to a single untitled chunk holding the
// whole page; it never fails the chunking stage.
type AgenticChunker struct {
	gen      Generator
	model    string
	maxChars int
}

func NewAgenticChunker(gen Generator, model string, maxChars int) *AgenticChunker {
	return &AgenticChunker{gen: gen, model: model, maxChars: maxChars}
}

func (a *AgenticChunker) ChunkPages(ctx context.Context, pages []PageText, params config.LLMParams) []Chunk {
	var all []Chunk
	for _, page := range pages {
		if isBlank(page.Text) {
			continue
		}
		segments, err := a.chunkPage(ctx, page, params)
		if err != nil {
			log.Warn().Err(err).Int("page", page.PageNumber).Msg("agentic chunking failed, falling back to whole page")
			all = append(all, Chunk{
				PageNumber: page.PageNumber,
				Index:      0,
				Text:       page.Text,
				Title:      fmt.Sprintf("Page %d (fallback)", page.PageNumber),
				Size:       len(page.Text),
			})
			continue
		}
		for i, seg := range segments {
			all = append(all, Chunk{
				PageNumber: page.PageNumber,
				Index:      i,
				Text:       seg.Text,
				Title:      seg.Title,
				Size:       len(seg.Text),
			})
		}
		log.Info().Int("page", page.PageNumber).Int("chunks", len(segments)).Msg("agentic chunking done")
	}
	return all
}

func (a *AgenticChunker) chunkPage(ctx context.Context, page PageText, params config.LLMParams) ([]agenticSegment, error) {
	prompt := fmt.Sprintf(agenticPromptTemplate, page.PageNumber, page.Text, a.maxChars)

	response, err := a.gen.Generate(ctx, a.model, params, prompt)
	if err != nil {
		return nil, err
	}

	segments, err := parseSegments(response)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("no segments in response")
	}
	return segments, nil
}

// parseSegments extracts the JSON array from the response, tolerating prose
// around it and bare control characters inside string values.
func parseSegments(response string) ([]agenticSegment, error) {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}
	raw := response[start : end+1]

	var segments []agenticSegment
	if err := json.Unmarshal([]byte(raw), &segments); err != nil {
		if err2 := json.Unmarshal([]byte(sanitizeJSON(raw)), &segments); err2 != nil {
			return nil, fmt.Errorf("parse segments: %w", err)
		}
	}

	kept := segments[:0]
	for _, s := range segments {
		if strings.TrimSpace(s.Text) != "" {
			kept = append(kept, s)
		}
	}
	return kept, nil
}

// sanitizeJSON escapes raw control characters that LLMs sometimes emit inside
// JSON string values (literal newlines instead of \n), which the decoder
// rejects. Only characters inside string literals are rewritten.
func sanitizeJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for _, ch := range s {
		switch {
		case escaped:
			b.WriteRune(ch)
			escaped = false
		case ch == '\\' && inString:
			b.WriteRune(ch)
			escaped = true
		case ch == '"':
			inString = !inString
			b.WriteRune(ch)
		case inString && ch < 0x20:
			switch ch {
			case '\n':
				b.WriteString(`\n`)
			case '\r':
				b.WriteString(`\r`)
			case '\t':
				b.WriteString(`\t`)
			default:
				fmt.Fprintf(&b, `\u%04x`, ch)
			}
		default:
			b.WriteRune(ch)
		}
	}
	return b.String()
}
